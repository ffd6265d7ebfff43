package domain_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// helper для создания базового заказа.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:        1,
		UserID:    42,
		ServiceID: 7,
		Link:      "https://example.com/p/abc",
		Quantity:  1000,
		Remains:   1000,
		Charge:    decimal.RequireFromString("5.00000000"),
		Status:    domain.OrderStatusPending,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{
			name: "no user",
			mut: func(o *domain.Order) {
				o.UserID = 0
			},
		},
		{
			name: "no link",
			mut: func(o *domain.Order) {
				o.Link = ""
			},
		},
		{
			name: "quantity invalid",
			mut: func(o *domain.Order) {
				o.Quantity = 0
			},
		},
		{
			name: "remains negative",
			mut: func(o *domain.Order) {
				o.Remains = -1
			},
		},
		{
			name: "charge negative",
			mut: func(o *domain.Order) {
				o.Charge = decimal.RequireFromString("-0.00000001")
			},
		},
		{
			name: "status unknown",
			mut: func(o *domain.Order) {
				o.Status = domain.OrderStatus("BROKEN")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			if errs := order.ValidateInvariants(); len(errs) == 0 {
				t.Fatalf("expected validation errors, got none")
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	if !domain.OrderStatusCancelled.Terminal() {
		t.Fatalf("CANCELLED must be terminal")
	}
	for _, s := range []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusCompleted,
		domain.OrderStatusPartial,
		domain.OrderStatusHolding,
	} {
		if s.Terminal() {
			t.Fatalf("status %s must not be terminal", s)
		}
	}
}
