package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

func TestDepositRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDepositRepository(store)
	userID := seedIntegrationUser(t, store)

	created, err := repo.Create(domain.Deposit{
		UserID:    userID,
		PaymentID: "pay-int-1",
		Provider:  "cryptomus",
		Amount:    decimal.RequireFromString("25"),
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if created.Status != domain.DepositStatusPending {
		t.Fatalf("expected pending status, got %s", created.Status)
	}

	got, err := repo.GetByPaymentID("pay-int-1")
	if err != nil {
		t.Fatalf("get by payment id: %v", err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("unexpected amount: %s", got.Amount)
	}

	now := time.Now().UTC()
	got.Status = domain.DepositStatusCompleted
	got.ConfirmedAt = &now
	if err := repo.Save(got); err != nil {
		t.Fatalf("save deposit: %v", err)
	}

	// Stale version must conflict.
	if err := repo.Save(got); !errors.Is(err, domain.ErrDepositVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	confirmed, err := repo.GetByPaymentID("pay-int-1")
	if err != nil {
		t.Fatalf("get confirmed deposit: %v", err)
	}
	if confirmed.Status != domain.DepositStatusCompleted {
		t.Fatalf("expected completed status, got %s", confirmed.Status)
	}
	if confirmed.ConfirmedAt == nil {
		t.Fatal("expected confirmation timestamp")
	}

	if _, err := repo.GetByPaymentID("ghost"); !errors.Is(err, domain.ErrDepositNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := repo.Create(domain.Deposit{
		UserID:    userID,
		PaymentID: "pay-int-1",
		Amount:    decimal.RequireFromString("25"),
	}); err == nil {
		t.Fatal("expected duplicate payment id to fail")
	}
}
