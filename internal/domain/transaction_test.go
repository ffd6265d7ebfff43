package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

func makeTransaction() domain.BalanceTransaction {
	return domain.BalanceTransaction{
		ID:             "txn-1",
		UserID:         42,
		TransactionRef: "order-payment:1",
		Type:           domain.TransactionTypeOrderPayment,
		Amount:         decimal.RequireFromString("5.00000000"),
		BalanceBefore:  decimal.RequireFromString("10.00000000"),
		BalanceAfter:   decimal.RequireFromString("5.00000000"),
	}
}

func TestTransactionAuditHash_Deterministic(t *testing.T) {
	a := makeTransaction()
	b := makeTransaction()

	if a.ComputeAuditHash() != b.ComputeAuditHash() {
		t.Fatalf("same transaction must produce same audit hash")
	}

	b.Amount = decimal.RequireFromString("5.00000001")
	if a.ComputeAuditHash() == b.ComputeAuditHash() {
		t.Fatalf("changed amount must change audit hash")
	}
}

func TestTransactionValidate(t *testing.T) {
	txn := makeTransaction()
	if errs := txn.Validate(); len(errs) != 0 {
		t.Fatalf("expected valid transaction, got %v", errs)
	}

	txn.TransactionRef = ""
	txn.BalanceAfter = decimal.RequireFromString("-1")
	if errs := txn.Validate(); len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %v", errs)
	}
}

func TestMoneyRound_HalfUp(t *testing.T) {
	// 8 знаков, половина округляется вверх.
	got := domain.MoneyRound(decimal.RequireFromString("1.000000005"))
	want := decimal.RequireFromString("1.00000001")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
