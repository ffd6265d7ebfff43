package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale — число знаков после запятой для всех денежных величин.
const MoneyScale = 8

// MoneyRound приводит сумму к финансовому масштабу с округлением half-up.
func MoneyRound(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// TransactionType описывает направление движения средств.
type TransactionType string

const (
	// TransactionTypeDeposit — пополнение баланса после подтверждения платежа.
	TransactionTypeDeposit TransactionType = "DEPOSIT"
	// TransactionTypeOrderPayment — списание за размещённый заказ.
	TransactionTypeOrderPayment TransactionType = "ORDER_PAYMENT"
	// TransactionTypeRefund — возврат за отменённый или частично выполненный заказ.
	TransactionTypeRefund TransactionType = "REFUND"
	// TransactionTypeAdjustment — ручная корректировка оператором.
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
	// TransactionTypeTransferOut — перевод средств другому пользователю, сторона отправителя.
	TransactionTypeTransferOut TransactionType = "TRANSFER_OUT"
	// TransactionTypeTransferIn — перевод средств, сторона получателя.
	TransactionTypeTransferIn TransactionType = "TRANSFER_IN"
)

// ReconciliationStatus отражает состояние записи в процессе сверки.
type ReconciliationStatus string

const (
	ReconciliationPending     ReconciliationStatus = "PENDING"
	ReconciliationReconciled  ReconciliationStatus = "RECONCILED"
	ReconciliationDiscrepancy ReconciliationStatus = "DISCREPANCY"
)

// BalanceTransaction — неизменяемая запись журнала движения средств.
// Записи только добавляются; сумма со знаком плюс снимки до и после
// позволяют реконструировать баланс на любой момент.
type BalanceTransaction struct {
	ID     string
	UserID int64
	// OrderID заполняется для списаний и возвратов по заказам.
	OrderID *int64
	// DepositID заполняется для пополнений.
	DepositID *string
	// TransactionRef — внешний идемпотентный ключ операции, уникален в журнале.
	TransactionRef string
	Type           TransactionType
	// Amount — величина операции, всегда положительная; направление задаёт Type.
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	// AuditHash связывает запись с её содержимым для контроля целостности.
	AuditHash            string
	ReconciliationStatus ReconciliationStatus
	CreatedAt            time.Time
}

// ComputeAuditHash считает контрольный хэш записи по её финансовым полям.
func (t *BalanceTransaction) ComputeAuditHash() string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		t.UserID,
		t.TransactionRef,
		t.Type,
		t.Amount.StringFixed(MoneyScale),
		t.BalanceBefore.StringFixed(MoneyScale),
		t.BalanceAfter.StringFixed(MoneyScale),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Validate проверяет согласованность записи журнала.
func (t *BalanceTransaction) Validate() []error {
	var errs []error

	if t.UserID == 0 {
		errs = append(errs, ErrUserRequired)
	}
	if t.TransactionRef == "" {
		errs = append(errs, ErrTransactionRefRequired)
	}
	if t.Amount.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}
	if t.BalanceAfter.IsNegative() {
		errs = append(errs, ErrBalanceNegative)
	}

	return errs
}
