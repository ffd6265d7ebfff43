package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus описывает состояние пополнения баланса.
type DepositStatus string

const (
	// DepositStatusPending — платёж создан у провайдера, но подтверждение ещё не пришло.
	DepositStatusPending DepositStatus = "PENDING"
	// DepositStatusCompleted — провайдер подтвердил платёж, баланс пополнен.
	DepositStatusCompleted DepositStatus = "COMPLETED"
	// DepositStatusFailed — провайдер отклонил платёж.
	DepositStatusFailed DepositStatus = "FAILED"
	// DepositStatusExpired — платёж не был завершён в отведённое время.
	DepositStatusExpired DepositStatus = "EXPIRED"
	// DepositStatusRefunded — провайдер вернул платёж после подтверждения.
	DepositStatusRefunded DepositStatus = "REFUNDED"
)

// Deposit описывает пополнение баланса через платёжного провайдера.
type Deposit struct {
	ID     string
	UserID int64
	// PaymentID — идентификатор платежа на стороне провайдера.
	PaymentID string
	Provider  string
	Amount    decimal.Decimal
	Currency  string
	Status    DepositStatus

	Version     int64
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// Validate проверяет корректность полей пополнения и возвращает ошибки, если они есть.
func (d *Deposit) Validate() []error {
	var errs []error

	switch {
	case d.UserID == 0:
		errs = append(errs, ErrUserRequired)
	case d.PaymentID == "":
		errs = append(errs, ErrPaymentIDRequired)
	case d.Amount.IsNegative():
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}
