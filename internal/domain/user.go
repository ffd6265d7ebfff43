package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User хранит баланс и счётчики трат пользователя панели.
type User struct {
	ID       int64
	Username string
	Email    string
	// Balance — текущий остаток, масштаб 8 знаков, неотрицательный.
	Balance decimal.Decimal
	// TotalSpent накапливает все списания за заказы.
	TotalSpent decimal.Decimal
	// Verified учитывается фрод-проверкой дорогих заказов.
	Verified bool
	Active   bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет корректность полей пользователя и возвращает ошибки, если они есть.
func (u *User) Validate() []error {
	var errs []error

	if u.Username == "" {
		errs = append(errs, ErrUsernameRequired)
	}
	if u.Balance.IsNegative() {
		errs = append(errs, ErrBalanceNegative)
	}
	if u.TotalSpent.IsNegative() {
		errs = append(errs, ErrTotalSpentNegative)
	}

	return errs
}
