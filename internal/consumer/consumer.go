// Package consumer содержит обработчики Kafka-событий жизненного цикла
// заказов. Каждый обработчик защищён дедупликацией по message id,
// неустранимые сообщения помечаются как poison и уходят в DLQ.
package consumer

import (
	"context"

	"github.com/shopspring/decimal"
)

// Исходы обработки для метрик.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeStale     = "stale"
)

// Ledger — денежные операции, нужные консьюмерам.
type Ledger interface {
	// Add зачисляет средства идемпотентно по ref.
	Add(ctx context.Context, userID int64, amount decimal.Decimal, ref, reason string, depositID *string) (decimal.Decimal, error)
	// CheckAndDeduct атомарно проверяет баланс и списывает сумму.
	CheckAndDeduct(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64, reason string) (bool, error)
	// Refund возвращает средства идемпотентно по заказу.
	Refund(ctx context.Context, userID int64, amount decimal.Decimal, orderID *int64, reason string) error
}
