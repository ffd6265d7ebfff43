package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа в панели.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, списание и проверки ещё не выполнены.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusInProgress — заказ принят в работу, стартовое количество ещё не зафиксировано.
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	// OrderStatusProcessing — заказ передан исполнителю и ожидает результата.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusActive — кампания запущена и набирает выполнение.
	OrderStatusActive OrderStatus = "ACTIVE"
	// OrderStatusPartial — исполнитель выполнил заказ частично, остаток возвращён.
	OrderStatusPartial OrderStatus = "PARTIAL"
	// OrderStatusPaused — заказ приостановлен оператором.
	OrderStatusPaused OrderStatus = "PAUSED"
	// OrderStatusHolding — заказ удержан до ручного решения (фрод или сбой).
	OrderStatusHolding OrderStatus = "HOLDING"
	// OrderStatusRefill — заказ добирает просевшее количество по гарантии.
	OrderStatusRefill OrderStatus = "REFILL"
	// OrderStatusCompleted — заказ выполнен полностью.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled — терминальный статус: заказ отменён, деньги возвращены.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// ErrorType классифицирует последний сбой обработки заказа.
type ErrorType string

const (
	// ErrorTypeRetryable — временный сбой, заказ будет обработан повторно.
	ErrorTypeRetryable ErrorType = "RETRYABLE"
	// ErrorTypePermanent — постоянный сбой, повторы бессмысленны.
	ErrorTypePermanent ErrorType = "PERMANENT"
	// ErrorTypeFraud — заказ остановлен фрод-проверкой.
	ErrorTypeFraud ErrorType = "FRAUD"
)

// Order агрегирует состояние заказа продвижения.
type Order struct {
	ID        int64
	UserID    int64
	ServiceID int64
	// Link — продвигаемая ссылка (пост, профиль, видео).
	Link     string
	Quantity int
	// StartCount — количество на момент запуска; база для расчёта выполнения.
	StartCount int
	// Remains — невыполненный остаток, никогда не отрицательный.
	Remains int

	// Счётчики по типам метрик из отчётов исполнителя: стартовое значение
	// фиксируется первым отчётом, текущее обновляется каждым.
	StartLikeCount       int
	CurrentLikeCount     int
	StartCommentCount    int
	CurrentCommentCount  int
	StartFollowerCount   int
	CurrentFollowerCount int
	// Charge — списанная с пользователя сумма, масштаб 8 знаков.
	Charge decimal.Decimal
	Status OrderStatus

	// ExternalBotOrderID — идентификатор заказа на стороне исполнителя.
	ExternalBotOrderID string

	ErrorMessage  string
	LastErrorType ErrorType
	// FailedPhase фиксирует фазу, на которой заказ ушёл в HOLDING.
	FailedPhase      string
	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	IsManuallyFailed bool
	// ProcessingPriority растёт при эскалации просроченных заказов.
	ProcessingPriority int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal сообщает, допускает ли статус дальнейшие переходы.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusProcessing,
		OrderStatusActive, OrderStatusPartial, OrderStatusPaused,
		OrderStatusHolding, OrderStatusRefill, OrderStatusCompleted,
		OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == 0 {
		errs = append(errs, ErrUserRequired)
	}
	if o.Link == "" {
		errs = append(errs, ErrLinkRequired)
	}
	if o.Quantity <= 0 {
		errs = append(errs, ErrQuantityInvalid)
	}
	if o.Remains < 0 {
		errs = append(errs, ErrRemainsNegative)
	}
	if o.Charge.IsNegative() {
		errs = append(errs, ErrChargeNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusUnknown)
	}

	return errs
}
