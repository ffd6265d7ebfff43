package kafka

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType определяет тип события
type EventType string

const (
	// Order события
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderStatusChanged EventType = "order.status.changed"

	// Payment события
	EventTypePaymentConfirmation EventType = "payment.confirmation"
	EventTypePaymentRefund       EventType = "payment.refund"

	// Automation события
	EventTypeBotResult       EventType = "bot.result"
	EventTypeOfferAssignment EventType = "offer.assignment"
)

// Topics для Kafka
const (
	TopicOrderCreated         = "order.created"
	TopicOrderStatusChanged   = "order.status.changed"
	TopicPaymentConfirmations = "payment.confirmations"
	TopicPaymentWebhooks      = "payment.webhooks"
	TopicPaymentRefunds       = "payment.refunds"
	TopicBotResults           = "bot.results"
	TopicOfferAssignments     = "offer.assignments"
)

// DLQSuffix добавляется к имени топика для dead-letter копий.
const DLQSuffix = ".dlq"

// DLQTopic возвращает dead-letter топик для исходного топика.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}

// MessageID выводит идентификатор сообщения из его долговременных координат.
// Повторная доставка того же физического сообщения даёт тот же идентификатор.
func MessageID(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s-%d-%d", topic, partition, offset)
}

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderCreatedEvent сигнализирует о появлении нового заказа.
type OrderCreatedEvent struct {
	OrderID   int64     `json:"orderId"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent фиксирует переход статуса заказа.
type OrderStatusChangedEvent struct {
	OrderID   int64     `json:"orderId"`
	UserID    int64     `json:"userId"`
	OldStatus string    `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentConfirmationEvent — подтверждение платежа от провайдера.
type PaymentConfirmationEvent struct {
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OrderID       *int64          `json:"orderId,omitempty"`
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PaymentRefundEvent — запрос возврата платежа.
type PaymentRefundEvent struct {
	TransactionID string          `json:"transaction_id"`
	OrderID       int64           `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
}

// BotResultEvent — отчёт исполнителя о ходе заказа.
// ExternalID — строковый идентификатор заказа панели.
type BotResultEvent struct {
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`

	StartLikeCount       int `json:"startLikeCount"`
	CurrentLikeCount     int `json:"currentLikeCount"`
	StartCommentCount    int `json:"startCommentCount"`
	CurrentCommentCount  int `json:"currentCommentCount"`
	StartFollowerCount   int `json:"startFollowerCount"`
	CurrentFollowerCount int `json:"currentFollowerCount"`

	Error string `json:"error,omitempty"`
}

// OfferAssignmentEvent — привязка оффера к кампаниям трекера.
type OfferAssignmentEvent struct {
	OfferName    string `json:"offerName"`
	TargetURL    string `json:"targetUrl"`
	OrderID      int64  `json:"orderId"`
	Description  string `json:"description,omitempty"`
	GeoTargeting string `json:"geoTargeting,omitempty"`
}

// NewOrderCreatedEvent создает событие о новом заказе
func NewOrderCreatedEvent(orderID, userID int64) OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:   orderID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// NewOrderStatusChangedEvent создает событие о смене статуса заказа
func NewOrderStatusChangedEvent(orderID, userID int64, oldStatus, newStatus, reason string) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		OrderID:   orderID,
		UserID:    userID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
