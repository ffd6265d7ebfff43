package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/alert"
	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
)

// OrderStatusChangedConsumer читает собственные события смены статуса
// и превращает терминальные переходы в уведомления.
type OrderStatusChangedConsumer struct {
	guard   *dedup.Guard
	alerts  alert.Sender
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewOrderStatusChangedConsumer создает обработчик событий смены статуса.
func NewOrderStatusChangedConsumer(guard *dedup.Guard, alerts alert.Sender, m *metrics.PipelineMetrics) *OrderStatusChangedConsumer {
	return &OrderStatusChangedConsumer{
		guard:   guard,
		alerts:  alerts,
		logger:  log.WithField("component", "order-status-consumer"),
		metrics: m,
	}
}

// Handle обрабатывает одно сообщение топика order.status.changed.
func (c *OrderStatusChangedConsumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	messageID := kafka.MessageID(msg.Topic, msg.Partition, msg.Offset)

	seen, err := c.guard.AlreadyProcessed(ctx, dedup.ClassOrderEvents, messageID, "")
	if err == nil && seen {
		c.record(msg.Topic, outcomeDuplicate, start)
		return nil
	}

	event, err := kafka.ParseOrderStatusChangedEvent(msg)
	if err != nil {
		return kafka.Poison(err)
	}

	if err := c.notify(ctx, event); err != nil {
		return err
	}

	if err := c.guard.MarkProcessed(ctx, dedup.ClassOrderEvents, messageID, ""); err != nil {
		c.logger.WithError(err).Warn("failed to mark status event as processed")
	}
	c.record(msg.Topic, outcomeProcessed, start)
	return nil
}

func (c *OrderStatusChangedConsumer) notify(ctx context.Context, event *kafka.OrderStatusChangedEvent) error {
	a, ok := c.alertFor(event)
	if !ok {
		return nil
	}
	if err := c.alerts.Send(ctx, a); err != nil {
		c.logger.WithError(err).WithField("order_id", event.OrderID).Warn("failed to send order notification")
	}
	return nil
}

// alertFor определяет, требует ли переход уведомления.
func (c *OrderStatusChangedConsumer) alertFor(event *kafka.OrderStatusChangedEvent) (alert.Alert, bool) {
	base := alert.Alert{
		OrderID: event.OrderID,
		UserID:  event.UserID,
		At:      time.Now().UTC(),
	}
	switch domain.OrderStatus(event.NewStatus) {
	case domain.OrderStatusCompleted:
		base.Severity = alert.SeverityInfo
		base.Kind = "order_completed"
		base.Message = fmt.Sprintf("order %d completed", event.OrderID)
	case domain.OrderStatusCancelled:
		base.Severity = alert.SeverityInfo
		base.Kind = "order_cancelled"
		base.Message = fmt.Sprintf("order %d cancelled: %s", event.OrderID, event.Reason)
	case domain.OrderStatusHolding:
		base.Severity = alert.SeverityWarning
		base.Kind = "order_holding"
		base.Message = fmt.Sprintf("order %d moved to holding: %s", event.OrderID, event.Reason)
	default:
		return alert.Alert{}, false
	}
	return base, true
}

func (c *OrderStatusChangedConsumer) record(topic, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordEvent(topic, outcome)
	c.metrics.RecordProcessingDuration(topic, time.Since(start))
}
