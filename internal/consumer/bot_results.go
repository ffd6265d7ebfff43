package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
)

// BotResultsConsumer применяет отчёты исполнителя к заказам.
// Устаревшие отчёты, пришедшие после более позднего перехода,
// подтверждаются без изменений.
type BotResultsConsumer struct {
	guard   *dedup.Guard
	states  *orderstate.Manager
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewBotResultsConsumer создает обработчик событий bot.results.
func NewBotResultsConsumer(guard *dedup.Guard, states *orderstate.Manager, m *metrics.PipelineMetrics) *BotResultsConsumer {
	return &BotResultsConsumer{
		guard:   guard,
		states:  states,
		logger:  log.WithField("component", "bot-results-consumer"),
		metrics: m,
	}
}

// Handle обрабатывает одно сообщение топика bot.results.
func (c *BotResultsConsumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	messageID := kafka.MessageID(msg.Topic, msg.Partition, msg.Offset)

	seen, err := c.guard.AlreadyProcessed(ctx, dedup.ClassBotResults, messageID, "")
	if err != nil {
		return err
	}
	if seen {
		c.record(msg.Topic, outcomeDuplicate, start)
		return nil
	}

	event, err := kafka.ParseBotResultEvent(msg)
	if err != nil {
		return kafka.Poison(err)
	}

	orderID, err := strconv.ParseInt(event.ExternalID, 10, 64)
	if err != nil {
		return kafka.Poison(fmt.Errorf("malformed external id %q: %w", event.ExternalID, err))
	}

	result := orderstate.Result{
		Status:    event.Status,
		Completed: event.Completed,
		Failed:    event.Failed,
		Error:     event.Error,

		StartLikeCount:       event.StartLikeCount,
		CurrentLikeCount:     event.CurrentLikeCount,
		StartCommentCount:    event.StartCommentCount,
		CurrentCommentCount:  event.CurrentCommentCount,
		StartFollowerCount:   event.StartFollowerCount,
		CurrentFollowerCount: event.CurrentFollowerCount,
	}

	if _, err := c.states.ApplyResult(ctx, orderID, result); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			// Отчёт опоздал, заказ уже в более позднем статусе
			c.logger.WithFields(log.Fields{
				"order_id": orderID,
				"status":   event.Status,
			}).Warn("stale bot result, skipping")
			c.record(msg.Topic, outcomeStale, start)
		case errors.Is(err, domain.ErrOrderNotFound):
			return kafka.Poison(fmt.Errorf("bot result for unknown order %d", orderID))
		default:
			return err
		}
	}

	if err := c.guard.MarkProcessed(ctx, dedup.ClassBotResults, messageID, ""); err != nil {
		c.logger.WithError(err).Warn("failed to mark message as processed")
	}
	c.record(msg.Topic, outcomeProcessed, start)
	return nil
}

func (c *BotResultsConsumer) record(topic, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordEvent(topic, outcome)
	c.metrics.RecordProcessingDuration(topic, time.Since(start))
}
