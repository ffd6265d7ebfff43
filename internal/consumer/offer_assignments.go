package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
)

// OfferAssignmentsConsumer привязывает офферы трекера к заказам,
// которые не удалось передать исполнителю напрямую.
type OfferAssignmentsConsumer struct {
	guard     *dedup.Guard
	campaigns domain.CampaignService
	states    *orderstate.Manager
	logger    *log.Entry
	metrics   *metrics.PipelineMetrics
}

// NewOfferAssignmentsConsumer создает обработчик привязки офферов.
func NewOfferAssignmentsConsumer(
	guard *dedup.Guard,
	campaigns domain.CampaignService,
	states *orderstate.Manager,
	m *metrics.PipelineMetrics,
) *OfferAssignmentsConsumer {
	return &OfferAssignmentsConsumer{
		guard:     guard,
		campaigns: campaigns,
		states:    states,
		logger:    log.WithField("component", "offer-assignments-consumer"),
		metrics:   m,
	}
}

// Handle обрабатывает одно сообщение топика offer.assignments.
func (c *OfferAssignmentsConsumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	messageID := kafka.MessageID(msg.Topic, msg.Partition, msg.Offset)

	seen, err := c.guard.AlreadyProcessed(ctx, dedup.ClassOrderEvents, messageID, "")
	if err == nil && seen {
		c.record(msg.Topic, outcomeDuplicate, start)
		return nil
	}

	event, err := kafka.ParseOfferAssignmentEvent(msg)
	if err != nil {
		return kafka.Poison(err)
	}

	if err := c.process(ctx, event); err != nil {
		return err
	}

	if err := c.guard.MarkProcessed(ctx, dedup.ClassOrderEvents, messageID, ""); err != nil {
		c.logger.WithError(err).Warn("failed to mark offer assignment as processed")
	}
	c.record(msg.Topic, outcomeProcessed, start)
	return nil
}

func (c *OfferAssignmentsConsumer) process(ctx context.Context, event *kafka.OfferAssignmentEvent) error {
	if event.OrderID <= 0 || event.TargetURL == "" {
		return kafka.Poison(fmt.Errorf("offer assignment missing order id or target url"))
	}

	assignment, err := c.campaigns.AssignOffer(event.OrderID, event.OfferName, event.TargetURL, event.GeoTargeting)
	if err != nil {
		// Трекер недоступен, дождёмся повторной доставки
		return fmt.Errorf("assign offer for order %d: %w", event.OrderID, err)
	}

	_, err = c.states.Transition(ctx, event.OrderID, domain.OrderStatusActive, "offer assigned")
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			c.logger.WithField("order_id", event.OrderID).Warn("stale offer assignment, skipping")
			if c.metrics != nil {
				c.metrics.RecordEvent(kafka.TopicOfferAssignments, outcomeStale)
			}
			return nil
		}
		if errors.Is(err, domain.ErrOrderNotFound) {
			return kafka.Poison(fmt.Errorf("offer assignment for unknown order %d", event.OrderID))
		}
		return err
	}

	c.logger.WithFields(log.Fields{
		"order_id":  event.OrderID,
		"offer_id":  assignment.OfferID,
		"campaigns": len(assignment.CampaignIDs),
	}).Info("offer assigned to order")
	return nil
}

func (c *OfferAssignmentsConsumer) record(topic, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordEvent(topic, outcome)
	c.metrics.RecordProcessingDuration(topic, time.Since(start))
}
