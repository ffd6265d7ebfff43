package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/retry"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/fraud"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
)

// OrderCreatedConsumer запускает обработку нового заказа: фрод-проверки,
// списание, стартовое количество и передачу исполнителю. Недоступный
// исполнитель переключает заказ на кампанию трекера, отказ обоих каналов
// оставляет заказ в HOLDING для ручного разбора.
type OrderCreatedConsumer struct {
	guard     *dedup.Guard
	orders    domain.OrderRepository
	users     domain.UserRepository
	ledger    Ledger
	fraud     *fraud.Checker
	states    *orderstate.Manager
	bot       domain.BotService
	campaigns domain.CampaignService
	probe     domain.StartCountProbe
	breaker   *retry.CircuitBreaker
	logger    *log.Entry
	metrics   *metrics.PipelineMetrics
}

// NewOrderCreatedConsumer создает обработчик событий order.created.
// breaker и metrics могут быть nil.
func NewOrderCreatedConsumer(
	guard *dedup.Guard,
	orders domain.OrderRepository,
	users domain.UserRepository,
	ledger Ledger,
	fraudChecker *fraud.Checker,
	states *orderstate.Manager,
	bot domain.BotService,
	campaigns domain.CampaignService,
	probe domain.StartCountProbe,
	breaker *retry.CircuitBreaker,
	m *metrics.PipelineMetrics,
) *OrderCreatedConsumer {
	return &OrderCreatedConsumer{
		guard:     guard,
		orders:    orders,
		users:     users,
		ledger:    ledger,
		fraud:     fraudChecker,
		states:    states,
		bot:       bot,
		campaigns: campaigns,
		probe:     probe,
		breaker:   breaker,
		logger:    log.WithField("component", "order-created-consumer"),
		metrics:   m,
	}
}

// Handle обрабатывает одно сообщение топика order.created.
func (c *OrderCreatedConsumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	messageID := kafka.MessageID(msg.Topic, msg.Partition, msg.Offset)

	seen, err := c.guard.AlreadyProcessed(ctx, dedup.ClassOrderEvents, messageID, "")
	if err != nil {
		return err
	}
	if seen {
		c.record(msg.Topic, outcomeDuplicate, start)
		return nil
	}

	event, err := kafka.ParseOrderCreatedEvent(msg)
	if err != nil {
		return kafka.Poison(err)
	}

	if err := c.process(ctx, event.OrderID); err != nil {
		return err
	}

	if err := c.guard.MarkProcessed(ctx, dedup.ClassOrderEvents, messageID, ""); err != nil {
		c.logger.WithError(err).Warn("failed to mark message as processed")
	}
	c.record(msg.Topic, outcomeProcessed, start)
	return nil
}

func (c *OrderCreatedConsumer) process(ctx context.Context, orderID int64) error {
	order, err := c.orders.Get(orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			// Событие могло обогнать запись заказа, ждём redelivery
			return fmt.Errorf("order %d not yet visible: %w", orderID, err)
		}
		return err
	}

	// Повторная доставка после частичной обработки продолжает пайплайн,
	// заказ в любом другом статусе уже прошёл его целиком
	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusInProgress:
	default:
		c.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("order already processed, skipping")
		return nil
	}

	user, err := c.users.Get(order.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return kafka.Poison(fmt.Errorf("order %d references missing user %d", order.ID, order.UserID))
		}
		return err
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		_, terr := c.states.TransitionWith(ctx, order.ID, domain.OrderStatusCancelled, "order failed validation", func(o *domain.Order) error {
			o.LastErrorType = domain.ErrorTypePermanent
			o.FailedPhase = string(domain.PhaseValidation)
			o.ErrorMessage = strings.Join(msgs, "; ")
			return nil
		})
		return terr
	}

	if order.Status == domain.OrderStatusPending {
		report, err := c.fraud.Check(ctx, order, user)
		if err != nil {
			return err
		}
		if !report.OK() {
			reasons := make([]string, 0, len(report.Violations))
			for _, v := range report.Violations {
				reasons = append(reasons, v.Check)
			}
			_, terr := c.states.TransitionWith(ctx, order.ID, domain.OrderStatusHolding, "held by fraud checks", func(o *domain.Order) error {
				o.LastErrorType = domain.ErrorTypeFraud
				o.FailedPhase = string(domain.PhaseFraudCheck)
				o.ErrorMessage = strings.Join(reasons, ", ")
				return nil
			})
			return terr
		}

		charged := true
		if order.Charge.IsPositive() {
			charged, err = c.ledger.CheckAndDeduct(ctx, order.UserID, order.Charge, order.ID, "order payment")
			if err != nil {
				return err
			}
		}
		if !charged {
			_, terr := c.states.TransitionWith(ctx, order.ID, domain.OrderStatusCancelled, "insufficient balance", func(o *domain.Order) error {
				o.LastErrorType = domain.ErrorTypePermanent
				o.FailedPhase = string(domain.PhaseValidation)
				o.ErrorMessage = "insufficient balance"
				o.Charge = decimal.Zero
				return nil
			})
			return terr
		}
		if c.metrics != nil {
			c.metrics.RecordLedgerOperation("order_payment")
		}

		order, err = c.states.Transition(ctx, order.ID, domain.OrderStatusInProgress, "payment captured")
		if err != nil {
			return err
		}
	}

	startCount, err := c.probe.Fetch(order.Link)
	if err != nil {
		if errors.Is(err, domain.ErrSourceUnavailable) {
			_, terr := c.states.MarkContentUnavailable(ctx, order.ID, "source content unavailable")
			return terr
		}
		return fmt.Errorf("fetch start count for order %d: %w", order.ID, err)
	}

	return c.dispatch(ctx, order, startCount)
}

// dispatch передаёт заказ исполнителю; при его недоступности заказ
// уходит в кампанию трекера, при отказе обоих каналов — в HOLDING.
func (c *OrderCreatedConsumer) dispatch(ctx context.Context, order domain.Order, startCount int) error {
	if order.ExternalBotOrderID != "" {
		// Заказ уже передан исполнителю в предыдущей доставке
		_, err := c.states.Transition(ctx, order.ID, domain.OrderStatusProcessing, "submitted to executor")
		return err
	}

	externalID, submitErr := c.submit(order)
	if submitErr == nil {
		_, err := c.states.TransitionWith(ctx, order.ID, domain.OrderStatusProcessing, "submitted to executor", func(o *domain.Order) error {
			o.StartCount = startCount
			o.ExternalBotOrderID = externalID
			return nil
		})
		return err
	}

	c.logger.WithError(submitErr).WithField("order_id", order.ID).Warn("executor unavailable, falling back to campaign")

	offerName := fmt.Sprintf("Order %d - %s", order.ID, order.Link)
	if _, err := c.campaigns.AssignOffer(order.ID, offerName, order.Link, ""); err != nil {
		c.logger.WithError(err).WithField("order_id", order.ID).Error("campaign fallback failed, holding order")
		_, terr := c.states.TransitionWith(ctx, order.ID, domain.OrderStatusHolding, "automation unavailable", func(o *domain.Order) error {
			o.LastErrorType = domain.ErrorTypeRetryable
			o.FailedPhase = string(domain.PhaseBotSubmit)
			o.ErrorMessage = submitErr.Error()
			o.StartCount = startCount
			return nil
		})
		return terr
	}

	_, err := c.states.TransitionWith(ctx, order.ID, domain.OrderStatusActive, "campaign assigned", func(o *domain.Order) error {
		o.StartCount = startCount
		return nil
	})
	return err
}

func (c *OrderCreatedConsumer) submit(order domain.Order) (string, error) {
	var externalID string
	op := func() error {
		id, err := c.bot.Submit(order)
		if err != nil {
			return err
		}
		externalID = id
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute("bot-submit", op); err != nil {
			return "", err
		}
		return externalID, nil
	}
	if err := op(); err != nil {
		return "", err
	}
	return externalID, nil
}

func (c *OrderCreatedConsumer) record(topic, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordEvent(topic, outcome)
	c.metrics.RecordProcessingDuration(topic, time.Since(start))
}
