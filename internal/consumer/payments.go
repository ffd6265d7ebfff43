package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/ledger"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
)

// PaymentsConsumer обрабатывает платёжные события: подтверждения
// провайдера, сырые webhook'и и возвраты. Дедупликация для этого класса
// fail-closed: при недоступном Redis сообщение не подтверждается
// и будет доставлено повторно.
type PaymentsConsumer struct {
	guard    *dedup.Guard
	deposits domain.DepositRepository
	orders   domain.OrderRepository
	ledger   Ledger
	states   *orderstate.Manager
	logger   *log.Entry
	metrics  *metrics.PipelineMetrics
}

// NewPaymentsConsumer создает обработчик платёжных событий.
func NewPaymentsConsumer(
	guard *dedup.Guard,
	deposits domain.DepositRepository,
	orders domain.OrderRepository,
	ledgerSvc Ledger,
	states *orderstate.Manager,
	m *metrics.PipelineMetrics,
) *PaymentsConsumer {
	return &PaymentsConsumer{
		guard:    guard,
		deposits: deposits,
		orders:   orders,
		ledger:   ledgerSvc,
		states:   states,
		logger:   log.WithField("component", "payments-consumer"),
		metrics:  m,
	}
}

// HandleConfirmation обрабатывает одно сообщение топика payment.confirmations.
func (c *PaymentsConsumer) HandleConfirmation(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return c.withGuard(ctx, msg, func(ctx context.Context) error {
		event, err := kafka.ParsePaymentConfirmationEvent(msg)
		if err != nil {
			return kafka.Poison(err)
		}
		return c.processConfirmation(ctx, event)
	})
}

// HandleWebhook обрабатывает сырой webhook провайдера: нормализует
// плоский словарь в подтверждение и ведёт его тем же путём.
func (c *PaymentsConsumer) HandleWebhook(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return c.withGuard(ctx, msg, func(ctx context.Context) error {
		payload, err := kafka.ParsePaymentWebhook(msg)
		if err != nil {
			return kafka.Poison(err)
		}
		event, err := confirmationFromWebhook(payload)
		if err != nil {
			return kafka.Poison(err)
		}
		return c.processConfirmation(ctx, event)
	})
}

// HandleRefund обрабатывает одно сообщение топика payment.refunds.
func (c *PaymentsConsumer) HandleRefund(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return c.withGuard(ctx, msg, func(ctx context.Context) error {
		event, err := kafka.ParsePaymentRefundEvent(msg)
		if err != nil {
			return kafka.Poison(err)
		}
		return c.processRefund(ctx, event)
	})
}

// withGuard выполняет обработку под защитой дедупликации класса payments.
func (c *PaymentsConsumer) withGuard(ctx context.Context, msg *sarama.ConsumerMessage, handle func(context.Context) error) error {
	start := time.Now()
	messageID := kafka.MessageID(msg.Topic, msg.Partition, msg.Offset)

	seen, err := c.guard.AlreadyProcessed(ctx, dedup.ClassPayments, messageID, "")
	if err != nil {
		// Fail-closed: без уверенности в дедупликации платёж не обрабатываем
		return err
	}
	if seen {
		c.record(msg.Topic, outcomeDuplicate, start)
		return nil
	}

	if err := handle(ctx); err != nil {
		return err
	}

	if err := c.guard.MarkProcessed(ctx, dedup.ClassPayments, messageID, ""); err != nil {
		c.logger.WithError(err).Warn("failed to mark payment message as processed")
	}
	c.record(msg.Topic, outcomeProcessed, start)
	return nil
}

func (c *PaymentsConsumer) processConfirmation(ctx context.Context, event *kafka.PaymentConfirmationEvent) error {
	deposit, err := c.deposits.GetByPaymentID(event.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrDepositNotFound) {
			return kafka.Poison(fmt.Errorf("confirmation for unknown payment %s", event.TransactionID))
		}
		return err
	}

	switch normalizePaymentStatus(event.Status) {
	case domain.DepositStatusCompleted:
		return c.completeDeposit(ctx, deposit, event)
	case domain.DepositStatusFailed:
		return c.closeDeposit(deposit, domain.DepositStatusFailed)
	case domain.DepositStatusExpired:
		return c.closeDeposit(deposit, domain.DepositStatusExpired)
	case domain.DepositStatusRefunded:
		return c.markDepositRefunded(deposit.PaymentID)
	default:
		return kafka.Poison(fmt.Errorf("unknown payment status %q for payment %s", event.Status, event.TransactionID))
	}
}

// completeDeposit зачисляет подтверждённое пополнение и активирует
// привязанный заказ, если он указан.
func (c *PaymentsConsumer) completeDeposit(ctx context.Context, deposit domain.Deposit, event *kafka.PaymentConfirmationEvent) error {
	if deposit.Status == domain.DepositStatusCompleted {
		// Подтверждение уже применялось, осталось довести заказ
		return c.activateOrder(ctx, event.OrderID)
	}
	if deposit.Status != domain.DepositStatusPending {
		return kafka.Poison(fmt.Errorf("confirmation for %s deposit %s", deposit.Status, deposit.PaymentID))
	}
	if !event.Amount.Equal(deposit.Amount) {
		return kafka.Poison(fmt.Errorf("amount mismatch for payment %s: confirmed %s, expected %s",
			deposit.PaymentID, event.Amount, deposit.Amount))
	}

	ref := ledger.DepositRef(deposit.PaymentID)
	if _, err := c.ledger.Add(ctx, deposit.UserID, deposit.Amount, ref, "balance deposit", &deposit.PaymentID); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordLedgerOperation("deposit")
	}

	now := time.Now().UTC()
	deposit.Status = domain.DepositStatusCompleted
	deposit.ConfirmedAt = &now
	if err := c.deposits.Save(deposit); err != nil {
		// Деньги зачислены идемпотентно, повторная доставка доведёт статус
		return err
	}

	c.logger.WithFields(log.Fields{
		"payment_id": deposit.PaymentID,
		"user_id":    deposit.UserID,
		"amount":     deposit.Amount,
	}).Info("deposit confirmed")

	return c.activateOrder(ctx, event.OrderID)
}

// activateOrder переводит оплаченный заказ в работу. Устаревшее
// подтверждение для уже продвинувшегося заказа не ошибка.
func (c *PaymentsConsumer) activateOrder(ctx context.Context, orderID *int64) error {
	if orderID == nil {
		return nil
	}
	_, err := c.states.Transition(ctx, *orderID, domain.OrderStatusActive, "payment confirmed")
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		if errors.Is(err, domain.ErrOrderNotFound) {
			return kafka.Poison(fmt.Errorf("confirmation references unknown order %d", *orderID))
		}
		return err
	}
	return nil
}

func (c *PaymentsConsumer) closeDeposit(deposit domain.Deposit, status domain.DepositStatus) error {
	if deposit.Status == status {
		return nil
	}
	if deposit.Status != domain.DepositStatusPending {
		return nil
	}
	deposit.Status = status
	if err := c.deposits.Save(deposit); err != nil {
		return err
	}
	c.logger.WithFields(log.Fields{
		"payment_id": deposit.PaymentID,
		"status":     status,
	}).Info("deposit closed")
	return nil
}

func (c *PaymentsConsumer) processRefund(ctx context.Context, event *kafka.PaymentRefundEvent) error {
	if err := c.markDepositRefunded(event.TransactionID); err != nil {
		return err
	}

	order, err := c.orders.Get(event.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return kafka.Poison(fmt.Errorf("refund for unknown order %d", event.OrderID))
		}
		return err
	}

	amount := event.Amount
	if amount.IsZero() {
		amount = order.Charge
	}

	reason := event.Reason
	if reason == "" {
		reason = fmt.Sprintf("provider refund %s", event.TransactionID)
	}
	if err := c.ledger.Refund(ctx, order.UserID, amount, &order.ID, reason); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordRefund()
	}

	_, err = c.states.TransitionWith(ctx, order.ID, domain.OrderStatusCancelled, "payment refunded", func(o *domain.Order) error {
		o.Charge = decimal.Zero
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Заказ уже закрыт, возврат применён идемпотентно
			return nil
		}
		return err
	}
	return nil
}

// markDepositRefunded находит пополнение по внешнему ID платежа и
// переводит его в REFUNDED. Возврат без привязанного пополнения возможен:
// провайдер мог вернуть платёж, оформленный напрямую под заказ.
func (c *PaymentsConsumer) markDepositRefunded(transactionID string) error {
	if transactionID == "" {
		return nil
	}
	deposit, err := c.deposits.GetByPaymentID(transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrDepositNotFound) {
			return nil
		}
		return err
	}
	if deposit.Status == domain.DepositStatusRefunded {
		return nil
	}
	deposit.Status = domain.DepositStatusRefunded
	if err := c.deposits.Save(deposit); err != nil {
		return err
	}
	c.logger.WithFields(log.Fields{
		"payment_id": deposit.PaymentID,
		"user_id":    deposit.UserID,
	}).Info("deposit refunded")
	return nil
}

func (c *PaymentsConsumer) record(topic, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordEvent(topic, outcome)
	c.metrics.RecordProcessingDuration(topic, time.Since(start))
}

// normalizePaymentStatus приводит статус провайдера к статусу пополнения.
func normalizePaymentStatus(status string) domain.DepositStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED", "CONFIRMED", "PAID", "SUCCESS", "SUCCESSFUL":
		return domain.DepositStatusCompleted
	case "FAILED", "DECLINED", "REJECTED", "CANCELLED":
		return domain.DepositStatusFailed
	case "EXPIRED", "TIMEOUT":
		return domain.DepositStatusExpired
	case "REFUNDED", "REFUND":
		return domain.DepositStatusRefunded
	default:
		return domain.DepositStatus(status)
	}
}

// confirmationFromWebhook нормализует плоский webhook провайдера
// в событие подтверждения.
func confirmationFromWebhook(payload map[string]string) (*kafka.PaymentConfirmationEvent, error) {
	paymentID := firstNonEmpty(payload["payment_id"], payload["transaction_id"], payload["txn_id"])
	if paymentID == "" {
		return nil, errors.New("webhook payload has no payment id")
	}
	status := firstNonEmpty(payload["status"], payload["payment_status"])
	if status == "" {
		return nil, errors.New("webhook payload has no status")
	}

	amountRaw := firstNonEmpty(payload["amount"], payload["sum"])
	if amountRaw == "" {
		return nil, errors.New("webhook payload has no amount")
	}
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return nil, fmt.Errorf("webhook amount %q: %w", amountRaw, err)
	}

	event := &kafka.PaymentConfirmationEvent{
		TransactionID: paymentID,
		Amount:        amount,
		Currency:      payload["currency"],
		Status:        status,
		Timestamp:     time.Now().UTC(),
	}
	if raw := payload["order_id"]; raw != "" {
		orderID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("webhook order id %q: %w", raw, err)
		}
		event.OrderID = &orderID
	}
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
