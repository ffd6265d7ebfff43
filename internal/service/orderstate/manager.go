package orderstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
)

const (
	saveMaxRetries = 3
	saveBaseDelay  = 50 * time.Millisecond
)

// Refunder возвращает средства пользователю. Операция идемпотентна
// по паре (заказ, причина): повтор с тем же заказом денег не дублирует.
type Refunder interface {
	Refund(ctx context.Context, userID int64, amount decimal.Decimal, orderID *int64, reason string) error
}

// Result — нормализованный отчёт исполнителя о заказе.
type Result struct {
	Status    string
	Completed int
	Failed    int
	Error     string

	// Счётчики по типам метрик на стороне исполнителя.
	StartLikeCount       int
	CurrentLikeCount     int
	StartCommentCount    int
	CurrentCommentCount  int
	StartFollowerCount   int
	CurrentFollowerCount int
}

// Manager управляет статусами заказов: проверяет допустимость переходов,
// выполняет сопутствующие возвраты и публикует события через outbox.
type Manager struct {
	orders  domain.OrderRepository
	refunds Refunder
	outbox  domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewManager создает менеджер статусов заказов.
// metrics может быть nil, тогда счётчики не обновляются.
func NewManager(orders domain.OrderRepository, refunds Refunder, outbox domain.OutboxRepository, m *metrics.PipelineMetrics) *Manager {
	return &Manager{
		orders:  orders,
		refunds: refunds,
		outbox:  outbox,
		logger:  log.WithField("component", "order-state"),
		metrics: m,
	}
}

// Transition переводит заказ в новый статус. Переход в текущий статус
// считается повторной доставкой и завершается без изменений. Недопустимый
// переход возвращает ErrInvalidTransition.
func (m *Manager) Transition(ctx context.Context, orderID int64, to domain.OrderStatus, reason string) (domain.Order, error) {
	return m.apply(ctx, orderID, to, reason, nil)
}

// TransitionWith выполняет переход и применяет mutate к заказу в той же
// записи. mutate вызывается после смены статуса и может корректировать
// счётчики и служебные поля.
func (m *Manager) TransitionWith(ctx context.Context, orderID int64, to domain.OrderStatus, reason string, mutate func(*domain.Order) error) (domain.Order, error) {
	return m.apply(ctx, orderID, to, reason, mutate)
}

// ApplyResult применяет отчёт исполнителя к заказу: обновляет счётчики
// выполнения, выбирает целевой статус и при необходимости возвращает
// неизрасходованную часть списания.
func (m *Manager) ApplyResult(ctx context.Context, orderID int64, res Result) (domain.Order, error) {
	status := strings.ToLower(strings.TrimSpace(res.Status))

	switch status {
	case "completed":
		return m.apply(ctx, orderID, domain.OrderStatusCompleted, "executor reported full delivery", func(order *domain.Order) error {
			applyCounts(order, res)
			return nil
		})

	case "failed", "partial", "cancelled":
		return m.settleShortDelivery(ctx, orderID, res, "")

	default:
		// processing, in_progress и незнакомые статусы трактуем как прогресс
		return m.applyProgress(ctx, orderID, res)
	}
}

// applyProgress обновляет счётчики выполнения по промежуточному отчёту.
// Заказ до PROCESSING переводится в PROCESSING; уже продвинувшийся статус
// не меняется, отчёт лишь пересчитывает remains. Для закрытых заказов
// отчёт устарел.
func (m *Manager) applyProgress(ctx context.Context, orderID int64, res Result) (domain.Order, error) {
	order, err := m.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	target := domain.OrderStatusProcessing
	switch {
	case order.Status == domain.OrderStatusProcessing || CanTransition(order.Status, domain.OrderStatusProcessing):
	case order.Status == domain.OrderStatusActive,
		order.Status == domain.OrderStatusPaused,
		order.Status == domain.OrderStatusRefill:
		target = order.Status
	default:
		return m.rejectStale(order, domain.OrderStatusProcessing)
	}

	return m.apply(ctx, orderID, target, "executor progress update", func(order *domain.Order) error {
		applyCounts(order, res)
		if res.Error != "" {
			order.ErrorMessage = res.Error
		}
		return nil
	})
}

// MarkContentUnavailable закрывает заказ, контент которого удалён или
// недоступен: заказ уходит в PARTIAL даже при нулевом выполнении,
// недовыполненная часть возвращается.
func (m *Manager) MarkContentUnavailable(ctx context.Context, orderID int64, reason string) (domain.Order, error) {
	order, err := m.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	res := Result{
		Status:    "partial",
		Completed: order.Quantity - order.Remains,
		Error:     reason,
	}
	return m.settleShortDelivery(ctx, orderID, res, domain.OrderStatusPartial)
}

// settleShortDelivery обрабатывает недовыполненный заказ: частичная доставка
// даёт PARTIAL и пропорциональный возврат, нулевая — CANCELLED и полный.
// forced задаёт целевой статус вместо выведенного из счётчиков; недоступный
// контент закрывает заказ как PARTIAL независимо от выполнения.
// Возврат выполняется до сохранения статуса: обе операции идемпотентны,
// поэтому сбой между ними безопасен при повторной доставке события.
func (m *Manager) settleShortDelivery(ctx context.Context, orderID int64, res Result, forced domain.OrderStatus) (domain.Order, error) {
	order, err := m.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	completed := res.Completed
	if completed < 0 {
		completed = 0
	}
	if completed > order.Quantity {
		completed = order.Quantity
	}
	remains := order.Quantity - completed

	target := forced
	if target == "" {
		if completed > 0 {
			target = domain.OrderStatusPartial
		} else {
			target = domain.OrderStatusCancelled
		}
	}

	if order.Status == target {
		return order, nil
	}
	if !CanTransition(order.Status, target) {
		return m.rejectStale(order, target)
	}

	refund := refundAmount(order.Charge, remains, order.Quantity)
	if refund.IsPositive() {
		reason := fmt.Sprintf("remains %d of %d", remains, order.Quantity)
		if err := m.refunds.Refund(ctx, order.UserID, refund, &order.ID, reason); err != nil {
			return domain.Order{}, fmt.Errorf("refund for order %d: %w", order.ID, err)
		}
		if m.metrics != nil {
			m.metrics.RecordRefund()
		}
	}

	return m.apply(ctx, orderID, target, res.Error, func(order *domain.Order) error {
		applyCounts(order, res)
		order.Remains = remains
		if target == domain.OrderStatusCancelled {
			// При полной отмене деньги возвращены целиком, списание обнуляется
			order.Charge = decimal.Zero
		}
		if res.Error != "" {
			order.ErrorMessage = res.Error
		}
		return nil
	})
}

// apply выполняет переход с перечитыванием заказа при конфликте версий.
func (m *Manager) apply(ctx context.Context, orderID int64, to domain.OrderStatus, reason string, mutate func(*domain.Order) error) (domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < saveMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Order{}, err
		}

		order, err := m.orders.Get(orderID)
		if err != nil {
			return domain.Order{}, err
		}

		if order.Status == to {
			if mutate == nil {
				return order, nil
			}
			// Статус уже целевой, но счётчики могли приехать позже
			if err := mutate(&order); err != nil {
				return domain.Order{}, err
			}
			if err := m.orders.Save(order); err != nil {
				if domain.IsVersionConflict(err) {
					lastErr = err
					time.Sleep(saveBaseDelay * time.Duration(1<<attempt))
					continue
				}
				return domain.Order{}, err
			}
			return order, nil
		}

		if !CanTransition(order.Status, to) {
			return m.rejectStale(order, to)
		}

		from := order.Status
		order.Status = to
		if mutate != nil {
			if err := mutate(&order); err != nil {
				return domain.Order{}, err
			}
		}

		if err := m.orders.Save(order); err != nil {
			if domain.IsVersionConflict(err) {
				lastErr = err
				m.logger.WithFields(log.Fields{
					"order_id": orderID,
					"attempt":  attempt + 1,
				}).Warn("version conflict on status save, retrying")
				time.Sleep(saveBaseDelay * time.Duration(1<<attempt))
				continue
			}
			return domain.Order{}, err
		}

		if m.metrics != nil {
			m.metrics.RecordTransition(string(from), string(to))
		}
		m.logger.WithFields(log.Fields{
			"order_id": orderID,
			"from":     from,
			"to":       to,
		}).Info("order status changed")

		m.emitStatusChanged(order, from, to, reason)
		return order, nil
	}
	return domain.Order{}, fmt.Errorf("save order %d after %d attempts: %w", orderID, saveMaxRetries, lastErr)
}

// rejectStale отклоняет событие, пришедшее после более позднего перехода.
func (m *Manager) rejectStale(order domain.Order, to domain.OrderStatus) (domain.Order, error) {
	if m.metrics != nil {
		m.metrics.RecordStaleEvent()
	}
	m.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"current":  order.Status,
		"target":   to,
	}).Warn("transition rejected")
	return domain.Order{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.Status, to)
}

// emitStatusChanged сохраняет событие смены статуса в outbox.
// Сбой здесь не откатывает переход: relay доставит накопившиеся события позже.
func (m *Manager) emitStatusChanged(order domain.Order, from, to domain.OrderStatus, reason string) {
	event := kafka.NewOrderStatusChangedEvent(order.ID, order.UserID, string(from), string(to), reason)
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.WithError(err).Error("failed to marshal status change event")
		return
	}

	_, err = m.outbox.Enqueue(domain.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: "order",
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     string(kafka.EventTypeOrderStatusChanged),
		Topic:         kafka.TopicOrderStatusChanged,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		m.logger.WithError(err).WithField("order_id", order.ID).Error("failed to enqueue status change event")
	}
}

// applyCounts обновляет счётчики выполнения заказа из отчёта.
// Стартовые значения метрик фиксируются первым отчётом, текущие
// переписываются каждым.
func applyCounts(order *domain.Order, res Result) {
	completed := res.Completed
	if completed < 0 {
		completed = 0
	}
	if completed > order.Quantity {
		completed = order.Quantity
	}
	order.Remains = order.Quantity - completed

	if order.StartLikeCount == 0 {
		order.StartLikeCount = res.StartLikeCount
	}
	if order.StartCommentCount == 0 {
		order.StartCommentCount = res.StartCommentCount
	}
	if order.StartFollowerCount == 0 {
		order.StartFollowerCount = res.StartFollowerCount
	}
	if res.CurrentLikeCount > 0 {
		order.CurrentLikeCount = res.CurrentLikeCount
	}
	if res.CurrentCommentCount > 0 {
		order.CurrentCommentCount = res.CurrentCommentCount
	}
	if res.CurrentFollowerCount > 0 {
		order.CurrentFollowerCount = res.CurrentFollowerCount
	}
}

// refundAmount считает возврат за недовыполненную часть заказа.
func refundAmount(charge decimal.Decimal, remains, quantity int) decimal.Decimal {
	if remains <= 0 || quantity <= 0 {
		return decimal.Zero
	}
	if remains >= quantity {
		return domain.MoneyRound(charge)
	}
	part := charge.
		Mul(decimal.NewFromInt(int64(remains))).
		Div(decimal.NewFromInt(int64(quantity)))
	return domain.MoneyRound(part)
}
