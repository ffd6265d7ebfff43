package sla

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/alert"
	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
)

// Виды SLA-сигналов в уведомлениях и метриках.
const (
	BreachProcessing  = "processing_sla"
	BreachCompletion  = "completion_sla"
	BreachSuccessRate = "success_rate"
	BreachUserBurst   = "user_burst"
)

// Config задаёт пороги мониторинга.
type Config struct {
	Interval time.Duration
	// ProcessingSLA — сколько заказ может ждать передачи исполнителю.
	ProcessingSLA time.Duration
	// CompletionSLA — максимальный срок до завершения заказа.
	CompletionSLA time.Duration
	// EscalationAfter — возраст, после которого заказ поднимается в приоритете.
	EscalationAfter time.Duration
	// EscalationPriorityBoost прибавляется к приоритету эскалированного заказа.
	EscalationPriorityBoost int
	// SuccessRateThreshold — минимальная доля завершённых заказов
	// среди созданных за последний час.
	SuccessRateThreshold float64
	// UserBurstLimit — максимум заказов пользователя за час без сигнала.
	UserBurstLimit int
	BatchSize      int
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		Interval:                time.Minute,
		ProcessingSLA:           5 * time.Minute,
		CompletionSLA:           24 * time.Hour,
		EscalationAfter:         48 * time.Hour,
		EscalationPriorityBoost: 10,
		SuccessRateThreshold:    0.99,
		UserBurstLimit:          20,
		BatchSize:               200,
	}
}

// Monitor периодически проверяет выполнение SLA по заказам
// и шлёт уведомления операторам.
type Monitor struct {
	orders  domain.OrderRepository
	alerts  alert.Sender
	cfg     Config
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewMonitor создает SLA-монитор. metrics может быть nil.
func NewMonitor(orders domain.OrderRepository, alerts alert.Sender, cfg Config, m *metrics.PipelineMetrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Monitor{
		orders:  orders,
		alerts:  alerts,
		cfg:     cfg,
		logger:  log.WithField("component", "sla-monitor"),
		metrics: m,
	}
}

// Run запускает периодические проверки до отмены ctx.
func (m *Monitor) Run(ctx context.Context) {
	if m.orders == nil || m.alerts == nil {
		m.logger.Warn("sla monitor is disabled: orders or alerts is nil")
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce выполняет один цикл всех проверок.
func (m *Monitor) CheckOnce(ctx context.Context) {
	now := time.Now().UTC()

	m.checkProcessing(ctx, now)
	m.checkCompletion(ctx, now)

	recent, err := m.orders.ListCreatedSince(now.Add(-time.Hour), 0)
	if err != nil {
		m.logger.WithError(err).Warn("hourly order sweep failed")
		return
	}
	m.checkSuccessRate(ctx, now, recent)
	m.checkUserBurst(ctx, now, recent)
}

// checkProcessing ловит заказы, застрявшие до передачи исполнителю.
func (m *Monitor) checkProcessing(ctx context.Context, now time.Time) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusInProgress,
		domain.OrderStatusProcessing,
	}
	stuck, err := m.orders.ListStuck(statuses, now.Add(-m.cfg.ProcessingSLA), m.cfg.BatchSize)
	if err != nil {
		m.logger.WithError(err).Warn("processing sla sweep failed")
		return
	}

	for _, order := range stuck {
		m.breach(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Kind:     BreachProcessing,
			Message:  fmt.Sprintf("order %d stuck in %s for over %s", order.ID, order.Status, m.cfg.ProcessingSLA),
			OrderID:  order.ID,
			UserID:   order.UserID,
			At:       now,
		})
	}
}

// checkCompletion ловит заказы, не завершённые в срок, и эскалирует
// самые старые повышением приоритета.
func (m *Monitor) checkCompletion(ctx context.Context, now time.Time) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusInProgress,
		domain.OrderStatusProcessing,
		domain.OrderStatusActive,
		domain.OrderStatusHolding,
		domain.OrderStatusRefill,
	}
	stuck, err := m.orders.ListStuck(statuses, now.Add(-m.cfg.CompletionSLA), m.cfg.BatchSize)
	if err != nil {
		m.logger.WithError(err).Warn("completion sla sweep failed")
		return
	}

	for _, order := range stuck {
		m.breach(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Kind:     BreachCompletion,
			Message:  fmt.Sprintf("order %d not completed within %s", order.ID, m.cfg.CompletionSLA),
			OrderID:  order.ID,
			UserID:   order.UserID,
			At:       now,
		})

		if order.CreatedAt.Before(now.Add(-m.cfg.EscalationAfter)) {
			m.escalate(order)
		}
	}
}

// escalate повышает приоритет заказа один раз: повторные циклы
// эскалированный заказ не трогают.
func (m *Monitor) escalate(order domain.Order) {
	if order.ProcessingPriority >= m.cfg.EscalationPriorityBoost {
		return
	}
	order.ProcessingPriority += m.cfg.EscalationPriorityBoost
	if err := m.orders.Save(order); err != nil {
		if domain.IsVersionConflict(err) {
			// Заказ параллельно изменился, эскалацию повторит следующий цикл
			return
		}
		m.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to escalate order priority")
		return
	}
	m.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"priority": order.ProcessingPriority,
	}).Info("order priority escalated")
}

// checkSuccessRate сравнивает часовую долю завершённых заказов с порогом.
// Знаменатель - все заказы, созданные за последний час.
func (m *Monitor) checkSuccessRate(ctx context.Context, now time.Time, recent []domain.Order) {
	total := len(recent)
	if total == 0 {
		return
	}
	completed := 0
	for _, order := range recent {
		if order.Status == domain.OrderStatusCompleted {
			completed++
		}
	}
	rate := float64(completed) / float64(total)
	if rate >= m.cfg.SuccessRateThreshold {
		return
	}

	m.breach(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     BreachSuccessRate,
		Message:  fmt.Sprintf("hourly success rate %.4f below threshold %.4f (%d of %d orders)", rate, m.cfg.SuccessRateThreshold, completed, total),
		At:       now,
	})
}

// checkUserBurst ловит пользователей с аномальным числом заказов за час.
func (m *Monitor) checkUserBurst(ctx context.Context, now time.Time, recent []domain.Order) {
	perUser := make(map[int64]int)
	for _, order := range recent {
		perUser[order.UserID]++
	}
	for userID, count := range perUser {
		if count <= m.cfg.UserBurstLimit {
			continue
		}
		m.breach(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Kind:     BreachUserBurst,
			Message:  fmt.Sprintf("user %d placed %d orders in the last hour", userID, count),
			UserID:   userID,
			At:       now,
		})
	}
}

func (m *Monitor) breach(ctx context.Context, a alert.Alert) {
	if m.metrics != nil {
		m.metrics.RecordSLABreach(a.Kind)
	}
	if err := m.alerts.Send(ctx, a); err != nil {
		m.logger.WithError(err).WithField("kind", a.Kind).Warn("failed to send sla alert")
	}
}
