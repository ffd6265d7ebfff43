package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
)

// Имена проверок в отчёте и метриках.
const (
	CheckRateLimit    = "rate_limit"
	CheckDuplicate    = "duplicate_order"
	CheckBurst        = "suspicious_activity"
	CheckSameQuantity = "same_quantity_pattern"
	CheckHighValue    = "high_value_unverified"
)

// Config задаёт пороги фрод-проверок.
type Config struct {
	// RateLimit — максимум заказов пользователя за RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// DuplicateWindow — окно, в котором повтор той же услуги и ссылки
	// считается дублем.
	DuplicateWindow time.Duration
	// BurstLimit — максимум заказов пользователя за час.
	BurstLimit int
	// SameQuantityLimit — сколько заказов одного количества за час считается паттерном.
	SameQuantityLimit int
	// HighValueThreshold — сумма, сверх которой заказ неверифицированного
	// пользователя уходит на ручную проверку.
	HighValueThreshold decimal.Decimal
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		RateLimit:          5,
		RateWindow:         time.Minute,
		DuplicateWindow:    10 * time.Minute,
		BurstLimit:         20,
		SameQuantityLimit:  10,
		HighValueThreshold: decimal.NewFromInt(100),
	}
}

// Violation — сработавшая проверка.
type Violation struct {
	Check  string
	Reason string
}

// Report — итог всех проверок заказа. Проверки аддитивны: каждая
// добавляет своё нарушение независимо от остальных.
type Report struct {
	Violations []Violation
}

// OK сообщает, что нарушений нет.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Checker выполняет фрод-проверки перед запуском заказа.
// Недоступность Redis не блокирует заказы: проверка пропускается с warning.
type Checker struct {
	rdb     redis.UniversalClient
	orders  domain.OrderRepository
	cfg     Config
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewChecker создает фрод-чекер. metrics может быть nil.
func NewChecker(rdb redis.UniversalClient, orders domain.OrderRepository, cfg Config, m *metrics.PipelineMetrics) *Checker {
	return &Checker{
		rdb:     rdb,
		orders:  orders,
		cfg:     cfg,
		logger:  log.WithField("component", "fraud-checker"),
		metrics: m,
	}
}

// Check прогоняет заказ через все проверки и возвращает сводный отчёт.
func (c *Checker) Check(ctx context.Context, order domain.Order, user domain.User) (Report, error) {
	var report Report

	c.checkRate(ctx, order, &report)
	c.checkDuplicate(ctx, order, &report)
	c.checkBurst(order, &report)
	c.checkSameQuantity(order, &report)
	c.checkHighValue(order, user, &report)

	for _, v := range report.Violations {
		if c.metrics != nil {
			c.metrics.RecordFraudViolation(v.Check)
		}
		c.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"user_id":  order.UserID,
			"check":    v.Check,
		}).Warn("fraud check violation")
	}
	return report, nil
}

// checkRate считает заказы пользователя в скользящем окне через Redis INCR.
func (c *Checker) checkRate(ctx context.Context, order domain.Order, report *Report) {
	key := fmt.Sprintf("fraud:rate:%d", order.UserID)

	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		c.logger.WithError(err).Warn("rate limit check unavailable, skipping")
		return
	}
	if count == 1 {
		// Первый заказ в окне задаёт TTL счётчика
		if err := c.rdb.Expire(ctx, key, c.cfg.RateWindow).Err(); err != nil {
			c.logger.WithError(err).Warn("failed to set rate limit ttl")
		}
	}
	if count > int64(c.cfg.RateLimit) {
		report.Violations = append(report.Violations, Violation{
			Check:  CheckRateLimit,
			Reason: fmt.Sprintf("%d orders within %s, limit %d", count, c.cfg.RateWindow, c.cfg.RateLimit),
		})
	}
}

// checkDuplicate ищет недавний заказ той же услуги и ссылки. Сначала
// дешёвый маркер в Redis, затем запасной запрос в БД. Маркер хранит ID
// заказа, открывшего окно: проверяемый заказ не совпадает сам с собой,
// повторная доставка того же заказа дубль не даёт.
func (c *Checker) checkDuplicate(ctx context.Context, order domain.Order, report *Report) {
	key := duplicateKey(order)
	self := strconv.FormatInt(order.ID, 10)

	owner, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if owner == self {
			// Окно открыто этим же заказом при предыдущей доставке
			return
		}
		report.Violations = append(report.Violations, Violation{
			Check:  CheckDuplicate,
			Reason: fmt.Sprintf("same service and link within %s", c.cfg.DuplicateWindow),
		})
		return
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WithError(err).Warn("duplicate marker check unavailable, falling back to database")
	}

	since := time.Now().UTC().Add(-c.cfg.DuplicateWindow)
	found, dbErr := c.orders.ExistsSimilar(order.UserID, order.ServiceID, order.Link, since, order.ID)
	if dbErr != nil {
		c.logger.WithError(dbErr).Warn("duplicate database check failed, skipping")
		return
	}
	if found {
		report.Violations = append(report.Violations, Violation{
			Check:  CheckDuplicate,
			Reason: fmt.Sprintf("same service and link within %s", c.cfg.DuplicateWindow),
		})
		return
	}
	// Чистый заказ открывает своё окно; SetNX не даёт более позднему
	// заказу перехватить чужое
	if err := c.rdb.SetNX(ctx, key, self, c.cfg.DuplicateWindow).Err(); err != nil {
		c.logger.WithError(err).Warn("failed to set duplicate marker")
	}
}

// checkBurst ловит всплеск заказов пользователя за час.
func (c *Checker) checkBurst(order domain.Order, report *Report) {
	since := time.Now().UTC().Add(-time.Hour)
	count, err := c.orders.CountByUserSince(order.UserID, since)
	if err != nil {
		c.logger.WithError(err).Warn("burst check failed, skipping")
		return
	}
	if count > c.cfg.BurstLimit {
		report.Violations = append(report.Violations, Violation{
			Check:  CheckBurst,
			Reason: fmt.Sprintf("%d orders in the last hour, limit %d", count, c.cfg.BurstLimit),
		})
	}
}

// checkSameQuantity ловит серию заказов одинакового количества.
func (c *Checker) checkSameQuantity(order domain.Order, report *Report) {
	since := time.Now().UTC().Add(-time.Hour)
	count, err := c.orders.CountSameQuantitySince(order.UserID, order.Quantity, since)
	if err != nil {
		c.logger.WithError(err).Warn("same quantity check failed, skipping")
		return
	}
	if count >= c.cfg.SameQuantityLimit {
		report.Violations = append(report.Violations, Violation{
			Check:  CheckSameQuantity,
			Reason: fmt.Sprintf("%d orders of quantity %d in the last hour", count, order.Quantity),
		})
	}
}

// checkHighValue отправляет дорогие заказы неверифицированных пользователей
// на ручную проверку.
func (c *Checker) checkHighValue(order domain.Order, user domain.User, report *Report) {
	if user.Verified {
		return
	}
	if order.Charge.GreaterThanOrEqual(c.cfg.HighValueThreshold) {
		report.Violations = append(report.Violations, Violation{
			Check:  CheckHighValue,
			Reason: fmt.Sprintf("charge %s over threshold %s for unverified user", order.Charge, c.cfg.HighValueThreshold),
		})
	}
}

func duplicateKey(order domain.Order) string {
	sum := sha256.Sum256([]byte(order.Link))
	return fmt.Sprintf("fraud:dup:%d:%d:%s", order.UserID, order.ServiceID, hex.EncodeToString(sum[:8]))
}
