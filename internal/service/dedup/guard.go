package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// Class группирует события по финансовому риску повторной обработки.
type Class string

const (
	// ClassOrderEvents — рутинные события заказов, короткий TTL, fail-open.
	ClassOrderEvents Class = "order-events"
	// ClassBotResults — результаты исполнителя, длинный TTL, fail-open.
	ClassBotResults Class = "bot-results"
	// ClassPayments — платёжные подтверждения и возвраты: длинный TTL,
	// при недоступности хранилища маркеров обработка останавливается.
	ClassPayments Class = "payments"
)

const keyPrefix = "kafka:idempotency"

// Guard хранит маркеры «уже обработано» в Redis и прикрывает консьюмеры
// от повторного применения эффектов при at-least-once доставке.
type Guard struct {
	rdb    redis.UniversalClient
	logger *log.Entry

	ttls       map[Class]time.Duration
	failClosed map[Class]bool
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL переопределяет время жизни маркеров класса.
func WithTTL(class Class, ttl time.Duration) GuardOption {
	return func(g *Guard) {
		g.ttls[class] = ttl
	}
}

// WithFailClosed меняет поведение класса при недоступном Redis.
func WithFailClosed(class Class, closed bool) GuardOption {
	return func(g *Guard) {
		g.failClosed[class] = closed
	}
}

// NewGuard создаёт Guard с политиками по умолчанию: платёжные события
// fail-closed с суточным TTL, остальные fail-open.
func NewGuard(rdb redis.UniversalClient, logger *log.Entry, opts ...GuardOption) *Guard {
	if logger == nil {
		logger = log.New().WithField("component", "dedup-guard")
	}

	g := &Guard{
		rdb:    rdb,
		logger: logger,
		ttls: map[Class]time.Duration{
			ClassOrderEvents: 30 * time.Minute,
			ClassBotResults:  24 * time.Hour,
			ClassPayments:    24 * time.Hour,
		},
		failClosed: map[Class]bool{
			ClassPayments: true,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) key(class Class, messageID, businessKey string) string {
	if businessKey == "" {
		return fmt.Sprintf("%s:%s:%s", keyPrefix, class, messageID)
	}
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, class, messageID, businessKey)
}

// AlreadyProcessed сообщает, применялись ли эффекты этого сообщения раньше.
// Для fail-open классов недоступность Redis трактуется как «не обработано»;
// для fail-closed возвращается ErrDedupUnavailable, и сообщение уходит в retry.
func (g *Guard) AlreadyProcessed(ctx context.Context, class Class, messageID, businessKey string) (bool, error) {
	n, err := g.rdb.Exists(ctx, g.key(class, messageID, businessKey)).Result()
	if err != nil {
		if g.failClosed[class] {
			return false, fmt.Errorf("%w: %v", domain.ErrDedupUnavailable, err)
		}
		g.logger.WithError(err).WithFields(log.Fields{
			"class":      class,
			"message_id": messageID,
		}).Warn("dedup store unavailable, failing open")
		return false, nil
	}
	return n > 0, nil
}

// MarkProcessed записывает маркер после успешного коммита бизнес-эффекта.
// Вызывается строго после эффекта: маркер до коммита превратил бы сбой
// в молчаливую потерю сообщения.
func (g *Guard) MarkProcessed(ctx context.Context, class Class, messageID, businessKey string) error {
	ttl := g.ttls[class]
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	err := g.rdb.Set(ctx, g.key(class, messageID, businessKey), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err()
	if err != nil {
		if g.failClosed[class] {
			return fmt.Errorf("%w: %v", domain.ErrDedupUnavailable, err)
		}
		g.logger.WithError(err).WithFields(log.Fields{
			"class":      class,
			"message_id": messageID,
		}).Warn("failed to persist dedup marker")
		return nil
	}
	return nil
}
