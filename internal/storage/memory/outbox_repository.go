package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// OutboxRepository — простое in-memory хранилище для transactional outbox.
type OutboxRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.OutboxEvent
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{records: make(map[string]*domain.OutboxEvent)}
}

// Enqueue сохраняет необработанное событие и возвращает его с идентификатором.
func (r *OutboxRepository) Enqueue(event domain.OutboxEvent) (domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.MaxRetries <= 0 {
		event.MaxRetries = 5
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Processed = false
	stored := event
	r.records[event.ID] = &stored
	return event, nil
}

// PullDue возвращает необработанные события с подошедшим временем попытки,
// старые первыми.
func (r *OutboxRepository) PullDue(limit int) ([]domain.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()

	due := make([]domain.OutboxEvent, 0, limit)
	for _, rec := range r.records {
		if rec.Processed || rec.RetryCount >= rec.MaxRetries {
			continue
		}
		if rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *rec)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkProcessed помечает событие опубликованным.
func (r *OutboxRepository) MarkProcessed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	now := time.Now().UTC()
	rec.Processed = true
	rec.ProcessedAt = &now
	return nil
}

// MarkFailed увеличивает счётчик попыток и откладывает следующую.
func (r *OutboxRepository) MarkFailed(id string, lastError string, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	rec.RetryCount++
	rec.LastError = lastError
	rec.NextRetryAt = &nextRetryAt
	return nil
}

// Stats возвращает состояние backlog.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range r.records {
		if rec.Processed {
			continue
		}
		if rec.RetryCount >= rec.MaxRetries {
			stats.ExhaustedCount++
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.CreatedAt
		}
	}
	return stats, nil
}

// DeleteProcessedBefore удаляет опубликованные события старше before.
func (r *OutboxRepository) DeleteProcessedBefore(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, rec := range r.records {
		if limit > 0 && deleted >= limit {
			break
		}
		if rec.Processed && rec.ProcessedAt != nil && rec.ProcessedAt.Before(before) {
			delete(r.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// All возвращает копию всех событий (используется в тестах).
func (r *OutboxRepository) All() []domain.OutboxEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OutboxEvent, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, *rec)
	}
	return result
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
