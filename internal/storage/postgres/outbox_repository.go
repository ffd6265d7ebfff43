package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

const (
	defaultOutboxMaxRetries = 5
	// claimLease — время, на которое строка резервируется за воркером.
	claimLease = 30 * time.Second
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

func (r *outboxRepository) Enqueue(event domain.OutboxEvent) (domain.OutboxEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.MaxRetries <= 0 {
		event.MaxRetries = defaultOutboxMaxRetries
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, event_type, topic, payload,
			processed, retry_count, max_retries, next_retry_at, last_error,
			created_at, processed_at
		) VALUES ($1,$2,$3,$4,$5,$6,FALSE,0,$7,NULL,'',$8,NULL)
	`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Topic, event.Payload, event.MaxRetries, event.CreatedAt,
	)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("enqueue outbox event: %w", err)
	}

	return event, nil
}

// PullDue выбирает готовые к публикации события и резервирует их
// на время claimLease. SKIP LOCKED и сдвиг next_retry_at не дают
// конкурирующим воркерам забрать одни и те же строки.
func (r *outboxRepository) PullDue(limit int) ([]domain.OutboxEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET next_retry_at = NOW() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id
			FROM outbox_events
			WHERE NOT processed
			  AND retry_count < max_retries
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, topic, payload,
		          processed, retry_count, max_retries, next_retry_at, last_error,
		          created_at, processed_at
	`, limit, claimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("pull due outbox events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var (
			event       domain.OutboxEvent
			nextRetryAt sql.NullTime
			processedAt sql.NullTime
		)
		if err := rows.Scan(
			&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType,
			&event.Topic, &event.Payload, &event.Processed, &event.RetryCount,
			&event.MaxRetries, &nextRetryAt, &event.LastError,
			&event.CreatedAt, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if nextRetryAt.Valid {
			t := nextRetryAt.Time.UTC()
			event.NextRetryAt = &t
		}
		if processedAt.Valid {
			t := processedAt.Time.UTC()
			event.ProcessedAt = &t
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return result, nil
}

func (r *outboxRepository) MarkProcessed(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET processed = TRUE,
		    processed_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOutboxPublish
	}
	return nil
}

func (r *outboxRepository) MarkFailed(id string, lastError string, nextRetryAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    next_retry_at = $3
		WHERE id = $1
	`, id, lastError, nextRetryAt)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOutboxPublish
	}
	return nil
}

func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < max_retries),
			COUNT(*) FILTER (WHERE retry_count >= max_retries),
			MIN(created_at) FILTER (WHERE retry_count < max_retries)
		FROM outbox_events
		WHERE NOT processed
	`).Scan(&stats.PendingCount, &stats.ExhaustedCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}

	return stats, nil
}

func (r *outboxRepository) DeleteProcessedBefore(before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE id IN (
			SELECT id
			FROM outbox_events
			WHERE processed
			  AND processed_at < $1
			ORDER BY processed_at
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
