package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const orderColumns = `
	id, user_id, service_id, link, quantity, start_count, remains, charge,
	start_like_count, current_like_count, start_comment_count,
	current_comment_count, start_follower_count, current_follower_count,
	status, external_bot_order_id, error_message, last_error_type, failed_phase,
	retry_count, max_retries, next_retry_at, is_manually_failed,
	processing_priority, version, created_at, updated_at
`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO orders (
			user_id, service_id, link, quantity, start_count, remains, charge,
			start_like_count, current_like_count, start_comment_count,
			current_comment_count, start_follower_count, current_follower_count,
			status, external_bot_order_id, error_message, last_error_type,
			failed_phase, retry_count, max_retries, next_retry_at,
			is_manually_failed, processing_priority, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING id
	`,
		order.UserID, order.ServiceID, order.Link, order.Quantity,
		order.StartCount, order.Remains, order.Charge,
		order.StartLikeCount, order.CurrentLikeCount, order.StartCommentCount,
		order.CurrentCommentCount, order.StartFollowerCount, order.CurrentFollowerCount,
		string(order.Status), order.ExternalBotOrderID, order.ErrorMessage,
		string(order.LastErrorType), order.FailedPhase,
		order.RetryCount, order.MaxRetries, order.NextRetryAt,
		order.IsManuallyFailed, order.ProcessingPriority,
		order.Version, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	return order, nil
}

func (r *orderRepository) Get(id int64) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) Save(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET start_count = $1,
		    remains = $2,
		    charge = $3,
		    start_like_count = $4,
		    current_like_count = $5,
		    start_comment_count = $6,
		    current_comment_count = $7,
		    start_follower_count = $8,
		    current_follower_count = $9,
		    status = $10,
		    external_bot_order_id = $11,
		    error_message = $12,
		    last_error_type = $13,
		    failed_phase = $14,
		    retry_count = $15,
		    max_retries = $16,
		    next_retry_at = $17,
		    is_manually_failed = $18,
		    processing_priority = $19,
		    status_changed_at = CASE WHEN status = $10 THEN status_changed_at ELSE NOW() END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $20
		  AND version = $21
	`,
		order.StartCount, order.Remains, order.Charge,
		order.StartLikeCount, order.CurrentLikeCount, order.StartCommentCount,
		order.CurrentCommentCount, order.StartFollowerCount, order.CurrentFollowerCount,
		string(order.Status),
		order.ExternalBotOrderID, order.ErrorMessage, string(order.LastErrorType),
		order.FailedPhase, order.RetryCount, order.MaxRetries, order.NextRetryAt,
		order.IsManuallyFailed, order.ProcessingPriority,
		order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	return nil
}

func (r *orderRepository) ListByStatus(status domain.OrderStatus, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY processing_priority DESC, created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *orderRepository) ListStuck(statuses []domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	for i, s := range statuses {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, string(s))
	}
	args = append(args, before, limit)

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN (%s)
		  AND updated_at < $%d
		ORDER BY processing_priority DESC, updated_at, id
		LIMIT $%d
	`, strings.Join(placeholders, ","), len(statuses)+1, len(statuses)+2)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stuck orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *orderRepository) ListCreatedSince(since time.Time, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE created_at > $1
		ORDER BY created_at, id
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders created since: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *orderRepository) CountByUserSince(userID int64, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM orders
		WHERE user_id = $1
		  AND created_at > $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders by user: %w", err)
	}
	return count, nil
}

func (r *orderRepository) CountSameQuantitySince(userID int64, quantity int, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM orders
		WHERE user_id = $1
		  AND quantity = $2
		  AND created_at > $3
	`, userID, quantity, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count same quantity orders: %w", err)
	}
	return count, nil
}

func (r *orderRepository) ExistsSimilar(userID, serviceID int64, link string, since time.Time, excludeOrderID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM orders
			WHERE user_id = $1
			  AND service_id = $2
			  AND link = $3
			  AND created_at > $4
			  AND id <> $5
		)
	`, userID, serviceID, link, since, excludeOrderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check similar orders: %w", err)
	}
	return exists, nil
}

func (r *orderRepository) orderExists(ctx context.Context, id int64) (bool, error) {
	var found int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order         domain.Order
		status        string
		lastErrorType string
		nextRetryAt   sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.UserID, &order.ServiceID, &order.Link,
		&order.Quantity, &order.StartCount, &order.Remains, &order.Charge,
		&order.StartLikeCount, &order.CurrentLikeCount, &order.StartCommentCount,
		&order.CurrentCommentCount, &order.StartFollowerCount, &order.CurrentFollowerCount,
		&status, &order.ExternalBotOrderID, &order.ErrorMessage,
		&lastErrorType, &order.FailedPhase,
		&order.RetryCount, &order.MaxRetries, &nextRetryAt,
		&order.IsManuallyFailed, &order.ProcessingPriority,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.LastErrorType = domain.ErrorType(lastErrorType)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time.UTC()
		order.NextRetryAt = &t
	}
	return order, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
