package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

type depositRepository struct {
	db *sql.DB
}

// NewDepositRepository создаёт PostgreSQL-реализацию DepositRepository.
func NewDepositRepository(store *Store) domain.DepositRepository {
	return &depositRepository{db: store.DB()}
}

func (r *depositRepository) Create(deposit domain.Deposit) (domain.Deposit, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if deposit.ID == "" {
		deposit.ID = uuid.NewString()
	}
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = time.Now().UTC()
	}
	if deposit.Status == "" {
		deposit.Status = domain.DepositStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deposits (
			id, user_id, payment_id, provider, amount, currency,
			status, version, created_at, confirmed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		deposit.ID, deposit.UserID, deposit.PaymentID, deposit.Provider,
		deposit.Amount, deposit.Currency, string(deposit.Status),
		deposit.Version, deposit.CreatedAt, deposit.ConfirmedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Deposit{}, fmt.Errorf("deposit for payment %s already exists: %w", deposit.PaymentID, err)
		}
		return domain.Deposit{}, fmt.Errorf("insert deposit: %w", err)
	}

	return deposit, nil
}

func (r *depositRepository) GetByPaymentID(paymentID string) (domain.Deposit, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		deposit     domain.Deposit
		status      string
		confirmedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, payment_id, provider, amount, currency,
		       status, version, created_at, confirmed_at
		FROM deposits
		WHERE payment_id = $1
	`, paymentID).Scan(
		&deposit.ID, &deposit.UserID, &deposit.PaymentID, &deposit.Provider,
		&deposit.Amount, &deposit.Currency, &status,
		&deposit.Version, &deposit.CreatedAt, &confirmedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Deposit{}, domain.ErrDepositNotFound
		}
		return domain.Deposit{}, fmt.Errorf("select deposit: %w", err)
	}
	deposit.Status = domain.DepositStatus(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time.UTC()
		deposit.ConfirmedAt = &t
	}
	return deposit, nil
}

func (r *depositRepository) Save(deposit domain.Deposit) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE deposits
		SET status = $1,
		    confirmed_at = $2,
		    version = version + 1
		WHERE id = $3
		  AND version = $4
	`, string(deposit.Status), deposit.ConfirmedAt, deposit.ID, deposit.Version)
	if err != nil {
		return fmt.Errorf("update deposit: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var id string
		err := r.db.QueryRowContext(ctx, `SELECT id FROM deposits WHERE id = $1`, deposit.ID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrDepositNotFound
		}
		if err != nil {
			return fmt.Errorf("check deposit exists: %w", err)
		}
		return domain.ErrDepositVersionConflict
	}
	return nil
}

var _ domain.DepositRepository = (*depositRepository)(nil)
