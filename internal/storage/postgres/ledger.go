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

// Ledger — PostgreSQL-реализация денежного хранилища: пользователи,
// блокировки строк и журнал движения средств в одной транзакции.
type Ledger struct {
	db *sql.DB
}

// NewLedger создаёт PostgreSQL-реализацию UserRepository, LedgerStore
// и TransactionRepository поверх одного подключения.
func NewLedger(store *Store) *Ledger {
	return &Ledger{db: store.DB()}
}

const userColumns = `
	id, username, email, balance, total_spent, verified, active,
	version, created_at, updated_at
`

// Get возвращает пользователя или ErrUserNotFound, если его нет.
func (l *Ledger) Get(id int64) (domain.User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := l.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

// Save применяет обновления с учётом optimistic locking.
func (l *Ledger) Save(user domain.User) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := l.db.ExecContext(ctx, `
		UPDATE users
		SET username = $1,
		    email = $2,
		    balance = $3,
		    total_spent = $4,
		    verified = $5,
		    active = $6,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $7
		  AND version = $8
	`,
		user.Username, user.Email, user.Balance, user.TotalSpent,
		user.Verified, user.Active, user.ID, user.Version,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := l.userExists(ctx, user.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrUserNotFound
		}
		return domain.ErrUserVersionConflict
	}
	return nil
}

// ApplyOptimistic читает пользователя без блокировки, применяет fn и
// сохраняет с проверкой версии. При гонке возвращает ErrUserVersionConflict.
func (l *Ledger) ApplyOptimistic(userID int64, fn func(u *domain.User) (*domain.BalanceTransaction, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	user, err := scanUser(tx.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, userID))
	if err != nil {
		return err
	}
	expectedVersion := user.Version

	txn, err := fn(&user)
	if err != nil {
		return err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
		UPDATE users
		SET balance = $1,
		    total_spent = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $3
		  AND version = $4
	`, user.Balance, user.TotalSpent, userID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update user balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		err = domain.ErrUserVersionConflict
		return err
	}

	if txn != nil {
		if err = insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// WithUserLock блокирует строку пользователя, применяет fn и сохраняет
// результат вместе с записью журнала в одной транзакции.
func (l *Ledger) WithUserLock(userID int64, fn func(u *domain.User) (*domain.BalanceTransaction, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return err
	}

	txn, err := fn(&user)
	if err != nil {
		return err
	}

	if err = saveUserTx(ctx, tx, user); err != nil {
		return err
	}
	if txn != nil {
		if err = insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// WithUsersLock блокирует двух пользователей строго в порядке возрастания ID,
// исключая deadlock встречных переводов.
func (l *Ledger) WithUsersLock(firstID, secondID int64, fn func(first, second *domain.User) ([]domain.BalanceTransaction, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lowID, highID := firstID, secondID
	if lowID > highID {
		lowID, highID = highID, lowID
	}

	low, err := lockUser(ctx, tx, lowID)
	if err != nil {
		return err
	}
	high, err := lockUser(ctx, tx, highID)
	if err != nil {
		return err
	}

	first, second := &low, &high
	if firstID != lowID {
		first, second = &high, &low
	}

	txns, err := fn(first, second)
	if err != nil {
		return err
	}

	if err = saveUserTx(ctx, tx, *first); err != nil {
		return err
	}
	if err = saveUserTx(ctx, tx, *second); err != nil {
		return err
	}
	for i := range txns {
		if err = insertTransaction(ctx, tx, &txns[i]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer tx: %w", err)
	}
	return nil
}

// GetByRef возвращает запись журнала по идемпотентному ключу.
func (l *Ledger) GetByRef(ref string) (domain.BalanceTransaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := l.db.QueryRowContext(ctx, `
		SELECT id, user_id, order_id, deposit_id, transaction_ref, type,
		       amount, balance_before, balance_after, description,
		       audit_hash, reconciliation_status, created_at
		FROM balance_transactions
		WHERE transaction_ref = $1
	`, ref)
	return scanTransaction(row)
}

// ExistsByRef сообщает, выполнялась ли операция с этим ключом.
func (l *Ledger) ExistsByRef(ref string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM balance_transactions WHERE transaction_ref = $1)
	`, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction ref: %w", err)
	}
	return exists, nil
}

// ListByUser возвращает записи пользователя, новые первыми.
func (l *Ledger) ListByUser(userID int64, limit int) ([]domain.BalanceTransaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, order_id, deposit_id, transaction_ref, type,
		       amount, balance_before, balance_after, description,
		       audit_hash, reconciliation_status, created_at
		FROM balance_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BalanceTransaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		result = append(result, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return result, nil
}

func lockUser(ctx context.Context, tx *sql.Tx, userID int64) (domain.User, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID)
	return scanUser(row)
}

func saveUserTx(ctx context.Context, tx *sql.Tx, user domain.User) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users
		SET balance = $1,
		    total_spent = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $3
	`, user.Balance, user.TotalSpent, user.ID)
	if err != nil {
		return fmt.Errorf("save locked user: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *domain.BalanceTransaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.ReconciliationStatus == "" {
		txn.ReconciliationStatus = domain.ReconciliationPending
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_transactions (
			id, user_id, order_id, deposit_id, transaction_ref, type,
			amount, balance_before, balance_after, description,
			audit_hash, reconciliation_status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		txn.ID, txn.UserID, txn.OrderID, txn.DepositID, txn.TransactionRef,
		string(txn.Type), txn.Amount, txn.BalanceBefore, txn.BalanceAfter,
		txn.Description, txn.AuditHash, string(txn.ReconciliationStatus),
		txn.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransaction
		}
		return fmt.Errorf("insert balance transaction: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.Balance, &user.TotalSpent,
		&user.Verified, &user.Active, &user.Version, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

func scanTransaction(row rowScanner) (domain.BalanceTransaction, error) {
	var (
		txn       domain.BalanceTransaction
		orderID   sql.NullInt64
		depositID sql.NullString
		txnType   string
		reconcile string
	)
	err := row.Scan(
		&txn.ID, &txn.UserID, &orderID, &depositID, &txn.TransactionRef,
		&txnType, &txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter,
		&txn.Description, &txn.AuditHash, &reconcile, &txn.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BalanceTransaction{}, domain.ErrTransactionNotFound
		}
		return domain.BalanceTransaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	txn.Type = domain.TransactionType(txnType)
	txn.ReconciliationStatus = domain.ReconciliationStatus(reconcile)
	if orderID.Valid {
		v := orderID.Int64
		txn.OrderID = &v
	}
	if depositID.Valid {
		v := depositID.String
		txn.DepositID = &v
	}
	return txn, nil
}

func (l *Ledger) userExists(ctx context.Context, id int64) (bool, error) {
	var found int64
	err := l.db.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check user exists: %w", err)
}

var (
	_ domain.UserRepository        = (*Ledger)(nil)
	_ domain.LedgerStore           = (*Ledger)(nil)
	_ domain.TransactionRepository = (*Ledger)(nil)
)
