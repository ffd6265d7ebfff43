package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// Ledger — in-memory хранилище пользователей и журнала движений средств.
// Один мьютекс на всё хранилище заменяет блокировки строк БД: эффект тот же,
// операции над балансом сериализуются.
type Ledger struct {
	mu    sync.Mutex
	users map[int64]domain.User
	// byRef обеспечивает уникальность идемпотентных ключей журнала.
	byRef map[string]domain.BalanceTransaction
}

// NewLedger возвращает in-memory леджер для локальной разработки и тестов.
func NewLedger() *Ledger {
	return &Ledger{
		users: make(map[int64]domain.User),
		byRef: make(map[string]domain.BalanceTransaction),
	}
}

// PutUser добавляет или заменяет пользователя (используется в тестах и сидировании).
func (l *Ledger) PutUser(u domain.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u.ID] = u
}

// Get возвращает пользователя или ErrUserNotFound, если его нет.
func (l *Ledger) Get(id int64) (domain.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

// Save применяет обновления с учётом optimistic locking.
func (l *Ledger) Save(u domain.User) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.users[u.ID]
	if !ok {
		return domain.ErrUserNotFound
	}
	if current.Version != u.Version {
		return domain.ErrUserVersionConflict
	}
	u.Version++
	u.UpdatedAt = time.Now().UTC()
	l.users[u.ID] = u
	return nil
}

// ApplyOptimistic применяет fn и сохраняет пользователя с записью журнала.
// Под одним мьютексом версия не может уйти вперёд, поэтому конфликт
// здесь невозможен; контракт интерфейса при этом сохраняется.
func (l *Ledger) ApplyOptimistic(userID int64, fn func(u *domain.User) (*domain.BalanceTransaction, error)) error {
	return l.apply(userID, fn)
}

// WithUserLock блокирует пользователя и сохраняет результат fn атомарно.
func (l *Ledger) WithUserLock(userID int64, fn func(u *domain.User) (*domain.BalanceTransaction, error)) error {
	return l.apply(userID, fn)
}

func (l *Ledger) apply(userID int64, fn func(u *domain.User) (*domain.BalanceTransaction, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}

	txn, err := fn(&u)
	if err != nil {
		return err
	}
	if txn != nil {
		if err := l.insertLocked(txn); err != nil {
			return err
		}
	}

	u.Version++
	u.UpdatedAt = time.Now().UTC()
	l.users[userID] = u
	return nil
}

// WithUsersLock блокирует двух пользователей и сохраняет обоих вместе
// с записями журнала из fn. Порядок блокировки здесь не важен: мьютекс один.
func (l *Ledger) WithUsersLock(firstID, secondID int64, fn func(first, second *domain.User) ([]domain.BalanceTransaction, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.users[firstID]
	if !ok {
		return domain.ErrUserNotFound
	}
	b, ok := l.users[secondID]
	if !ok {
		return domain.ErrUserNotFound
	}

	txns, err := fn(&a, &b)
	if err != nil {
		return err
	}
	for i := range txns {
		if err := l.insertLocked(&txns[i]); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	a.Version++
	a.UpdatedAt = now
	b.Version++
	b.UpdatedAt = now
	l.users[firstID] = a
	l.users[secondID] = b
	return nil
}

func (l *Ledger) insertLocked(txn *domain.BalanceTransaction) error {
	if _, exists := l.byRef[txn.TransactionRef]; exists {
		return domain.ErrDuplicateTransaction
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	l.byRef[txn.TransactionRef] = *txn
	return nil
}

// GetByRef возвращает запись по идемпотентному ключу операции.
func (l *Ledger) GetByRef(ref string) (domain.BalanceTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn, ok := l.byRef[ref]
	if !ok {
		return domain.BalanceTransaction{}, domain.ErrTransactionNotFound
	}
	return txn, nil
}

// ExistsByRef сообщает, выполнялась ли операция с этим ключом.
func (l *Ledger) ExistsByRef(ref string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.byRef[ref]
	return ok, nil
}

// ListByUser возвращает записи пользователя, новые первыми.
func (l *Ledger) ListByUser(userID int64, limit int) ([]domain.BalanceTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]domain.BalanceTransaction, 0)
	for _, txn := range l.byRef {
		if txn.UserID == userID {
			result = append(result, txn)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var (
	_ domain.UserRepository        = (*Ledger)(nil)
	_ domain.LedgerStore           = (*Ledger)(nil)
	_ domain.TransactionRepository = (*Ledger)(nil)
)
