package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// depositRepositoryInMemory — in-memory хранилище пополнений.
type depositRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Deposit
	// byPaymentID индексирует пополнения по идентификатору платежа провайдера.
	byPaymentID map[string]string
}

// NewDepositRepository возвращает in-memory репозиторий пополнений.
func NewDepositRepository() domain.DepositRepository {
	return &depositRepositoryInMemory{
		items:       make(map[string]domain.Deposit),
		byPaymentID: make(map[string]string),
	}
}

// Create сохраняет новое пополнение.
func (r *depositRepositoryInMemory) Create(deposit domain.Deposit) (domain.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deposit.ID == "" {
		deposit.ID = uuid.NewString()
	}
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = time.Now().UTC()
	}
	r.items[deposit.ID] = deposit
	r.byPaymentID[deposit.PaymentID] = deposit.ID
	return deposit, nil
}

// GetByPaymentID возвращает пополнение по идентификатору платежа провайдера.
func (r *depositRepositoryInMemory) GetByPaymentID(paymentID string) (domain.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPaymentID[paymentID]
	if !ok {
		return domain.Deposit{}, domain.ErrDepositNotFound
	}
	return r.items[id], nil
}

// Save применяет обновления с учётом optimistic locking.
func (r *depositRepositoryInMemory) Save(deposit domain.Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[deposit.ID]
	if !ok {
		return domain.ErrDepositNotFound
	}
	if current.Version != deposit.Version {
		return domain.ErrDepositVersionConflict
	}
	deposit.Version++
	r.items[deposit.ID] = deposit
	return nil
}

var _ domain.DepositRepository = (*depositRepositoryInMemory)(nil)
