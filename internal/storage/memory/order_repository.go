package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[int64]domain.Order
	nextID int64
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:  make(map[int64]domain.Order),
		nextID: 1,
	}
}

// Create сохраняет новый заказ и присваивает ему ID.
func (r *orderRepositoryInMemory) Create(order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == 0 {
		order.ID = r.nextID
		r.nextID++
	} else if _, exists := r.items[order.ID]; exists {
		return domain.Order{}, domain.ErrOrderVersionConflict
	} else if order.ID >= r.nextID {
		r.nextID = order.ID + 1
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	r.items[order.ID] = order
	return order, nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(id int64) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// Save применяет обновления к заказу с учётом optimistic locking.
func (r *orderRepositoryInMemory) Save(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	order.Version++
	order.UpdatedAt = time.Now().UTC()
	r.items[order.ID] = order
	return nil
}

// ListByStatus возвращает заказы в заданном статусе, приоритетные первыми.
func (r *orderRepositoryInMemory) ListByStatus(status domain.OrderStatus, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.Status == status {
			result = append(result, order)
		}
	}
	sortOrdersByPriority(result)
	return truncateOrders(result, limit), nil
}

// ListStuck возвращает заказы в одном из статусов, не обновлявшиеся с before.
// Эскалированные заказы идут первыми и не вытесняются лимитом выборки.
func (r *orderRepositoryInMemory) ListStuck(statuses []domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[domain.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if wanted[order.Status] && order.UpdatedAt.Before(before) {
			result = append(result, order)
		}
	}
	sortOrdersByPriority(result)
	return truncateOrders(result, limit), nil
}

// ListCreatedSince возвращает заказы, созданные после since, старые первыми.
func (r *orderRepositoryInMemory) ListCreatedSince(since time.Time, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.CreatedAt.After(since) {
			result = append(result, order)
		}
	}
	sortOrders(result)
	return truncateOrders(result, limit), nil
}

// CountByUserSince считает заказы пользователя, созданные после since.
func (r *orderRepositoryInMemory) CountByUserSince(userID int64, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, order := range r.items {
		if order.UserID == userID && order.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// CountSameQuantitySince считает заказы пользователя с данным количеством после since.
func (r *orderRepositoryInMemory) CountSameQuantitySince(userID int64, quantity int, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, order := range r.items {
		if order.UserID == userID && order.Quantity == quantity && order.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// ExistsSimilar сообщает, был ли недавно другой заказ того же пользователя
// на ту же услугу и ссылку.
func (r *orderRepositoryInMemory) ExistsSimilar(userID, serviceID int64, link string, since time.Time, excludeOrderID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, order := range r.items {
		if order.ID == excludeOrderID {
			continue
		}
		if order.UserID == userID && order.ServiceID == serviceID && order.Link == link && order.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// Эскалированные заказы первыми, внутри одного приоритета старые раньше новых.
func sortOrdersByPriority(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].ProcessingPriority != orders[j].ProcessingPriority {
			return orders[i].ProcessingPriority > orders[j].ProcessingPriority
		}
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func truncateOrders(orders []domain.Order, limit int) []domain.Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
