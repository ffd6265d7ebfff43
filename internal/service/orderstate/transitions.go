package orderstate

import "github.com/demogorgon1860/smmpanel/internal/domain"

// validTransitions задаёт допустимые переходы статусов заказа.
// CANCELLED терминален, события для заказов в нём отбрасываются как устаревшие.
var validTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {
		domain.OrderStatusInProgress,
		domain.OrderStatusProcessing,
		domain.OrderStatusActive,
		domain.OrderStatusHolding,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusInProgress: {
		domain.OrderStatusProcessing,
		domain.OrderStatusActive,
		domain.OrderStatusCompleted,
		domain.OrderStatusPartial,
		domain.OrderStatusHolding,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusProcessing: {
		domain.OrderStatusActive,
		domain.OrderStatusCompleted,
		domain.OrderStatusPartial,
		domain.OrderStatusHolding,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusActive: {
		domain.OrderStatusCompleted,
		domain.OrderStatusPartial,
		domain.OrderStatusPaused,
		domain.OrderStatusHolding,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusPartial: {
		domain.OrderStatusRefill,
		domain.OrderStatusHolding,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusPaused: {
		domain.OrderStatusActive,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusHolding: {
		domain.OrderStatusProcessing,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusRefill: {
		domain.OrderStatusActive,
		domain.OrderStatusCompleted,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusCompleted: {
		domain.OrderStatusHolding,
		domain.OrderStatusRefill,
	},
	domain.OrderStatusCancelled: {},
}

// CanTransition сообщает, допустим ли переход from -> to.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
