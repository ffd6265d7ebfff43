package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего имени пользователя.
	ErrUsernameRequired = errors.New("username is required")
	// Ошибка отсутствующей продвигаемой ссылки.
	ErrLinkRequired = errors.New("order link is required")
	// Ошибка при некорректном количестве в заказе (<= 0).
	ErrQuantityInvalid = errors.New("order quantity must be greater than zero")
	// Ошибка отрицательного остатка заказа.
	ErrRemainsNegative = errors.New("order remains must be non-negative")
	// Ошибка отрицательной суммы списания.
	ErrChargeNegative = errors.New("order charge must be non-negative")
	// Ошибка неизвестного статуса заказа.
	ErrStatusUnknown = errors.New("order status is not supported")
	// Ошибка отрицательной денежной суммы.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// Ошибка отрицательного баланса: журнал никогда не должен её допускать.
	ErrBalanceNegative = errors.New("balance must be non-negative")
	// Ошибка отрицательного счётчика трат.
	ErrTotalSpentNegative = errors.New("total_spent must be non-negative")
	// Ошибка отсутствующего идемпотентного ключа операции с балансом.
	ErrTransactionRefRequired = errors.New("transaction_ref is required")
	// Ошибка отсутствующего идентификатора платежа провайдера.
	ErrPaymentIDRequired = errors.New("payment_id is required")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUserNotFound возвращается, если пользователь не найден в репозитории.
	ErrUserNotFound = errors.New("user not found")
	// ErrDepositNotFound возвращается, если пополнение не найдено.
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrTransactionNotFound возвращается, если запись журнала не найдена.
	ErrTransactionNotFound = errors.New("balance transaction not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении заказа.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrUserVersionConflict сигнализирует о конфликте версий при сохранении пользователя.
	ErrUserVersionConflict = errors.New("user version conflict")
	// ErrDepositVersionConflict сигнализирует о конфликте версий при сохранении пополнения.
	ErrDepositVersionConflict = errors.New("deposit version conflict")
	// ErrDuplicateTransaction — запись журнала с таким transaction_ref уже существует.
	ErrDuplicateTransaction = errors.New("duplicate balance transaction")
	// ErrInsufficientBalance — ожидаемый бизнес-исход: средств не хватает.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition — запрошенный переход статуса не разрешён автоматом состояний.
	ErrInvalidTransition = errors.New("order status transition is not allowed")

	// ErrBotUnavailable — временная ошибка исполнителя, можно повторить попытку.
	ErrBotUnavailable = errors.New("bot service temporarily unavailable")
	// ErrBotRejected — исполнитель отклонил заказ (бизнес-ошибка).
	ErrBotRejected = errors.New("bot service rejected order")
	// ErrSourceUnavailable — продвигаемый ресурс недоступен (удалён или закрыт).
	ErrSourceUnavailable = errors.New("promoted source unavailable")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrDedupUnavailable — хранилище маркеров дедупликации недоступно.
	ErrDedupUnavailable = errors.New("dedup store unavailable")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict) ||
		errors.Is(err, ErrUserVersionConflict) ||
		errors.Is(err, ErrDepositVersionConflict)
}
