package domain

import "time"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ и возвращает его с присвоенным ID.
	Create(order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id int64) (Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
	// ListByStatus возвращает заказы в заданном статусе, приоритетные первыми,
	// внутри одного приоритета старые раньше новых.
	ListByStatus(status OrderStatus, limit int) ([]Order, error)
	// ListStuck возвращает заказы в одном из статусов, не обновлявшиеся с before.
	// Эскалированные заказы идут первыми и не вытесняются лимитом выборки.
	ListStuck(statuses []OrderStatus, before time.Time, limit int) ([]Order, error)
	// ListCreatedSince возвращает заказы, созданные после since, старые первыми.
	ListCreatedSince(since time.Time, limit int) ([]Order, error)
	// CountByUserSince считает заказы пользователя, созданные после since.
	CountByUserSince(userID int64, since time.Time) (int, error)
	// CountSameQuantitySince считает заказы пользователя с данным количеством после since.
	CountSameQuantitySince(userID int64, quantity int, since time.Time) (int, error)
	// ExistsSimilar сообщает, был ли недавно другой заказ того же пользователя
	// на ту же услугу и ссылку. Заказ excludeOrderID не учитывается, чтобы
	// проверяемый заказ не совпадал сам с собой. Используется как запасная
	// проверка дублей.
	ExistsSimilar(userID, serviceID int64, link string, since time.Time, excludeOrderID int64) (bool, error)
}

// UserRepository описывает доступ к пользователям без блокировок.
type UserRepository interface {
	// Get возвращает пользователя или ErrUserNotFound, если его нет.
	Get(id int64) (User, error)
	// Save применяет обновления с учётом optimistic locking.
	Save(user User) error
}

// LedgerStore выполняет денежные операции атомарно: блокировка строки
// пользователя, изменение баланса и запись журнала происходят в одной
// транзакции хранилища.
type LedgerStore interface {
	// ApplyOptimistic читает пользователя без блокировки, применяет fn и
	// сохраняет его вместе с записью журнала, проверяя версию. При гонке
	// возвращает ErrUserVersionConflict; повтор остаётся за вызывающим.
	ApplyOptimistic(userID int64, fn func(u *User) (*BalanceTransaction, error)) error
	// WithUserLock блокирует пользователя, передаёт его актуальное состояние
	// в fn и сохраняет изменённого пользователя вместе с записью журнала.
	// Ошибка из fn откатывает транзакцию целиком.
	WithUserLock(userID int64, fn func(u *User) (*BalanceTransaction, error)) error
	// WithUsersLock блокирует двух пользователей строго в порядке возрастания ID
	// и сохраняет обоих вместе с записями журнала из fn.
	WithUsersLock(firstID, secondID int64, fn func(first, second *User) ([]BalanceTransaction, error)) error
}

// TransactionRepository даёт доступ к журналу движения средств на чтение.
type TransactionRepository interface {
	// GetByRef возвращает запись по идемпотентному ключу операции.
	GetByRef(ref string) (BalanceTransaction, error)
	// ExistsByRef сообщает, выполнялась ли операция с этим ключом.
	ExistsByRef(ref string) (bool, error)
	// ListByUser возвращает записи пользователя, новые первыми.
	ListByUser(userID int64, limit int) ([]BalanceTransaction, error)
}

// DepositRepository хранит пополнения баланса.
type DepositRepository interface {
	Create(deposit Deposit) (Deposit, error)
	// GetByPaymentID возвращает пополнение по идентификатору платежа провайдера.
	GetByPaymentID(paymentID string) (Deposit, error)
	// Save применяет обновления с учётом optimistic locking.
	Save(deposit Deposit) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(event OutboxEvent) (OutboxEvent, error)
	// PullDue возвращает необработанные события, у которых подошло время
	// попытки, старые первыми. Конкурирующие воркеры не получают одни
	// и те же строки.
	PullDue(limit int) ([]OutboxEvent, error)
	MarkProcessed(id string) error
	// MarkFailed увеличивает счётчик попыток и откладывает следующую.
	MarkFailed(id string, lastError string, nextRetryAt time.Time) error
	Stats() (OutboxStats, error)
	// DeleteProcessedBefore удаляет опубликованные события старше before.
	DeleteProcessedBefore(before time.Time, limit int) (int, error)
}
