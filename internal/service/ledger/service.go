package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/retry"
)

// Service — единственная точка изменения балансов. Каждая операция
// атомарно меняет баланс и добавляет запись в журнал BalanceTransaction.
type Service struct {
	store  domain.LedgerStore
	txns   domain.TransactionRepository
	logger *log.Entry
	policy retry.Policy
}

// NewService создаёт рабочий экземпляр леджера.
func NewService(store domain.LedgerStore, txns domain.TransactionRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "ledger")
	}

	policy := retry.DefaultPolicy()
	policy.Retryable = domain.IsVersionConflict

	return &Service{
		store:  store,
		txns:   txns,
		logger: logger,
		policy: policy,
	}
}

// RefundRef возвращает идемпотентный ключ возврата по заказу.
func RefundRef(orderID int64) string {
	return fmt.Sprintf("refund:order:%d", orderID)
}

// PaymentRef возвращает идемпотентный ключ списания за заказ.
func PaymentRef(orderID int64) string {
	return fmt.Sprintf("order-payment:%d", orderID)
}

// DepositRef возвращает идемпотентный ключ пополнения по платежу провайдера.
func DepositRef(paymentID string) string {
	return fmt.Sprintf("deposit:%s", paymentID)
}

// Add безусловно зачисляет amount на баланс пользователя.
// Повтор с тем же ref не зачисляет деньги второй раз.
func (s *Service) Add(ctx context.Context, userID int64, amount decimal.Decimal, ref, reason string, depositID *string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrAmountNegative
	}

	applied, newBalance, err := s.creditOnce(ctx, userID, amount, domain.TransactionTypeDeposit, ref, reason, nil, depositID)
	if err != nil {
		return decimal.Zero, err
	}
	if !applied {
		s.logger.WithFields(log.Fields{
			"user_id": userID,
			"ref":     ref,
		}).Info("credit already applied, skipping")
	}
	return newBalance, nil
}

// CheckAndDeduct атомарно проверяет достаточность средств и списывает amount.
// Нехватка средств — ожидаемый исход: возвращается false без ошибки.
func (s *Service) CheckAndDeduct(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64, reason string) (bool, error) {
	if !amount.IsPositive() {
		return false, domain.ErrAmountNegative
	}
	amount = domain.MoneyRound(amount)

	ok := false
	// Пессимистичная блокировка закрывает гонку между проверкой и списанием.
	err := s.store.WithUserLock(userID, func(u *domain.User) (*domain.BalanceTransaction, error) {
		if u.Balance.LessThan(amount) {
			ok = false
			return nil, nil
		}

		before := u.Balance
		u.Balance = domain.MoneyRound(u.Balance.Sub(amount))
		u.TotalSpent = domain.MoneyRound(u.TotalSpent.Add(amount))
		ok = true

		txn := s.buildTransaction(u.ID, domain.TransactionTypeOrderPayment, amount, before, u.Balance, PaymentRef(orderID), reason)
		txn.OrderID = &orderID
		return txn, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			// Списание за этот заказ уже состоялось.
			s.logger.WithFields(log.Fields{
				"user_id":  userID,
				"order_id": orderID,
			}).Info("order payment already recorded, skipping")
			return true, nil
		}
		return false, err
	}
	return ok, nil
}

// Refund зачисляет возврат по заказу. Нулевые и отрицательные суммы,
// как и повторы, пропускаются молча: возврат обязан быть идемпотентным.
func (s *Service) Refund(ctx context.Context, userID int64, amount decimal.Decimal, orderID *int64, reason string) error {
	if !amount.IsPositive() {
		s.logger.WithFields(log.Fields{
			"user_id": userID,
			"amount":  amount.String(),
		}).Info("refund skipped: non-positive amount")
		return nil
	}

	ref := fmt.Sprintf("refund:%s", uuid.NewString())
	if orderID != nil {
		ref = RefundRef(*orderID)
	}

	applied, _, err := s.creditOnce(ctx, userID, amount, domain.TransactionTypeRefund, ref, reason, orderID, nil)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.WithFields(log.Fields{
			"user_id": userID,
			"ref":     ref,
		}).Info("refund already applied, skipping")
	}
	return nil
}

// Transfer атомарно переводит amount между двумя пользователями.
// Сумма балансов обоих счетов не меняется.
func (s *Service) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return domain.ErrAmountNegative
	}
	if fromID == toID {
		return domain.ErrUserRequired
	}
	amount = domain.MoneyRound(amount)

	ref := fmt.Sprintf("transfer:%s", uuid.NewString())

	return s.store.WithUsersLock(fromID, toID, func(first, second *domain.User) ([]domain.BalanceTransaction, error) {
		from, to := first, second
		if from.ID != fromID {
			from, to = second, first
		}

		if from.Balance.LessThan(amount) {
			return nil, domain.ErrInsufficientBalance
		}

		fromBefore := from.Balance
		toBefore := to.Balance
		from.Balance = domain.MoneyRound(from.Balance.Sub(amount))
		to.Balance = domain.MoneyRound(to.Balance.Add(amount))

		out := s.buildTransaction(from.ID, domain.TransactionTypeTransferOut, amount, fromBefore, from.Balance, ref+":out", reason)
		in := s.buildTransaction(to.ID, domain.TransactionTypeTransferIn, amount, toBefore, to.Balance, ref+":in", reason)
		return []domain.BalanceTransaction{*out, *in}, nil
	})
}

// Adjust выполняет административную корректировку на знаковую сумму.
// Корректировка, уводящая баланс в минус, отклоняется до коммита.
func (s *Service) Adjust(ctx context.Context, userID int64, signedAmount decimal.Decimal, reason string) (decimal.Decimal, error) {
	if signedAmount.IsZero() {
		return decimal.Zero, domain.ErrAmountNegative
	}
	signedAmount = domain.MoneyRound(signedAmount)

	var newBalance decimal.Decimal
	op := func() error {
		return s.store.ApplyOptimistic(userID, func(u *domain.User) (*domain.BalanceTransaction, error) {
			before := u.Balance
			after := domain.MoneyRound(u.Balance.Add(signedAmount))
			if after.IsNegative() {
				return nil, domain.ErrInsufficientBalance
			}
			u.Balance = after
			newBalance = after

			txn := s.buildTransaction(u.ID, domain.TransactionTypeAdjustment, signedAmount.Abs(), before, after, fmt.Sprintf("adjustment:%s", uuid.NewString()), reason)
			return txn, nil
		})
	}

	if err := retry.Do(ctx, s.policy, op); err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// creditOnce зачисляет amount с optimistic-retry и защитой от повтора по ref.
func (s *Service) creditOnce(ctx context.Context, userID int64, amount decimal.Decimal, txnType domain.TransactionType, ref, reason string, orderID *int64, depositID *string) (applied bool, newBalance decimal.Decimal, err error) {
	amount = domain.MoneyRound(amount)

	// Быстрая проверка повторов; уникальный индекс по ref остаётся последней линией защиты.
	if exists, checkErr := s.txns.ExistsByRef(ref); checkErr == nil && exists {
		return false, decimal.Zero, nil
	}

	op := func() error {
		return s.store.ApplyOptimistic(userID, func(u *domain.User) (*domain.BalanceTransaction, error) {
			before := u.Balance
			u.Balance = domain.MoneyRound(u.Balance.Add(amount))
			newBalance = u.Balance

			txn := s.buildTransaction(u.ID, txnType, amount, before, u.Balance, ref, reason)
			txn.OrderID = orderID
			txn.DepositID = depositID
			return txn, nil
		})
	}

	if err := retry.Do(ctx, s.policy, op); err != nil {
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			return false, decimal.Zero, nil
		}
		return false, decimal.Zero, err
	}
	return true, newBalance, nil
}

func (s *Service) buildTransaction(userID int64, txnType domain.TransactionType, amount, before, after decimal.Decimal, ref, reason string) *domain.BalanceTransaction {
	txn := &domain.BalanceTransaction{
		ID:                   uuid.NewString(),
		UserID:               userID,
		TransactionRef:       ref,
		Type:                 txnType,
		Amount:               amount,
		BalanceBefore:        before,
		BalanceAfter:         after,
		Description:          reason,
		ReconciliationStatus: domain.ReconciliationPending,
		CreatedAt:            time.Now().UTC(),
	}
	txn.AuditHash = txn.ComputeAuditHash()
	return txn
}
