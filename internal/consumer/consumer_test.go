package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/demogorgon1860/smmpanel/internal/alert"
	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/service/automation"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/fraud"
	"github.com/demogorgon1860/smmpanel/internal/service/ledger"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
	"github.com/demogorgon1860/smmpanel/internal/storage/memory"
)

// env собирает полный набор зависимостей консьюмеров на in-memory
// хранилищах и miniredis.
type env struct {
	guard     *dedup.Guard
	rdb       *redis.Client
	mr        *miniredis.Miniredis
	orders    domain.OrderRepository
	store     *memory.Ledger
	deposits  domain.DepositRepository
	outbox    *memory.OutboxRepository
	ledger    *ledger.Service
	states    *orderstate.Manager
	fraud     *fraud.Checker
	bot       *automation.MockBotService
	campaigns *automation.MockCampaignService
	probe     *automation.MockStartCountProbe
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.NewLedger()
	orders := memory.NewOrderRepository()
	outbox := memory.NewOutboxRepository()
	ledgerSvc := ledger.NewService(store, store, nil)
	states := orderstate.NewManager(orders, ledgerSvc, outbox, nil)

	return &env{
		guard:     dedup.NewGuard(rdb, nil),
		rdb:       rdb,
		mr:        mr,
		orders:    orders,
		store:     store,
		deposits:  memory.NewDepositRepository(),
		outbox:    outbox,
		ledger:    ledgerSvc,
		states:    states,
		fraud:     fraud.NewChecker(rdb, orders, fraud.DefaultConfig(), nil),
		bot:       automation.NewMockBotService(),
		campaigns: automation.NewMockCampaignService(),
		probe:     automation.NewMockStartCountProbe(100),
	}
}

func (e *env) orderCreatedConsumer() *OrderCreatedConsumer {
	return NewOrderCreatedConsumer(e.guard, e.orders, e.store, e.ledger, e.fraud, e.states, e.bot, e.campaigns, e.probe, nil, nil)
}

func (e *env) seedUser(t *testing.T, id int64, balance string, verified bool) domain.User {
	t.Helper()
	u := domain.User{
		ID:       id,
		Username: "user",
		Balance:  mustDecimal(t, balance),
		Verified: verified,
		Active:   true,
	}
	e.store.PutUser(u)
	return u
}

func (e *env) seedOrder(t *testing.T, order domain.Order) domain.Order {
	t.Helper()
	if order.Link == "" {
		order.Link = "https://example.com/post/1"
	}
	if order.Quantity == 0 {
		order.Quantity = 1000
	}
	if order.Remains == 0 {
		order.Remains = order.Quantity
	}
	created, err := e.orders.Create(order)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return created
}

func (e *env) getOrder(t *testing.T, id int64) domain.Order {
	t.Helper()
	order, err := e.orders.Get(id)
	if err != nil {
		t.Fatalf("get order %d: %v", id, err)
	}
	return order
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func message(t *testing.T, topic string, offset int64, payload any) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic:     topic,
		Partition: 0,
		Offset:    offset,
		Value:     raw,
	}
}

func orderCreatedMessage(t *testing.T, offset int64, orderID, userID int64) *sarama.ConsumerMessage {
	t.Helper()
	return message(t, kafka.TopicOrderCreated, offset, kafka.NewOrderCreatedEvent(orderID, userID))
}

func TestOrderCreated_HappyPathSubmitsToBot(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "50", true)
	order := e.seedOrder(t, domain.Order{
		UserID:   user.ID,
		Status:   domain.OrderStatusPending,
		Quantity: 1000,
		Charge:   mustDecimal(t, "10"),
	})

	c := e.orderCreatedConsumer()
	if err := c.Handle(context.Background(), orderCreatedMessage(t, 1, order.ID, user.ID)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got.Status)
	}
	if got.ExternalBotOrderID == "" {
		t.Fatalf("expected external bot order id to be recorded")
	}
	if got.StartCount != 100 {
		t.Fatalf("expected start count 100, got %d", got.StartCount)
	}

	balance, err := e.store.Get(user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !balance.Balance.Equal(mustDecimal(t, "40")) {
		t.Fatalf("expected balance 40 after charge, got %s", balance.Balance)
	}
}

func TestOrderCreated_DuplicateDeliveryIsIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "50", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "10"),
	})

	c := e.orderCreatedConsumer()
	msg := orderCreatedMessage(t, 1, order.ID, user.ID)
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}

	if e.bot.SubmitCalls != 1 {
		t.Fatalf("expected exactly one bot submission, got %d", e.bot.SubmitCalls)
	}
	balance, _ := e.store.Get(user.ID)
	if !balance.Balance.Equal(mustDecimal(t, "40")) {
		t.Fatalf("duplicate delivery must not double-charge, balance %s", balance.Balance)
	}
}

func TestOrderCreated_InsufficientBalanceCancels(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "3", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "10"),
	})

	c := e.orderCreatedConsumer()
	if err := c.Handle(context.Background(), orderCreatedMessage(t, 1, order.ID, user.ID)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if !got.Charge.IsZero() {
		t.Fatalf("cancelled order must carry zero charge, got %s", got.Charge)
	}
	balance, _ := e.store.Get(user.ID)
	if !balance.Balance.Equal(mustDecimal(t, "3")) {
		t.Fatalf("balance must be untouched, got %s", balance.Balance)
	}
}

func TestOrderCreated_HighValueUnverifiedGoesToHolding(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "500", false)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "150"),
	})

	c := e.orderCreatedConsumer()
	if err := c.Handle(context.Background(), orderCreatedMessage(t, 1, order.ID, user.ID)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusHolding {
		t.Fatalf("expected HOLDING, got %s", got.Status)
	}
	if got.LastErrorType != domain.ErrorTypeFraud {
		t.Fatalf("expected fraud error type, got %s", got.LastErrorType)
	}
	balance, _ := e.store.Get(user.ID)
	if !balance.Balance.Equal(mustDecimal(t, "500")) {
		t.Fatalf("held order must not be charged, balance %s", balance.Balance)
	}
}

func TestOrderCreated_BotDownFallsBackToCampaign(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.bot.SubmitErr = domain.ErrBotUnavailable
	user := e.seedUser(t, 1, "50", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "10"),
	})

	c := e.orderCreatedConsumer()
	if err := c.Handle(context.Background(), orderCreatedMessage(t, 1, order.ID, user.ID)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusActive {
		t.Fatalf("expected ACTIVE via campaign fallback, got %s", got.Status)
	}
	if len(e.campaigns.Assigned) != 1 {
		t.Fatalf("expected one campaign assignment, got %d", len(e.campaigns.Assigned))
	}
}

func TestOrderCreated_BothChannelsDownHoldsOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.bot.SubmitErr = domain.ErrBotUnavailable
	e.campaigns.AssignErr = errors.New("tracker down")
	user := e.seedUser(t, 1, "50", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "10"),
	})

	c := e.orderCreatedConsumer()
	if err := c.Handle(context.Background(), orderCreatedMessage(t, 1, order.ID, user.ID)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusHolding {
		t.Fatalf("expected HOLDING, got %s", got.Status)
	}
	if got.LastErrorType != domain.ErrorTypeRetryable {
		t.Fatalf("expected retryable error type, got %s", got.LastErrorType)
	}
	if got.FailedPhase != string(domain.PhaseBotSubmit) {
		t.Fatalf("expected bot_submit phase, got %s", got.FailedPhase)
	}
}

func TestOrderCreated_SourceUnavailableSettlesShortDelivery(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.probe.FetchErr = domain.ErrSourceUnavailable
	user := e.seedUser(t, 1, "50", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "10"),
	})

	c := e.orderCreatedConsumer()
	if err := c.Handle(context.Background(), orderCreatedMessage(t, 1, order.ID, user.ID)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	// Недоступный контент закрывает заказ как PARTIAL, не как отмену
	if got.Status != domain.OrderStatusPartial {
		t.Fatalf("expected PARTIAL for unavailable content, got %s", got.Status)
	}
	balance, _ := e.store.Get(user.ID)
	if !balance.Balance.Equal(mustDecimal(t, "50")) {
		t.Fatalf("full refund expected, balance %s", balance.Balance)
	}
}

func TestOrderCreated_UnknownOrderIsTransient(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.orderCreatedConsumer()

	err := c.Handle(context.Background(), orderCreatedMessage(t, 1, 999, 1))
	if err == nil {
		t.Fatalf("expected transient error for missing order")
	}
	if kafka.IsPoison(err) {
		t.Fatalf("missing order must not be poison, it may still be written")
	}
}

func TestOrderCreated_MalformedPayloadIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.orderCreatedConsumer()

	err := c.Handle(context.Background(), &sarama.ConsumerMessage{
		Topic: kafka.TopicOrderCreated,
		Value: []byte("{not json"),
	})
	if !kafka.IsPoison(err) {
		t.Fatalf("expected poison error, got %v", err)
	}
}

func TestBotResults_CompletedOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	order := e.seedOrder(t, domain.Order{
		UserID:   1,
		Status:   domain.OrderStatusProcessing,
		Quantity: 1000,
		Charge:   mustDecimal(t, "10"),
	})
	e.seedUser(t, 1, "0", true)

	c := NewBotResultsConsumer(e.guard, e.states, nil)
	msg := message(t, kafka.TopicBotResults, 1, kafka.BotResultEvent{
		ExternalID: "1",
		Status:     "completed",
		Completed:  1000,
	})
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.Remains != 0 {
		t.Fatalf("expected zero remains, got %d", got.Remains)
	}
}

func TestBotResults_PartialRefundsRemainder(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "0", true)
	order := e.seedOrder(t, domain.Order{
		UserID:   user.ID,
		Status:   domain.OrderStatusProcessing,
		Quantity: 1000,
		Charge:   mustDecimal(t, "10"),
	})

	c := NewBotResultsConsumer(e.guard, e.states, nil)
	msg := message(t, kafka.TopicBotResults, 1, kafka.BotResultEvent{
		ExternalID: "1",
		Status:     "partial",
		Completed:  750,
	})
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusPartial {
		t.Fatalf("expected PARTIAL, got %s", got.Status)
	}
	if got.Remains != 250 {
		t.Fatalf("expected remains 250, got %d", got.Remains)
	}
	balance, _ := e.store.Get(user.ID)
	if !balance.Balance.Equal(mustDecimal(t, "2.5")) {
		t.Fatalf("expected refund 2.5, balance %s", balance.Balance)
	}
}

func TestBotResults_ProgressCarriesMetricCounts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	order := e.seedOrder(t, domain.Order{
		UserID:   1,
		Status:   domain.OrderStatusProcessing,
		Quantity: 1000,
		Charge:   mustDecimal(t, "10"),
	})

	c := NewBotResultsConsumer(e.guard, e.states, nil)
	first := message(t, kafka.TopicBotResults, 1, kafka.BotResultEvent{
		ExternalID:       "1",
		Status:           "in_progress",
		Completed:        200,
		StartLikeCount:   100,
		CurrentLikeCount: 150,
	})
	if err := c.Handle(context.Background(), first); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.StartLikeCount != 100 || got.CurrentLikeCount != 150 {
		t.Fatalf("expected counts 100/150, got %d/%d", got.StartLikeCount, got.CurrentLikeCount)
	}

	// Стартовое значение фиксируется первым отчётом, текущее ползёт дальше.
	second := message(t, kafka.TopicBotResults, 2, kafka.BotResultEvent{
		ExternalID:       "1",
		Status:           "in_progress",
		Completed:        400,
		StartLikeCount:   999,
		CurrentLikeCount: 320,
	})
	if err := c.Handle(context.Background(), second); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got = e.getOrder(t, order.ID)
	if got.StartLikeCount != 100 {
		t.Fatalf("start count must stay at first report, got %d", got.StartLikeCount)
	}
	if got.CurrentLikeCount != 320 {
		t.Fatalf("expected current count 320, got %d", got.CurrentLikeCount)
	}
}

func TestBotResults_StaleResultIsAcked(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	order := e.seedOrder(t, domain.Order{
		UserID:   1,
		Status:   domain.OrderStatusCancelled,
		Quantity: 1000,
		Charge:   mustDecimal(t, "10"),
	})

	c := NewBotResultsConsumer(e.guard, e.states, nil)
	msg := message(t, kafka.TopicBotResults, 1, kafka.BotResultEvent{
		ExternalID: "1",
		Status:     "completed",
		Completed:  1000,
	})
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("stale result must be acked, got %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("stale result must not change status, got %s", got.Status)
	}
}

func TestBotResults_MalformedExternalIDIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := NewBotResultsConsumer(e.guard, e.states, nil)
	msg := message(t, kafka.TopicBotResults, 1, kafka.BotResultEvent{
		ExternalID: "not-a-number",
		Status:     "completed",
	})
	if err := c.Handle(context.Background(), msg); !kafka.IsPoison(err) {
		t.Fatalf("expected poison error, got %v", err)
	}
}

func newPaymentsConsumer(e *env) *PaymentsConsumer {
	return NewPaymentsConsumer(e.guard, e.deposits, e.orders, e.ledger, e.states, nil)
}

func seedDeposit(t *testing.T, e *env, paymentID, amount string) domain.Deposit {
	t.Helper()
	deposit, err := e.deposits.Create(domain.Deposit{
		UserID:    1,
		PaymentID: paymentID,
		Provider:  "cryptomus",
		Amount:    mustDecimal(t, amount),
		Currency:  "USD",
		Status:    domain.DepositStatusPending,
	})
	if err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	return deposit
}

func TestPayments_ConfirmationCreditsBalance(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "5", true)
	seedDeposit(t, e, "pay-1", "25")

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentConfirmations, 1, kafka.PaymentConfirmationEvent{
		TransactionID: "pay-1",
		Amount:        mustDecimal(t, "25"),
		Currency:      "USD",
		Status:        "COMPLETED",
		Timestamp:     time.Now().UTC(),
	})
	if err := c.HandleConfirmation(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	balance, _ := e.store.Get(1)
	if !balance.Balance.Equal(mustDecimal(t, "30")) {
		t.Fatalf("expected balance 30, got %s", balance.Balance)
	}
	deposit, err := e.deposits.GetByPaymentID("pay-1")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if deposit.Status != domain.DepositStatusCompleted {
		t.Fatalf("expected COMPLETED deposit, got %s", deposit.Status)
	}
	if deposit.ConfirmedAt == nil {
		t.Fatalf("expected confirmation timestamp")
	}
}

func TestPayments_DuplicateConfirmationCreditsOnce(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	seedDeposit(t, e, "pay-1", "25")

	c := newPaymentsConsumer(e)
	event := kafka.PaymentConfirmationEvent{
		TransactionID: "pay-1",
		Amount:        mustDecimal(t, "25"),
		Status:        "COMPLETED",
	}
	if err := c.HandleConfirmation(context.Background(), message(t, kafka.TopicPaymentConfirmations, 1, event)); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	// Другой offset имитирует повторную публикацию того же платежа
	if err := c.HandleConfirmation(context.Background(), message(t, kafka.TopicPaymentConfirmations, 2, event)); err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}

	balance, _ := e.store.Get(1)
	if !balance.Balance.Equal(mustDecimal(t, "25")) {
		t.Fatalf("duplicate confirmation must credit once, balance %s", balance.Balance)
	}
}

func TestPayments_AmountMismatchIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	seedDeposit(t, e, "pay-1", "25")

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentConfirmations, 1, kafka.PaymentConfirmationEvent{
		TransactionID: "pay-1",
		Amount:        mustDecimal(t, "20"),
		Status:        "COMPLETED",
	})
	if err := c.HandleConfirmation(context.Background(), msg); !kafka.IsPoison(err) {
		t.Fatalf("expected poison on amount mismatch, got %v", err)
	}
	balance, _ := e.store.Get(1)
	if !balance.Balance.IsZero() {
		t.Fatalf("mismatched confirmation must not credit, balance %s", balance.Balance)
	}
}

func TestPayments_UnknownPaymentIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentConfirmations, 1, kafka.PaymentConfirmationEvent{
		TransactionID: "ghost",
		Amount:        mustDecimal(t, "25"),
		Status:        "COMPLETED",
	})
	if err := c.HandleConfirmation(context.Background(), msg); !kafka.IsPoison(err) {
		t.Fatalf("expected poison for unknown payment, got %v", err)
	}
}

func TestPayments_FailedConfirmationClosesDeposit(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	seedDeposit(t, e, "pay-1", "25")

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentConfirmations, 1, kafka.PaymentConfirmationEvent{
		TransactionID: "pay-1",
		Amount:        mustDecimal(t, "25"),
		Status:        "DECLINED",
	})
	if err := c.HandleConfirmation(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	deposit, _ := e.deposits.GetByPaymentID("pay-1")
	if deposit.Status != domain.DepositStatusFailed {
		t.Fatalf("expected FAILED deposit, got %s", deposit.Status)
	}
	balance, _ := e.store.Get(1)
	if !balance.Balance.IsZero() {
		t.Fatalf("declined payment must not credit, balance %s", balance.Balance)
	}
}

func TestPayments_ConfirmationActivatesLinkedOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	seedDeposit(t, e, "pay-1", "25")
	order := e.seedOrder(t, domain.Order{
		UserID: 1,
		Status: domain.OrderStatusPending,
		Charge: mustDecimal(t, "10"),
	})

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentConfirmations, 1, kafka.PaymentConfirmationEvent{
		TransactionID: "pay-1",
		Amount:        mustDecimal(t, "25"),
		Status:        "COMPLETED",
		OrderID:       &order.ID,
	})
	if err := c.HandleConfirmation(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusActive {
		t.Fatalf("expected ACTIVE after payment, got %s", got.Status)
	}
}

func TestPayments_GuardFailureIsRetriedNotAcked(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	seedDeposit(t, e, "pay-1", "25")
	e.mr.Close()

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentConfirmations, 1, kafka.PaymentConfirmationEvent{
		TransactionID: "pay-1",
		Amount:        mustDecimal(t, "25"),
		Status:        "COMPLETED",
	})
	err := c.HandleConfirmation(context.Background(), msg)
	if err == nil {
		t.Fatalf("payments class must fail closed when redis is down")
	}
	if kafka.IsPoison(err) {
		t.Fatalf("guard failure must be transient, got poison")
	}
	balance, _ := e.store.Get(1)
	if !balance.Balance.IsZero() {
		t.Fatalf("no credit expected without dedup guarantee, balance %s", balance.Balance)
	}
}

func TestPayments_WebhookNormalization(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	seedDeposit(t, e, "pay-1", "25")

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentWebhooks, 1, map[string]string{
		"payment_id": "pay-1",
		"amount":     "25",
		"currency":   "USD",
		"status":     "paid",
	})
	if err := c.HandleWebhook(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	balance, _ := e.store.Get(1)
	if !balance.Balance.Equal(mustDecimal(t, "25")) {
		t.Fatalf("expected balance 25 from webhook, got %s", balance.Balance)
	}
}

func TestPayments_WebhookWithoutPaymentIDIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentWebhooks, 1, map[string]string{
		"amount": "25",
		"status": "paid",
	})
	if err := c.HandleWebhook(context.Background(), msg); !kafka.IsPoison(err) {
		t.Fatalf("expected poison for webhook without payment id, got %v", err)
	}
}

func TestPayments_RefundCancelsOrderAndReturnsMoney(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "0", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusActive,
		Charge: mustDecimal(t, "10"),
	})

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentRefunds, 1, kafka.PaymentRefundEvent{
		TransactionID: "ref-1",
		OrderID:       order.ID,
		Amount:        mustDecimal(t, "0"),
		Reason:        "chargeback",
	})
	if err := c.HandleRefund(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if !got.Charge.IsZero() {
		t.Fatalf("refunded order must carry zero charge, got %s", got.Charge)
	}
	balance, _ := e.store.Get(user.ID)
	if !balance.Balance.Equal(mustDecimal(t, "10")) {
		t.Fatalf("expected full refund of order charge, balance %s", balance.Balance)
	}
}

func TestPayments_RefundMarksDepositRefunded(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	user := e.seedUser(t, 1, "25", true)
	order := e.seedOrder(t, domain.Order{
		UserID: user.ID,
		Status: domain.OrderStatusActive,
		Charge: mustDecimal(t, "10"),
	})
	deposit := seedDeposit(t, e, "pay-9", "25")
	deposit.Status = domain.DepositStatusCompleted
	if err := e.deposits.Save(deposit); err != nil {
		t.Fatalf("save deposit: %v", err)
	}

	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentRefunds, 1, kafka.PaymentRefundEvent{
		TransactionID: "pay-9",
		OrderID:       order.ID,
		Amount:        mustDecimal(t, "10"),
	})
	if err := c.HandleRefund(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got, err := e.deposits.GetByPaymentID("pay-9")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if got.Status != domain.DepositStatusRefunded {
		t.Fatalf("expected REFUNDED deposit, got %s", got.Status)
	}
	if e.getOrder(t, order.ID).Status != domain.OrderStatusCancelled {
		t.Fatalf("linked order must be cancelled")
	}

	// Повторная пометка идемпотентна
	msg = message(t, kafka.TopicPaymentRefunds, 2, kafka.PaymentRefundEvent{
		TransactionID: "pay-9",
		OrderID:       order.ID,
		Amount:        mustDecimal(t, "10"),
	})
	if err := c.HandleRefund(context.Background(), msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
}

func TestPayments_RefundForUnknownOrderIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := newPaymentsConsumer(e)
	msg := message(t, kafka.TopicPaymentRefunds, 1, kafka.PaymentRefundEvent{
		TransactionID: "ref-1",
		OrderID:       404,
		Amount:        mustDecimal(t, "10"),
	})
	if err := c.HandleRefund(context.Background(), msg); !kafka.IsPoison(err) {
		t.Fatalf("expected poison for unknown order, got %v", err)
	}
}

func TestOfferAssignments_ActivatesOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	order := e.seedOrder(t, domain.Order{
		UserID: 1,
		Status: domain.OrderStatusHolding,
		Charge: mustDecimal(t, "10"),
	})

	c := NewOfferAssignmentsConsumer(e.guard, e.campaigns, e.states, nil)
	msg := message(t, kafka.TopicOfferAssignments, 1, kafka.OfferAssignmentEvent{
		OfferName: "Order 1",
		TargetURL: "https://example.com/post/1",
		OrderID:   order.ID,
	})
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	// HOLDING -> ACTIVE недопустим, привязка для удержанного заказа устаревает
	if got.Status != domain.OrderStatusHolding {
		t.Fatalf("holding order must stay held, got %s", got.Status)
	}
	if len(e.campaigns.Assigned) != 1 {
		t.Fatalf("expected one assignment call, got %d", len(e.campaigns.Assigned))
	}
}

func TestOfferAssignments_InProgressOrderBecomesActive(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedUser(t, 1, "0", true)
	order := e.seedOrder(t, domain.Order{
		UserID: 1,
		Status: domain.OrderStatusInProgress,
		Charge: mustDecimal(t, "10"),
	})

	c := NewOfferAssignmentsConsumer(e.guard, e.campaigns, e.states, nil)
	msg := message(t, kafka.TopicOfferAssignments, 1, kafka.OfferAssignmentEvent{
		OfferName: "Order 1",
		TargetURL: "https://example.com/post/1",
		OrderID:   order.ID,
	})
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := e.getOrder(t, order.ID)
	if got.Status != domain.OrderStatusActive {
		t.Fatalf("expected ACTIVE, got %s", got.Status)
	}
}

func TestOfferAssignments_MissingTargetIsPoison(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := NewOfferAssignmentsConsumer(e.guard, e.campaigns, e.states, nil)
	msg := message(t, kafka.TopicOfferAssignments, 1, kafka.OfferAssignmentEvent{
		OrderID: 1,
	})
	if err := c.Handle(context.Background(), msg); !kafka.IsPoison(err) {
		t.Fatalf("expected poison, got %v", err)
	}
}

type captureSender struct {
	alerts []string
}

func (s *captureSender) Send(_ context.Context, a alert.Alert) error {
	s.alerts = append(s.alerts, a.Kind)
	return nil
}

func TestOrderStatusChanged_TerminalStatesNotify(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	sender := &captureSender{}
	c := NewOrderStatusChangedConsumer(e.guard, sender, nil)

	cases := []struct {
		newStatus string
		wantKind  string
	}{
		{"COMPLETED", "order_completed"},
		{"CANCELLED", "order_cancelled"},
		{"HOLDING", "order_holding"},
	}
	for i, tc := range cases {
		msg := message(t, kafka.TopicOrderStatusChanged, int64(i+1), kafka.NewOrderStatusChangedEvent(1, 1, "ACTIVE", tc.newStatus, "test"))
		if err := c.Handle(context.Background(), msg); err != nil {
			t.Fatalf("handle %s failed: %v", tc.newStatus, err)
		}
	}

	if len(sender.alerts) != len(cases) {
		t.Fatalf("expected %d notifications, got %d", len(cases), len(sender.alerts))
	}
	for i, tc := range cases {
		if sender.alerts[i] != tc.wantKind {
			t.Fatalf("notification %d: expected %s, got %s", i, tc.wantKind, sender.alerts[i])
		}
	}
}

func TestOrderStatusChanged_IntermediateStatesAreSilent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	sender := &captureSender{}
	c := NewOrderStatusChangedConsumer(e.guard, sender, nil)

	msg := message(t, kafka.TopicOrderStatusChanged, 1, kafka.NewOrderStatusChangedEvent(1, 1, "PENDING", "IN_PROGRESS", "payment captured"))
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(sender.alerts) != 0 {
		t.Fatalf("intermediate transition must not notify, got %v", sender.alerts)
	}
}
