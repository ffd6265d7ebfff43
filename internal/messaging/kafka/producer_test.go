package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestProducer_PublishEvent(t *testing.T) {
	// Создаем mock producer
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	// Настраиваем ожидания
	mockProducer.ExpectSendMessageAndSucceed()

	event := NewOrderStatusChangedEvent(123, 7, "PENDING", "ACTIVE", "payment confirmed")

	// Публикуем событие
	err := producer.PublishEvent(TopicOrderStatusChanged, "123", event)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Проверяем, что все ожидания выполнены
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	// Создаем mock producer с ошибкой
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	// Настраиваем ожидание ошибки
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	event := NewOrderCreatedEvent(123, 7)

	// Публикуем событие
	err := producer.PublishEvent(TopicOrderCreated, "123", event)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishRaw(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"a":1}` {
			t.Errorf("unexpected raw value: %s", val)
		}
		return nil
	})

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	headers := map[string]string{HeaderRetryCount: "1", HeaderOriginalTopic: "orders"}
	if err := producer.PublishRaw(TopicBotResults, "bot-1", []byte(`{"a":1}`), headers); err != nil {
		t.Fatalf("PublishRaw failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewOrderCreatedEvent(t *testing.T) {
	event := NewOrderCreatedEvent(42, 9)

	if event.OrderID != 42 {
		t.Errorf("expected order id 42, got %d", event.OrderID)
	}
	if event.UserID != 9 {
		t.Errorf("expected user id 9, got %d", event.UserID)
	}

	// Проверяем, что timestamp установлен
	if event.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}

	// Проверяем, что timestamp близок к текущему времени
	if time.Since(event.Timestamp) > time.Second {
		t.Error("timestamp should be close to current time")
	}
}

func TestNewOrderStatusChangedEvent(t *testing.T) {
	event := NewOrderStatusChangedEvent(42, 9, "ACTIVE", "COMPLETED", "delivered in full")

	if event.OldStatus != "ACTIVE" || event.NewStatus != "COMPLETED" {
		t.Errorf("unexpected statuses: %s -> %s", event.OldStatus, event.NewStatus)
	}
	if event.Reason != "delivered in full" {
		t.Errorf("unexpected reason: %s", event.Reason)
	}
	if event.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}
}

func TestDLQTopic(t *testing.T) {
	if got := DLQTopic(TopicBotResults); got != "bot.results.dlq" {
		t.Fatalf("unexpected dlq topic: %s", got)
	}
}

func TestMessageID_Deterministic(t *testing.T) {
	a := MessageID(TopicBotResults, 2, 100)
	b := MessageID(TopicBotResults, 2, 100)
	if a != b {
		t.Fatalf("same coordinates must produce same id: %s != %s", a, b)
	}
	if a == MessageID(TopicBotResults, 2, 101) {
		t.Fatalf("different offsets must produce different ids")
	}
}
