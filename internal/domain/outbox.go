package domain

import "time"

// OutboxEvent хранит событие, сохранённое в одной транзакции с данными
// и ожидающее публикации в Kafka.
type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	// Topic — целевой топик Kafka; ключом сообщения служит AggregateID.
	Topic   string
	Payload []byte

	Processed bool
	// RetryCount растёт при каждой неудачной публикации.
	RetryCount int
	MaxRetries int
	// NextRetryAt откладывает следующую попытку по экспоненте.
	NextRetryAt *time.Time
	LastError   string

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Exhausted сообщает, исчерпало ли событие лимит попыток публикации.
func (e *OutboxEvent) Exhausted() bool {
	return !e.Processed && e.RetryCount >= e.MaxRetries
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount int
	// ExhaustedCount — события, исчерпавшие попытки и требующие вмешательства.
	ExhaustedCount  int
	OldestPendingAt time.Time
}
