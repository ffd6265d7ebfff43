package memory

import (
	"testing"
	"time"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

func TestOutboxRepository_PullDueSkipsScheduledAndExhausted(t *testing.T) {
	t.Parallel()

	repo := NewOutboxRepository()

	due, err := repo.Enqueue(domain.OutboxEvent{
		AggregateType: "order",
		AggregateID:   "1",
		EventType:     "OrderStatusChanged",
		Topic:         "order.status.changed",
		Payload:       []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	later := time.Now().UTC().Add(time.Hour)
	scheduled, _ := repo.Enqueue(domain.OutboxEvent{AggregateID: "2", Topic: "order.status.changed", Payload: []byte(`{}`)})
	if err := repo.MarkFailed(scheduled.ID, "broker down", later); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	exhausted, _ := repo.Enqueue(domain.OutboxEvent{AggregateID: "3", Topic: "order.status.changed", Payload: []byte(`{}`), MaxRetries: 1})
	if err := repo.MarkFailed(exhausted.ID, "broker down", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := repo.PullDue(10)
	if err != nil {
		t.Fatalf("pull due failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the due event, got %v", got)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 2 || stats.ExhaustedCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestOutboxRepository_ProcessedLifecycle(t *testing.T) {
	t.Parallel()

	repo := NewOutboxRepository()
	ev, err := repo.Enqueue(domain.OutboxEvent{AggregateID: "1", Topic: "order.created", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := repo.MarkProcessed(ev.ID); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}

	due, err := repo.PullDue(10)
	if err != nil {
		t.Fatalf("pull due failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("processed events must not be pulled, got %v", due)
	}

	deleted, err := repo.DeleteProcessedBefore(time.Now().UTC().Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted event, got %d", deleted)
	}
}
