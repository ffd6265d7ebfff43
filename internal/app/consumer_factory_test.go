package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/alert"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/service/automation"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/fraud"
	"github.com/demogorgon1860/smmpanel/internal/service/ledger"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
)

func buildTestBindings(t *testing.T) []consumerBinding {
	t.Helper()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "consumer-factory"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies failed: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	guard := dedup.NewGuard(rdb, nil)
	ledgerSvc := ledger.NewService(deps.ledgerStore, deps.txns, nil)
	states := orderstate.NewManager(deps.orders, ledgerSvc, deps.outboxRepo, nil)
	fraudChecker := fraud.NewChecker(rdb, deps.orders, fraud.DefaultConfig(), nil)

	return buildConsumerBindings(
		deps, guard, ledgerSvc, states, fraudChecker,
		automation.NewMockBotService(),
		automation.NewMockCampaignService(),
		automation.NewMockStartCountProbe(0),
		nil,
		alert.NewLogSender(),
		nil,
	)
}

func TestBuildConsumerBindings_CoversAllTopics(t *testing.T) {
	bindings := buildTestBindings(t)

	if len(bindings) != 5 {
		t.Fatalf("expected 5 consumer bindings, got %d", len(bindings))
	}

	seenTopics := make(map[string]string)
	seenNames := make(map[string]bool)
	for _, binding := range bindings {
		if binding.name == "" {
			t.Error("binding name should not be empty")
		}
		if seenNames[binding.name] {
			t.Errorf("duplicate binding name: %s", binding.name)
		}
		seenNames[binding.name] = true

		if binding.handler == nil {
			t.Errorf("binding %s has nil handler", binding.name)
		}
		for _, topic := range binding.topics {
			if owner, ok := seenTopics[topic]; ok {
				t.Errorf("topic %s claimed by both %s and %s", topic, owner, binding.name)
			}
			seenTopics[topic] = binding.name
		}
	}

	expectedTopics := []string{
		kafka.TopicOrderCreated,
		kafka.TopicOrderStatusChanged,
		kafka.TopicPaymentConfirmations,
		kafka.TopicPaymentWebhooks,
		kafka.TopicPaymentRefunds,
		kafka.TopicBotResults,
		kafka.TopicOfferAssignments,
	}
	for _, topic := range expectedTopics {
		if _, ok := seenTopics[topic]; !ok {
			t.Errorf("topic %s is not covered by any binding", topic)
		}
	}
	if len(seenTopics) != len(expectedTopics) {
		t.Errorf("expected %d topics, got %d", len(expectedTopics), len(seenTopics))
	}
}

func TestBuildConsumerBindings_PaymentTopicsShareConsumer(t *testing.T) {
	bindings := buildTestBindings(t)

	for _, binding := range bindings {
		if binding.name != "payments" {
			continue
		}
		if len(binding.topics) != 3 {
			t.Fatalf("expected payments binding to cover 3 topics, got %d", len(binding.topics))
		}
		return
	}
	t.Fatal("payments binding not found")
}
