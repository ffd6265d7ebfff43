package automation

import (
	"errors"
	"testing"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

func TestMockBotService(t *testing.T) {
	t.Parallel()

	bot := NewMockBotService()
	order := domain.Order{ID: 1, UserID: 2, Link: "https://example.com", Quantity: 100}

	externalID, err := bot.Submit(order)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if externalID == "" {
		t.Fatal("expected external id")
	}
	if got := bot.Submitted[externalID]; got.ID != order.ID {
		t.Fatalf("unexpected submitted order: %+v", got)
	}

	if err := bot.Cancel(externalID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if bot.SubmitCalls != 1 || bot.CancelCalls != 1 {
		t.Fatalf("unexpected call counts: submit=%d cancel=%d", bot.SubmitCalls, bot.CancelCalls)
	}

	bot.SubmitErr = domain.ErrBotUnavailable
	if _, err := bot.Submit(order); !errors.Is(err, domain.ErrBotUnavailable) {
		t.Fatalf("expected configured error, got %v", err)
	}
}

func TestMockCampaignService(t *testing.T) {
	t.Parallel()

	campaigns := NewMockCampaignService()

	assignment, err := campaigns.AssignOffer(7, "Order 7 - video", "https://example.com/v", "US")
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assignment.OfferID == "" {
		t.Fatal("expected offer id")
	}
	if len(assignment.CampaignIDs) != 2 {
		t.Fatalf("expected two campaigns, got %d", len(assignment.CampaignIDs))
	}
	if campaigns.AssignCalls != 1 {
		t.Fatalf("unexpected call count: %d", campaigns.AssignCalls)
	}

	campaigns.AssignErr = errors.New("tracker down")
	if _, err := campaigns.AssignOffer(8, "Order 8", "https://example.com", ""); err == nil {
		t.Fatal("expected configured error")
	}
}

func TestMockStartCountProbe(t *testing.T) {
	t.Parallel()

	probe := NewMockStartCountProbe(1500)

	count, err := probe.Fetch("https://example.com/v")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if count != 1500 {
		t.Fatalf("unexpected count: %d", count)
	}

	probe.FetchErr = domain.ErrSourceUnavailable
	if _, err := probe.Fetch("https://example.com/gone"); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}
