package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewPipelineMetrics(t *testing.T) {
	m := NewPipelineMetrics()

	if m == nil {
		t.Fatal("NewPipelineMetrics should not return nil")
	}
	if m.eventsProcessed == nil {
		t.Error("eventsProcessed counter vec should not be nil")
	}
	if m.processingDuration == nil {
		t.Error("processingDuration histogram vec should not be nil")
	}
	if m.statusTransitions == nil {
		t.Error("statusTransitions counter vec should not be nil")
	}
	if m.ledgerOperations == nil {
		t.Error("ledgerOperations counter vec should not be nil")
	}
	if m.fraudViolations == nil {
		t.Error("fraudViolations counter vec should not be nil")
	}
	if m.slaBreaches == nil {
		t.Error("slaBreaches counter vec should not be nil")
	}
	if m.dlqMessages == nil {
		t.Error("dlqMessages counter vec should not be nil")
	}
}

func TestNewPipelineMetrics_DoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()

	first := newPipelineMetricsWithRegisterer(registry)
	second := newPipelineMetricsWithRegisterer(registry)

	// Повторная регистрация возвращает существующие коллекторы, а не паникует.
	if first.staleEvents != second.staleEvents {
		t.Error("expected shared collector on repeated registration")
	}
}

func TestRecordEvent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newPipelineMetricsWithRegisterer(registry)

	m.RecordEvent("bot.results", "processed")
	m.RecordEvent("bot.results", "processed")
	m.RecordEvent("bot.results", "duplicate")
	m.RecordProcessingDuration("bot.results", 25*time.Millisecond)
	m.RecordTransition("PROCESSING", "COMPLETED")
	m.RecordRefund()
	m.RecordStaleEvent()
	m.RecordFraudViolation("rate_limit")
	m.RecordSLABreach("processing")
	m.RecordDLQMessage("bot.results.dlq")
	m.RecordLedgerOperation("refund")

	metric := &dto.Metric{}
	counter, err := m.eventsProcessed.GetMetricWithLabelValues("bot.results", "processed")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if err := counter.Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 processed events, got %v", got)
	}
}
