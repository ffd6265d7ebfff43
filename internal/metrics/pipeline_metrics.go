package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics содержит метрики конвейера обработки событий.
type PipelineMetrics struct {
	// Счётчики сообщений по топикам и исходам обработки
	eventsProcessed *prometheus.CounterVec
	// Гистограммы времени обработки сообщения
	processingDuration *prometheus.HistogramVec

	// Переходы статусов заказов
	statusTransitions *prometheus.CounterVec
	// Отклонённые как устаревшие события (терминальный статус)
	staleEvents prometheus.Counter

	// Финансовые операции леджера
	ledgerOperations *prometheus.CounterVec
	refundsTotal     prometheus.Counter

	// Срабатывания фрод-проверок
	fraudViolations *prometheus.CounterVec

	// Нарушения SLA по видам
	slaBreaches *prometheus.CounterVec

	// Сообщения, ушедшие в dead-letter
	dlqMessages *prometheus.CounterVec
}

// NewPipelineMetrics создаёт новый экземпляр метрик конвейера.
func NewPipelineMetrics() *PipelineMetrics {
	return newPipelineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newPipelineMetricsWithRegisterer(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		eventsProcessed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smmpanel_events_processed_total",
			Help: "Total number of consumed events by topic and outcome",
		}, []string{"topic", "outcome"}),
		processingDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "smmpanel_event_processing_duration_seconds",
			Help:    "Duration of event processing in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"topic"}),
		statusTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smmpanel_order_status_transitions_total",
			Help: "Total number of order status transitions",
		}, []string{"from", "to"}),
		staleEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "smmpanel_stale_events_total",
			Help: "Total number of events rejected because the order is in a terminal state",
		}),
		ledgerOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smmpanel_ledger_operations_total",
			Help: "Total number of balance ledger operations",
		}, []string{"operation"}),
		refundsTotal: registerCounter(registerer, prometheus.CounterOpts{
			Name: "smmpanel_refunds_total",
			Help: "Total number of refunds issued",
		}),
		fraudViolations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smmpanel_fraud_violations_total",
			Help: "Total number of fraud check violations by check name",
		}, []string{"check"}),
		slaBreaches: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smmpanel_sla_breaches_total",
			Help: "Total number of SLA breaches by kind",
		}, []string{"kind"}),
		dlqMessages: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "smmpanel_dlq_messages_total",
			Help: "Total number of messages routed to dead-letter topics",
		}, []string{"topic"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordEvent увеличивает счётчик обработанных сообщений.
func (m *PipelineMetrics) RecordEvent(topic, outcome string) {
	m.eventsProcessed.WithLabelValues(topic, outcome).Inc()
}

// RecordProcessingDuration записывает время обработки сообщения.
func (m *PipelineMetrics) RecordProcessingDuration(topic string, duration time.Duration) {
	m.processingDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordTransition увеличивает счётчик переходов статусов.
func (m *PipelineMetrics) RecordTransition(from, to string) {
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordStaleEvent увеличивает счётчик отклонённых устаревших событий.
func (m *PipelineMetrics) RecordStaleEvent() {
	m.staleEvents.Inc()
}

// RecordLedgerOperation увеличивает счётчик операций леджера.
func (m *PipelineMetrics) RecordLedgerOperation(operation string) {
	m.ledgerOperations.WithLabelValues(operation).Inc()
}

// RecordRefund увеличивает счётчик возвратов.
func (m *PipelineMetrics) RecordRefund() {
	m.refundsTotal.Inc()
}

// RecordFraudViolation увеличивает счётчик срабатываний фрод-проверки.
func (m *PipelineMetrics) RecordFraudViolation(check string) {
	m.fraudViolations.WithLabelValues(check).Inc()
}

// RecordSLABreach увеличивает счётчик нарушений SLA.
func (m *PipelineMetrics) RecordSLABreach(kind string) {
	m.slaBreaches.WithLabelValues(kind).Inc()
}

// RecordDLQMessage увеличивает счётчик сообщений в dead-letter.
func (m *PipelineMetrics) RecordDLQMessage(topic string) {
	m.dlqMessages.WithLabelValues(topic).Inc()
}
