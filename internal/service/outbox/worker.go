package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultRetryBaseDelay = 5 * time.Second
	defaultMaxRetryDelay  = 5 * time.Minute
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smmpanel_outbox_publish_attempts_total",
		Help: "Total number of outbox publish attempts grouped by result.",
	}, []string{"result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smmpanel_outbox_pending_records",
		Help: "Current number of pending records in transactional outbox.",
	})
	outboxExhaustedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smmpanel_outbox_exhausted_records",
		Help: "Current number of outbox records that ran out of publish attempts.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smmpanel_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// WorkerOptions задаёт параметры outbox relay.
type WorkerOptions struct {
	Logger         *log.Entry
	PollInterval   time.Duration
	BatchSize      int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// WithMaxRetryDelay задаёт потолок задержки между попытками публикации.
func WithMaxRetryDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.MaxRetryDelay = delay
	}
}

// Worker публикует накопленные outbox-события в брокер. Неудачные
// публикации откладываются с exponential backoff через MarkFailed;
// записи с исчерпанными попытками остаются в таблице для разбора.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
}

// NewWorker создаёт outbox relay.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		RetryBaseDelay: defaultRetryBaseDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-relay")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.MaxRetryDelay < opts.RetryBaseDelay {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		retryBaseDelay: opts.RetryBaseDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
	}
}

// Run запускает периодический polling outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.refreshBacklogMetrics()

	events, err := w.repo.PullDue(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull due outbox events")
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return
		}

		if err := w.publisher.Publish(event); err != nil {
			outboxPublishAttempts.WithLabelValues("error").Inc()
			nextRetryAt := time.Now().UTC().Add(w.retryDelay(event.RetryCount))
			w.logger.WithError(err).WithFields(log.Fields{
				"outbox_id":     event.ID,
				"event_type":    event.EventType,
				"retry_count":   event.RetryCount,
				"next_retry_at": nextRetryAt,
			}).Warn("outbox publish failed, scheduling retry")

			if markErr := w.repo.MarkFailed(event.ID, err.Error(), nextRetryAt); markErr != nil {
				w.logger.WithError(markErr).WithField("outbox_id", event.ID).Warn("failed to mark outbox event as failed")
			}
			continue
		}

		outboxPublishAttempts.WithLabelValues("sent").Inc()
		if err := w.repo.MarkProcessed(event.ID); err != nil {
			// Событие опубликовано, но не помечено: повтор безопасен,
			// consumers защищены дедупликацией
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox event as processed")
		}
	}

	w.refreshBacklogMetrics()
}

// retryDelay считает задержку следующей попытки: base * 2^retryCount с потолком.
func (w *Worker) retryDelay(retryCount int) time.Duration {
	delay := w.retryBaseDelay
	for i := 0; i < retryCount; i++ {
		if delay > w.maxRetryDelay/2 {
			return w.maxRetryDelay
		}
		delay *= 2
	}
	if delay > w.maxRetryDelay {
		return w.maxRetryDelay
	}
	return delay
}

func (w *Worker) refreshBacklogMetrics() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	outboxExhaustedRecords.Set(float64(stats.ExhaustedCount))
	if stats.ExhaustedCount > 0 {
		w.logger.WithField("exhausted", stats.ExhaustedCount).Warn("outbox has events with exhausted publish attempts")
	}

	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := time.Since(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}
