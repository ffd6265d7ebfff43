package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

const (
	defaultPurgeInterval  = 1 * time.Hour
	defaultPurgeRetention = 7 * 24 * time.Hour
	defaultPurgeBatchSize = 500
)

var (
	outboxPurgeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smmpanel_outbox_purge_runs_total",
		Help: "Total number of outbox purge runs grouped by result.",
	}, []string{"result"})
	outboxPurgeDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smmpanel_outbox_purge_deleted_total",
		Help: "Total number of deleted published outbox records.",
	})
	outboxPurgeLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smmpanel_outbox_purge_last_deleted",
		Help: "Number of deleted records during the last purge run.",
	})
)

// PurgeOptions задаёт параметры воркера очистки опубликованных событий.
type PurgeOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// PurgeOption настраивает PurgeWorker.
type PurgeOption func(*PurgeOptions)

// WithPurgeLogger задаёт logger для воркера.
func WithPurgeLogger(logger *log.Entry) PurgeOption {
	return func(opts *PurgeOptions) {
		opts.Logger = logger
	}
}

// WithPurgeInterval задаёт интервал между циклами очистки.
func WithPurgeInterval(interval time.Duration) PurgeOption {
	return func(opts *PurgeOptions) {
		opts.Interval = interval
	}
}

// WithPurgeRetention задаёт срок хранения опубликованных событий.
func WithPurgeRetention(retention time.Duration) PurgeOption {
	return func(opts *PurgeOptions) {
		opts.Retention = retention
	}
}

// WithPurgeBatchSize задаёт размер batch для одного удаления.
func WithPurgeBatchSize(batchSize int) PurgeOption {
	return func(opts *PurgeOptions) {
		opts.BatchSize = batchSize
	}
}

// PurgeWorker периодически удаляет опубликованные outbox-события
// старше срока хранения.
type PurgeWorker struct {
	repo      domain.OutboxRepository
	logger    *log.Entry
	interval  time.Duration
	retention time.Duration
	batchSize int
}

// NewPurgeWorker создаёт воркер очистки outbox.
func NewPurgeWorker(repo domain.OutboxRepository, options ...PurgeOption) *PurgeWorker {
	opts := PurgeOptions{
		Interval:  defaultPurgeInterval,
		Retention: defaultPurgeRetention,
		BatchSize: defaultPurgeBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-purge-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultPurgeInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultPurgeRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultPurgeBatchSize
	}

	return &PurgeWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		retention: opts.Retention,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *PurgeWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("outbox purge worker is disabled: repo is nil")
		return
	}

	w.purge(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.purge(ctx)
		}
	}
}

func (w *PurgeWorker) purge(ctx context.Context) {
	deleted, err := w.DeletePublished(ctx, time.Now().UTC().Add(-w.retention))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		outboxPurgeRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("outbox purge run failed")
		return
	}

	outboxPurgeRunsTotal.WithLabelValues("ok").Inc()
	outboxPurgeLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("outbox purge completed")
	}
}

// DeletePublished удаляет опубликованные события старше before порциями batchSize.
func (w *PurgeWorker) DeletePublished(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteProcessedBefore(before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			outboxPurgeDeletedTotal.Add(float64(deleted))
		}

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
