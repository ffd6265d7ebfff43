package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/alert"
	healthcheck "github.com/demogorgon1860/smmpanel/internal/health"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/retry"
	"github.com/demogorgon1860/smmpanel/internal/service/automation"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/fraud"
	"github.com/demogorgon1860/smmpanel/internal/service/ledger"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
	"github.com/demogorgon1860/smmpanel/internal/service/outbox"
	"github.com/demogorgon1860/smmpanel/internal/service/sla"
	"github.com/demogorgon1860/smmpanel/internal/version"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	shutdownGrace       = 10 * time.Second

	// Пороги деградации по бэклогу outbox relay.
	outboxPendingHealthLimit = 1000
	outboxOldestHealthLimit  = 5 * time.Minute
)

// Run запускает пайплайн обработки событий и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if deps.closeFn != nil {
		defer func() {
			if err := deps.closeFn(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()

	if !cfg.AllowMockAutomation {
		return fmt.Errorf("real automation integrations are not configured")
	}
	// TODO: заменить на клиентов реального исполнителя и трекера,
	// когда появятся их продакшен-адреса.
	bot := automation.NewMockBotService()
	campaigns := automation.NewMockCampaignService()
	probe := automation.NewMockStartCountProbe(0)
	logger.Warn("используются мок-интеграции исполнителя и трекера")

	m := metrics.NewPipelineMetrics()
	guard := dedup.NewGuard(rdb, logger.WithField("component", "dedup-guard"))
	ledgerSvc := ledger.NewService(deps.ledgerStore, deps.txns, nil)
	states := orderstate.NewManager(deps.orders, ledgerSvc, deps.outboxRepo, m)
	fraudChecker := fraud.NewChecker(rdb, deps.orders, fraud.DefaultConfig(), m)
	breaker := retry.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, logger.WithField("component", "bot-breaker"))

	var alerts alert.Sender
	if cfg.AlertWebhookURL != "" {
		alerts = alert.NewWebhookSender(cfg.AlertWebhookURL)
	} else {
		alerts = alert.NewLogSender()
	}

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if cfg.KafkaBrokers != "" && err != nil {
		return fmt.Errorf("init kafka producer: %w", err)
	}

	var wg sync.WaitGroup
	var consumers []*kafka.Consumer

	if producer != nil {
		brokerList := parseBrokers(cfg.KafkaBrokers)
		bindings := buildConsumerBindings(
			deps, guard, ledgerSvc, states, fraudChecker,
			bot, campaigns, probe, breaker, alerts, m,
		)
		for _, binding := range bindings {
			c, err := kafka.NewConsumerWithDLQ(
				brokerList,
				cfg.KafkaConsumerGroup+"-"+binding.name,
				binding.topics,
				binding.handler,
				producer,
				cfg.KafkaDLQMaxRetries,
			)
			if err != nil {
				closeKafka(producer, logger)
				return fmt.Errorf("create %s consumer: %w", binding.name, err)
			}
			consumers = append(consumers, c)

			name := binding.name
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).WithField("consumer", name).Error("consumer stopped with error")
				}
			}()
		}

		relay := outbox.NewWorker(deps.outboxRepo, kafka.NewOutboxPublisher(producer, kafka.TopicOrderStatusChanged),
			outbox.WithLogger(logger.WithField("component", "outbox-relay")),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryBaseDelay),
			outbox.WithMaxRetryDelay(cfg.OutboxMaxRetryDelay),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	} else {
		logger.Warn("kafka brokers are not configured, consumers and outbox relay are disabled")
	}

	purge := outbox.NewPurgeWorker(deps.outboxRepo,
		outbox.WithPurgeLogger(logger.WithField("component", "outbox-purge")),
		outbox.WithPurgeInterval(cfg.OutboxPurgeInterval),
		outbox.WithPurgeRetention(cfg.OutboxPurgeRetention),
		outbox.WithPurgeBatchSize(cfg.OutboxPurgeBatchSize),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		purge.Run(ctx)
	}()

	slaCfg := sla.DefaultConfig()
	slaCfg.Interval = cfg.SLACheckInterval
	slaCfg.ProcessingSLA = cfg.SLAProcessingTimeout
	slaCfg.CompletionSLA = cfg.SLACompletionTimeout
	monitor := sla.NewMonitor(deps.orders, alerts, slaCfg, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("redis", healthcheck.NewSimpleChecker("redis", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}))
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxChecker(
		deps.outboxRepo.Stats, outboxPendingHealthLimit, outboxOldestHealthLimit,
	))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	<-ctx.Done()
	logger.Info("получен сигнал остановки, останавливаем пайплайн")

	stopConsumers(consumers, logger)
	waitWithTimeout(&wg, shutdownGrace, logger)
	shutdownHTTP(metricsSrv, logger)
	closeKafka(producer, logger)

	return ctx.Err()
}

// stopConsumers останавливает консьюмеры, ошибки только логируются.
func stopConsumers(consumers []*kafka.Consumer, logger *log.Entry) {
	for _, c := range consumers {
		if err := c.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop consumer")
		}
	}
}

// waitWithTimeout ждёт завершения фоновых воркеров не дольше таймаута.
func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *log.Entry) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("фоновые воркеры не завершились за отведённое время")
	}
}

// startMetricsServer запускает HTTP-обработчики метрик и health-проверок.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
