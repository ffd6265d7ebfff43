package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/app"
)

// Переменные окружения для переопределения конфигурации.
const (
	envMetricsAddr          = "SMMPANEL_METRICS_ADDR"
	envStorageDriver        = "SMMPANEL_STORAGE_DRIVER"
	envPostgresDSN          = "SMMPANEL_POSTGRES_DSN"
	envPostgresAutoMigrate  = "SMMPANEL_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers         = "SMMPANEL_KAFKA_BROKERS"
	envKafkaConsumerGroup   = "SMMPANEL_KAFKA_CONSUMER_GROUP"
	envKafkaDLQMaxRetries   = "SMMPANEL_KAFKA_DLQ_MAX_RETRIES"
	envRedisAddr            = "SMMPANEL_REDIS_ADDR"
	envRedisPassword        = "SMMPANEL_REDIS_PASSWORD"
	envAlertWebhookURL      = "SMMPANEL_ALERT_WEBHOOK_URL"
	envAllowMockAutomation  = "SMMPANEL_ALLOW_MOCK_AUTOMATION"
	envOutboxPollInterval   = "SMMPANEL_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize      = "SMMPANEL_OUTBOX_BATCH_SIZE"
	envOutboxRetryBaseDelay = "SMMPANEL_OUTBOX_RETRY_BASE_DELAY"
	envOutboxMaxRetryDelay  = "SMMPANEL_OUTBOX_MAX_RETRY_DELAY"
	envOutboxPurgeInterval  = "SMMPANEL_OUTBOX_PURGE_INTERVAL"
	envOutboxPurgeRetention = "SMMPANEL_OUTBOX_PURGE_RETENTION"
	envOutboxPurgeBatchSize = "SMMPANEL_OUTBOX_PURGE_BATCH_SIZE"
	envSLACheckInterval     = "SMMPANEL_SLA_CHECK_INTERVAL"
	envSLAProcessingTimeout = "SMMPANEL_SLA_PROCESSING_TIMEOUT"
	envSLACompletionTimeout = "SMMPANEL_SLA_COMPLETION_TIMEOUT"
)

// envLookup абстрагирует os.LookupEnv для тестов.
type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

// readConfigFromEnv собирает конфигурацию из переменных окружения.
// Невалидные значения не прерывают запуск: поле остаётся дефолтным,
// а предупреждение попадает в возвращаемый список.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}

	if v, ok := lookup(envMetricsAddr); ok && strings.TrimSpace(v) != "" {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(envPostgresDSN); ok && strings.TrimSpace(v) != "" {
		cfg.PostgresDSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, v, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}
	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = strings.TrimSpace(v)
	}
	if v, ok := lookup(envKafkaConsumerGroup); ok && strings.TrimSpace(v) != "" {
		cfg.KafkaConsumerGroup = strings.TrimSpace(v)
	}
	if v, ok := lookup(envKafkaDLQMaxRetries); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envKafkaDLQMaxRetries, v, err)
		} else {
			cfg.KafkaDLQMaxRetries = parsed
		}
	}
	if v, ok := lookup(envRedisAddr); ok && strings.TrimSpace(v) != "" {
		cfg.RedisAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envRedisPassword); ok {
		cfg.RedisPassword = v
	}
	if v, ok := lookup(envAlertWebhookURL); ok {
		cfg.AlertWebhookURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(envAllowMockAutomation); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envAllowMockAutomation, v, err)
		} else {
			cfg.AllowMockAutomation = parsed
		}
	}
	if v, ok := lookup(envOutboxPollInterval); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envOutboxPollInterval, v, err)
		} else {
			cfg.OutboxPollInterval = parsed
		}
	}
	if v, ok := lookup(envOutboxBatchSize); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envOutboxBatchSize, v, err)
		} else {
			cfg.OutboxBatchSize = parsed
		}
	}
	if v, ok := lookup(envOutboxRetryBaseDelay); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d >= 0 }, "must be >= 0"); err != nil {
			warn(envOutboxRetryBaseDelay, v, err)
		} else {
			cfg.OutboxRetryBaseDelay = parsed
		}
	}
	if v, ok := lookup(envOutboxMaxRetryDelay); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d >= 0 }, "must be >= 0"); err != nil {
			warn(envOutboxMaxRetryDelay, v, err)
		} else {
			cfg.OutboxMaxRetryDelay = parsed
		}
	}
	if v, ok := lookup(envOutboxPurgeInterval); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envOutboxPurgeInterval, v, err)
		} else {
			cfg.OutboxPurgeInterval = parsed
		}
	}
	if v, ok := lookup(envOutboxPurgeRetention); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envOutboxPurgeRetention, v, err)
		} else {
			cfg.OutboxPurgeRetention = parsed
		}
	}
	if v, ok := lookup(envOutboxPurgeBatchSize); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envOutboxPurgeBatchSize, v, err)
		} else {
			cfg.OutboxPurgeBatchSize = parsed
		}
	}
	if v, ok := lookup(envSLACheckInterval); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envSLACheckInterval, v, err)
		} else {
			cfg.SLACheckInterval = parsed
		}
	}
	if v, ok := lookup(envSLAProcessingTimeout); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envSLAProcessingTimeout, v, err)
		} else {
			cfg.SLAProcessingTimeout = parsed
		}
	}
	if v, ok := lookup(envSLACompletionTimeout); ok {
		if parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envSLACompletionTimeout, v, err)
		} else {
			cfg.SLACompletionTimeout = parsed
		}
	}

	return cfg, warnings
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value")
	}
}

func parseInt(value string, valid func(int) bool, constraint string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid int value")
	}
	if !valid(parsed) {
		return 0, fmt.Errorf("%s", constraint)
	}
	return parsed, nil
}

func parseDuration(value string, valid func(time.Duration) bool, constraint string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value")
	}
	if !valid(parsed) {
		return 0, fmt.Errorf("%s", constraint)
	}
	return parsed, nil
}

func main() {
	setupLogger()

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka_brokers":  cfg.KafkaBrokers,
		"redis_addr":     cfg.RedisAddr,
	}).Info("запускаем обработчик событий панели")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("обработчик событий остановлен")
}
