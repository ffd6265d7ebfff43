package app

import "time"

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска пайплайна обработки событий.
type Config struct {
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// KafkaBrokers — список брокеров через запятую. Пустое значение
	// отключает консьюмеры и outbox relay.
	KafkaBrokers       string
	KafkaConsumerGroup string
	KafkaDLQMaxRetries int

	RedisAddr     string
	RedisPassword string

	// AlertWebhookURL — адрес для операторских уведомлений.
	// Пустое значение переключает на лог-уведомления.
	AlertWebhookURL string

	// AllowMockAutomation разрешает запуск с мок-интеграциями
	// исполнителя и трекера кампаний.
	AllowMockAutomation bool

	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxRetryBaseDelay time.Duration
	OutboxMaxRetryDelay  time.Duration

	OutboxPurgeInterval  time.Duration
	OutboxPurgeRetention time.Duration
	OutboxPurgeBatchSize int

	SLACheckInterval     time.Duration
	SLAProcessingTimeout time.Duration
	SLACompletionTimeout time.Duration
}

// DefaultConfig возвращает настройки по умолчанию для локального запуска.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:          ":9090",
		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		KafkaConsumerGroup:   "smm-panel-group",
		KafkaDLQMaxRetries:   3,
		RedisAddr:            "localhost:6379",
		AllowMockAutomation:  true,
		OutboxPollInterval:   time.Second,
		OutboxBatchSize:      100,
		OutboxRetryBaseDelay: 5 * time.Second,
		OutboxMaxRetryDelay:  5 * time.Minute,
		OutboxPurgeInterval:  time.Hour,
		OutboxPurgeRetention: 24 * time.Hour,
		OutboxPurgeBatchSize: 500,
		SLACheckInterval:     time.Minute,
		SLAProcessingTimeout: 5 * time.Minute,
		SLACompletionTimeout: 24 * time.Hour,
	}
}
