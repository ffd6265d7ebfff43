package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
)

type loadMode string

const (
	modeOrders   loadMode = "orders"
	modePayments loadMode = "payments"
	modeMixed    loadMode = "mixed"
)

const (
	defaultTotal       = 100
	defaultConcurrency = 4
	defaultUserCount   = 10
)

type config struct {
	brokers     []string
	mode        loadMode
	total       int
	duration    time.Duration
	concurrency int
	userCount   int
	startOrder  int64
}

// eventPublisher абстрагирует kafka.Producer для тестов.
type eventPublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
	Close() error
}

type result struct {
	published int64
	failed    int64
	latencies []time.Duration
	mu        sync.Mutex
}

func (r *result) record(latency time.Duration, err error) {
	if err != nil {
		atomic.AddInt64(&r.failed, 1)
		return
	}
	atomic.AddInt64(&r.published, 1)
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	r.mu.Unlock()
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	producer, err := kafka.NewProducer(cfg.brokers)
	if err != nil {
		fail("create kafka producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	res := runLoad(ctx, cfg, producer)
	printReport(cfg, res)
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		modeRaw    string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	flag.StringVar(&modeRaw, "mode", string(modeOrders), "load mode: orders|payments|mixed")
	flag.IntVar(&cfg.total, "total", defaultTotal, "total number of events to publish")
	flag.DurationVar(&cfg.duration, "duration", 0, "optional time limit for the run")
	flag.IntVar(&cfg.concurrency, "concurrency", defaultConcurrency, "number of parallel publishers")
	flag.IntVar(&cfg.userCount, "users", defaultUserCount, "number of distinct user ids to spread events over")
	flag.Int64Var(&cfg.startOrder, "start-order", 1, "first order id to use")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.mode = loadMode(strings.ToLower(strings.TrimSpace(modeRaw)))

	return cfg, validateConfig(cfg)
}

func validateConfig(cfg config) error {
	if len(cfg.brokers) == 0 {
		return fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	switch cfg.mode {
	case modeOrders, modePayments, modeMixed:
	default:
		return fmt.Errorf("unsupported mode: %s (use orders|payments|mixed)", cfg.mode)
	}
	if cfg.total <= 0 {
		return fmt.Errorf("total must be > 0")
	}
	if cfg.concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if cfg.userCount <= 0 {
		return fmt.Errorf("users must be > 0")
	}
	if cfg.startOrder <= 0 {
		return fmt.Errorf("start-order must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

// runLoad публикует события из нескольких воркеров, пока не будет
// достигнут total или не истечёт контекст.
func runLoad(ctx context.Context, cfg config, publisher eventPublisher) *result {
	res := &result{}
	var sequence int64

	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				seq := atomic.AddInt64(&sequence, 1)
				if seq > int64(cfg.total) {
					return
				}

				topic, key, event := buildEvent(cfg, seq)
				start := time.Now()
				err := publisher.PublishEvent(topic, key, event)
				res.record(time.Since(start), err)
			}
		}()
	}
	wg.Wait()

	return res
}

// buildEvent формирует событие для номера seq. В mixed-режиме заказы и
// платежи чередуются.
func buildEvent(cfg config, seq int64) (topic, key string, event interface{}) {
	orderID := cfg.startOrder + seq - 1
	userID := (seq-1)%int64(cfg.userCount) + 1

	payment := cfg.mode == modePayments || (cfg.mode == modeMixed && seq%2 == 0)
	if !payment {
		created := kafka.NewOrderCreatedEvent(orderID, userID)
		return kafka.TopicOrderCreated, fmt.Sprintf("%d", orderID), created
	}

	confirmation := kafka.PaymentConfirmationEvent{
		TransactionID: fmt.Sprintf("loadtest-%d", seq),
		Amount:        decimal.NewFromFloat(9.99),
		Currency:      "USD",
		OrderID:       &orderID,
		Status:        "COMPLETED",
		Timestamp:     time.Now().UTC(),
	}
	return kafka.TopicPaymentConfirmations, confirmation.TransactionID, confirmation
}

func printReport(cfg config, res *result) {
	published := atomic.LoadInt64(&res.published)
	failed := atomic.LoadInt64(&res.failed)

	fmt.Printf("mode=%s published=%d failed=%d\n", cfg.mode, published, failed)

	res.mu.Lock()
	latencies := append([]time.Duration(nil), res.latencies...)
	res.mu.Unlock()
	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, latency := range latencies {
		total += latency
	}

	fmt.Printf("latency avg=%s p50=%s p95=%s max=%s\n",
		total/time.Duration(len(latencies)),
		percentile(latencies, 50),
		percentile(latencies, 95),
		latencies[len(latencies)-1],
	)
}

// percentile возвращает значение перцентиля по отсортированному срезу.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx <= 0 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
