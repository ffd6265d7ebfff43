package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy задаёт ограниченный повтор с экспоненциальной задержкой и джиттером.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable решает, имеет ли смысл повторять операцию при данной ошибке.
	// nil означает «повторять всё».
	Retryable func(error) bool
}

// DefaultPolicy возвращает конфигурацию по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Do выполняет fn, повторяя временные ошибки до исчерпания попыток.
// Возвращается последняя ошибка; неповторяемые ошибки прерывают цикл сразу.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	// Ограничиваемся числом попыток, а не временем.
	b.MaxElapsedTime = 0

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(p.MaxAttempts-1)))
}
