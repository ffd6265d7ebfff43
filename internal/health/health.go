package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// Status — состояние компонента пайплайна.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// rank задаёт порядок ухудшения: сводный статус равен худшему из проверок.
func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func worse(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — сводка по всем зарегистрированным проверкам.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker выполняет одну проверку зависимости пайплайна.
type Checker interface {
	Check() Check
}

// Handler собирает проверки зависимостей и отдаёт их по HTTP.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
}

// NewHandler создаёт handler без проверок; зависимости регистрируются отдельно.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterChecker добавляет проверку под данным именем.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// run выполняет все проверки и сводит их в общий статус.
func (h *Handler) run() Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		checkers[name] = checker
	}
	h.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	overall := StatusHealthy
	for name, checker := range checkers {
		check := checker.Check()
		checks[name] = check
		overall = worse(overall, check.Status)
	}

	return Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

// ServeHTTP отдаёт полную сводку. Деградация не роняет статус-код:
// пайплайн продолжает обрабатывать события.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	response := h.run()

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler сообщает, готов ли пайплайн принимать трафик.
// Деградация считается готовностью, падение любой зависимости - нет.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.run().Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SimpleChecker оборачивает функцию ping-проверки зависимости.
type SimpleChecker struct {
	name    string
	checkFn func() error
}

// NewSimpleChecker создаёт проверку из функции.
func NewSimpleChecker(name string, checkFn func() error) *SimpleChecker {
	return &SimpleChecker{name: name, checkFn: checkFn}
}

// Check выполняет функцию и замеряет её длительность.
func (c *SimpleChecker) Check() Check {
	start := time.Now()
	err := c.checkFn()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return Check{Name: c.name, Status: StatusUnhealthy, Message: err.Error(), DurationMs: elapsed}
	}
	return Check{Name: c.name, Status: StatusHealthy, DurationMs: elapsed}
}

// OutboxChecker следит за бэклогом relay: если события копятся или
// исчерпали попытки публикации, сервис деградирует раньше, чем
// потребители заметят пропавшие статусы.
type OutboxChecker struct {
	stats        func() (domain.OutboxStats, error)
	pendingLimit int
	oldestLimit  time.Duration
}

// NewOutboxChecker создаёт проверку бэклога outbox.
func NewOutboxChecker(stats func() (domain.OutboxStats, error), pendingLimit int, oldestLimit time.Duration) *OutboxChecker {
	return &OutboxChecker{stats: stats, pendingLimit: pendingLimit, oldestLimit: oldestLimit}
}

// Check читает статистику очереди и сравнивает её с порогами.
func (c *OutboxChecker) Check() Check {
	start := time.Now()
	stats, err := c.stats()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return Check{Name: "outbox", Status: StatusUnhealthy, Message: err.Error(), DurationMs: elapsed}
	}

	if stats.ExhaustedCount > 0 {
		return Check{
			Name:       "outbox",
			Status:     StatusDegraded,
			Message:    fmt.Sprintf("%d events exhausted retries", stats.ExhaustedCount),
			DurationMs: elapsed,
		}
	}
	if c.pendingLimit > 0 && stats.PendingCount > c.pendingLimit {
		return Check{
			Name:       "outbox",
			Status:     StatusDegraded,
			Message:    fmt.Sprintf("%d events pending, limit %d", stats.PendingCount, c.pendingLimit),
			DurationMs: elapsed,
		}
	}
	if c.oldestLimit > 0 && !stats.OldestPendingAt.IsZero() && time.Since(stats.OldestPendingAt) > c.oldestLimit {
		return Check{
			Name:       "outbox",
			Status:     StatusDegraded,
			Message:    fmt.Sprintf("oldest pending event is %s old", time.Since(stats.OldestPendingAt).Round(time.Second)),
			DurationMs: elapsed,
		}
	}

	return Check{Name: "outbox", Status: StatusHealthy, DurationMs: elapsed}
}
