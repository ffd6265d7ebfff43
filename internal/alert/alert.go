package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Severity задаёт уровень важности уведомления.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert — уведомление для операторов панели.
type Alert struct {
	Severity Severity
	// Kind — машинное имя сигнала: processing_sla, completion_sla и т.д.
	Kind    string
	Message string
	OrderID int64
	UserID  int64
	At      time.Time
}

// Sender доставляет уведомления операторам.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
}

// LogSender пишет уведомления в лог. Используется по умолчанию
// и как запасной канал, когда webhook не настроен.
type LogSender struct {
	logger *log.Entry
}

// NewLogSender создает лог-канал уведомлений.
func NewLogSender() *LogSender {
	return &LogSender{logger: log.WithField("component", "alerts")}
}

func (s *LogSender) Send(_ context.Context, alert Alert) error {
	entry := s.logger.WithFields(log.Fields{
		"kind":     alert.Kind,
		"severity": alert.Severity,
	})
	if alert.OrderID != 0 {
		entry = entry.WithField("order_id", alert.OrderID)
	}
	if alert.UserID != 0 {
		entry = entry.WithField("user_id", alert.UserID)
	}

	switch alert.Severity {
	case SeverityCritical:
		entry.Error(alert.Message)
	case SeverityWarning:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}
	return nil
}

var _ Sender = (*LogSender)(nil)

// WebhookSender отправляет уведомления в Slack-совместимый webhook.
// Сбой доставки не должен останавливать пайплайн: вызывающий код
// логирует ошибку и продолжает работу.
type WebhookSender struct {
	url    string
	client *http.Client
	logger *log.Entry
}

// NewWebhookSender создает webhook-канал уведомлений.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithField("component", "alerts-webhook"),
	}
}

func (s *WebhookSender) Send(ctx context.Context, alert Alert) error {
	at := alert.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	text := fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Kind, alert.Message)
	if alert.OrderID != 0 {
		text = fmt.Sprintf("%s (order %d)", text, alert.OrderID)
	}

	body, err := json.Marshal(map[string]interface{}{
		"text":      text,
		"severity":  string(alert.Severity),
		"kind":      alert.Kind,
		"order_id":  alert.OrderID,
		"user_id":   alert.UserID,
		"timestamp": at.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Sender = (*WebhookSender)(nil)
