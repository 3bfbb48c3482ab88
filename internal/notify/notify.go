// Package notify delivers rule alerts to external channels. Delivery is
// best-effort: failures are logged and never reach the request path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Alert describes one rule firing against a key.
type Alert struct {
	RuleID     int64     `json:"rule_id"`
	RuleName   string    `json:"rule_name"`
	UpstreamID int64     `json:"upstream_id"`
	KeyID      int64     `json:"key_id"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Notifier is an alert sink.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Alert) {
	log.WithFields(log.Fields{
		"rule_id":     a.RuleID,
		"rule":        a.RuleName,
		"upstream_id": a.UpstreamID,
		"key_id":      a.KeyID,
		"status_code": a.StatusCode,
	}).Warnf("rule alert: %s", a.Message)
}

// WebhookNotifier POSTs alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook sink with a bounded delivery timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		log.WithError(err).Warn("webhook alert marshal failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("webhook alert request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		log.WithError(err).Warnf("webhook alert delivery to %s failed", w.url)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warnf("webhook alert delivery to %s returned %d", w.url, resp.StatusCode)
	}
}

// Multi fans an alert out to several sinks.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		n.Notify(ctx, a)
	}
}

// String implements fmt.Stringer for config dumps.
func (w *WebhookNotifier) String() string { return fmt.Sprintf("webhook(%s)", w.url) }
