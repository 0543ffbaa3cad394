// Package alert delivers high-risk audit entries to operators and watches
// the audit stream for anomalous bursts.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcleod/sessionguard/audit"
)

// webhookQueueSize is the bounded channel capacity for outbound alerts.
const webhookQueueSize = 1024

var (
	ErrQueueFull     = errors.New("alert: webhook queue full")
	ErrWebhookClosed = errors.New("alert: webhook closed")
)

// webhookPayload is the JSON body POSTed to the external endpoint.
type webhookPayload struct {
	Event      string            `json:"event"`
	EntryID    string            `json:"entry_id"`
	Seq        uint64            `json:"seq"`
	SubjectID  string            `json:"subject_id,omitempty"`
	ResourceID string            `json:"resource_id,omitempty"`
	Outcome    string            `json:"outcome"`
	RiskLevel  string            `json:"risk_level"`
	Timestamp  string            `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}

func payloadFor(e audit.Entry) webhookPayload {
	return webhookPayload{
		Event:      string(e.EventType),
		EntryID:    e.ID,
		Seq:        e.Seq,
		SubjectID:  e.SubjectID,
		ResourceID: e.ResourceID,
		Outcome:    string(e.Outcome),
		RiskLevel:  string(e.RiskLevel),
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Details:    e.Details,
	}
}

// Webhook posts alerts to an HTTP endpoint. Notify enqueues into a bounded
// channel and never blocks; a background goroutine sends with one retry on
// 5xx. An optional token bucket suppresses alert storms.
type Webhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	limiter    *rate.Limiter
	retryDelay time.Duration
	queueSize  int
	logger     *slog.Logger

	mu         sync.RWMutex
	closed     bool
	events     chan webhookPayload
	wg         sync.WaitGroup
	suppressed atomic.Int64
}

var _ audit.Alerter = (*Webhook)(nil)

type WebhookOption func(*Webhook)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithRateLimit allows at most r alerts per second with the given burst.
// Alerts beyond the budget are dropped and counted.
func WithRateLimit(r rate.Limit, burst int) WebhookOption {
	return func(w *Webhook) { w.limiter = rate.NewLimiter(r, burst) }
}

func WithRetryDelay(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.retryDelay = d }
}

func WithQueueSize(n int) WebhookOption {
	return func(w *Webhook) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a webhook dispatcher and starts its background loop.
func NewWebhook(url, authHeader string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		queueSize:  webhookQueueSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "alert_webhook")
	w.events = make(chan webhookPayload, w.queueSize)
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify queues e for delivery. If the queue is full the alert is dropped
// and ErrQueueFull returned.
func (w *Webhook) Notify(_ context.Context, e audit.Entry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWebhookClosed
	}
	select {
	case w.events <- payloadFor(e):
		return nil
	default:
		w.logger.Warn("queue full, dropping alert", "event", e.EventType, "entry_id", e.ID)
		return ErrQueueFull
	}
}

// Suppressed returns how many alerts the rate limiter has dropped.
func (w *Webhook) Suppressed() int64 {
	return w.suppressed.Load()
}

// Close shuts down the dispatcher, draining any queued alerts.
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.events)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		if w.limiter != nil && !w.limiter.Allow() {
			w.suppressed.Add(1)
			w.logger.Warn("alert rate limit exceeded, suppressing", "event", evt.Event, "entry_id", evt.EntryID)
			continue
		}
		w.send(evt)
	}
}

// send POSTs the alert to the configured URL with one retry on 5xx.
func (w *Webhook) send(evt webhookPayload) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "SessionGuard-Alert-Webhook/1.0")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
