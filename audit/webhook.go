package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// webhookQueueSize is the bounded channel capacity for outbound entries.
const webhookQueueSize = 1024

// Webhook forwards entries to an external HTTP endpoint. Entries are
// queued without blocking and sent by a background goroutine; when the
// queue is full they are dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	entries    chan Entry
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ Sink = (*Webhook)(nil)

// NewWebhook starts a dispatcher posting to url. A nil logger uses
// slog.Default().
func NewWebhook(url, authHeader string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		entries:    make(chan Entry, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record queues e for delivery. It never blocks.
func (w *Webhook) Record(_ context.Context, e Entry) {
	select {
	case w.entries <- e:
	default:
		w.logger.Warn("queue full, dropping entry", "action", e.Action, "resource_id", e.ResourceID)
	}
}

// Close stops the dispatcher after delivering queued entries.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.entries)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for e := range w.entries {
		w.send(e)
	}
}

// send POSTs e with one retry on network errors and 5xx responses.
func (w *Webhook) send(e Entry) {
	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	attempt := 0
	_, err = backoff.Retry(context.Background(), func() (struct{}, error) {
		attempt++
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "IronCA-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("server error: %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("client error: %d", resp.StatusCode))
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.retryDelay)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		w.logger.Warn("delivery failed", "action", e.Action, "attempts", attempt, "error", err)
	}
}

// Tee fans entries out to several sinks in order.
type Tee []Sink

func (t Tee) Record(ctx context.Context, e Entry) {
	for _, s := range t {
		s.Record(ctx, e)
	}
}
