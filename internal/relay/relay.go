// Package relay forwards accepted events to a downstream collector.
//
// Delivery is best-effort, at most once: the queue is bounded, a full
// queue drops the event, and failed POSTs are counted but never retried.
// The ingest hot path is never blocked by downstream health.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/metrics"
)

// DefaultQueueSize bounds the in-flight buffer.
const DefaultQueueSize = 1024

// Relay ships events to a downstream URL from a single worker goroutine.
type Relay struct {
	url    string
	secret string
	client *http.Client
	queue  chan *events.UserEvent
	logger *slog.Logger
}

// New creates a relay. An empty url disables it: Emit becomes a no-op.
func New(url, secret string, logger *slog.Logger) *Relay {
	return &Relay{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan *events.UserEvent, DefaultQueueSize),
		logger: logger,
	}
}

// Enabled reports whether a downstream URL is configured.
func (r *Relay) Enabled() bool {
	return r.url != ""
}

// Emit enqueues an event for delivery. Never blocks: if the queue is
// full the event is dropped and counted.
func (r *Relay) Emit(ev *events.UserEvent) {
	if !r.Enabled() {
		return
	}
	select {
	case r.queue <- ev:
	default:
		metrics.RelayDeliveriesTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("relay queue full, dropping event", "event_id", ev.EventID)
	}
}

// Run drains the queue until ctx is done. Call in a goroutine.
func (r *Relay) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	r.logger.Info("relay started", "url", r.url)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped", "queued", len(r.queue))
			return
		case ev := <-r.queue:
			r.send(ctx, ev)
		}
	}
}

func (r *Relay) send(ctx context.Context, ev *events.UserEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.RelayDeliveriesTotal.WithLabelValues("failed").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		metrics.RelayDeliveriesTotal.WithLabelValues("failed").Inc()
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Exitwatch-Event", string(ev.EventType))
	req.Header.Set("X-Exitwatch-Timestamp", fmt.Sprintf("%d", ev.Timestamp.Unix()))
	if r.secret != "" {
		req.Header.Set("X-Exitwatch-Signature", Sign(payload, r.secret))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.RelayDeliveriesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("relay delivery failed", "event_id", ev.EventID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.RelayDeliveriesTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.RelayDeliveriesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("relay delivery rejected", "event_id", ev.EventID, "status", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// verify it against the X-Exitwatch-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
