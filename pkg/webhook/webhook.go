// Package webhook provides an outbound webhook dispatcher with delivery,
// retry, and pluggable signing, plus verification for inbound signed payloads.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Signer signs webhook payloads.
type Signer interface {
	// Sign returns headers to add to the webhook request for signature verification.
	Sign(payload []byte, secret string) map[string]string
}

// Event represents a webhook event to be dispatched.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Delivery records a webhook delivery attempt.
type Delivery struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatcher manages outbound webhook delivery.
type Dispatcher struct {
	mu            sync.RWMutex
	url           string
	secret        string
	signer        Signer
	logger        *slog.Logger
	queue         []Event
	deliveries    []Delivery
	maxDeliveries int
	maxRetries    int
	retryDelay    time.Duration
	client        *http.Client
	eventPrefix   string
	now           func() time.Time
	counter       int
	autoDeliver   bool
	inflight      sync.WaitGroup
}

// Config configures the webhook dispatcher.
type Config struct {
	URL         string
	Secret      string
	Signer      Signer
	Logger      *slog.Logger
	HTTPClient  *http.Client
	MaxRetries  int
	RetryDelay  time.Duration
	EventPrefix string // e.g. "evt"
	AutoDeliver bool   // deliver in the background as soon as an event is queued
	// MaxDeliveries bounds the delivery log; older records are dropped.
	MaxDeliveries int
	Now           func() time.Time
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	if cfg.EventPrefix == "" {
		cfg.EventPrefix = "evt"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Dispatcher{
		url:           cfg.URL,
		secret:        cfg.Secret,
		signer:        cfg.Signer,
		logger:        cfg.Logger,
		queue:         make([]Event, 0),
		deliveries:    make([]Delivery, 0),
		maxDeliveries: cfg.MaxDeliveries,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		client:        cfg.HTTPClient,
		eventPrefix:   cfg.EventPrefix,
		now:           cfg.Now,
		autoDeliver:   cfg.AutoDeliver,
	}
}

// SetURL updates the webhook delivery URL.
func (d *Dispatcher) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
}

// SetSecret updates the webhook signing secret.
func (d *Dispatcher) SetSecret(secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secret = secret
}

// AutoDeliver reports whether events are delivered in the background.
func (d *Dispatcher) AutoDeliver() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.autoDeliver
}

// Enqueue adds an event to the dispatch queue. With AutoDeliver the event
// is delivered in the background instead of waiting for Flush.
func (d *Dispatcher) Enqueue(eventType string, payload map[string]any) Event {
	d.mu.Lock()
	d.counter++
	evt := Event{
		ID:        fmt.Sprintf("%s_%06d", d.eventPrefix, d.counter),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}
	autoDeliver := d.autoDeliver
	if !autoDeliver {
		d.queue = append(d.queue, evt)
	}
	d.mu.Unlock()

	if autoDeliver {
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			if err := d.deliverEvent(context.Background(), evt); err != nil {
				d.logger.Warn("webhook delivery failed", "event_id", evt.ID, "type", evt.Type, "error", err)
			}
		}()
	}

	return evt
}

// Publish queues an event. It satisfies the order service's notifier.
func (d *Dispatcher) Publish(_ context.Context, eventType string, payload map[string]any) {
	d.Enqueue(eventType, payload)
}

// Flush delivers all queued events synchronously. Events that fail every
// attempt are dropped from the queue and recorded in the delivery log.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	events := d.queue
	d.queue = make([]Event, 0)
	d.mu.Unlock()

	var errs []error
	for i, evt := range events {
		if err := ctx.Err(); err != nil {
			d.requeue(events[i:])
			return err
		}
		if err := d.deliverEvent(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", evt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// FlushWebhooks flushes with a background context. Implements admin.WebhookFlusher.
func (d *Dispatcher) FlushWebhooks() error {
	return d.Flush(context.Background())
}

// Wait blocks until all background deliveries have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) requeue(events []Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(append(make([]Event, 0, len(events)+len(d.queue)), events...), d.queue...)
}

func (d *Dispatcher) deliverEvent(ctx context.Context, evt Event) error {
	d.mu.RLock()
	url := d.url
	secret := d.secret
	signer := d.signer
	d.mu.RUnlock()

	if url == "" {
		d.logger.Debug("no webhook URL configured, skipping delivery", "event_id", evt.ID)
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		if signer != nil && secret != "" {
			for k, v := range signer.Sign(payload, secret) {
				req.Header.Set(k, v)
			}
		}

		resp, err := d.client.Do(req)
		delivery := Delivery{
			EventID:   evt.ID,
			EventType: evt.Type,
			URL:       url,
			Attempt:   attempt,
			Timestamp: d.now().UTC(),
		}

		if err != nil {
			delivery.Error = err.Error()
			lastErr = err
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			delivery.StatusCode = resp.StatusCode
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				d.record(delivery)
				return nil
			}
			lastErr = fmt.Errorf("webhook delivery failed: status %d", resp.StatusCode)
			delivery.Error = lastErr.Error()
		}
		d.record(delivery)

		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}
	}

	return lastErr
}

func (d *Dispatcher) record(delivery Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deliveries) >= d.maxDeliveries {
		d.deliveries = d.deliveries[1:]
	}
	d.deliveries = append(d.deliveries, delivery)
}

// Deliveries returns all delivery records.
func (d *Dispatcher) Deliveries() []Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

// QueuedEvents returns all queued but undelivered events.
func (d *Dispatcher) QueuedEvents() []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Event, len(d.queue))
	copy(out, d.queue)
	return out
}

// Reset clears all events, deliveries, and the queue.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = d.queue[:0]
	d.deliveries = d.deliveries[:0]
	d.counter = 0
}
