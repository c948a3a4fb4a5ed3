package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/GoCodeAlone/kernel/eventbus"
)

const (
	// EventTypeDeliveryFailed is published when an endpoint's retry budget
	// is exhausted for an event.
	EventTypeDeliveryFailed = "webhook.delivery_failed"

	// EventSourceWebhook marks events originating from the dispatcher.
	EventSourceWebhook = "webhook"
)

// Endpoint configures one webhook destination.
type Endpoint struct {
	// Name identifies the endpoint in logs and failure events.
	Name string `json:"name" yaml:"name"`

	// URL receives the POSTed events.
	URL string `json:"url" yaml:"url"`

	// Patterns are the event-type patterns delivered to this endpoint,
	// using the bus's matching rules (exact, trailing "*", bare "*").
	Patterns []string `json:"patterns" yaml:"patterns"`

	// CloudEvents switches the body to a structured-mode CloudEvent
	// envelope instead of the plain event JSON.
	CloudEvents bool `json:"cloudEvents,omitempty" yaml:"cloudEvents,omitempty"`

	// Retry overrides the default retry policy for this endpoint.
	Retry *RetryPolicy `json:"-" yaml:"-"`
}

// Config holds the dispatcher's endpoints and shared retry policy.
type Config struct {
	Endpoints []Endpoint  `json:"endpoints" yaml:"endpoints"`
	Retry     RetryPolicy `json:"-" yaml:"-"`
}

// DefaultConfig returns a config with the default retry policy and no
// endpoints.
func DefaultConfig() *Config {
	return &Config{Retry: DefaultRetryPolicy()}
}

// Dispatcher subscribes to the event bus and delivers matching events to
// HTTP endpoints. All deliveries run on async subscriptions, so slow or
// failing endpoints never block publishers or sync subscribers.
type Dispatcher struct {
	bus    *eventbus.Bus
	logger eventbus.Logger
	config *Config
	client *http.Client

	mu      sync.Mutex
	subIDs  []string
	started bool
}

// NewDispatcher creates a dispatcher publishing onto and subscribing to
// bus. A nil client uses http.DefaultClient.
func NewDispatcher(bus *eventbus.Bus, logger eventbus.Logger, config *Config, client *http.Client) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Retry.MaxRetries == 0 && config.Retry.BaseDelay == 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		bus:    bus,
		logger: logger,
		config: config,
		client: client,
	}
}

// Start subscribes every endpoint's patterns asynchronously. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	for i := range d.config.Endpoints {
		endpoint := d.config.Endpoints[i]
		for _, pattern := range endpoint.Patterns {
			id, err := d.bus.Subscribe(pattern, EventSourceWebhook, func(ctx context.Context, event eventbus.Event) error {
				return d.deliver(ctx, endpoint, event)
			}, eventbus.Async)
			if err != nil {
				d.unsubscribeLocked()
				return fmt.Errorf("failed to subscribe endpoint %s to %q: %w", endpoint.Name, pattern, err)
			}
			d.subIDs = append(d.subIDs, id)
		}
	}
	d.started = true
	d.logger.Info("Webhook dispatcher started", "endpoints", len(d.config.Endpoints))
	return nil
}

// Stop removes the dispatcher's subscriptions. Deliveries already queued
// on the bus drain through the bus's own shutdown.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubscribeLocked()
	d.started = false
	return nil
}

func (d *Dispatcher) unsubscribeLocked() {
	for _, id := range d.subIDs {
		d.bus.Unsubscribe(id)
	}
	d.subIDs = nil
}

// deliver POSTs one event to one endpoint, retrying per the policy. After
// the budget is exhausted a webhook.delivery_failed event is published
// and the delivery is abandoned.
func (d *Dispatcher) deliver(ctx context.Context, endpoint Endpoint, event eventbus.Event) error {
	// Delivery-failure events are never themselves delivered, so a dead
	// endpoint subscribed to "webhook.*" or "*" cannot feed itself.
	if event.Type == EventTypeDeliveryFailed {
		return nil
	}

	body, contentType, err := d.encode(endpoint, event)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", event.ID, err)
	}

	policy := d.config.Retry
	if endpoint.Retry != nil {
		policy = *endpoint.Retry
	}

	var (
		statusCode int
		attempt    int
	)
	for attempt = 0; attempt <= policy.MaxRetries; attempt++ {
		statusCode, err = d.post(ctx, endpoint, event, body, contentType, policy.Timeout)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("delivery cancelled: %w", ctx.Err())
		}
		if err == nil && !policy.ShouldRetry(statusCode) {
			break
		}
		if attempt >= policy.MaxRetries {
			break
		}

		backoff := policy.CalculateBackoff(attempt)
		d.logger.Debug("Retrying webhook delivery",
			"endpoint", endpoint.Name, "event_id", event.ID, "attempt", attempt+1, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("delivery cancelled: %w", ctx.Err())
		}
	}

	d.logger.Error("Webhook delivery failed",
		"endpoint", endpoint.Name, "event_id", event.ID, "attempts", attempt+1,
		"status", statusCode, "error", err)

	if _, pubErr := d.bus.Publish(ctx, EventTypeDeliveryFailed, EventSourceWebhook, map[string]any{
		"endpoint":    endpoint.Name,
		"url":         endpoint.URL,
		"event_id":    event.ID,
		"event_type":  event.Type,
		"attempts":    attempt + 1,
		"status_code": statusCode,
	}); pubErr != nil {
		d.logger.Error("Failed to publish delivery failure", "endpoint", endpoint.Name, "error", pubErr)
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrMaxRetriesReached, err)
	}
	return fmt.Errorf("%w: status %d", ErrMaxRetriesReached, statusCode)
}

// encode builds the request body: plain event JSON, or a structured-mode
// CloudEvent when the endpoint asks for it.
func (d *Dispatcher) encode(endpoint Endpoint, event eventbus.Event) ([]byte, string, error) {
	if endpoint.CloudEvents {
		ce, err := eventbus.ToCloudEvent(event)
		if err != nil {
			return nil, "", err
		}
		body, err := json.Marshal(ce)
		if err != nil {
			return nil, "", err
		}
		return body, "application/cloudevents+json", nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, "", err
	}
	return body, "application/json", nil
}

func (d *Dispatcher) post(ctx context.Context, endpoint Endpoint, event eventbus.Event, body []byte, contentType string, timeout time.Duration) (int, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Event-ID", strconv.FormatUint(event.ID, 10))
	if event.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", event.CorrelationID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
