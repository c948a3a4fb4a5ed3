// Package eventbus implements the central publish/subscribe hub of the
// kernel: typed immutable event envelopes, an append-only ordered event
// log, synchronous and asynchronous delivery, and read-side replay.
//
// Ordering contract: the log order equals publish order (a single writer
// serializes appends), every synchronous subscriber observes event A fully
// before event B begins for any A published before B, and each
// asynchronous subscriber observes events in publish order relative to
// itself. Async delivery across different subscribers is not mutually
// ordered.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable envelope appended to the log. Once published it
// is never mutated; handlers receive copies.
type Event struct {
	// ID is process-wide unique and monotonically increasing. It is
	// assigned by the bus at publish time and equals the event's position
	// in the log (first event has ID 1).
	ID uint64 `json:"id"`

	// Type identifies the event within an open vocabulary, e.g.
	// "module.loaded" or "custom.orders.created".
	Type string `json:"type"`

	// Timestamp is when the bus accepted the event.
	Timestamp time.Time `json:"timestamp"`

	// Source names the module or core component that published the event.
	Source string `json:"source"`

	// CorrelationID links related events. Empty when uncorrelated.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload is schema-less structured data.
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler processes a delivered event. Returning an error never propagates
// to the publisher; failures are contained and reported as a
// "handler.failed" event.
type Handler func(ctx context.Context, event Event) error

// DeliveryMode selects how a subscription receives events.
type DeliveryMode int

const (
	// Sync handlers are invoked inline and awaited before Publish returns.
	Sync DeliveryMode = iota
	// Async handlers are serviced by a per-subscription worker; Publish
	// never waits for them.
	Async
)

// EventTypeHandlerFailed is published when a subscriber's handler returns
// an error or panics. Delivery to remaining subscribers is unaffected.
const EventTypeHandlerFailed = "handler.failed"

// PublishOption customizes a single publish call.
type PublishOption func(*Event)

// WithCorrelationID links the event to related events. Pass an empty id to
// have the bus mint a new UUIDv7.
func WithCorrelationID(id string) PublishOption {
	return func(e *Event) {
		if id == "" {
			id = newCorrelationID()
		}
		e.CorrelationID = id
	}
}

// newCorrelationID mints a time-ordered UUIDv7, falling back to v4.
func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

type subscription struct {
	id      string
	pattern string
	owner   string
	mode    DeliveryMode
	handler Handler

	// async plumbing; nil for sync subscriptions
	eventCh chan Event
	done    chan struct{}
}

// Bus is the process-wide event hub. Create one with New, share it across
// components, and Shutdown it once on process exit.
type Bus struct {
	config *Config
	log    EventLog
	logger Logger

	mu      sync.Mutex // serializes append + dispatch, preserving total order
	subMu   sync.RWMutex
	subs    map[string]*subscription
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	metrics *Metrics
}

// Logger is the minimal structured logging surface the bus needs. It is
// satisfied by the kernel's Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New creates a started bus backed by the given log. A nil config uses
// defaults; a nil store uses an in-memory log.
func New(config *Config, store EventLog, logger Logger) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()
	if store == nil {
		store = NewMemoryLog()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		config:  config,
		log:     store,
		logger:  logger,
		subs:    make(map[string]*subscription),
		ctx:     ctx,
		cancel:  cancel,
		metrics: newMetrics(config.MetricsRegisterer),
	}
}

// Publish assigns the next monotonic id, appends the event to the log,
// invokes and awaits every matching synchronous subscriber, and hands the
// event to matching asynchronous subscriptions. Handler failures are
// contained; the only errors returned here are the bus being shut down or
// the log rejecting the append.
//
// Synchronous handlers must not call Publish inline: the bus holds its
// dispatch lock while they run to guarantee total sync ordering. Publish
// from a goroutine (or subscribe async) instead.
func (b *Bus) Publish(ctx context.Context, eventType, source string, payload map[string]any, opts ...PublishOption) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrBusClosed
	}
	if eventType == "" {
		return 0, ErrEventTypeEmpty
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&event)
	}

	id, err := b.log.Append(event)
	if err != nil {
		return 0, fmt.Errorf("appending event to log: %w", err)
	}
	event.ID = id
	b.metrics.published.WithLabelValues(event.Type).Inc()

	b.subMu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchesPattern(event.Type, sub.pattern) {
			matching = append(matching, sub)
		}
	}
	b.subMu.RUnlock()

	for _, sub := range matching {
		switch sub.mode {
		case Sync:
			b.invoke(ctx, sub, event)
		case Async:
			select {
			case sub.eventCh <- event:
			default:
				// Buffer full. Dropping preserves per-subscriber order at
				// the cost of completeness; the log still has the event.
				b.metrics.dropped.WithLabelValues(sub.id).Inc()
				if b.logger != nil {
					b.logger.Warn("Async subscriber buffer full, event dropped",
						"subscription", sub.id, "type", event.Type)
				}
			}
		}
	}

	return id, nil
}

// invoke runs a handler with panic and error containment.
func (b *Bus) invoke(ctx context.Context, sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.reportHandlerFailure(sub, event, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.reportHandlerFailure(sub, event, err)
	} else {
		b.metrics.delivered.WithLabelValues(sub.id).Inc()
	}
}

// reportHandlerFailure logs and audits a contained handler failure. The
// audit event is published from a goroutine so sync dispatch never nests,
// and never for failures of handler.failed handlers themselves, which
// would loop.
func (b *Bus) reportHandlerFailure(sub *subscription, event Event, err error) {
	b.metrics.handlerFailures.WithLabelValues(sub.id).Inc()
	if b.logger != nil {
		b.logger.Error("Event handler failed",
			"subscription", sub.id, "owner", sub.owner, "type", event.Type, "error", err)
	}
	if event.Type == EventTypeHandlerFailed {
		return
	}
	// Carry the failed event's correlation id only when it had one; an
	// uncorrelated failure must not get a freshly minted correlation.
	var opts []PublishOption
	if event.CorrelationID != "" {
		opts = append(opts, WithCorrelationID(event.CorrelationID))
	}
	go func() {
		_, pubErr := b.Publish(context.Background(), EventTypeHandlerFailed, "eventbus", map[string]any{
			"subscription_id": sub.id,
			"owner":           sub.owner,
			"event_id":        event.ID,
			"event_type":      event.Type,
			"error":           err.Error(),
		}, opts...)
		if pubErr != nil && b.logger != nil {
			b.logger.Debug("Failed to publish handler.failed audit event", "error", pubErr)
		}
	}()
}

// Subscribe registers a handler for events whose type matches pattern.
// Patterns are exact types or trailing-wildcard prefixes ("module.*", or
// "*" for everything). The owner tags the subscription so RevokeOwner can
// remove a module's subscriptions in one call; core components pass their
// own name.
func (b *Bus) Subscribe(pattern, owner string, handler Handler, mode DeliveryMode) (string, error) {
	if handler == nil {
		return "", ErrHandlerNil
	}
	if pattern == "" {
		return "", ErrPatternEmpty
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closed.Load() {
		return "", ErrBusClosed
	}

	sub := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		owner:   owner,
		mode:    mode,
		handler: handler,
	}
	if mode == Async {
		sub.eventCh = make(chan Event, b.config.BufferSize)
		sub.done = make(chan struct{})
		b.wg.Add(1)
		go b.drain(sub)
	}
	b.subs[sub.id] = sub
	return sub.id, nil
}

// Unsubscribe removes a subscription. Idempotent: unknown ids are not an
// error.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.subMu.Unlock()

	if ok && sub.mode == Async {
		close(sub.done)
	}
}

// RevokeOwner removes every subscription registered under owner. The
// registry calls this when a module unloads.
func (b *Bus) RevokeOwner(owner string) int {
	b.subMu.Lock()
	var removed []*subscription
	for id, sub := range b.subs {
		if sub.owner == owner {
			delete(b.subs, id)
			removed = append(removed, sub)
		}
	}
	b.subMu.Unlock()

	for _, sub := range removed {
		if sub.mode == Async {
			close(sub.done)
		}
	}
	return len(removed)
}

// drain services one async subscription, preserving publish order for that
// subscriber. It processes events already buffered before honoring
// cancellation so Shutdown drains rather than discards.
func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.eventCh:
			b.invoke(b.ctx, sub, event)
		case <-sub.done:
			b.flush(sub)
			return
		case <-b.ctx.Done():
			b.flush(sub)
			return
		}
	}
}

// flush empties a subscription's remaining buffer without blocking.
func (b *Bus) flush(sub *subscription) {
	for {
		select {
		case event := <-sub.eventCh:
			b.invoke(context.Background(), sub, event)
		default:
			return
		}
	}
}

// Replay re-invokes handler over the persisted log slice [from, to]
// (inclusive, by event id) in original order. It is a pure read-side
// operation: nothing is appended and no other subscriber is triggered.
// The handler's error aborts the replay and is returned as-is.
func (b *Bus) Replay(ctx context.Context, from, to uint64, handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}
	events, err := b.log.Slice(from, to)
	if err != nil {
		return fmt.Errorf("reading log slice [%d, %d]: %w", from, to, err)
	}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay cancelled: %w", err)
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Log exposes the underlying event log for read-side consumers.
func (b *Bus) Log() EventLog {
	return b.log
}

// SubscriberCount returns the number of live subscriptions matching the
// given event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if matchesPattern(eventType, sub.pattern) {
			n++
		}
	}
	return n
}

// Shutdown stops accepting publishes and drains pending async handlers,
// waiting up to the configured grace period before abandoning them.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.subMu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		if sub.mode == Async {
			close(sub.done)
		}
	}
	b.subMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(b.config.ShutdownGracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		b.cancel()
		return ErrShutdownTimeout
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("shutdown aborted: %w", ctx.Err())
	}
	b.cancel()
	return nil
}

// matchesPattern reports whether an event type matches a subscription
// pattern. Supports exact matches and trailing-wildcard prefixes like
// "module.*"; a bare "*" matches everything.
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || eventType == pattern {
		return true
	}
	if n := len(pattern); n > 1 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}
