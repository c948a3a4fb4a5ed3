package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/kernel/eventbus"
)

type receivedRequest struct {
	headers http.Header
	body    []byte
}

// sinkServer records webhook deliveries, failing the first failures
// requests with status.
type sinkServer struct {
	mu       sync.Mutex
	requests []receivedRequest
	failures int
	status   int
	server   *httptest.Server
}

func newSinkServer(t *testing.T, failures, status int) *sinkServer {
	t.Helper()
	s := &sinkServer{failures: failures, status: status}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, receivedRequest{headers: r.Header.Clone(), body: body})
		fail := len(s.requests) <= s.failures
		s.mu.Unlock()
		if fail {
			w.WriteHeader(s.status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *sinkServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *sinkServer) request(i int) receivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func fastRetry() RetryPolicy {
	return DefaultRetryPolicy().
		WithMaxRetries(2).
		WithBaseDelay(time.Millisecond).
		WithTimeout(time.Second)
}

func newDispatcherFixture(t *testing.T, endpoint Endpoint) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(nil, nil, nil)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	cfg := &Config{Endpoints: []Endpoint{endpoint}, Retry: fastRetry()}
	d := NewDispatcher(bus, nopLogger{}, cfg, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return bus
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

func TestDispatcherDeliversEvent(t *testing.T) {
	sink := newSinkServer(t, 0, 0)
	bus := newDispatcherFixture(t, Endpoint{
		Name:     "sink",
		URL:      sink.server.URL,
		Patterns: []string{"module.*"},
	})

	_, err := bus.Publish(context.Background(), "module.loaded", "registry",
		map[string]any{"module": "billing"}, eventbus.WithCorrelationID("corr-7"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	req := sink.request(0)
	assert.Equal(t, "module.loaded", req.headers.Get("X-Event-Type"))
	assert.Equal(t, "1", req.headers.Get("X-Event-ID"))
	assert.Equal(t, "corr-7", req.headers.Get("X-Correlation-ID"))
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))

	var event eventbus.Event
	require.NoError(t, json.Unmarshal(req.body, &event))
	assert.Equal(t, uint64(1), event.ID)
	assert.Equal(t, "billing", event.Payload["module"])
}

func TestDispatcherIgnoresNonMatchingTypes(t *testing.T) {
	sink := newSinkServer(t, 0, 0)
	bus := newDispatcherFixture(t, Endpoint{
		Name:     "sink",
		URL:      sink.server.URL,
		Patterns: []string{"module.*"},
	})

	_, err := bus.Publish(context.Background(), "custom.other", "test", nil)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "module.loaded", "registry", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "module.loaded", sink.request(0).headers.Get("X-Event-Type"))
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sink := newSinkServer(t, 2, http.StatusServiceUnavailable)
	bus := newDispatcherFixture(t, Endpoint{
		Name:     "flaky",
		URL:      sink.server.URL,
		Patterns: []string{"module.*"},
	})

	_, err := bus.Publish(context.Background(), "module.loaded", "registry", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	// No failure event: the third attempt succeeded.
	time.Sleep(50 * time.Millisecond)
	events, err := bus.Log().Slice(1, 0)
	require.NoError(t, err)
	for _, event := range events {
		assert.NotEqual(t, EventTypeDeliveryFailed, event.Type)
	}
}

func TestDispatcherExhaustionPublishesFailure(t *testing.T) {
	sink := newSinkServer(t, 100, http.StatusInternalServerError)
	bus := newDispatcherFixture(t, Endpoint{
		Name:     "dead",
		URL:      sink.server.URL,
		Patterns: []string{"module.*"},
	})

	_, err := bus.Publish(context.Background(), "module.failed", "registry", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := bus.Log().Slice(1, 0)
		if err != nil {
			return false
		}
		for _, event := range events {
			if event.Type == EventTypeDeliveryFailed {
				return event.Payload["endpoint"] == "dead" &&
					event.Payload["event_type"] == "module.failed"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// MaxRetries 2 means three attempts total.
	assert.Equal(t, 3, sink.count())
}

func TestDispatcherNonRetryableStatusStops(t *testing.T) {
	sink := newSinkServer(t, 100, http.StatusBadRequest)
	bus := newDispatcherFixture(t, Endpoint{
		Name:     "reject",
		URL:      sink.server.URL,
		Patterns: []string{"module.*"},
	})

	_, err := bus.Publish(context.Background(), "module.loaded", "registry", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := bus.Log().Slice(1, 0)
		if err != nil {
			return false
		}
		for _, event := range events {
			if event.Type == EventTypeDeliveryFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// 400 is not retryable, so exactly one attempt was made.
	assert.Equal(t, 1, sink.count())
}

func TestDispatcherCloudEventsMode(t *testing.T) {
	sink := newSinkServer(t, 0, 0)
	bus := newDispatcherFixture(t, Endpoint{
		Name:        "ce",
		URL:         sink.server.URL,
		Patterns:    []string{"module.*"},
		CloudEvents: true,
	})

	_, err := bus.Publish(context.Background(), "module.loaded", "registry", map[string]any{"module": "billing"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	req := sink.request(0)
	assert.Equal(t, "application/cloudevents+json", req.headers.Get("Content-Type"))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(req.body, &envelope))
	assert.Equal(t, "module.loaded", envelope["type"])
	assert.Equal(t, "registry", envelope["source"])
	assert.Equal(t, "1.0", envelope["specversion"])
}

func TestCalculateBackoffBounded(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    0,
	}
	assert.Equal(t, 100*time.Millisecond, policy.CalculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, policy.CalculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, policy.CalculateBackoff(2))
	// Capped at MaxDelay.
	assert.Equal(t, time.Second, policy.CalculateBackoff(10))
	// Negative attempts clamp to zero.
	assert.Equal(t, 100*time.Millisecond, policy.CalculateBackoff(-3))
}

func TestCalculateBackoffJitterWithinBand(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    0.5,
	}
	for i := 0; i < 50; i++ {
		backoff := policy.CalculateBackoff(0)
		assert.GreaterOrEqual(t, backoff, 50*time.Millisecond)
		assert.LessOrEqual(t, backoff, 150*time.Millisecond)
	}
}
