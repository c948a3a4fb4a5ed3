package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCloudEvent(t *testing.T) {
	event := Event{
		ID:            42,
		Type:          "module.loaded",
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:        "registry",
		CorrelationID: "trace-1",
		Payload:       map[string]any{"module": "billing"},
	}

	ce, err := ToCloudEvent(event)
	require.NoError(t, err)
	assert.Equal(t, "42", ce.ID())
	assert.Equal(t, "module.loaded", ce.Type())
	assert.Equal(t, "registry", ce.Source())
	assert.Equal(t, "1.0", ce.SpecVersion())
	assert.Equal(t, "trace-1", ce.Extensions()["correlationid"])
	assert.Contains(t, string(ce.Data()), "billing")
}

func TestToCloudEventWithoutPayload(t *testing.T) {
	event := Event{
		ID:        1,
		Type:      "module.stopped",
		Timestamp: time.Now().UTC(),
		Source:    "registry",
	}
	ce, err := ToCloudEvent(event)
	require.NoError(t, err)
	assert.Nil(t, ce.Data())
	assert.NotContains(t, ce.Extensions(), "correlationid")
}
