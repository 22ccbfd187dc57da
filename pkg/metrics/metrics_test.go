package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("awaiting_prompt", "awaiting_generation"))
	eventsBefore := testutil.ToFloat64(EventsTotal.WithLabelValues("user_message", "awaiting_prompt"))

	RecordTransition("user_message", "awaiting_prompt", "awaiting_generation")
	RecordTransition("user_message", "awaiting_prompt", "awaiting_prompt")

	assert.Equal(t, before+1, testutil.ToFloat64(TransitionsTotal.WithLabelValues("awaiting_prompt", "awaiting_generation")))
	assert.Equal(t, eventsBefore+2, testutil.ToFloat64(EventsTotal.WithLabelValues("user_message", "awaiting_prompt")))
}

func TestSSEConnections(t *testing.T) {
	before := testutil.ToFloat64(SSEConnectionsActive)
	IncrementSSEConnections()
	assert.Equal(t, before+1, testutil.ToFloat64(SSEConnectionsActive))
	DecrementSSEConnections()
	assert.Equal(t, before, testutil.ToFloat64(SSEConnectionsActive))
}
