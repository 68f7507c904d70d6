package pollbuffer

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.flushed(triggerFull)
		m.acked(3)
		m.ackFailed()
		m.pollFailed()
		m.callbackFailed("process")
		m.setBufferLength(4)
	})
}

func TestMetrics_RecordsFlushActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	client := newMockPollClient()
	p := newTestPoller(t, nil, client, WithMetrics(m))

	p.storeMessages(makeMessages("m", 12))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.bufferLength))

	p.ProcessAllMessages(context.Background())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.flushes.WithLabelValues(triggerManual)))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.acknowledged))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.bufferLength))

	// An empty flush records nothing.
	p.ProcessAllMessages(context.Background())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.flushes.WithLabelValues(triggerManual)))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestNewMetrics_NilRegistererLeavesCollectorsUnregistered(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m)

	// Registering again on a fresh registry must not collide.
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewMetrics(reg) })
}
