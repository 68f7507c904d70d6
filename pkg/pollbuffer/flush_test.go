package pollbuffer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-pollbuffer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPolicyPoller returns a poller on a mock clock with a threshold of 100 and
// a max wait of 300s, marked as running so beforeRequest applies the policy.
func newPolicyPoller(t *testing.T) (*BufferedPoller[types.QueueMessage], *mockPollClient, *clock.Mock, *recordingProcessor) {
	t.Helper()
	mock := clock.NewMock()
	client := newMockPollClient()
	cfg := DefaultConfig()
	cfg.QueueID = "policy-queue"
	p := newTestPoller(t, cfg, client, WithClock(mock))
	proc := &recordingProcessor{}
	p.SetProcessFunc(proc.Process)
	p.running.Store(true)
	return p, client, mock, proc
}

func TestBeforeRequest_FlushesStaleBuffer(t *testing.T) {
	p, client, mock, proc := newPolicyPoller(t)
	ctx := context.Background()

	p.storeMessages(makeMessages("m", 99))
	require.NoError(t, p.beforeRequest(ctx, types.PollStats{}))
	assert.Equal(t, 0, proc.calls(), "99 fresh messages must not flush")

	mock.Add(301 * time.Second)
	require.NoError(t, p.beforeRequest(ctx, types.PollStats{}))
	require.Equal(t, 1, proc.calls())
	assert.Len(t, proc.batch(0), 99)
	assert.Len(t, client.getDeleted(), 99)
	assert.True(t, p.BufferEmpty())

	require.NoError(t, p.beforeRequest(ctx, types.PollStats{}))
	assert.Equal(t, 1, proc.calls(), "an empty buffer must not flush again")
}

func TestBeforeRequest_FlushesFullBuffer(t *testing.T) {
	p, client, _, proc := newPolicyPoller(t)

	p.storeMessages(makeMessages("m", 100))
	require.NoError(t, p.beforeRequest(context.Background(), types.PollStats{}))

	require.Equal(t, 1, proc.calls())
	assert.Len(t, proc.batch(0), 100)
	assert.Len(t, client.getDeleted(), 100)
	assert.Equal(t, 10, client.getDeleteCalls())
}

func TestBeforeRequest_EmptyStaleBufferDoesNotFlush(t *testing.T) {
	p, client, mock, proc := newPolicyPoller(t)

	mock.Add(time.Hour)
	assert.True(t, p.LastProcessTimeStale())
	assert.False(t, p.NeedToProcess())

	require.NoError(t, p.beforeRequest(context.Background(), types.PollStats{}))
	assert.Equal(t, 0, proc.calls())
	assert.Equal(t, 0, client.getDeleteCalls())
	assert.Equal(t, time.Hour, p.TimeSinceLastProcess(), "no flush means no reset of the staleness clock")
}

func TestBeforeRequest_PreservesArrivalOrder(t *testing.T) {
	p, client, _, proc := newPolicyPoller(t)

	p.storeMessages(makeMessages("a", 60))
	p.storeMessages(makeMessages("b", 40))
	require.NoError(t, p.beforeRequest(context.Background(), types.PollStats{}))

	require.Equal(t, 1, proc.calls())
	batch := proc.batch(0)
	assert.Equal(t, "a-0", batch[0].ID)
	assert.Equal(t, "a-59", batch[59].ID)
	assert.Equal(t, "b-0", batch[60].ID)
	assert.Equal(t, types.MessageIDs(batch), types.MessageIDs(client.getDeleted()))
}

func TestBeforeRequest_DrainsWhenNotRunning(t *testing.T) {
	p, client, _, proc := newPolicyPoller(t)
	p.storeMessages(makeMessages("m", 5))
	p.running.Store(false)

	err := p.beforeRequest(context.Background(), types.PollStats{})
	assert.ErrorIs(t, err, types.ErrStopPolling)
	assert.True(t, p.stopSignalled.Load())
	require.Equal(t, 1, proc.calls())
	assert.Len(t, proc.batch(0), 5)
	assert.Len(t, client.getDeleted(), 5)
}

func TestBeforeRequest_DrainWithEmptyBufferStillStops(t *testing.T) {
	p, client, _, proc := newPolicyPoller(t)
	p.running.Store(false)

	err := p.beforeRequest(context.Background(), types.PollStats{})
	assert.ErrorIs(t, err, types.ErrStopPolling)
	assert.Equal(t, 0, proc.calls())
	assert.Equal(t, 0, client.getDeleteCalls())
}

func TestBeforeRequest_CallsBeforeRequestFunc(t *testing.T) {
	p, _, _, _ := newPolicyPoller(t)

	var got []types.PollStats
	p.SetBeforeRequestFunc(func(_ context.Context, stats types.PollStats) error {
		got = append(got, stats)
		return nil
	})

	stats := types.PollStats{RequestCount: 3, ReceivedMessageCount: 12}
	require.NoError(t, p.beforeRequest(context.Background(), stats))
	require.Len(t, got, 1)
	assert.Equal(t, stats, got[0])

	p.SetBeforeRequestFunc(nil)
	require.NoError(t, p.beforeRequest(context.Background(), stats))
	assert.Len(t, got, 1, "a cleared before-request func is not called")
}

func TestBeforeRequest_IsolatesBeforeRequestFuncFailures(t *testing.T) {
	tests := []struct {
		name string
		fn   BeforeRequestFunc
	}{
		{
			name: "error",
			fn: func(context.Context, types.PollStats) error {
				return errors.New("before-request failed")
			},
		},
		{
			name: "panic",
			fn: func(context.Context, types.PollStats) error {
				panic("before-request exploded")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _, proc := newPolicyPoller(t)
			p.SetBeforeRequestFunc(tt.fn)
			p.storeMessages(makeMessages("m", 100))

			require.NoError(t, p.beforeRequest(context.Background(), types.PollStats{}))
			assert.Equal(t, 1, proc.calls(), "the flush still runs after a failed before-request func")
		})
	}
}

func TestBeforeRequest_CallbackSwapTakesEffectNextCycle(t *testing.T) {
	p, _, _, first := newPolicyPoller(t)
	second := &recordingProcessor{}

	p.SetBeforeRequestFunc(func(context.Context, types.PollStats) error {
		p.SetProcessFunc(second.Process)
		return nil
	})

	p.storeMessages(makeMessages("a", 100))
	require.NoError(t, p.beforeRequest(context.Background(), types.PollStats{}))
	assert.Equal(t, 1, first.calls(), "the cycle uses the process func current at its start")
	assert.Equal(t, 0, second.calls())

	p.storeMessages(makeMessages("b", 100))
	require.NoError(t, p.beforeRequest(context.Background(), types.PollStats{}))
	assert.Equal(t, 1, first.calls())
	require.Equal(t, 1, second.calls())
	assert.Equal(t, "b-0", second.batch(0)[0].ID)
}

func TestProcessAllMessages_CallbackFailureStillDeletes(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*recordingProcessor) ProcessFunc[types.QueueMessage]
	}{
		{
			name: "error",
			fn: func(r *recordingProcessor) ProcessFunc[types.QueueMessage] {
				r.err = errors.New("downstream unavailable")
				return r.Process
			},
		},
		{
			name: "panic",
			fn: func(*recordingProcessor) ProcessFunc[types.QueueMessage] {
				return func(context.Context, []types.QueueMessage) error {
					panic("processor exploded")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			client := newMockPollClient()
			p := newTestPoller(t, nil, client, WithMetrics(NewMetrics(reg)))
			p.SetProcessFunc(tt.fn(&recordingProcessor{}))
			p.storeMessages(makeMessages("m", 12))

			p.ProcessAllMessages(context.Background())

			assert.True(t, p.BufferEmpty())
			assert.Len(t, client.getDeleted(), 12)
			assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.callbackFailures.WithLabelValues("process")))
		})
	}
}

func TestProcessAllMessages_NoProcessFuncDiscards(t *testing.T) {
	client := newMockPollClient()
	p := newTestPoller(t, nil, client)
	p.storeMessages(makeMessages("m", 4))

	p.ProcessAllMessages(context.Background())

	assert.True(t, p.BufferEmpty())
	assert.Len(t, client.getDeleted(), 4)
}

func TestProcessAllMessages_FailedChunkIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := newMockPollClient()
	client.failDeleteCalls[2] = true
	p := newTestPoller(t, nil, client, WithMetrics(NewMetrics(reg)))
	proc := &recordingProcessor{}
	p.SetProcessFunc(proc.Process)
	p.storeMessages(makeMessages("m", 25))

	p.ProcessAllMessages(context.Background())

	assert.True(t, p.BufferEmpty(), "a failed chunk is not retried or re-buffered")
	assert.Equal(t, 3, client.getDeleteCalls())
	deleted := types.MessageIDs(client.getDeleted())
	require.Len(t, deleted, 15)
	assert.Equal(t, "m-9", deleted[9])
	assert.Equal(t, "m-20", deleted[10], "the second chunk (m-10..m-19) was dropped")
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.ackFailures))
	assert.Equal(t, float64(15), testutil.ToFloat64(p.metrics.acknowledged))
}

func TestProcessAllMessages_KeepsMessagesStoredDuringCallback(t *testing.T) {
	client := newMockPollClient()
	p := newTestPoller(t, nil, client)
	p.storeMessages(makeMessages("early", 5))

	p.SetProcessFunc(func(_ context.Context, msgs []types.QueueMessage) error {
		p.storeMessages(makeMessages("late", 3))
		return nil
	})
	p.ProcessAllMessages(context.Background())

	assert.Equal(t, []string{"early-0", "early-1", "early-2", "early-3", "early-4"}, types.MessageIDs(client.getDeleted()))
	remaining := p.Buffer()
	assert.Equal(t, []string{"late-0", "late-1", "late-2"}, types.MessageIDs(remaining))
}

func TestProcessAllMessages_SnapshotIsIndependent(t *testing.T) {
	client := newMockPollClient()
	p := newTestPoller(t, nil, client)
	p.storeMessages(makeMessages("m", 2))

	p.SetProcessFunc(func(_ context.Context, msgs []types.QueueMessage) error {
		msgs[0].ReceiptHandle = "tampered"
		msgs[0].Payload[0] = 'X'
		return nil
	})
	p.ProcessAllMessages(context.Background())

	deleted := client.getDeleted()
	require.Len(t, deleted, 2)
	assert.Equal(t, "rh-m-0", deleted[0].ReceiptHandle, "deletion uses the live buffer, not the callback's copy")
	assert.Equal(t, "m-0", string(deleted[0].Payload))
}

func TestProcessAllMessages_ConcurrentFlushesDeliverOnce(t *testing.T) {
	client := newMockPollClient()
	p := newTestPoller(t, nil, client)
	proc := &recordingProcessor{}
	p.SetProcessFunc(proc.Process)
	p.storeMessages(makeMessages("m", 50))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ProcessAllMessages(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, proc.calls(), "only the first flush sees messages")
	assert.Equal(t, 50, proc.total())
	deleted := types.MessageIDs(client.getDeleted())
	assert.Len(t, deleted, 50)
	seen := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		assert.False(t, seen[id], "message %s deleted twice", id)
		seen[id] = true
	}
}

func TestProcessAllMessages_ConcurrentWithIngress(t *testing.T) {
	client := newMockPollClient()
	p := newTestPoller(t, nil, client)
	proc := &recordingProcessor{}
	p.SetProcessFunc(proc.Process)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.storeMessages(makeMessages("m", 3))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			p.ProcessAllMessages(context.Background())
		}
	}()
	wg.Wait()
	p.ProcessAllMessages(context.Background())

	assert.Equal(t, 300, proc.total())
	assert.Len(t, client.getDeleted(), 300)
	assert.True(t, p.BufferEmpty())
}

func TestProcessAllMessages_LogsIDsNotPayloads(t *testing.T) {
	var logs bytes.Buffer
	client := newMockPollClient()
	client.failDeleteCalls[1] = true
	cfg := DefaultConfig()
	cfg.QueueID = "q"
	p, err := NewBufferedPoller[types.QueueMessage](cfg, client, zerolog.New(&logs))
	require.NoError(t, err)

	msgs := makeMessages("m", 2)
	for i := range msgs {
		msgs[i].Payload = []byte("secret-payload")
	}
	p.storeMessages(msgs)
	p.SetProcessFunc(func(context.Context, []types.QueueMessage) error {
		return errors.New("downstream unavailable")
	})
	p.ProcessAllMessages(context.Background())

	out := logs.String()
	assert.Contains(t, out, "Process func failed")
	assert.Contains(t, out, "Failed to delete messages")
	assert.Contains(t, out, `"message_ids":["m-0","m-1"]`)
	assert.NotContains(t, out, "secret-payload")
	assert.NotContains(t, out, "c2VjcmV0", "base64 payload bytes must not be logged either")
}
