package pollbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-pollbuffer/pkg/types"
)

// ====================================================================================
// This file contains mocks used by the BufferedPoller tests.
// ====================================================================================

// --- mockPollClient ---

// mockPollClient simulates a long-poll client. Each idle cycle lasts interval;
// batches pushed with Push are delivered on the next cycle.
type mockPollClient struct {
	mu        sync.Mutex
	hook      func(ctx context.Context, stats types.PollStats) error
	batches   chan []types.QueueMessage
	interval  time.Duration
	pollErr   error
	pollPanic any

	pollCalls     int
	pollCallTimes []time.Time
	lastOpts      types.PollOptions

	deleted     []types.QueueMessage
	deleteCalls int
	// failDeleteCalls lists the 1-based delete calls that should fail.
	failDeleteCalls map[int]bool
}

func newMockPollClient() *mockPollClient {
	return &mockPollClient{
		batches:         make(chan []types.QueueMessage, 100),
		interval:        5 * time.Millisecond,
		failDeleteCalls: map[int]bool{},
	}
}

func (m *mockPollClient) BeforeRequest(hook func(ctx context.Context, stats types.PollStats) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

func (m *mockPollClient) Poll(ctx context.Context, opts types.PollOptions, onBatch func(msgs []types.QueueMessage)) error {
	m.mu.Lock()
	m.pollCalls++
	m.pollCallTimes = append(m.pollCallTimes, time.Now())
	m.lastOpts = opts
	pollErr, pollPanic, hook := m.pollErr, m.pollPanic, m.hook
	m.mu.Unlock()

	if pollPanic != nil {
		panic(pollPanic)
	}
	if pollErr != nil {
		return pollErr
	}

	var stats types.PollStats
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if hook != nil {
			if err := hook(ctx, stats); err != nil {
				if errors.Is(err, types.ErrStopPolling) {
					return nil
				}
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-m.batches:
			stats.RequestCount++
			stats.ReceivedMessageCount += len(b)
			onBatch(b)
		case <-time.After(m.interval):
			stats.RequestCount++
		}
	}
}

func (m *mockPollClient) DeleteMessages(_ context.Context, msgs []types.QueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.failDeleteCalls[m.deleteCalls] {
		return errors.New("delete refused")
	}
	m.deleted = append(m.deleted, msgs...)
	return nil
}

// Push queues a batch for delivery on the next poll cycle.
func (m *mockPollClient) Push(msgs ...types.QueueMessage) {
	m.batches <- msgs
}

func (m *mockPollClient) setPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

func (m *mockPollClient) getPollCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls
}

func (m *mockPollClient) getPollCallTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.pollCallTimes...)
}

func (m *mockPollClient) getDeleted() []types.QueueMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.QueueMessage(nil), m.deleted...)
}

func (m *mockPollClient) getDeleteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCalls
}

// --- recordingProcessor ---

// recordingProcessor is a ProcessFunc that keeps every batch it receives.
type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]types.QueueMessage
	err     error
}

func (r *recordingProcessor) Process(_ context.Context, msgs []types.QueueMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, msgs)
	return r.err
}

func (r *recordingProcessor) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingProcessor) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func (r *recordingProcessor) batch(i int) []types.QueueMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

// makeMessages builds n messages with IDs prefix-0 .. prefix-(n-1).
func makeMessages(prefix string, n int) []types.QueueMessage {
	msgs := make([]types.QueueMessage, n)
	for i := range msgs {
		id := fmt.Sprintf("%s-%d", prefix, i)
		msgs[i] = types.QueueMessage{
			ID:            id,
			ReceiptHandle: "rh-" + id,
			Payload:       []byte(id),
			Attributes:    map[string]string{"id": id},
		}
	}
	return msgs
}
