package queuepoller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-pollbuffer/pkg/types"
)

var (
	// ErrQueueClosed is returned by a MemoryQueue after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrUnknownReceipt is returned when deleting a message whose receipt
	// handle is not (or no longer) in flight.
	ErrUnknownReceipt = errors.New("unknown receipt handle")
)

// MemoryQueueConfig holds configuration for a MemoryQueue.
type MemoryQueueConfig struct {
	// WaitTime is how long Receive waits for a message before returning empty.
	WaitTime time.Duration
	// VisibilityTimeout is how long a received message stays hidden before
	// it is handed out again if nobody deleted it.
	VisibilityTimeout time.Duration
}

type memoryEntry struct {
	msg       types.QueueMessage
	attempts  int
	receipt   string
	visibleAt time.Time
}

// MemoryQueue is an in-process queue with visibility timeouts and redelivery,
// for local runs and tests.
type MemoryQueue struct {
	cfg      MemoryQueueConfig
	mu       sync.Mutex
	ready    []*memoryEntry
	inFlight map[string]*memoryEntry
	notify   chan struct{}
	closed   bool
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &MemoryQueue{
		cfg:      cfg,
		inFlight: make(map[string]*memoryEntry),
		notify:   make(chan struct{}),
	}
}

// Publish appends a message and returns its ID.
func (q *MemoryQueue) Publish(_ context.Context, payload []byte, attributes map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	msg := types.QueueMessage{
		ID:          uuid.NewString(),
		Payload:     payload,
		Attributes:  attributes,
		PublishTime: time.Now(),
	}
	q.ready = append(q.ready, &memoryEntry{msg: msg.Clone()})
	close(q.notify)
	q.notify = make(chan struct{})
	return msg.ID, nil
}

// Receive hands out up to maxMessages visible messages, waiting up to WaitTime
// for the first one to arrive.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int) ([]types.QueueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	timer := time.NewTimer(q.cfg.WaitTime)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		now := time.Now()
		q.requeueExpired(now)
		if len(q.ready) > 0 {
			msgs := q.take(now, maxMessages)
			q.mu.Unlock()
			return msgs, nil
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Delete acknowledges msgs. Messages with unknown receipts are reported in the
// returned error; the rest are still deleted.
func (q *MemoryQueue) Delete(_ context.Context, msgs []types.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var unknown []string
	for _, m := range msgs {
		if _, ok := q.inFlight[m.ReceiptHandle]; !ok {
			unknown = append(unknown, m.ID)
			continue
		}
		delete(q.inFlight, m.ReceiptHandle)
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownReceipt, unknown)
	}
	return nil
}

// Len returns the number of messages waiting to be received.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of received messages not yet deleted.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Close makes every further call fail with ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}

// requeueExpired must be called with mu held.
func (q *MemoryQueue) requeueExpired(now time.Time) {
	for receipt, e := range q.inFlight {
		if !now.Before(e.visibleAt) {
			delete(q.inFlight, receipt)
			q.ready = append(q.ready, e)
		}
	}
}

// take must be called with mu held.
func (q *MemoryQueue) take(now time.Time, n int) []types.QueueMessage {
	n = min(n, len(q.ready))
	out := make([]types.QueueMessage, 0, n)
	for _, e := range q.ready[:n] {
		e.attempts++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		q.inFlight[e.receipt] = e

		msg := e.msg.Clone()
		msg.ReceiptHandle = e.receipt
		msg.DeliveryAttempt = e.attempts
		out = append(out, msg)
	}
	q.ready = q.ready[n:]
	return out
}
