package pollbuffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-pollbuffer/pkg/types"
	"github.com/rs/zerolog"
)

// ====================================================================================
// This file defines the BufferedPoller: construction, shared state, accessors and
// callback registration. The ingress loop lives in ingress.go and the flush
// policy and execution in flush.go.
// ====================================================================================

// Cloner is the copy contract for buffered messages. Snapshots handed to the
// process callback are built from Clone so they never alias the live buffer.
type Cloner[M any] interface {
	Clone() M
}

// Identifier is implemented by messages that can name themselves in logs.
// Messages that do not implement it are logged by count only.
type Identifier interface {
	MessageID() string
}

// PollClient is the long-poll queue client the BufferedPoller sits in front of.
// queuepoller.QueuePoller is the standard implementation.
type PollClient[M any] interface {
	// Poll runs until the before-request hook returns types.ErrStopPolling
	// (clean exit, nil error), the context is cancelled or a receive fails.
	Poll(ctx context.Context, opts types.PollOptions, onBatch func(msgs []M)) error
	// DeleteMessages acknowledges messages so the queue will not redeliver them.
	DeleteMessages(ctx context.Context, msgs []M) error
	// BeforeRequest registers the hook run ahead of every receive.
	BeforeRequest(hook func(ctx context.Context, stats types.PollStats) error)
}

// ProcessFunc receives a snapshot of the buffer on every flush.
type ProcessFunc[M any] func(ctx context.Context, msgs []M) error

// BeforeRequestFunc is called once per poll cycle with the poll client's stats.
type BeforeRequestFunc func(ctx context.Context, stats types.PollStats) error

// Option customises a BufferedPoller.
type Option func(*options)

type options struct {
	clock   clock.Clock
	metrics *Metrics
}

// WithClock replaces the wall clock used for staleness and backoff.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records poller activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// BufferedPoller accumulates messages from a PollClient and flushes them to a
// ProcessFunc when the buffer is full, when it goes stale or on shutdown.
// Messages are only acknowledged after the flush callback has returned.
type BufferedPoller[M Cloner[M]] struct {
	config  Config
	client  PollClient[M]
	logger  zerolog.Logger
	clock   clock.Clock
	metrics *Metrics

	bufMu  sync.Mutex
	buffer []M

	// flushMu serialises flushes so no message is delivered or deleted twice.
	flushMu sync.Mutex

	running       atomic.Bool
	stopSignalled atomic.Bool
	lastFlush     atomic.Pointer[time.Time]
	backoff       atomic.Int64

	processFn       atomic.Pointer[ProcessFunc[M]]
	beforeRequestFn atomic.Pointer[BeforeRequestFunc]

	// lifecycleMu guards done and the worker's decision to exit.
	lifecycleMu sync.Mutex
	done        chan struct{}
}

// NewBufferedPoller creates a BufferedPoller and registers its before-request
// hook on client. It performs no I/O and does not start polling.
func NewBufferedPoller[M Cloner[M]](
	cfg *Config,
	client PollClient[M],
	logger zerolog.Logger,
	opts ...Option,
) (*BufferedPoller[M], error) {
	if cfg == nil || cfg.QueueID == "" {
		return nil, fmt.Errorf("%w: queue id is required", ErrConfiguration)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: poll client is required", ErrConfiguration)
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	config := *cfg
	if config.MaxMessagesPerPoll <= 0 {
		logger.Warn().Int("provided_max_messages", config.MaxMessagesPerPoll).Msg("MaxMessagesPerPoll must be positive, defaulting to 10.")
		config.MaxMessagesPerPoll = defaultMaxMessagesPerPoll
	}
	if config.MaxBufferSize <= 0 {
		logger.Warn().Int("provided_max_buffer_size", config.MaxBufferSize).Msg("MaxBufferSize must be positive, defaulting to 100.")
		config.MaxBufferSize = defaultMaxBufferSize
	}
	if config.MaxWait <= 0 {
		logger.Warn().Dur("provided_max_wait", config.MaxWait).Msg("MaxWait must be positive, defaulting to 5 minutes.")
		config.MaxWait = defaultMaxWait
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaultInitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(defaultMaxBackoff, config.InitialBackoff)
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaultAckTimeout
	}
	if !config.SkipDelete {
		logger.Warn().Msg("SkipDelete is off: messages are deleted on receipt, before they are flushed.")
	}

	p := &BufferedPoller[M]{
		config:  config,
		client:  client,
		logger:  logger.With().Str("component", "BufferedPoller").Str("queue_id", config.QueueID).Logger(),
		clock:   o.clock,
		metrics: o.metrics,
		buffer:  make([]M, 0, config.MaxBufferSize),
	}
	now := p.clock.Now()
	p.lastFlush.Store(&now)
	p.backoff.Store(int64(config.InitialBackoff))

	client.BeforeRequest(p.beforeRequest)
	return p, nil
}

// QueueID returns the identifier of the queue being polled.
func (p *BufferedPoller[M]) QueueID() string {
	return p.config.QueueID
}

// SetProcessFunc replaces the flush callback. Passing nil removes it, after
// which flushed messages are discarded. The next poll cycle sees the change.
func (p *BufferedPoller[M]) SetProcessFunc(fn ProcessFunc[M]) {
	if fn == nil {
		p.processFn.Store(nil)
		return
	}
	p.processFn.Store(&fn)
}

// SetBeforeRequestFunc replaces the callback run at the start of every poll cycle.
func (p *BufferedPoller[M]) SetBeforeRequestFunc(fn BeforeRequestFunc) {
	if fn == nil {
		p.beforeRequestFn.Store(nil)
		return
	}
	p.beforeRequestFn.Store(&fn)
}

// BufferFull reports whether the buffer has reached MaxBufferSize.
func (p *BufferedPoller[M]) BufferFull() bool {
	return p.BufferLength() >= p.config.MaxBufferSize
}

// BufferEmpty reports whether no messages are buffered.
func (p *BufferedPoller[M]) BufferEmpty() bool {
	return p.BufferLength() == 0
}

// BufferLength returns the number of buffered messages.
func (p *BufferedPoller[M]) BufferLength() int {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	return len(p.buffer)
}

// Buffer returns a deep copy of the buffered messages.
func (p *BufferedPoller[M]) Buffer() []M {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	return cloneAll(p.buffer)
}

// TimeSinceLastProcess returns the time elapsed since the last completed flush
// (or since construction if there has been none).
func (p *BufferedPoller[M]) TimeSinceLastProcess() time.Duration {
	return p.clock.Since(*p.lastFlush.Load())
}

// LastProcessTimeStale reports whether MaxWait has elapsed since the last flush.
func (p *BufferedPoller[M]) LastProcessTimeStale() bool {
	return p.TimeSinceLastProcess() >= p.config.MaxWait
}

// messageIDs returns the IDs of msgs, or nil if M is not an Identifier.
func messageIDs[M any](msgs []M) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		id, ok := any(m).(Identifier)
		if !ok {
			return nil
		}
		ids = append(ids, id.MessageID())
	}
	return ids
}

func cloneAll[M Cloner[M]](src []M) []M {
	out := make([]M, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}
	return out
}
