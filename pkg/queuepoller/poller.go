package queuepoller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-pollbuffer/pkg/types"
	"github.com/rs/zerolog"
)

// Receiver is a single queue backend. Receive may block for a backend-specific
// long-poll wait and returns an empty slice when nothing arrived in that time.
type Receiver[M any] interface {
	Receive(ctx context.Context, maxMessages int) ([]M, error)
	Delete(ctx context.Context, msgs []M) error
}

// Hook is run before every receive. Returning types.ErrStopPolling ends Poll cleanly.
type Hook func(ctx context.Context, stats types.PollStats) error

// QueuePollerConfig holds configuration for the QueuePoller.
type QueuePollerConfig struct {
	// EmptyReceiveDelay is slept after a receive that returned no messages.
	// Backends that long-poll server side can leave it at zero.
	EmptyReceiveDelay time.Duration
}

// QueuePoller runs an indefinite receive loop against a Receiver, invoking a
// hook before each receive and a callback for each non-empty batch.
type QueuePoller[M any] struct {
	receiver Receiver[M]
	config   QueuePollerConfig
	logger   zerolog.Logger
	hook     atomic.Pointer[Hook]
}

// New creates a QueuePoller over r.
func New[M any](r Receiver[M], cfg QueuePollerConfig, logger zerolog.Logger) *QueuePoller[M] {
	return &QueuePoller[M]{
		receiver: r,
		config:   cfg,
		logger:   logger.With().Str("component", "QueuePoller").Logger(),
	}
}

// BeforeRequest registers the hook run ahead of every receive, replacing any previous one.
func (q *QueuePoller[M]) BeforeRequest(hook func(ctx context.Context, stats types.PollStats) error) {
	if hook == nil {
		q.hook.Store(nil)
		return
	}
	h := Hook(hook)
	q.hook.Store(&h)
}

// DeleteMessages acknowledges msgs on the underlying receiver.
func (q *QueuePoller[M]) DeleteMessages(ctx context.Context, msgs []M) error {
	if len(msgs) == 0 {
		return nil
	}
	return q.receiver.Delete(ctx, msgs)
}

// Poll receives until the hook returns types.ErrStopPolling (nil is returned),
// ctx is cancelled (ctx.Err() is returned) or a hook, receive or delete fails.
// Unless opts.SkipDelete is set every batch is deleted once onBatch returns.
func (q *QueuePoller[M]) Poll(ctx context.Context, opts types.PollOptions, onBatch func(msgs []M)) error {
	stats := types.PollStats{PollingStartedAt: time.Now()}
	q.logger.Debug().Int("max_messages", opts.MaxMessages).Bool("skip_delete", opts.SkipDelete).Msg("Poll loop started.")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if hook := q.hook.Load(); hook != nil {
			if err := (*hook)(ctx, stats); err != nil {
				if errors.Is(err, types.ErrStopPolling) {
					q.logger.Debug().Int("requests", stats.RequestCount).Msg("Poll loop stopped by hook.")
					return nil
				}
				return fmt.Errorf("before-request hook: %w", err)
			}
		}

		msgs, err := q.receiver.Receive(ctx, opts.MaxMessages)
		stats.RequestCount++
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}

		if len(msgs) == 0 {
			if q.config.EmptyReceiveDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(q.config.EmptyReceiveDelay):
				}
			}
			continue
		}

		stats.ReceivedMessageCount += len(msgs)
		stats.LastMessageReceivedAt = time.Now()
		onBatch(msgs)

		if !opts.SkipDelete {
			if err := q.DeleteMessages(ctx, msgs); err != nil {
				return fmt.Errorf("delete batch: %w", err)
			}
		}
	}
}
