package pollbuffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-pollbuffer/pkg/types"
)

var errPollReturned = errors.New("poll returned without a stop signal")

// StartPolling marks the poller as running and, if no worker is alive, starts
// one. The worker polls until StopPolling is called and the buffer has been
// drained, or until ctx is cancelled. Cancelling ctx abandons whatever is
// still buffered; StopPolling is the graceful path.
func (p *BufferedPoller[M]) StartPolling(ctx context.Context) bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.running.Store(true)
	if p.workerAliveLocked() {
		return true
	}

	done := make(chan struct{})
	p.done = done
	p.logger.Info().
		Int("max_messages_per_poll", p.config.MaxMessagesPerPoll).
		Int("max_buffer_size", p.config.MaxBufferSize).
		Dur("max_wait", p.config.MaxWait).
		Msg("Starting polling worker...")
	go p.worker(ctx, done)
	return true
}

// StopPolling asks the worker to drain and exit. It does not wait: the drain
// happens at the start of the next poll cycle. Use Done to wait for it.
func (p *BufferedPoller[M]) StopPolling() {
	p.running.Store(false)
	p.logger.Info().Msg("Stop requested, buffer will be drained on the next poll cycle.")
}

// Done returns a channel that is closed when the current worker exits.
// Before StartPolling has been called the returned channel is already closed.
func (p *BufferedPoller[M]) Done() <-chan struct{} {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

// Running reports whether polling is enabled and the worker is alive.
func (p *BufferedPoller[M]) Running() bool {
	return p.running.Load() && p.WorkerAlive()
}

// ShuttingDown reports whether a stop was requested but the worker has not exited yet.
func (p *BufferedPoller[M]) ShuttingDown() bool {
	return !p.running.Load() && p.WorkerAlive()
}

// WorkerAlive reports whether a worker has been started and has not exited.
func (p *BufferedPoller[M]) WorkerAlive() bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.workerAliveLocked()
}

func (p *BufferedPoller[M]) workerAliveLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// worker supervises the poll client. Failures are logged and retried with
// exponential backoff; the loop only ends after a drain with running still
// false, or when ctx is cancelled.
func (p *BufferedPoller[M]) worker(ctx context.Context, done chan struct{}) {
	p.logger.Info().Msg("Polling worker started.")
	opts := types.PollOptions{
		MaxMessages: p.config.MaxMessagesPerPoll,
		SkipDelete:  p.config.SkipDelete,
	}

	for {
		err := p.poll(ctx, opts)

		if ctx.Err() != nil {
			p.logger.Warn().Int("buffered", p.BufferLength()).Msg("Context cancelled, polling worker exiting without draining.")
			p.exit(done)
			return
		}

		if err == nil {
			if p.stopSignalled.Swap(false) {
				if p.exitIfStopped(done) {
					p.logger.Info().Msg("Polling worker stopped.")
					return
				}
				p.logger.Info().Msg("Polling restarted while shutting down, resuming.")
				continue
			}
			err = errPollReturned
		}

		p.metrics.pollFailed()
		delay := p.nextBackoff()
		p.logger.Error().Err(err).Dur("backoff", delay).Msg("Unhandled error in polling worker, sleeping before retry.")
		if !p.sleep(ctx, delay) {
			p.logger.Warn().Int("buffered", p.BufferLength()).Msg("Context cancelled during backoff, polling worker exiting without draining.")
			p.exit(done)
			return
		}
	}
}

func (p *BufferedPoller[M]) poll(ctx context.Context, opts types.PollOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
		}
	}()
	return p.client.Poll(ctx, opts, p.storeMessages)
}

// exitIfStopped closes done unless StartPolling has flipped running back on.
// Both run under lifecycleMu so a restart is never lost.
func (p *BufferedPoller[M]) exitIfStopped(done chan struct{}) bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running.Load() {
		return false
	}
	close(done)
	return true
}

func (p *BufferedPoller[M]) exit(done chan struct{}) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	close(done)
}

// nextBackoff returns the delay to sleep now and doubles the stored one, up to MaxBackoff.
func (p *BufferedPoller[M]) nextBackoff() time.Duration {
	delay := time.Duration(p.backoff.Load())
	p.backoff.Store(int64(min(delay*2, p.config.MaxBackoff)))
	return delay
}

func (p *BufferedPoller[M]) resetBackoff() {
	p.backoff.Store(int64(p.config.InitialBackoff))
}

func (p *BufferedPoller[M]) sleep(ctx context.Context, d time.Duration) bool {
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// storeMessages is the poll client's batch callback.
func (p *BufferedPoller[M]) storeMessages(msgs []M) {
	p.resetBackoff()
	stored := 0
	for i := range msgs {
		if p.storeMessage(msgs[i]) {
			stored++
		}
	}
	length := p.BufferLength()
	p.metrics.setBufferLength(length)
	p.logger.Debug().Int("received", len(msgs)).Int("stored", stored).Int("buffer_length", length).Msg("Stored batch.")
}

// storeMessage buffers a clone of msg so the poll client may reuse its
// batch memory. A message that cannot be cloned is dropped.
func (p *BufferedPoller[M]) storeMessage(msg M) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Strs("message_ids", messageIDs([]M{msg})).Msg("Failed to store message, dropping it.")
			ok = false
		}
	}()
	c := msg.Clone()
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	p.buffer = append(p.buffer, c)
	return true
}
