package pollbuffer

import (
	"context"
	"fmt"
	"slices"

	"github.com/illmade-knight/go-pollbuffer/pkg/types"
)

const (
	triggerFull     = "full"
	triggerStale    = "stale"
	triggerShutdown = "shutdown"
	triggerManual   = "manual"
)

// beforeRequest is registered with the poll client and runs ahead of every
// receive. It is the only place the drain and policy-driven flushes happen.
// It never returns an error other than types.ErrStopPolling.
func (p *BufferedPoller[M]) beforeRequest(ctx context.Context, stats types.PollStats) (err error) {
	// Callbacks are read once so the whole cycle sees a consistent pair.
	processFn := p.processFn.Load()
	beforeRequestFn := p.beforeRequestFn.Load()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Recovered from panic in before-request hook.")
			err = nil
		}
	}()

	if !p.running.Load() {
		p.logger.Info().Int("buffered", p.BufferLength()).Msg("Shutting down. Processing all messages first...")
		p.processAll(ctx, processFn, triggerShutdown)
		p.logger.Info().Msg("All messages have been processed. Stopping poll loop.")
		p.stopSignalled.Store(true)
		return types.ErrStopPolling
	}

	if beforeRequestFn != nil {
		p.callBeforeRequest(ctx, *beforeRequestFn, stats)
	}

	if trigger, ok := p.flushTrigger(); ok {
		p.processAll(ctx, processFn, trigger)
	}
	return nil
}

// NeedToProcess reports whether the buffer holds messages and is either full or stale.
func (p *BufferedPoller[M]) NeedToProcess() bool {
	_, ok := p.flushTrigger()
	return ok
}

func (p *BufferedPoller[M]) flushTrigger() (string, bool) {
	if p.BufferEmpty() {
		return "", false
	}
	if p.BufferFull() {
		return triggerFull, true
	}
	if p.LastProcessTimeStale() {
		return triggerStale, true
	}
	return "", false
}

// ProcessAllMessages flushes the buffer now: the current process func gets a
// snapshot, then the snapshotted messages are deleted from the queue. It is
// safe to call concurrently with the poll loop; flushes never overlap.
func (p *BufferedPoller[M]) ProcessAllMessages(ctx context.Context) {
	p.processAll(ctx, p.processFn.Load(), triggerManual)
}

func (p *BufferedPoller[M]) processAll(ctx context.Context, processFn *ProcessFunc[M], trigger string) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	snapshot := p.Buffer()
	if len(snapshot) > 0 {
		if processFn != nil {
			p.callProcess(ctx, *processFn, snapshot)
		} else {
			p.logger.Info().Int("batch_size", len(snapshot)).Msg("No process func was given. Discarding all messages.")
		}
		// Only the snapshotted head is deleted: anything stored while the
		// callback ran has not been processed yet.
		p.deleteMessages(ctx, len(snapshot))
		p.metrics.flushed(trigger)
		p.logger.Info().Str("trigger", trigger).Int("batch_size", len(snapshot)).Msg("Flushed buffer.")
	}
	p.touchProcessTime()
}

func (p *BufferedPoller[M]) callProcess(ctx context.Context, fn ProcessFunc[M], msgs []M) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.callbackFailed("process")
			p.logger.Error().Interface("panic", r).Int("batch_size", len(msgs)).Strs("message_ids", messageIDs(msgs)).Msg("Process func panicked, messages will still be deleted.")
		}
	}()
	if err := fn(ctx, msgs); err != nil {
		p.metrics.callbackFailed("process")
		p.logger.Error().Err(err).Int("batch_size", len(msgs)).Strs("message_ids", messageIDs(msgs)).Msg("Process func failed, messages will still be deleted.")
	}
}

func (p *BufferedPoller[M]) callBeforeRequest(ctx context.Context, fn BeforeRequestFunc, stats types.PollStats) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.callbackFailed("before_request")
			p.logger.Error().Interface("panic", r).Msg("Before-request func panicked.")
		}
	}()
	if err := fn(ctx, stats); err != nil {
		p.metrics.callbackFailed("before_request")
		p.logger.Error().Err(err).Msg("Before-request func failed.")
	}
}

// deleteMessages removes n messages from the head of the buffer and deletes
// them from the queue in chunks. A failed chunk is logged and dropped.
func (p *BufferedPoller[M]) deleteMessages(ctx context.Context, n int) {
	// The drain must finish even if the worker context is being cancelled.
	ackCtx := context.WithoutCancel(ctx)
	for n > 0 {
		chunk := p.shift(min(n, deleteChunkSize))
		if len(chunk) == 0 {
			break
		}
		n -= len(chunk)
		p.deleteChunk(ackCtx, chunk)
	}
	p.metrics.setBufferLength(p.BufferLength())
}

func (p *BufferedPoller[M]) deleteChunk(ctx context.Context, chunk []M) {
	ctx, cancel := context.WithTimeout(ctx, p.config.AckTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("delete panicked: %v", r)
			}
		}()
		return p.client.DeleteMessages(ctx, chunk)
	}()
	if err != nil {
		p.metrics.ackFailed()
		p.logger.Error().Err(err).Int("chunk_size", len(chunk)).Strs("message_ids", messageIDs(chunk)).Msg("Failed to delete messages, dropping chunk.")
		return
	}
	p.metrics.acked(len(chunk))
}

func (p *BufferedPoller[M]) shift(n int) []M {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	n = min(n, len(p.buffer))
	chunk := slices.Clone(p.buffer[:n])
	p.buffer = slices.Delete(p.buffer, 0, n)
	return chunk
}

// touchProcessTime moves lastFlush forward to now. It never moves it back.
func (p *BufferedPoller[M]) touchProcessTime() {
	now := p.clock.Now()
	for {
		cur := p.lastFlush.Load()
		if !now.After(*cur) {
			return
		}
		if p.lastFlush.CompareAndSwap(cur, &now) {
			return
		}
	}
}
