package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Source is a single simulated producer in the load test.
type Source struct {
	ID          string
	MessageRate float64
	// Payload builds each message body. JSONPayloadGenerator is used when nil.
	Payload PayloadGenerator
}

// LoadGenerator publishes messages from a set of sources at their configured
// rates, for spike and throughput testing of a BufferedPoller.
type LoadGenerator struct {
	publisher Publisher
	sources   []*Source
	logger    zerolog.Logger
	sent      atomic.Int64
	failed    atomic.Int64
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(publisher Publisher, sources []*Source, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		publisher: publisher,
		sources:   sources,
		logger:    logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run publishes until duration has elapsed or ctx is cancelled and returns
// the number of messages published. A zero duration runs until ctx is done.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) int {
	lg.logger.Info().Int("num_sources", len(lg.sources)).Dur("duration", duration).Msg("Starting load generator")

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	for _, source := range lg.sources {
		wg.Add(1)
		go func(s *Source) {
			defer wg.Done()
			lg.runSource(ctx, s)
		}(source)
	}
	wg.Wait()

	sent := int(lg.sent.Load())
	lg.logger.Info().Int("sent", sent).Int64("failed", lg.failed.Load()).Msg("Load generator finished")
	return sent
}

// Sent returns the number of messages published so far.
func (lg *LoadGenerator) Sent() int {
	return int(lg.sent.Load())
}

func (lg *LoadGenerator) runSource(ctx context.Context, source *Source) {
	if source.MessageRate <= 0 {
		lg.logger.Warn().Str("source_id", source.ID).Msg("Source has a message rate of 0, no messages will be sent")
		return
	}
	generator := source.Payload
	if generator == nil {
		generator = JSONPayloadGenerator{}
	}

	interval := time.Duration(float64(time.Second) / source.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Info().Str("source_id", source.ID).Float64("rate_hz", source.MessageRate).Dur("interval", interval).Msg("Source starting")

	for {
		select {
		case <-ctx.Done():
			lg.logger.Info().Str("source_id", source.ID).Msg("Source stopping")
			return
		case <-ticker.C:
			payload, err := generator.GeneratePayload(source)
			if err != nil {
				lg.failed.Add(1)
				lg.logger.Error().Err(err).Str("source_id", source.ID).Msg("Failed to generate payload")
				continue
			}
			if _, err := lg.publisher.Publish(ctx, payload, map[string]string{"source_id": source.ID}); err != nil {
				if ctx.Err() != nil {
					return
				}
				lg.failed.Add(1)
				lg.logger.Error().Err(err).Str("source_id", source.ID).Msg("Failed to publish message")
				continue
			}
			lg.sent.Add(1)
		}
	}
}
