package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-pollbuffer/pkg/helpers/loadgen"
	"github.com/illmade-knight/go-pollbuffer/pkg/pollbuffer"
	"github.com/illmade-knight/go-pollbuffer/pkg/queuepoller"
	"github.com/illmade-knight/go-pollbuffer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// backend is a wired receiver plus an optional publisher for the load generator.
type backend struct {
	receiver  queuepoller.Receiver[types.QueueMessage]
	publisher loadgen.Publisher
	close     func() error
}

// run wires the configured backend into a BufferedPoller and blocks until ctx
// is cancelled and the buffer has been drained.
func run(ctx context.Context, cfg *AppConfig, logger zerolog.Logger) error {
	be, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close backend")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pollbuffer.NewMetrics(reg)

	client := queuepoller.New[types.QueueMessage](be.receiver, queuepoller.QueuePollerConfig{EmptyReceiveDelay: cfg.EmptyReceiveDelay}, logger)
	poller, err := pollbuffer.NewBufferedPoller[types.QueueMessage](&cfg.Poller, client, logger, pollbuffer.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create buffered poller: %w", err)
	}
	poller.SetProcessFunc(logBatch(logger))

	// The poll loop outlives ctx so StopPolling can drain; pollCtx is the hard abort.
	pollCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.LoadGen.Enabled && be.publisher != nil {
		sources := make([]*loadgen.Source, cfg.LoadGen.Sources)
		for i := range sources {
			sources[i] = &loadgen.Source{
				ID:          fmt.Sprintf("source-%d", i),
				MessageRate: cfg.LoadGen.Rate,
				Payload:     loadgen.JSONPayloadGenerator{Body: cfg.LoadGen.Body},
			}
		}
		lg := loadgen.NewLoadGenerator(be.publisher, sources, logger)
		g.Go(func() error {
			lg.Run(gCtx, cfg.LoadGen.Duration)
			return nil
		})
	}

	g.Go(func() error {
		poller.StartPolling(pollCtx)
		select {
		case <-gCtx.Done():
		case <-poller.Done():
			return errors.New("polling worker exited unexpectedly")
		}

		logger.Info().Int("buffered", poller.BufferLength()).Msg("Shutdown signal received, draining buffer")
		poller.StopPolling()
		select {
		case <-poller.Done():
			return nil
		case <-time.After(cfg.DrainTimeout):
			logger.Error().Dur("drain_timeout", cfg.DrainTimeout).Int("buffered", poller.BufferLength()).Msg("Drain timed out, aborting")
			abort()
			<-poller.Done()
			return nil
		}
	})

	return g.Wait()
}

func newBackend(ctx context.Context, cfg *AppConfig, logger zerolog.Logger) (*backend, error) {
	switch cfg.Backend {
	case backendMemory:
		q := queuepoller.NewMemoryQueue(queuepoller.MemoryQueueConfig{
			WaitTime:          cfg.Memory.WaitTime,
			VisibilityTimeout: cfg.Memory.VisibilityTimeout,
		})
		return &backend{receiver: q, publisher: q, close: q.Close}, nil

	case backendRedis:
		q, err := queuepoller.NewRedisQueue(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		if n, err := q.RecoverInFlight(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to recover in-flight messages")
		} else if n > 0 {
			logger.Info().Int("recovered", n).Msg("Requeued messages left in flight by a previous run")
		}
		return &backend{receiver: q, publisher: q, close: q.Close}, nil

	case backendPubsub:
		var opts []option.ClientOption
		if cfg.Pubsub.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Pubsub.CredentialsFile))
		}
		r, err := queuepoller.NewPubsubReceiver(ctx, &cfg.Pubsub.PubsubReceiverConfig, nil, logger)
		if err != nil {
			return nil, err
		}
		be := &backend{receiver: r, close: r.Close}
		if cfg.LoadGen.Enabled {
			psClient, err := pubsub.NewClient(ctx, cfg.Pubsub.ProjectID, opts...)
			if err != nil {
				_ = r.Close()
				return nil, fmt.Errorf("pubsub.NewClient: %w", err)
			}
			topic := psClient.Topic(cfg.Pubsub.TopicID)
			be.publisher = loadgen.NewTopicPublisher(topic)
			be.close = func() error {
				topic.Stop()
				return errors.Join(psClient.Close(), r.Close())
			}
		}
		return be, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// logBatch is the default process func: it logs every flushed batch.
func logBatch(logger zerolog.Logger) pollbuffer.ProcessFunc[types.QueueMessage] {
	return func(_ context.Context, msgs []types.QueueMessage) error {
		logger.Info().
			Int("batch_size", len(msgs)).
			Str("first_id", msgs[0].ID).
			Str("last_id", msgs[len(msgs)-1].ID).
			Msg("Processed batch")
		return nil
	}
}
