// Command worker generates entities that were created but never generated. It
// shares the sqlite or postgres store with the API and runs one batch pass per
// tick.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"studio/internal/batch"
	"studio/internal/events"
	"studio/internal/generation"
	"studio/internal/infra"
	"studio/internal/remote"
	"studio/internal/storage"
	"studio/internal/store"
	"studio/internal/studio"
)

type passer interface {
	GenerateIdle(ctx context.Context) (batch.Summary, error)
}

type worker struct {
	svc      passer
	interval time.Duration
	logger   infra.Logger
}

func main() {
	var once bool
	flag.BoolVar(&once, "once", false, "run a single pass and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "worker").Logger()

	if cfg.StoreDriver == infra.StoreDriverMemory {
		logger.Fatal().Msg("worker: STORE_DRIVER=memory cannot be shared with the API, use sqlite or postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.SetupTracing(ctx, cfg.OTelEndpoint, "studio-worker")
	if err != nil {
		logger.Warn().Err(err).Msg("worker: tracing disabled")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	opened, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: store unavailable")
	}
	defer opened.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: nats connection failed")
		}
		defer nc.Close()
		publisher = nc
	}

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	client, err := remote.NewClient(remote.Options{
		APIKey:         opened.RenderAPIKey(ctx, cfg.RemoteAPIKey, logger),
		BaseURL:        cfg.RemoteBaseURL,
		PollInterval:   cfg.RemotePollInterval,
		RequestTimeout: cfg.RemoteRequestTimeout,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure remote client")
	}
	if !client.HasCredentials() {
		logger.Warn().Msg("worker: remote api key missing, attempts will fail with an auth error")
	}

	machine := generation.NewMachine(generation.Options{
		Repo:      opened.Repo,
		Timeout:   cfg.GenerationTimeout,
		Policy:    infra.OverlapReject,
		Publisher: publisher,
		Artifacts: studio.NewArtifactJanitor(files, &logger),
		Logger:    &logger,
	})
	svc, err := studio.NewService(studio.Options{
		Repo:        opened.Repo,
		Machine:     machine,
		Renderer:    client,
		Files:       files,
		Cleanup:     cfg.GenerationCleanup,
		Logger:      &logger,
		BaseContext: ctx,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build service")
	}

	w := &worker{svc: svc, interval: cfg.WorkerInterval, logger: logger}
	if once {
		w.tick(ctx)
	} else if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := machine.StopAll(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("worker: attempts still running at exit")
	}
	logger.Info().Msg("worker: stopped")
}

// Run performs a pass every interval until ctx ends.
func (w *worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("interval", w.interval).Msg("worker: started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *worker) tick(ctx context.Context) batch.Summary {
	summary, err := w.svc.GenerateIdle(ctx)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.logger.Error().Err(err).Msg("worker: pass failed")
	case summary.Total > 0:
		w.logger.Info().
			Int("total", summary.Total).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Msg("worker: pass finished")
	}
	return summary
}
