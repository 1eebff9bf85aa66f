package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"studio/internal/events"
	"studio/internal/generation"
	"studio/internal/http/handlers"
	httpapi "studio/internal/http/httpapi"
	"studio/internal/infra"
	"studio/internal/infra/geoip"
	"studio/internal/middleware"
	"studio/internal/remote"
	"studio/internal/storage"
	"studio/internal/store"
	"studio/internal/studio"
)

func main() {
	// Muat .env (opsional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.SetupTracing(ctx, cfg.OTelEndpoint, "studio-api")
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *infra.Config, logger infra.Logger) error {
	opened, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer opened.Close()
	repo := opened.Repo
	apiKey := opened.RenderAPIKey(ctx, cfg.RemoteAPIKey, logger)

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, &logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		publisher = nc
	}

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open artifact storage: %w", err)
	}

	client, err := remote.NewClient(remote.Options{
		APIKey:         apiKey,
		BaseURL:        cfg.RemoteBaseURL,
		PollInterval:   cfg.RemotePollInterval,
		RequestTimeout: cfg.RemoteRequestTimeout,
		Logger:         &logger,
	})
	if err != nil {
		return err
	}
	if !client.HasCredentials() {
		logger.Warn().Msg("no remote api key configured; generation attempts will fail with an auth error")
	}

	machine := generation.NewMachine(generation.Options{
		Repo:      repo,
		Timeout:   cfg.GenerationTimeout,
		Policy:    cfg.GenerationOverlapPolicy,
		Publisher: publisher,
		Artifacts: studio.NewArtifactJanitor(files, &logger),
		Logger:    &logger,
	})

	svc, err := studio.NewService(studio.Options{
		Repo:        repo,
		Machine:     machine,
		Renderer:    client,
		Files:       files,
		Cleanup:     cfg.GenerationCleanup,
		Logger:      &logger,
		BaseContext: ctx,
	})
	if err != nil {
		return err
	}

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.GeoIPDBPath).Msg("geoip database unavailable")
	} else if resolver != nil {
		defer resolver.Close()
		lookup = resolver.Lookup
	}

	router := httpapi.NewRouter(handlers.NewApp(svc, &logger), httpapi.RouterOptions{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   middleware.LocaleEN,
		CountryLookup:   lookup,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Str("store", cfg.StoreDriver).Msg("API listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown server")
		}
		if err := machine.StopAll(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("generation attempts still running at shutdown")
		}
		return nil
	})
	return g.Wait()
}
