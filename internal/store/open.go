package store

import (
	"context"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
)

// Handle is an opened entity repository together with what has to be closed
// when the process exits.
type Handle struct {
	Repo domain.EntityRepository
	// Credentials is set for the postgres driver only.
	Credentials *credentials.Store
	Close       func()
}

// Open builds the repository selected by cfg.StoreDriver and prepares its schema.
func Open(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Handle, error) {
	switch cfg.StoreDriver {
	case infra.StoreDriverSQLite:
		db, err := infra.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo, err := NewSQLite(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Handle{Repo: repo, Close: func() { _ = db.Close() }}, nil

	case infra.StoreDriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		runner := infra.NewSQLRunner(pool, logger)
		repo := NewPostgres(runner)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		creds := credentials.NewStore(runner)
		if err := creds.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &Handle{Repo: repo, Credentials: creds, Close: pool.Close}, nil

	default:
		return &Handle{Repo: NewMemory(), Close: func() {}}, nil
	}
}

// RenderAPIKey prefers the configured key and falls back to the one kept in
// integration_tokens.
func (h *Handle) RenderAPIKey(ctx context.Context, configured string, logger infra.Logger) string {
	if configured != "" || h.Credentials == nil {
		return configured
	}
	key, err := h.Credentials.RenderAPIKey(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load stored render api key")
		return ""
	}
	return key
}
