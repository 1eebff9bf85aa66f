package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// Postgres persists entities through the marker-checking SQL runner.
type Postgres struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewPostgres(runner infra.SQLExecutor) *Postgres {
	return &Postgres{sql: runner, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the entities table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.sql.Exec(ctx, sqlinline.QEnsureEntitiesSchema); err != nil {
		return fmt.Errorf("store: postgres schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, e *domain.Entity) error {
	if err := prepareCreate(e, p.now()); err != nil {
		return err
	}
	if _, err := p.sql.Exec(ctx, sqlinline.QInsertEntity,
		e.ID, string(e.Kind), e.Title, e.Prompt, e.AspectRatio, string(e.Status), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: insert entity: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Entity, error) {
	e, err := scanPostgres(p.sql.QueryRow(ctx, sqlinline.QSelectEntity, id))
	if infra.IsNoRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entity: %w", err)
	}
	return e, nil
}

func (p *Postgres) List(ctx context.Context, filter domain.EntityFilter) ([]domain.Entity, error) {
	rows, err := p.sql.Query(ctx, sqlinline.QListEntities, string(filter.Kind), string(filter.Status), filter.MissingArtifact)
	if err != nil {
		return nil, fmt.Errorf("store: list entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.sql.Exec(ctx, sqlinline.QDeleteEntity, id)
	if err != nil {
		return fmt.Errorf("store: delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) BeginAttempt(ctx context.Context, id string) (int64, error) {
	var attempt int64
	err := p.sql.QueryRow(ctx, sqlinline.QBeginAttempt, id, p.now()).Scan(&attempt)
	if infra.IsNoRows(err) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: begin attempt: %w", err)
	}
	return attempt, nil
}

func (p *Postgres) Finish(ctx context.Context, id string, attempt int64, o domain.Outcome) (bool, error) {
	artifact, err := encodeArtifact(o)
	if err != nil {
		return false, err
	}
	tag, err := p.sql.Exec(ctx, sqlinline.QFinishAttempt,
		id, attempt, string(o.Status), artifact, o.Error, string(o.FailureKind), p.now(),
	)
	if err != nil {
		return false, fmt.Errorf("store: finish attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanPostgres(row pgx.Row) (*domain.Entity, error) {
	var (
		e                  domain.Entity
		kind, status, fail string
		artifact           []byte
	)
	if err := row.Scan(&e.ID, &kind, &e.Title, &e.Prompt, &e.AspectRatio, &status,
		&artifact, &e.LastError, &fail, &e.Attempt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = domain.EntityKind(kind)
	e.Status = domain.GenerationStatus(status)
	e.FailureKind = domain.FailureKind(fail)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	a, err := decodeArtifact(artifact)
	if err != nil {
		return nil, err
	}
	e.Artifact = a
	return &e, nil
}

var _ domain.EntityRepository = (*Postgres)(nil)
