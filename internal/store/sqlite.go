package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// SQLite persists entities in a local database file opened with infra.OpenSQLite.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite wraps db and creates the entities table when missing.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
	if _, err := s.exec(ctx, sqlinline.QSQLiteEnsureEntitiesSchema); err != nil {
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) Create(ctx context.Context, e *domain.Entity) error {
	if err := prepareCreate(e, s.now()); err != nil {
		return err
	}
	if _, err := s.exec(ctx, sqlinline.QSQLiteInsertEntity,
		e.ID, string(e.Kind), e.Title, e.Prompt, e.AspectRatio, string(e.Status), e.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("store: insert entity: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Entity, error) {
	query, err := statement(sqlinline.QSQLiteSelectEntity)
	if err != nil {
		return nil, err
	}
	e, err := scanLite(s.db.QueryRowContext(ctx, query, id))
	if infra.IsNoRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entity: %w", err)
	}
	return e, nil
}

func (s *SQLite) List(ctx context.Context, filter domain.EntityFilter) ([]domain.Entity, error) {
	query, err := statement(sqlinline.QSQLiteListEntities)
	if err != nil {
		return nil, err
	}
	missing := 0
	if filter.MissingArtifact {
		missing = 1
	}
	rows, err := s.db.QueryContext(ctx, query, string(filter.Kind), string(filter.Status), missing)
	if err != nil {
		return nil, fmt.Errorf("store: list entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanLite(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, sqlinline.QSQLiteDeleteEntity, id)
	if err != nil {
		return fmt.Errorf("store: delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) BeginAttempt(ctx context.Context, id string) (int64, error) {
	query, err := statement(sqlinline.QSQLiteBeginAttempt)
	if err != nil {
		return 0, err
	}
	var attempt int64
	err = s.db.QueryRowContext(ctx, query, id, s.now().UnixNano()).Scan(&attempt)
	if infra.IsNoRows(err) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: begin attempt: %w", err)
	}
	return attempt, nil
}

func (s *SQLite) Finish(ctx context.Context, id string, attempt int64, o domain.Outcome) (bool, error) {
	artifact, err := encodeArtifact(o)
	if err != nil {
		return false, err
	}
	var artifactArg any
	if artifact != nil {
		artifactArg = string(artifact)
	}
	res, err := s.exec(ctx, sqlinline.QSQLiteFinishAttempt,
		id, attempt, string(o.Status), artifactArg, o.Error, string(o.FailureKind), s.now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("store: finish attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: finish attempt: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	query, err := statement(q)
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, query, args...)
}

// statement strips the audit marker; SQLite has no runner to log it.
func statement(q string) (string, error) {
	_, query, err := infra.ExtractMarker(q)
	return query, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLite(row rowScanner) (*domain.Entity, error) {
	var (
		e                  domain.Entity
		kind, status, fail string
		artifact           sql.NullString
		created, updated   int64
	)
	if err := row.Scan(&e.ID, &kind, &e.Title, &e.Prompt, &e.AspectRatio, &status,
		&artifact, &e.LastError, &fail, &e.Attempt, &created, &updated); err != nil {
		return nil, err
	}
	e.Kind = domain.EntityKind(kind)
	e.Status = domain.GenerationStatus(status)
	e.FailureKind = domain.FailureKind(fail)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	if artifact.Valid {
		a, err := decodeArtifact([]byte(artifact.String))
		if err != nil {
			return nil, err
		}
		e.Artifact = a
	}
	return &e, nil
}

// encodeArtifact returns nil for outcomes without an artifact so the column is
// written as NULL.
func encodeArtifact(o domain.Outcome) ([]byte, error) {
	if o.Status != domain.StatusSucceeded || o.Artifact == nil {
		return nil, nil
	}
	raw, err := json.Marshal(o.Artifact)
	if err != nil {
		return nil, fmt.Errorf("store: encode artifact: %w", err)
	}
	return raw, nil
}

func decodeArtifact(raw []byte) (*domain.Artifact, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a domain.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("store: decode artifact: %w", err)
	}
	return &a, nil
}

var _ domain.EntityRepository = (*SQLite)(nil)
