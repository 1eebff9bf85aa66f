package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// Providers whose keys can be kept in the integration_tokens table.
const (
	ProviderRender = "render"
)

// ErrEmptyKey is returned when an empty key is submitted for storage.
var ErrEmptyKey = errors.New("credentials: api key is required")

// Store reads and writes remote provider API keys. It lets operators rotate the
// generation key without redeploying the service.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// EnsureSchema creates the integration_tokens table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QEnsureIntegrationTokensSchema); err != nil {
		return fmt.Errorf("credentials: ensure schema: %w", err)
	}
	return nil
}

// RenderAPIKey returns the stored key for the generation provider, or "" when
// none has been provisioned.
func (s *Store) RenderAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderRender)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("credentials: load %s token: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

// SetRenderAPIKey stores the generation provider key, recording where it came from.
func (s *Store) SetRenderAPIKey(ctx context.Context, key, source string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	props := map[string]any{}
	if source = strings.TrimSpace(source); source != "" {
		props["source"] = source
	}
	return s.upsert(ctx, ProviderRender, key, props)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw); err != nil {
		return fmt.Errorf("credentials: store %s token: %w", provider, err)
	}
	return nil
}
