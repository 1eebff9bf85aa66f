// Package store implements domain.EntityRepository on top of process memory,
// SQLite and Postgres.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio/internal/domain"
)

// Memory keeps entities in a map. It is the default store for local runs and
// the reference behaviour the SQL stores are tested against.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]*domain.Entity
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*domain.Entity),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(_ context.Context, e *domain.Entity) error {
	if err := prepareCreate(e, m.now()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[e.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", domain.ErrInvalidEntity, e.ID)
	}
	m.entities[e.ID] = clone(e)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(e), nil
}

func (m *Memory) List(_ context.Context, filter domain.EntityFilter) ([]domain.Entity, error) {
	m.mu.RLock()
	out := make([]domain.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if filter.Matches(*e) {
			out = append(out, *clone(e))
		}
	}
	m.mu.RUnlock()
	sortEntities(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.entities, id)
	return nil
}

func (m *Memory) BeginAttempt(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return e.BeginAttempt(m.now()), nil
}

// Finish applies o when attempt is still the entity's current one. A deleted
// entity is reported as not applied.
func (m *Memory) Finish(_ context.Context, id string, attempt int64, o domain.Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok || e.Attempt != attempt || e.Status != domain.StatusGenerating {
		return false, nil
	}
	e.Apply(o, m.now())
	return true, nil
}

// prepareCreate fills generated fields and validates a new entity.
func prepareCreate(e *domain.Entity, now time.Time) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", domain.ErrInvalidEntity)
	}
	e.Prompt = strings.TrimSpace(e.Prompt)
	if e.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidEntity)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Kind = domain.NormalizeKind(string(e.Kind))
	e.AspectRatio = domain.NormalizeAspectRatio(e.AspectRatio)
	e.Status = domain.StatusIdle
	e.Artifact = nil
	e.LastError = ""
	e.FailureKind = domain.FailureNone
	e.Attempt = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	return nil
}

func clone(e *domain.Entity) *domain.Entity {
	c := *e
	if e.Artifact != nil {
		a := *e.Artifact
		c.Artifact = &a
	}
	return &c
}

func sortEntities(list []domain.Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

var _ domain.EntityRepository = (*Memory)(nil)
