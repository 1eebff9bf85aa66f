package domain

import "context"

// EntityFilter narrows List results. Zero values match everything.
type EntityFilter struct {
	Kind            EntityKind
	Status          GenerationStatus
	MissingArtifact bool
}

// Matches reports whether e satisfies the filter.
func (f EntityFilter) Matches(e Entity) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.MissingArtifact && e.HasArtifact() {
		return false
	}
	return true
}

// EntityRepository persists entities and their generation bookkeeping.
//
// BeginAttempt and Finish are the only writers of generation state. Finish is
// conditional on the attempt still being current so that an outcome from a
// superseded attempt is discarded rather than overwriting a newer one.
type EntityRepository interface {
	Create(ctx context.Context, e *Entity) error
	Get(ctx context.Context, id string) (*Entity, error)
	List(ctx context.Context, filter EntityFilter) ([]Entity, error)
	Delete(ctx context.Context, id string) error
	BeginAttempt(ctx context.Context, id string) (int64, error)
	Finish(ctx context.Context, id string, attempt int64, o Outcome) (bool, error)
}
