// Package batch generates a snapshot of entities one after another.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"studio/internal/domain"
	"studio/internal/generation"
	"studio/internal/infra"
)

// Generator runs one attempt and blocks until its outcome is recorded.
type Generator interface {
	Generate(ctx context.Context, id string, job generation.Job) error
}

// JobFor builds the job for one entity of the batch.
type JobFor func(e domain.Entity) (generation.Job, error)

// Summary counts how the entities of one pass ended.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Progress is a point-in-time view of the current or last pass.
type Progress struct {
	Running    bool      `json:"running"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Current    string    `json:"current,omitempty"`
	Summary    Summary   `json:"summary"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Runner drives a pass strictly sequentially. Only one pass runs at a time.
type Runner struct {
	gen    Generator
	repo   domain.EntityRepository
	logger *infra.Logger

	running atomic.Bool

	mu       sync.Mutex
	progress Progress
}

func NewRunner(gen Generator, repo domain.EntityRepository, logger *infra.Logger) *Runner {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Runner{gen: gen, repo: repo, logger: logger}
}

// RunAll generates every entity in entities that has no artifact yet and
// returns once the pass is over. It fails with domain.ErrBatchInProgress
// while another pass runs, and with ctx's error when ctx ends the pass early.
func (r *Runner) RunAll(ctx context.Context, entities []domain.Entity, jobFor JobFor) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, domain.ErrBatchInProgress
	}
	ids := pending(entities)
	r.begin(ids)
	return r.pass(ctx, ids, jobFor)
}

// StartAll is RunAll in the background. The overlap check happens before it
// returns; the channel yields the summary once the pass is over.
func (r *Runner) StartAll(ctx context.Context, entities []domain.Entity, jobFor JobFor) (<-chan Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, domain.ErrBatchInProgress
	}
	ids := pending(entities)
	r.begin(ids)
	out := make(chan Summary, 1)
	go func() {
		summary, _ := r.pass(ctx, ids, jobFor)
		out <- summary
		close(out)
	}()
	return out, nil
}

// Progress reports the current pass, or the last one when none is running.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Running reports whether a pass is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// pending snapshots the ids that still need an artifact. Entities added later
// are not part of the pass.
func pending(entities []domain.Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if !e.HasArtifact() {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// begin resets the progress before the pass is handed to its goroutine, so a
// caller polling right after StartAll never sees the previous pass.
func (r *Runner) begin(ids []string) {
	r.update(func(p *Progress) {
		*p = Progress{Running: true, Total: len(ids), StartedAt: time.Now().UTC()}
	})
}

func (r *Runner) pass(ctx context.Context, ids []string, jobFor JobFor) (summary Summary, err error) {
	defer r.running.Store(false)

	summary.Total = len(ids)
	defer func() {
		r.update(func(p *Progress) {
			p.Running = false
			p.Current = ""
			p.Summary = summary
			p.FinishedAt = time.Now().UTC()
		})
		r.logger.Info().
			Int("total", summary.Total).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Msg("batch: pass finished")
	}()

	r.logger.Info().Int("total", len(ids)).Msg("batch: pass started")
	for i, id := range ids {
		if ctx.Err() != nil {
			summary.Skipped += len(ids) - i
			return summary, ctx.Err()
		}
		r.update(func(p *Progress) { p.Current = id })

		switch r.one(ctx, id, jobFor) {
		case domain.StatusSucceeded:
			summary.Succeeded++
		case domain.StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
		r.update(func(p *Progress) {
			p.Done = i + 1
			p.Summary = summary
		})
	}
	return summary, nil
}

// one generates a single entity and returns its resulting status. A status
// other than succeeded or failed means the entity was skipped.
func (r *Runner) one(ctx context.Context, id string, jobFor JobFor) domain.GenerationStatus {
	e, err := r.repo.Get(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("entity_id", id).Msg("batch: entity unavailable, skipping")
		return ""
	}
	if e.HasArtifact() {
		return ""
	}
	job, err := jobFor(*e)
	if err != nil {
		r.logger.Warn().Err(err).Str("entity_id", id).Msg("batch: cannot build job")
		return domain.StatusFailed
	}

	err = r.gen.Generate(ctx, id, job)
	switch {
	case errors.Is(err, domain.ErrGenerationInFlight), errors.Is(err, domain.ErrNotFound):
		r.logger.Info().Err(err).Str("entity_id", id).Msg("batch: skipping entity")
		return ""
	case err != nil:
		r.logger.Warn().Err(err).Str("entity_id", id).Msg("batch: generate failed")
		return domain.StatusFailed
	}

	after, err := r.repo.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return ""
	}
	return after.Status
}

func (r *Runner) update(fn func(p *Progress)) {
	r.mu.Lock()
	fn(&r.progress)
	r.mu.Unlock()
}
