// Package generation drives a single entity through one generation attempt:
// idle or finished, then generating, then succeeded or failed. Every exit path
// disposes the attempt's token and releases its registry entry.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"studio/internal/domain"
	"studio/internal/events"
	"studio/internal/infra"
	"studio/internal/jobs"
	"studio/internal/remote"
)

// DefaultTimeout is the hard ceiling of one attempt.
const DefaultTimeout = 15 * time.Minute

const finishTimeout = 10 * time.Second

// Job produces the artifact of one attempt. It must observe ctx.
type Job func(ctx context.Context) (*domain.Artifact, error)

// ArtifactSink learns whether the artifact an attempt produced was recorded on
// the entity. It owns whatever the job stored outside the repository.
type ArtifactSink interface {
	Settle(ctx context.Context, id string, artifact domain.Artifact, applied bool)
}

// Options configures a Machine.
type Options struct {
	Repo      domain.EntityRepository
	Registry  *jobs.Registry
	Timeout   time.Duration
	Policy    string
	Publisher events.Publisher
	Artifacts ArtifactSink
	Logger    *infra.Logger
}

// Machine runs generation attempts and records their outcome on the entity.
type Machine struct {
	repo      domain.EntityRepository
	registry  *jobs.Registry
	timeout   time.Duration
	supersede bool
	publisher events.Publisher
	artifacts ArtifactSink
	logger    *infra.Logger
	tracer    trace.Tracer

	// starting serializes Start per entity so the attempt numbers handed out
	// by BeginAttempt follow registration order.
	starting idLocks
	wg       sync.WaitGroup
}

func NewMachine(opts Options) *Machine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	registry := opts.Registry
	if registry == nil {
		registry = jobs.NewRegistry()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Machine{
		repo:      opts.Repo,
		registry:  registry,
		timeout:   timeout,
		supersede: opts.Policy == infra.OverlapSupersede,
		publisher: publisher,
		artifacts: opts.Artifacts,
		logger:    logger,
		tracer:    otel.Tracer("studio/generation"),
	}
}

// Generate runs one attempt for id and blocks until its outcome is recorded.
// Job failures are recorded on the entity, not returned. The returned error is
// domain.ErrNotFound, domain.ErrGenerationInFlight or a repository error
// raised before the attempt started.
func (m *Machine) Generate(ctx context.Context, id string, job Job) error {
	done, err := m.Start(ctx, id, job)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Start registers the attempt and marks the entity generating, then runs job
// in the background. The returned channel is closed once the outcome has been
// recorded and the registry entry released.
//
// The attempt outlives ctx: only Stop, the timeout, or a superseding attempt
// cancel it. Values carried by ctx (trace spans, request ids) are kept.
func (m *Machine) Start(ctx context.Context, id string, job Job) (<-chan struct{}, error) {
	unlock := m.starting.lock(id)
	defer unlock()

	if _, err := m.repo.Get(ctx, id); err != nil {
		return nil, err
	}

	tok := jobs.NewToken(context.WithoutCancel(ctx), m.timeout)
	if m.supersede {
		if prev := m.registry.Register(id, tok); prev != nil {
			prev.CancelWithCause(jobs.ErrSuperseded)
			m.logger.Info().Str("entity_id", id).Msg("generation: superseding running attempt")
		}
	} else if _, ok := m.registry.RegisterIfAbsent(id, tok); !ok {
		tok.Dispose()
		return nil, domain.ErrGenerationInFlight
	}

	attempt, err := m.repo.BeginAttempt(ctx, id)
	if err != nil {
		m.registry.Release(id, tok)
		tok.Dispose()
		return nil, err
	}

	m.logger.Info().Str("entity_id", id).Int64("attempt", attempt).Time("deadline", tok.Deadline()).Msg("generation: attempt started")

	done := make(chan struct{})
	m.wg.Add(1)
	go m.run(id, attempt, tok, job, done)
	return done, nil
}

func (m *Machine) run(id string, attempt int64, tok *jobs.Token, job Job, done chan<- struct{}) {
	defer m.wg.Done()
	defer close(done)
	defer m.registry.Release(id, tok)
	defer tok.Dispose()

	ctx, span := m.tracer.Start(tok.Context(), "generation.attempt", trace.WithAttributes(
		attribute.String("entity.id", id),
		attribute.Int64("entity.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	artifact, err := invoke(ctx, job)
	outcome := m.classify(tok, artifact, err)
	span.SetAttributes(attribute.String("generation.status", string(outcome.Status)))
	if outcome.Status == domain.StatusFailed && outcome.FailureKind != domain.FailureCancelled {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.Error)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	applied, ferr := m.repo.Finish(writeCtx, id, attempt, outcome)
	if ferr != nil {
		m.logger.Error().Err(ferr).Str("entity_id", id).Int64("attempt", attempt).Msg("generation: record outcome failed")
		return
	}
	m.logOutcome(id, attempt, outcome, err, applied, time.Since(start))
	if m.artifacts != nil && outcome.Artifact != nil {
		m.artifacts.Settle(writeCtx, id, *outcome.Artifact, applied)
	}
	if !applied {
		return
	}

	ev := events.StatusEvent{
		EntityID:    id,
		Attempt:     attempt,
		Status:      outcome.Status,
		FailureKind: outcome.FailureKind,
		Error:       outcome.Error,
		At:          time.Now().UTC(),
	}
	if perr := m.publisher.Publish(writeCtx, ev); perr != nil {
		m.logger.Warn().Err(perr).Str("entity_id", id).Msg("generation: publish status failed")
	}
}

// invoke runs job, turning a panic into an ordinary failure so the entity
// never stays generating.
func invoke(ctx context.Context, job Job) (artifact *domain.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifact, err = nil, fmt.Errorf("generation: job panicked: %v", r)
		}
	}()
	return job(ctx)
}

func (m *Machine) classify(tok *jobs.Token, artifact *domain.Artifact, err error) domain.Outcome {
	if err == nil {
		if artifact == nil || artifact.URI == "" {
			return domain.Failed(domain.FailureError, "generation produced no artifact")
		}
		return domain.Succeeded(*artifact)
	}
	if isCancellation(tok, err) {
		return domain.Failed(domain.FailureCancelled, cancelMessage(tok.Cause(), err))
	}
	if remote.IsAuth(err) {
		return domain.Failed(domain.FailureAuth, err.Error())
	}
	return domain.Failed(domain.FailureError, err.Error())
}

func isCancellation(tok *jobs.Token, err error) bool {
	return tok.Cancelled() ||
		remote.IsCancelled(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func cancelMessage(cause, err error) string {
	switch {
	case errors.Is(cause, jobs.ErrTimedOut), errors.Is(err, jobs.ErrTimedOut):
		return domain.MessageTimedOut
	case errors.Is(cause, jobs.ErrSuperseded), errors.Is(err, jobs.ErrSuperseded):
		return domain.MessageSuperseded
	case errors.Is(cause, context.DeadlineExceeded), cause == nil && errors.Is(err, context.DeadlineExceeded):
		return domain.MessageTimedOut
	default:
		return domain.MessageStopped
	}
}

func (m *Machine) logOutcome(id string, attempt int64, o domain.Outcome, err error, applied bool, took time.Duration) {
	event := m.logger.Info()
	if o.Status == domain.StatusFailed && o.FailureKind != domain.FailureCancelled {
		event = m.logger.Warn().Err(err)
		var protoErr *remote.ProtocolError
		if errors.As(err, &protoErr) {
			event = event.Bool("protocol", true)
		}
	}
	event.
		Str("entity_id", id).
		Int64("attempt", attempt).
		Str("status", string(o.Status)).
		Str("failure_kind", string(o.FailureKind)).
		Bool("applied", applied).
		Dur("took", took).
		Msg("generation: attempt finished")
}

// Stop cancels the attempt running for id. It reports whether one was running.
func (m *Machine) Stop(id string) bool {
	stopped := m.registry.Stop(id)
	if stopped {
		m.logger.Info().Str("entity_id", id).Msg("generation: stop requested")
	}
	return stopped
}

// Running reports whether an attempt is in flight for id.
func (m *Machine) Running(id string) bool {
	_, ok := m.registry.Lookup(id)
	return ok
}

// StopAll cancels every in-flight attempt and waits for their outcomes to be
// recorded, or for ctx to end.
func (m *Machine) StopAll(ctx context.Context) error {
	for _, id := range m.registry.IDs() {
		m.registry.Stop(id)
	}
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
