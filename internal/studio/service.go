// Package studio is the application layer: it owns the entities, builds the
// render and edit jobs for them and hands those to the generation machine or
// the batch runner.
package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"studio/internal/batch"
	"studio/internal/domain"
	"studio/internal/generation"
	"studio/internal/infra"
	"studio/internal/remote"
	"studio/internal/storage"
	"studio/pkg/datauri"
	"studio/pkg/zip"
)

// Renderer performs one remote generation run. *remote.Client implements it.
type Renderer interface {
	Run(ctx context.Context, req remote.Request) (*remote.Artifact, error)
}

// Options wires a Service.
type Options struct {
	Repo     domain.EntityRepository
	Machine  *generation.Machine
	Batch    *batch.Runner
	Renderer Renderer
	Files    *storage.FileStore
	Cleanup  bool
	Logger   *infra.Logger

	// BaseContext bounds background work such as batch passes. It is
	// cancelled on shutdown.
	BaseContext context.Context
}

// CreateInput carries the user supplied fields of a new entity.
type CreateInput struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

type Service struct {
	repo     domain.EntityRepository
	machine  *generation.Machine
	batch    *batch.Runner
	renderer Renderer
	files    *storage.FileStore
	cleanup  bool
	logger   *infra.Logger
	base     context.Context
}

func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil || opts.Machine == nil || opts.Renderer == nil {
		return nil, errors.New("studio: repo, machine and renderer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	runner := opts.Batch
	if runner == nil {
		runner = batch.NewRunner(opts.Machine, opts.Repo, logger)
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Service{
		repo:     opts.Repo,
		machine:  opts.Machine,
		batch:    runner,
		renderer: opts.Renderer,
		files:    opts.Files,
		cleanup:  opts.Cleanup,
		logger:   logger,
		base:     base,
	}, nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Entity, error) {
	e := &domain.Entity{
		Kind:        domain.EntityKind(in.Kind),
		Title:       strings.TrimSpace(in.Title),
		Prompt:      in.Prompt,
		AspectRatio: in.AspectRatio,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info().Str("entity_id", e.ID).Str("kind", string(e.Kind)).Msg("studio: entity created")
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Entity, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter domain.EntityFilter) ([]domain.Entity, error) {
	return s.repo.List(ctx, filter)
}

// Delete stops a running attempt before removing the entity and its stored
// artifacts.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.machine.Stop(id)
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.files != nil {
		if err := s.files.DeletePrefix(ctx, storage.ArtifactPrefix(id)); err != nil {
			s.logger.Warn().Err(err).Str("entity_id", id).Msg("studio: remove stored artifacts failed")
		}
	}
	return nil
}

// Generate starts an attempt for id in mode and returns the entity as it is
// right after the attempt began.
func (s *Service) Generate(ctx context.Context, id, mode string) (*domain.Entity, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	jobFor, err := s.JobFor(mode)
	if err != nil {
		return nil, err
	}
	job, err := jobFor(*e)
	if err != nil {
		return nil, err
	}
	if _, err := s.machine.Start(ctx, id, job); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Stop cancels the attempt running for id and reports whether there was one.
func (s *Service) Stop(id string) bool {
	return s.machine.Stop(id)
}

// GenerateAll starts a background pass over every entity without an artifact.
// It fails with domain.ErrBatchInProgress while a pass runs.
func (s *Service) GenerateAll(ctx context.Context) (batch.Progress, error) {
	entities, err := s.repo.List(ctx, domain.EntityFilter{MissingArtifact: true})
	if err != nil {
		return batch.Progress{}, err
	}
	jobFor, _ := s.JobFor(remote.ModeRender)
	done, err := s.batch.StartAll(s.base, entities, jobFor)
	if err != nil {
		return batch.Progress{}, err
	}
	go func() {
		summary := <-done
		s.logger.Info().Int("succeeded", summary.Succeeded).Int("failed", summary.Failed).Msg("studio: generate all finished")
	}()
	return batch.Progress{Running: true, Total: len(entities)}, nil
}

// GenerateIdle runs one pass over the entities that were never generated and
// returns once it is over. Failed entities are left for an explicit retry.
func (s *Service) GenerateIdle(ctx context.Context) (batch.Summary, error) {
	entities, err := s.repo.List(ctx, domain.EntityFilter{Status: domain.StatusIdle})
	if err != nil {
		return batch.Summary{}, err
	}
	if len(entities) == 0 {
		return batch.Summary{}, nil
	}
	jobFor, _ := s.JobFor(remote.ModeRender)
	return s.batch.RunAll(ctx, entities, jobFor)
}

// BatchStatus reports the current or last batch pass.
func (s *Service) BatchStatus() batch.Progress {
	return s.batch.Progress()
}

// Artifact returns the bytes of the entity's current artifact.
func (s *Service) Artifact(ctx context.Context, id string) (string, []byte, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return s.artifactBytes(ctx, e)
}

func (s *Service) artifactBytes(ctx context.Context, e *domain.Entity) (string, []byte, error) {
	if !e.HasArtifact() || e.Status != domain.StatusSucceeded {
		return "", nil, domain.ErrNoArtifact
	}
	if s.files != nil && e.Artifact.StorageKey != "" {
		data, err := s.files.Read(ctx, e.Artifact.StorageKey)
		if err == nil {
			return e.Artifact.MIME, data, nil
		}
		s.logger.Warn().Err(err).Str("entity_id", e.ID).Msg("studio: stored artifact unreadable, using inline copy")
	}
	mime, data, err := datauri.Decode(e.Artifact.URI)
	if err != nil {
		return "", nil, fmt.Errorf("studio: decode artifact: %w", err)
	}
	return mime, data, nil
}

// Export writes every available artifact into a zip archive and returns the
// number of files written.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	entities, err := s.repo.List(ctx, domain.EntityFilter{Status: domain.StatusSucceeded})
	if err != nil {
		return 0, err
	}
	entries := make([]zip.Entry, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		mime, data, err := s.artifactBytes(ctx, e)
		if err != nil {
			s.logger.Warn().Err(err).Str("entity_id", e.ID).Msg("studio: skipping artifact in export")
			continue
		}
		entries = append(entries, zip.Entry{
			Name:     exportName(e) + datauri.Extension(mime),
			Modified: e.UpdatedAt,
			Data:     data,
		})
	}
	if err := zip.Write(w, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func exportName(e *domain.Entity) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, strings.TrimSpace(e.Title))
	if name == "" {
		name = e.ID
	}
	return string(e.Kind) + "/" + name
}

// JobFor returns the factory building the job of mode for an entity.
func (s *Service) JobFor(mode string) (batch.JobFor, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", remote.ModeRender:
		return s.renderJob, nil
	case remote.ModeEdit:
		return s.editJob, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMode, mode)
	}
}

func (s *Service) renderJob(e domain.Entity) (generation.Job, error) {
	req := remote.Request{
		Prompt:      e.Prompt,
		AspectRatio: e.AspectRatio,
		Cleanup:     s.cleanup,
		Mode:        remote.ModeRender,
	}
	return s.job(e.ID, req), nil
}

// editJob conditions the run on the entity's current artifact, captured before
// the new attempt clears it.
func (s *Service) editJob(e domain.Entity) (generation.Job, error) {
	if !e.HasArtifact() {
		return nil, domain.ErrNoArtifact
	}
	req := remote.Request{
		Prompt:      e.Prompt,
		AspectRatio: e.AspectRatio,
		Cleanup:     s.cleanup,
		Mode:        remote.ModeEdit,
		Source:      &remote.SourceImage{URI: e.Artifact.URI},
	}
	return s.job(e.ID, req), nil
}

func (s *Service) job(entityID string, req remote.Request) generation.Job {
	return func(ctx context.Context) (*domain.Artifact, error) {
		out, err := s.renderer.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		artifact := &domain.Artifact{
			URI:       out.DataURI,
			MIME:      out.MIME,
			Size:      int64(len(out.Data)),
			SourceURL: out.SourceURL,
		}
		if s.files != nil {
			key, err := s.files.Write(ctx, storage.ArtifactKey(entityID, uuid.NewString(), out.MIME), out.Data)
			if err != nil {
				return nil, err
			}
			artifact.StorageKey = key
		}
		return artifact, nil
	}
}
