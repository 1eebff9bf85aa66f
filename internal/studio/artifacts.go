package studio

import (
	"context"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/storage"
)

// ArtifactJanitor keeps the file store in line with the entities. It plugs
// into the generation machine as its artifact sink.
type ArtifactJanitor struct {
	files  *storage.FileStore
	logger *infra.Logger
}

func NewArtifactJanitor(files *storage.FileStore, logger *infra.Logger) *ArtifactJanitor {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &ArtifactJanitor{files: files, logger: logger}
}

// Settle drops the file of an outcome that was not recorded, and the older
// versions of an entity once a newer one was.
func (j *ArtifactJanitor) Settle(ctx context.Context, id string, artifact domain.Artifact, applied bool) {
	if j == nil || j.files == nil || artifact.StorageKey == "" {
		return
	}
	if !applied {
		if err := j.files.Delete(ctx, artifact.StorageKey); err != nil {
			j.logger.Warn().Err(err).Str("entity_id", id).Str("key", artifact.StorageKey).Msg("studio: remove discarded artifact failed")
		}
		return
	}
	removed, err := j.files.Prune(ctx, storage.ArtifactPrefix(id), artifact.StorageKey)
	if err != nil {
		j.logger.Warn().Err(err).Str("entity_id", id).Msg("studio: prune previous artifacts failed")
		return
	}
	if removed > 0 {
		j.logger.Debug().Str("entity_id", id).Int("removed", removed).Msg("studio: previous artifacts pruned")
	}
}
