package studio

import (
	"context"
	"errors"
	"testing"

	"studio/internal/domain"
	"studio/internal/storage"
)

func TestJanitorRemovesDiscardedArtifact(t *testing.T) {
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ctx := context.Background()
	kept, _ := files.Write(ctx, storage.ArtifactKey("e1", "v1", "image/png"), png)
	stale, _ := files.Write(ctx, storage.ArtifactKey("e1", "v2", "image/png"), png)

	j := NewArtifactJanitor(files, nil)
	j.Settle(ctx, "e1", domain.Artifact{StorageKey: stale}, false)

	if _, err := files.Read(ctx, stale); !errors.Is(err, storage.ErrNotExist) {
		t.Fatalf("discarded artifact still readable: %v", err)
	}
	if _, err := files.Read(ctx, kept); err != nil {
		t.Fatalf("recorded artifact was removed: %v", err)
	}
}

func TestJanitorIgnoresInlineArtifacts(t *testing.T) {
	var j *ArtifactJanitor
	j.Settle(context.Background(), "e1", domain.Artifact{URI: "data:,x"}, true)
	NewArtifactJanitor(nil, nil).Settle(context.Background(), "e1", domain.Artifact{StorageKey: "artifacts/e1/x.png"}, false)
}
