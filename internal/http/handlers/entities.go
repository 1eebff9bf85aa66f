package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"studio/internal/domain"
	"studio/internal/middleware"
	"studio/internal/studio"
)

type artifactView struct {
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
	SourceURL string `json:"source_url,omitempty"`
	URL       string `json:"url"`
}

type entityView struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	Title          string        `json:"title"`
	Prompt         string        `json:"prompt"`
	AspectRatio    string        `json:"aspect_ratio"`
	Status         string        `json:"status"`
	Generating     bool          `json:"generating"`
	Attempt        int64         `json:"attempt"`
	Artifact       *artifactView `json:"artifact,omitempty"`
	Error          string        `json:"error,omitempty"`
	FailureKind    string        `json:"failure_kind,omitempty"`
	DisplayMessage string        `json:"display_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func newEntityView(e domain.Entity, locale string) entityView {
	v := entityView{
		ID:          e.ID,
		Kind:        string(e.Kind),
		Title:       e.Title,
		Prompt:      e.Prompt,
		AspectRatio: e.AspectRatio,
		Status:      string(e.Status),
		Generating:  e.Status == domain.StatusGenerating,
		Attempt:     e.Attempt,
		Error:       e.LastError,
		FailureKind: string(e.FailureKind),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.HasArtifact() {
		v.Artifact = &artifactView{
			MIME:      e.Artifact.MIME,
			Size:      e.Artifact.Size,
			SourceURL: e.Artifact.SourceURL,
			URL:       "/v1/entities/" + e.ID + "/artifact",
		}
	}
	if e.Status == domain.StatusFailed {
		v.DisplayMessage = displayMessage(e, locale)
	}
	return v
}

func (a *App) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var in studio.CreateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	e, err := a.Studio.Create(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, newEntityView(*e, middleware.LocaleFromContext(r.Context())))
}

func (a *App) ListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EntityFilter{
		Kind:   domain.EntityKind(q.Get("kind")),
		Status: domain.GenerationStatus(q.Get("status")),
	}
	if missing, err := strconv.ParseBool(q.Get("missing_artifact")); err == nil {
		filter.MissingArtifact = missing
	}
	list, err := a.Studio.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	locale := middleware.LocaleFromContext(r.Context())
	views := make([]entityView, 0, len(list))
	for _, e := range list {
		views = append(views, newEntityView(e, locale))
	}
	a.json(w, http.StatusOK, map[string]any{"entities": views})
}

func (a *App) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := a.Studio.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newEntityView(*e, middleware.LocaleFromContext(r.Context())))
}

func (a *App) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := a.Studio.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateEntity starts an attempt and answers immediately; clients follow
// progress through GetEntity.
func (a *App) GenerateEntity(w http.ResponseWriter, r *http.Request) {
	e, err := a.Studio.Generate(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("mode"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, newEntityView(*e, middleware.LocaleFromContext(r.Context())))
}

func (a *App) StopEntity(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]bool{"stopped": a.Studio.Stop(chi.URLParam(r, "id"))})
}

func (a *App) EntityArtifact(w http.ResponseWriter, r *http.Request) {
	mime, data, err := a.Studio.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
