package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/studio"
)

type App struct {
	Studio *studio.Service
	Logger *infra.Logger
}

func NewApp(svc *studio.Service, logger *infra.Logger) *App {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &App{Studio: svc, Logger: logger}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}

// fail maps domain errors onto HTTP statuses. Anything unexpected is logged and
// reported as an internal error without details.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "entity not found")
	case errors.Is(err, domain.ErrInvalidEntity):
		a.error(w, http.StatusBadRequest, "invalid_entity", err.Error())
	case errors.Is(err, domain.ErrUnsupportedMode):
		a.error(w, http.StatusBadRequest, "unsupported_mode", err.Error())
	case errors.Is(err, domain.ErrGenerationInFlight):
		a.error(w, http.StatusConflict, "generation_in_progress", err.Error())
	case errors.Is(err, domain.ErrBatchInProgress):
		a.error(w, http.StatusConflict, "batch_in_progress", err.Error())
	case errors.Is(err, domain.ErrNoArtifact):
		a.error(w, http.StatusConflict, "no_artifact", err.Error())
	default:
		a.Logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
