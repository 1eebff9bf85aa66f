package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"studio/internal/domain"
	"studio/internal/generation"
	"studio/internal/http/handlers"
	"studio/internal/remote"
	"studio/internal/store"
	"studio/internal/studio"
	"studio/pkg/datauri"
)

var png = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

// gatedRenderer blocks every run until the gate is opened or the run is cancelled.
type gatedRenderer struct {
	mu   sync.Mutex
	gate chan struct{}
	err  error
}

func (g *gatedRenderer) Run(ctx context.Context, req remote.Request) (*remote.Artifact, error) {
	g.mu.Lock()
	gate, err := g.gate, g.err
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Join(remote.ErrCancelled, context.Cause(ctx))
		}
	}
	if err != nil {
		return nil, err
	}
	return &remote.Artifact{DataURI: datauri.Encode("image/png", png), MIME: "image/png", Data: png}, nil
}

type testServer struct {
	t        *testing.T
	handler  http.Handler
	renderer *gatedRenderer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := store.NewMemory()
	renderer := &gatedRenderer{}
	svc, err := studio.NewService(studio.Options{
		Repo:     repo,
		Machine:  generation.NewMachine(generation.Options{Repo: repo}),
		Renderer: renderer,
	})
	require.NoError(t, err)
	router := NewRouter(handlers.NewApp(svc, nil), RouterOptions{
		Logger:          zerolog.Nop(),
		RateLimitPerMin: 1000,
		DefaultLocale:   "en",
	})
	return &testServer{t: t, handler: router, renderer: renderer}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) entity(id string, headers ...string) map[string]any {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/v1/entities/"+id, nil, headers...)
	require.Equal(s.t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) create(prompt string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/v1/entities", map[string]string{"prompt": prompt, "title": prompt})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["id"].(string)
}

func (s *testServer) waitStatus(id, want string) map[string]any {
	s.t.Helper()
	var last map[string]any
	require.Eventually(s.t, func() bool {
		last = s.entity(id)
		return last["status"] == want
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestEntityGenerationFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.create("a quiet harbor")

	rec := s.do(http.MethodPost, "/v1/entities/"+id+"/generate?mode=render", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	got := s.waitStatus(id, string(domain.StatusSucceeded))
	artifact, ok := got["artifact"].(map[string]any)
	require.True(t, ok, "succeeded entity should expose its artifact")
	require.Equal(t, "/v1/entities/"+id+"/artifact", artifact["url"])

	rec = s.do(http.MethodGet, "/v1/entities/"+id+"/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, png, rec.Body.Bytes())

	rec = s.do(http.MethodGet, "/v1/export.zip", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	require.Equal(t, "1", rec.Header().Get("X-Artifact-Count"))
}

func TestGenerateConflictAndStop(t *testing.T) {
	s := newTestServer(t)
	s.renderer.gate = make(chan struct{})
	id := s.create("a lighthouse")

	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/entities/"+id+"/generate", nil).Code)
	require.Equal(t, true, s.entity(id)["generating"])

	rec := s.do(http.MethodPost, "/v1/entities/"+id+"/generate", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/v1/entities/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"stopped":true}`, rec.Body.String())

	got := s.waitStatus(id, string(domain.StatusFailed))
	require.Equal(t, domain.MessageStopped, got["error"])
	require.Equal(t, string(domain.FailureCancelled), got["failure_kind"])

	localized := s.entity(id, "Accept-Language", "id-ID,id;q=0.9")
	require.Equal(t, "Pembuatan dihentikan", localized["display_message"])

	rec = s.do(http.MethodPost, "/v1/entities/"+id+"/stop", nil)
	require.JSONEq(t, `{"stopped":false}`, rec.Body.String())
}

func TestAuthFailureIsSurfaced(t *testing.T) {
	s := newTestServer(t)
	s.renderer.err = &remote.AuthError{Status: 401, Message: "Authentication failed (HTTP 401): invalid key"}
	id := s.create("a forest")

	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/entities/"+id+"/generate", nil).Code)
	got := s.waitStatus(id, string(domain.StatusFailed))
	require.Equal(t, string(domain.FailureAuth), got["failure_kind"])
	require.Contains(t, got["display_message"], "Authentication failed")
	require.Equal(t, false, got["generating"])
}

func TestNotFoundAndValidation(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/entities/missing", nil).Code)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/v1/entities/missing/generate", nil).Code)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/v1/entities/missing", nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/v1/entities", map[string]string{"prompt": " "}).Code)

	id := s.create("a river")
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/v1/entities/"+id+"/generate?mode=upscale", nil).Code)
	require.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/entities/"+id+"/generate?mode=edit", nil).Code)
	require.Equal(t, http.StatusConflict, s.do(http.MethodGet, "/v1/entities/"+id+"/artifact", nil).Code)
	require.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/entities/"+id, nil).Code)
}

func TestGenerateAllRejectsOverlap(t *testing.T) {
	s := newTestServer(t)
	s.renderer.gate = make(chan struct{})
	s.create("one")
	s.create("two")

	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/generate-all", nil).Code)
	require.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/generate-all", nil).Code)

	close(s.renderer.gate)
	require.Eventually(t, func() bool {
		var p struct {
			Running bool `json:"running"`
			Done    int  `json:"done"`
		}
		rec := s.do(http.MethodGet, "/v1/batch", nil)
		_ = json.Unmarshal(rec.Body.Bytes(), &p)
		return !p.Running && p.Done == 2
	}, 5*time.Second, 5*time.Millisecond)

	rec := s.do(http.MethodGet, "/v1/entities?status=succeeded", nil)
	var list struct {
		Entities []map[string]any `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Entities, 2)
}

func TestHealthAndOpenAPI(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/v1/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(http.MethodGet, "/v1/openapi.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	require.Equal(t, http.StatusNotModified, s.do(http.MethodGet, "/v1/openapi.json", nil, "If-None-Match", etag).Code)
}
