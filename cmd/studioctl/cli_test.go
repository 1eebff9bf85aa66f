package main

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"studio/internal/generation"
	"studio/internal/http/handlers"
	httpapi "studio/internal/http/httpapi"
	"studio/internal/remote"
	"studio/internal/store"
	"studio/internal/studio"
	"studio/pkg/datauri"
)

var png = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

type stubRenderer struct{ err error }

func (s stubRenderer) Run(ctx context.Context, req remote.Request) (*remote.Artifact, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &remote.Artifact{DataURI: datauri.Encode("image/png", png), MIME: "image/png", Data: png}, nil
}

// serve runs a complete studio API backed by memory and points the package
// client at it.
func serve(t *testing.T, renderer studio.Renderer) {
	t.Helper()
	repo := store.NewMemory()
	machine := generation.NewMachine(generation.Options{Repo: repo})
	svc, err := studio.NewService(studio.Options{Repo: repo, Machine: machine, Renderer: renderer})
	require.NoError(t, err)
	srv := httptest.NewServer(httpapi.NewRouter(handlers.NewApp(svc, nil), httpapi.RouterOptions{
		Logger:          zerolog.Nop(),
		RateLimitPerMin: 1000,
		DefaultLocale:   "en",
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = machine.StopAll(context.Background())
	})

	c, err := newAPIClient(srv.URL, 5*time.Second)
	require.NoError(t, err)
	prevAPI, prevInterval := api, watchInterval
	api, watchInterval = c, 5*time.Millisecond
	t.Cleanup(func() { api, watchInterval = prevAPI, prevInterval })
}

func command(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	return cmd
}

func create(t *testing.T, prompt string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, runCreate(command(&out), []string{prompt}))
	id := strings.TrimSpace(out.String())
	require.NotEmpty(t, id)
	return id
}

func TestCreateGenerateAndList(t *testing.T) {
	serve(t, stubRenderer{})
	id := create(t, "a harbor at dawn")

	generateWait = true
	t.Cleanup(func() { generateWait = false })
	var out bytes.Buffer
	require.NoError(t, runGenerate(command(&out), []string{id}))
	require.Contains(t, out.String(), "succeeded")

	out.Reset()
	listStatus = "succeeded"
	t.Cleanup(func() { listStatus = "" })
	require.NoError(t, runList(command(&out), nil))
	require.Contains(t, out.String(), id)
	require.Contains(t, out.String(), "image/png/8B")
}

func TestGenerateWaitReportsFailure(t *testing.T) {
	serve(t, stubRenderer{err: &remote.AuthError{Status: 401, Message: "Authentication failed (HTTP 401)"}})
	id := create(t, "a forest")

	generateWait = true
	t.Cleanup(func() { generateWait = false })
	err := runGenerate(command(&bytes.Buffer{}), []string{id})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Authentication failed")
}

func TestStopIdleEntity(t *testing.T) {
	serve(t, stubRenderer{})
	id := create(t, "a river")

	var out bytes.Buffer
	require.NoError(t, runStop(command(&out), []string{id}))
	require.Contains(t, out.String(), "is not generating")
}

func TestAPIErrorsAreSurfaced(t *testing.T) {
	serve(t, stubRenderer{})

	err := runGet(command(&bytes.Buffer{}), []string{"missing"})
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "not_found", apiErr.Code)
}

func TestGenerateAllAndExport(t *testing.T) {
	serve(t, stubRenderer{})
	create(t, "one")
	create(t, "two")

	batchWait = true
	t.Cleanup(func() { batchWait = false })
	var out bytes.Buffer
	require.NoError(t, runGenerateAll(command(&out), nil))
	require.Contains(t, out.String(), "generating 2 entities")
	require.Contains(t, out.String(), "done=2/2 succeeded=2")

	prevOutput := exportOutput
	exportOutput = filepath.Join(t.TempDir(), "export.zip")
	t.Cleanup(func() { exportOutput = prevOutput })
	out.Reset()
	require.NoError(t, runExport(command(&out), nil))
	require.Contains(t, out.String(), "wrote 2 artifacts")

	zr, err := zip.OpenReader(exportOutput)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 2)
}

func TestNewAPIClientRejectsRelativeURL(t *testing.T) {
	_, err := newAPIClient("localhost", time.Second)
	require.Error(t, err)
}
