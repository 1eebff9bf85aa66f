package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

func (a *App) GenerateAll(w http.ResponseWriter, r *http.Request) {
	progress, err := a.Studio.GenerateAll(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, progress)
}

func (a *App) BatchStatus(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Studio.BatchStatus())
}

// Export streams every available artifact as one zip archive. The archive is
// built in memory first so a failure can still be reported as JSON.
func (a *App) Export(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	n, err := a.Studio.Export(r.Context(), &buf)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	name := fmt.Sprintf("studio-export-%s.zip", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Artifact-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
