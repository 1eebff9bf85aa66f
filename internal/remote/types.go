package remote

import (
	"strings"
	"time"
)

// Modes understood by the generation endpoint.
const (
	ModeRender = "render"
	ModeEdit   = "edit"
)

// Request is one generation request: a fresh render, or an edit of a source image.
type Request struct {
	Prompt      string
	AspectRatio string
	Cleanup     bool
	Mode        string
	Source      *SourceImage
}

// SourceImage conditions an edit. URI is either a data URI or a fetchable URL.
type SourceImage struct {
	URI string
}

// Artifact is the materialized output of a run.
type Artifact struct {
	DataURI   string
	MIME      string
	Data      []byte
	SourceURL string
}

type submitPayload struct {
	Prompt      string           `json:"prompt"`
	SourceImage *sourcePayload   `json:"source_image,omitempty"`
	Config      generationConfig `json:"config"`
}

type sourcePayload struct {
	MIMEType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

type generationConfig struct {
	Mode        string `json:"mode,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Cleanup     bool   `json:"cleanup"`
}

type output struct {
	URL string `json:"url"`
	URI string `json:"uri"`
}

// jobResponse covers the submit and poll answers of both synchronous and
// job-based providers.
type jobResponse struct {
	Status         string   `json:"status"`
	JobID          string   `json:"jobId"`
	JobIDSnake     string   `json:"job_id"`
	StatusURL      string   `json:"statusUrl"`
	StatusURLSnake string   `json:"status_url"`
	PollIntervalMs int      `json:"pollIntervalMs"`
	PollInterval   int      `json:"poll_interval_ms"`
	Outputs        []output `json:"outputs"`
	Result         *struct {
		Outputs []output `json:"outputs"`
		URL     string   `json:"url"`
	} `json:"result"`
	URL     string `json:"url"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (r jobResponse) jobID() string {
	return firstNonEmpty(r.JobID, r.JobIDSnake)
}

func (r jobResponse) statusURL() string {
	return firstNonEmpty(r.StatusURL, r.StatusURLSnake)
}

func (r jobResponse) pollInterval() time.Duration {
	ms := r.PollIntervalMs
	if ms <= 0 {
		ms = r.PollInterval
	}
	return time.Duration(ms) * time.Millisecond
}

func (r jobResponse) detail() string {
	return firstNonEmpty(r.Message, r.Error)
}

// pollState is what a pending submit response tells us about the remote job.
type pollState struct {
	jobID    string
	url      string
	interval time.Duration
}

type phase int

const (
	phasePending phase = iota
	phaseDone
	phaseFailed
)

func phaseOf(status string) phase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "done", "completed", "succeeded", "success":
		return phaseDone
	case "failed", "error", "cancelled", "canceled":
		return phaseFailed
	default:
		return phasePending
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
