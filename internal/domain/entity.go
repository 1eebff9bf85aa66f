package domain

import (
	"strings"
	"time"
)

// EntityKind enumerates the generation targets the studio manages.
type EntityKind string

const (
	EntityKindScene     EntityKind = "scene"
	EntityKindVariation EntityKind = "variation"
)

// GenerationStatus enumerates the entity generation lifecycle.
type GenerationStatus string

const (
	StatusIdle       GenerationStatus = "idle"
	StatusGenerating GenerationStatus = "generating"
	StatusSucceeded  GenerationStatus = "succeeded"
	StatusFailed     GenerationStatus = "failed"
)

// FailureKind tells callers how a failed attempt should be presented.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureError     FailureKind = "error"
	FailureAuth      FailureKind = "auth"
	FailureCancelled FailureKind = "cancelled"
)

// Messages stored on entities whose attempt was cancelled rather than failed.
const (
	MessageStopped    = "Generation stopped"
	MessageTimedOut   = "Generation timed out"
	MessageSuperseded = "Generation superseded by a newer request"
)

// Artifact references the output of the last successful attempt.
type Artifact struct {
	URI        string `json:"uri"`
	MIME       string `json:"mime"`
	Size       int64  `json:"size"`
	SourceURL  string `json:"source_url,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
}

// Entity is one addressable generation target, e.g. a storyboard scene or a
// master-asset variation.
type Entity struct {
	ID          string
	Kind        EntityKind
	Title       string
	Prompt      string
	AspectRatio string
	Status      GenerationStatus
	Artifact    *Artifact
	LastError   string
	FailureKind FailureKind
	Attempt     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasArtifact reports whether the entity carries a produced output.
func (e Entity) HasArtifact() bool {
	return e.Artifact != nil && e.Artifact.URI != ""
}

// BeginAttempt moves the entity into the generating state and returns the new
// attempt number. Any previous error or artifact is cleared.
func (e *Entity) BeginAttempt(at time.Time) int64 {
	e.Attempt++
	e.Status = StatusGenerating
	e.Artifact = nil
	e.LastError = ""
	e.FailureKind = FailureNone
	e.UpdatedAt = at
	return e.Attempt
}

// Apply records the outcome of an attempt.
func (e *Entity) Apply(o Outcome, at time.Time) {
	e.Status = o.Status
	e.Artifact = nil
	e.LastError = ""
	e.FailureKind = FailureNone
	switch o.Status {
	case StatusSucceeded:
		if o.Artifact != nil {
			a := *o.Artifact
			e.Artifact = &a
		}
	case StatusFailed:
		e.LastError = o.Error
		e.FailureKind = o.FailureKind
	}
	e.UpdatedAt = at
}

// Outcome is the final state written back by a concluded attempt.
type Outcome struct {
	Status      GenerationStatus
	Artifact    *Artifact
	Error       string
	FailureKind FailureKind
}

// Succeeded builds a successful outcome.
func Succeeded(a Artifact) Outcome {
	return Outcome{Status: StatusSucceeded, Artifact: &a}
}

// Failed builds a failed outcome.
func Failed(kind FailureKind, message string) Outcome {
	if kind == FailureNone {
		kind = FailureError
	}
	return Outcome{Status: StatusFailed, Error: message, FailureKind: kind}
}

// NormalizeKind sanitizes free-form input into a supported kind.
func NormalizeKind(kind string) EntityKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case string(EntityKindVariation):
		return EntityKindVariation
	default:
		return EntityKindScene
	}
}

// NormalizeAspectRatio accepts the ratios the render providers understand.
func NormalizeAspectRatio(ratio string) string {
	switch strings.TrimSpace(ratio) {
	case "1:1", "4:3", "3:4", "16:9", "9:16", "3:2", "2:3":
		return strings.TrimSpace(ratio)
	default:
		return "16:9"
	}
}
