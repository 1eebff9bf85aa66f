package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidEntity      = errors.New("invalid entity")
	ErrGenerationInFlight = errors.New("generation already in progress")
	ErrBatchInProgress    = errors.New("batch generation already in progress")
	ErrNoArtifact         = errors.New("entity has no artifact")
	ErrUnsupportedMode    = errors.New("unsupported generation mode")
)
