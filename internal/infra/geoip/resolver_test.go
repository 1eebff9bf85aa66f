package geoip

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNewResolverWithoutPath(t *testing.T) {
	r, err := NewResolver("  ")
	if err != nil || r != nil {
		t.Fatalf("NewResolver(empty) = %v, %v; want nil, nil", r, err)
	}
	if _, err := r.Lookup("203.0.113.1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Lookup on nil resolver = %v, want ErrUnavailable", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil resolver = %v", err)
	}
}

func TestNewResolverMissingDatabase(t *testing.T) {
	if _, err := NewResolver(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatalf("expected error for missing database")
	}
}
