package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("StoreDriver = %q, want %q", cfg.StoreDriver, StoreDriverMemory)
	}
	if cfg.GenerationTimeout != 15*time.Minute {
		t.Fatalf("GenerationTimeout = %s, want 15m", cfg.GenerationTimeout)
	}
	if cfg.RemotePollInterval != 3*time.Second {
		t.Fatalf("RemotePollInterval = %s, want 3s", cfg.RemotePollInterval)
	}
	if cfg.GenerationOverlapPolicy != OverlapReject {
		t.Fatalf("GenerationOverlapPolicy = %q, want %q", cfg.GenerationOverlapPolicy, OverlapReject)
	}
	if !cfg.GenerationCleanup {
		t.Fatalf("GenerationCleanup should default to true")
	}
}

func TestLoadConfigTrimsRemoteBaseURL(t *testing.T) {
	t.Setenv("REMOTE_BASE_URL", "https://render.example.com/api/ ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "https://render.example.com/api"
	if cfg.RemoteBaseURL != expected {
		t.Fatalf("RemoteBaseURL mismatch: got %q want %q", cfg.RemoteBaseURL, expected)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	t.Setenv("GENERATION_TIMEOUT", "90s")
	t.Setenv("REMOTE_POLL_INTERVAL", "250ms")
	t.Setenv("GENERATION_OVERLAP_POLICY", "Supersede")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.GenerationTimeout != 90*time.Second {
		t.Fatalf("GenerationTimeout = %s, want 90s", cfg.GenerationTimeout)
	}
	if cfg.RemotePollInterval != 250*time.Millisecond {
		t.Fatalf("RemotePollInterval = %s, want 250ms", cfg.RemotePollInterval)
	}
	if cfg.GenerationOverlapPolicy != OverlapSupersede {
		t.Fatalf("GenerationOverlapPolicy = %q, want %q", cfg.GenerationOverlapPolicy, OverlapSupersede)
	}
}

func TestLoadConfigRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is missing")
	}

	t.Setenv("DATABASE_URL", "postgres://example")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("StoreDriver = %q, want %q", cfg.StoreDriver, StoreDriverPostgres)
	}
}

func TestLoadConfigRejectsUnknownValues(t *testing.T) {
	cases := map[string][2]string{
		"driver":   {"STORE_DRIVER", "mongo"},
		"policy":   {"GENERATION_OVERLAP_POLICY", "queue"},
		"base url": {"REMOTE_BASE_URL", "not a url"},
		"timeout":  {"GENERATION_TIMEOUT", "0s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error for %s=%q", kv[0], kv[1])
			}
		})
	}
}
