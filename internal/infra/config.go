package infra

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers understood by LoadConfig.
const (
	StoreDriverMemory   = "memory"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Overlap policies for a generate request hitting an entity that is already generating.
const (
	OverlapReject    = "reject"
	OverlapSupersede = "supersede"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"8080"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./studio.db"`
	StoragePath string `env:"STORAGE_PATH" envDefault:"./storage"`
	GeoIPDBPath string `env:"GEOIP_DB_PATH"`

	RemoteBaseURL        string        `env:"REMOTE_BASE_URL" envDefault:"http://localhost:9090/v1"`
	RemoteAPIKey         string        `env:"REMOTE_API_KEY"`
	RemotePollInterval   time.Duration `env:"REMOTE_POLL_INTERVAL" envDefault:"3s"`
	RemoteRequestTimeout time.Duration `env:"REMOTE_REQUEST_TIMEOUT" envDefault:"60s"`

	GenerationTimeout       time.Duration `env:"GENERATION_TIMEOUT" envDefault:"15m"`
	GenerationOverlapPolicy string        `env:"GENERATION_OVERLAP_POLICY" envDefault:"reject"`
	GenerationCleanup       bool          `env:"GENERATION_CLEANUP" envDefault:"true"`

	WorkerInterval time.Duration `env:"WORKER_INTERVAL" envDefault:"30s"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"studio.entities.status"`

	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RateLimitPerMin  int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case StoreDriverMemory, StoreDriverSQLite:
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	cfg.GenerationOverlapPolicy = strings.ToLower(strings.TrimSpace(cfg.GenerationOverlapPolicy))
	if cfg.GenerationOverlapPolicy != OverlapReject && cfg.GenerationOverlapPolicy != OverlapSupersede {
		return nil, fmt.Errorf("unsupported GENERATION_OVERLAP_POLICY %q", cfg.GenerationOverlapPolicy)
	}

	if cfg.GenerationTimeout <= 0 {
		return nil, fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if cfg.WorkerInterval <= 0 {
		return nil, fmt.Errorf("WORKER_INTERVAL must be positive")
	}
	if cfg.RemotePollInterval <= 0 {
		return nil, fmt.Errorf("REMOTE_POLL_INTERVAL must be positive")
	}

	cfg.RemoteBaseURL = strings.TrimRight(strings.TrimSpace(cfg.RemoteBaseURL), "/")
	if parsed, err := url.Parse(cfg.RemoteBaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("REMOTE_BASE_URL must be an absolute url, got %q", cfg.RemoteBaseURL)
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}
