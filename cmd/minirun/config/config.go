package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	RegistryURL     string
	AuthURL         string
	AuthService     string
	Architecture    string
	StagingDir      string
	HTTPTimeout     time.Duration
	MaxLayerSize    datasize.ByteSize
	PullConcurrency int
	LogLevel        string
	LogFormat       string
	OtelEndpoint    string
	OtelInsecure    bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() (*Config, error) {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		RegistryURL:  getEnv("MINIRUN_REGISTRY_URL", "https://registry-1.docker.io"),
		AuthURL:      getEnv("MINIRUN_AUTH_URL", "https://auth.docker.io/token"),
		AuthService:  getEnv("MINIRUN_AUTH_SERVICE", "registry.docker.io"),
		Architecture: getEnv("MINIRUN_ARCH", runtime.GOARCH),
		StagingDir:   getEnv("MINIRUN_STAGING_DIR", os.TempDir()),
		LogLevel:     getEnv("MINIRUN_LOG_LEVEL", "info"),
		LogFormat:    getEnv("MINIRUN_LOG_FORMAT", "text"),
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.HTTPTimeout, err = time.ParseDuration(getEnv("MINIRUN_HTTP_TIMEOUT", "5m")); err != nil {
		return nil, fmt.Errorf("MINIRUN_HTTP_TIMEOUT: %w", err)
	}
	if err := cfg.MaxLayerSize.UnmarshalText([]byte(getEnv("MINIRUN_MAX_LAYER_SIZE", "2GB"))); err != nil {
		return nil, fmt.Errorf("MINIRUN_MAX_LAYER_SIZE: %w", err)
	}
	if cfg.PullConcurrency, err = strconv.Atoi(getEnv("MINIRUN_PULL_CONCURRENCY", "3")); err != nil {
		return nil, fmt.Errorf("MINIRUN_PULL_CONCURRENCY: %w", err)
	}
	if cfg.OtelInsecure, err = strconv.ParseBool(getEnv("OTEL_EXPORTER_OTLP_INSECURE", "false")); err != nil {
		return nil, fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Architecture == "" {
		return fmt.Errorf("architecture must not be empty")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got %s", c.HTTPTimeout)
	}
	if c.MaxLayerSize == 0 {
		return fmt.Errorf("max layer size must be positive")
	}
	if c.PullConcurrency < 1 {
		return fmt.Errorf("pull concurrency must be at least 1, got %d", c.PullConcurrency)
	}
	return nil
}

// Flags are command line overrides. Empty fields keep the loaded value.
type Flags struct {
	Architecture string
	RegistryURL  string
	AuthURL      string
	StagingDir   string
	LogLevel     string
	LogFormat    string
	// NoTelemetry disables export regardless of the environment.
	NoTelemetry bool
}

// Apply overrides cfg with the flags that are set.
func (f Flags) Apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Architecture, f.Architecture)
	set(&cfg.RegistryURL, f.RegistryURL)
	set(&cfg.AuthURL, f.AuthURL)
	set(&cfg.StagingDir, f.StagingDir)
	set(&cfg.LogLevel, f.LogLevel)
	set(&cfg.LogFormat, f.LogFormat)
	if f.NoTelemetry {
		cfg.OtelEndpoint = ""
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
