// Package config loads the daemon's configuration from a TOML file with
// environment-variable overrides, following the layered-source approach
// the original service used (file defaults, then file, then environment).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"
)

// Config is the root configuration object, one section per component.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	GPU        GPUConfig        `toml:"gpu"`
	LLM        LLMConfig        `toml:"llm"`
	Storage    StorageConfig    `toml:"storage"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Classifier ClassifierConfig `toml:"classifier"`
}

type ServiceConfig struct {
	PollIntervalSecs int    `toml:"poll_interval_secs" env:"SERVICE_POLL_INTERVAL_SECS" envDefault:"2"`
	DataDir          string `toml:"data_dir" env:"SERVICE_DATA_DIR"`
}

type GPUConfig struct {
	EnableLibrary bool `toml:"enable_library" env:"GPU_ENABLE_LIBRARY" envDefault:"true"`
	FallbackToCLI bool `toml:"fallback_to_cli" env:"GPU_FALLBACK_TO_CLI" envDefault:"false"`
}

type LLMConfig struct {
	Enabled     bool   `toml:"enabled" env:"LLM_ENABLED" envDefault:"true"`
	EnableProxy bool   `toml:"enable_proxy" env:"LLM_ENABLE_PROXY" envDefault:"true"`
	ProxyPort   int    `toml:"proxy_port" env:"LLM_PROXY_PORT" envDefault:"11434"`
	BackendURL  string `toml:"backend_url" env:"LLM_BACKEND_URL" envDefault:"http://localhost:11435"`
	APIURL      string `toml:"api_url" env:"LLM_API_URL" envDefault:"http://localhost:11435"`
}

type StorageConfig struct {
	RetentionDays        int    `toml:"retention_days" env:"STORAGE_RETENTION_DAYS" envDefault:"7"`
	EnableParquetArchive bool   `toml:"enable_parquet_archival" env:"STORAGE_ENABLE_PARQUET_ARCHIVAL" envDefault:"true"`
	ArchiveDir           string `toml:"archive_dir" env:"STORAGE_ARCHIVE_DIR"`
}

type TelemetryConfig struct {
	EnablePrometheus bool   `toml:"enable_prometheus" env:"TELEMETRY_ENABLE_PROMETHEUS" envDefault:"false"`
	MetricsPort      int    `toml:"metrics_port" env:"TELEMETRY_METRICS_PORT" envDefault:"9090"`
	EnableOTLP       bool   `toml:"enable_otlp" env:"TELEMETRY_ENABLE_OTLP" envDefault:"false"`
	OTLPEndpoint     string `toml:"otlp_endpoint" env:"TELEMETRY_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// ClassifierConfig carries the classifier's tunable heuristics that
// would otherwise be hardcoded constants.
type ClassifierConfig struct {
	GamingUtilThreshold  int      `toml:"gaming_util_threshold" env:"CLASSIFIER_GAMING_UTIL_THRESHOLD" envDefault:"60"`
	GameBinaryGlobs      []string `toml:"game_binary_globs" env:"CLASSIFIER_GAME_BINARY_GLOBS" envSeparator:","`
	HeavyMemoryBytes     int64    `toml:"heavy_memory_bytes" env:"CLASSIFIER_HEAVY_MEMORY_BYTES" envDefault:"2147483648"`
	HeavyResidencySecs   int64    `toml:"heavy_residency_secs" env:"CLASSIFIER_HEAVY_RESIDENCY_SECS" envDefault:"60"`
	ModelServerBinary    string   `toml:"model_server_binary" env:"CLASSIFIER_MODEL_SERVER_BINARY" envDefault:"ollama"`
}

// PollInterval returns the sampling cadence as a time.Duration.
func (c ServiceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// defaultsEnvPrefix is an unused prefix applied only while parsing
// envDefault tags into a zero Config, so a bare ambient environment
// variable (e.g. STORAGE_RETENTION_DAYS set for an unrelated reason)
// never gets mistaken for a documented GPUMON_-prefixed override.
const defaultsEnvPrefix = "GPUMON_DEFAULTS_ONLY_"

// Default returns a Config populated with the documented defaults, the
// starting point before the file and environment sources are layered on.
func Default() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: defaultsEnvPrefix}); err != nil {
		// ParseWithOptions only fails on unparsable envDefault tags, which
		// are fixed at compile time; a failure here is a programming error.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	if len(cfg.Classifier.GameBinaryGlobs) == 0 {
		cfg.Classifier.GameBinaryGlobs = []string{"*-dx12.exe", "*-vulkan.exe", "*.x86_64"}
	}
	cfg.Service.DataDir = defaultDataDir()
	cfg.Storage.ArchiveDir = filepath.Join(cfg.Service.DataDir, "archive")
	return cfg
}

// Load reads the config file at path (falling back to DefaultPath when
// path is empty), applies environment overrides with the GPUMON_ prefix,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "GPUMON_"}); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for start-up-fatal mistakes.
func (c *Config) Validate() error {
	if c.Service.PollIntervalSecs <= 0 {
		return fmt.Errorf("config: service.poll_interval_secs must be positive")
	}
	if c.LLM.EnableProxy && c.LLM.ProxyPort <= 0 {
		return fmt.Errorf("config: llm.proxy_port must be positive when proxy is enabled")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("config: storage.retention_days must be positive")
	}
	return nil
}

// DatabasePath is the hot store's file location under data_dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Service.DataDir, "gpumon.db")
}

// DefaultPath mirrors "~/.config/<appname>/config.toml" semantics.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "gpumon", "config.toml")
	}
	return filepath.Join(home, ".config", "gpumon", "config.toml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "gpumon-data")
	}
	return filepath.Join(home, ".local", "share", "gpumon")
}
