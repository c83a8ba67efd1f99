// Package config loads engine settings from YAML with environment
// overrides. Missing or unreadable files fall back to defaults; a config
// file is never required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full engine configuration.
type Config struct {
	Directory DirectoryConfig `yaml:"directory"`
	Cache     CacheConfig     `yaml:"cache"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DirectoryConfig tunes the device-directory HTTP client.
type DirectoryConfig struct {
	BaseURL           string   `yaml:"baseUrl"`
	RequestTimeout    Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
}

// CacheConfig tunes both message-key cache tiers.
type CacheConfig struct {
	DatabasePath       string   `yaml:"databasePath"`
	VolatileTTL        Duration `yaml:"volatileTtl"`
	VolatileMaxEntries int      `yaml:"volatileMaxEntries"`
	CleanupInterval    Duration `yaml:"cleanupInterval"`
}

// EngineConfig tunes the engine itself.
type EngineConfig struct {
	Workers int `yaml:"workers"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Directory: DirectoryConfig{
			RequestTimeout:    Duration(10 * time.Second),
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Cache: CacheConfig{
			DatabasePath:       "keycache.db",
			VolatileTTL:        Duration(24 * time.Hour),
			VolatileMaxEntries: 2000,
			CleanupInterval:    Duration(6 * time.Hour),
		},
		Engine: EngineConfig{
			Workers: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the first parseable candidate config file, then applies
// environment overrides. An explicit path takes precedence over the default
// candidates. Any unreadable or malformed candidate is skipped.
func Load(configPath string) Config {
	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/sealcore.yaml",
			"sealcore.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		cfg := Default()
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			continue
		}

		applyEnvOverrides(&cfg)
		cfg.normalize()
		return cfg
	}

	cfg := Default()
	applyEnvOverrides(&cfg)
	cfg.normalize()
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if url := envString("SEALCORE_DIRECTORY_URL"); url != "" {
		cfg.Directory.BaseURL = url
	}
	if timeout, ok := envDuration("SEALCORE_DIRECTORY_TIMEOUT"); ok {
		cfg.Directory.RequestTimeout = Duration(timeout)
	}
	if path := envString("SEALCORE_CACHE_DB"); path != "" {
		cfg.Cache.DatabasePath = path
	}
	if ttl, ok := envDuration("SEALCORE_VOLATILE_TTL"); ok {
		cfg.Cache.VolatileTTL = Duration(ttl)
	}
	if workers, ok := envInt("SEALCORE_WORKERS"); ok {
		cfg.Engine.Workers = workers
	}
	if level := envString("SEALCORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// normalize clamps unusable values back to their defaults so a bad file or
// environment cannot disable a subsystem.
func (cfg *Config) normalize() {
	def := Default()

	if cfg.Directory.RequestTimeout <= 0 {
		cfg.Directory.RequestTimeout = def.Directory.RequestTimeout
	}
	if cfg.Directory.RequestsPerSecond <= 0 {
		cfg.Directory.RequestsPerSecond = def.Directory.RequestsPerSecond
	}
	if cfg.Directory.Burst <= 0 {
		cfg.Directory.Burst = def.Directory.Burst
	}
	if cfg.Cache.DatabasePath == "" {
		cfg.Cache.DatabasePath = def.Cache.DatabasePath
	}
	if cfg.Cache.VolatileTTL <= 0 {
		cfg.Cache.VolatileTTL = def.Cache.VolatileTTL
	}
	if cfg.Cache.VolatileMaxEntries <= 0 {
		cfg.Cache.VolatileMaxEntries = def.Cache.VolatileMaxEntries
	}
	if cfg.Cache.CleanupInterval <= 0 {
		cfg.Cache.CleanupInterval = def.Cache.CleanupInterval
	}
	if cfg.Engine.Workers < 1 || cfg.Engine.Workers > 16 {
		cfg.Engine.Workers = def.Engine.Workers
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string) (time.Duration, bool) {
	raw := envString(key)
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envInt(key string) (int, bool) {
	raw := envString(key)
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
