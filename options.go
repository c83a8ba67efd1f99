package sealcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberchat/sealcore/config"
	"github.com/emberchat/sealcore/securestore"
)

// Options contains configuration for creating an Engine.
type Options struct {
	// UserID and DeviceID identify this device. Required.
	UserID   string
	DeviceID string

	// DirectoryURL is the base URL of the device directory service. Required.
	DirectoryURL string

	// Store holds identity seeds, derived keys, and the cache master key.
	// Required; use securestore.NewFileStore for durable storage or
	// securestore.NewMemoryStore for tests.
	Store securestore.Store

	// Send hands sealed envelopes to the transport. Optional; an Engine
	// without it can still receive.
	Send SendFunc

	// CachePath is the sqlite file backing the persistent key cache.
	CachePath string

	// Volatile cache tuning.
	VolatileTTL        time.Duration
	VolatileMaxEntries int

	// CleanupInterval is how often expired persistent rows are purged while
	// the engine is started.
	CleanupInterval time.Duration

	// Workers bounds concurrent decryptions.
	Workers int

	// Directory client tuning.
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int

	// Registerer receives cache and engine metrics. Nil disables
	// registration without disabling collection.
	Registerer prometheus.Registerer

	// LogLevel, when non-empty, is applied to the global logger at
	// construction ("debug", "info", "warn", "error").
	LogLevel string
}

// NewOptions creates a new default Options. Identity, store, directory URL,
// and transport must still be filled in by the caller.
func NewOptions() *Options {
	return FromConfig(config.Default())
}

// FromConfig maps a loaded configuration onto Options. Identity, store, and
// transport are not part of the file format and must be set by the caller.
func FromConfig(cfg config.Config) *Options {
	return &Options{
		DirectoryURL:       cfg.Directory.BaseURL,
		RequestTimeout:     cfg.Directory.RequestTimeout.Std(),
		RequestsPerSecond:  cfg.Directory.RequestsPerSecond,
		Burst:              cfg.Directory.Burst,
		CachePath:          cfg.Cache.DatabasePath,
		VolatileTTL:        cfg.Cache.VolatileTTL.Std(),
		VolatileMaxEntries: cfg.Cache.VolatileMaxEntries,
		CleanupInterval:    cfg.Cache.CleanupInterval.Std(),
		Workers:            cfg.Engine.Workers,
		LogLevel:           cfg.Logging.Level,
	}
}
