package relay

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultTickInterval    = 5 * time.Second
	defaultBatchSize       = 50
	defaultMaxRetries      = 5
	defaultPublishTimeout  = 5 * time.Second
	defaultRetention       = 7 * 24 * time.Hour
	defaultCleanupInterval = 24 * time.Hour
	defaultStatsInterval   = time.Hour
	defaultStuckThreshold  = 5 * time.Minute
)

// Config controls relay polling, retry, and housekeeping behaviour.
type Config struct {
	// TickInterval is the delay between relay passes.
	TickInterval time.Duration
	// BatchSize caps the records claimed per pass.
	BatchSize int
	// MaxRetries caps publish attempts per record; once reached the record
	// stays FAILED and is surfaced only through stats.
	MaxRetries int
	// PublishTimeout bounds each broker publish+confirm round trip.
	PublishTimeout time.Duration
	// Retention is the age past which PROCESSED records are deleted.
	Retention time.Duration
	// CleanupInterval is the delay between retention sweeps.
	CleanupInterval time.Duration
	// StatsInterval is the delay between stats reports.
	StatsInterval time.Duration
	// StuckThreshold is the age past which a PROCESSING record is treated
	// as abandoned by a dead relay and handed back to the poll.
	StuckThreshold time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline relay configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:    defaultTickInterval,
		BatchSize:       defaultBatchSize,
		MaxRetries:      defaultMaxRetries,
		PublishTimeout:  defaultPublishTimeout,
		Retention:       defaultRetention,
		CleanupInterval: defaultCleanupInterval,
		StatsInterval:   defaultStatsInterval,
		StuckThreshold:  defaultStuckThreshold,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaults.StatsInterval
	}

	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaults.StuckThreshold
	}
}
