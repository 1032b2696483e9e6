// Package config loads Looper configuration from TOML files and LOOPER_*
// environment variables.
package config

// Config is the root Looper configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PulseConfig configures the async job worker pool.
type PulseConfig struct {
	Workers             int     `mapstructure:"workers"`               // concurrent job workers (default: 2)
	PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"` // idle poll cadence (default: 1)
	JobsPerSecond       float64 `mapstructure:"jobs_per_second"`       // dispatch rate limit, 0 disables (default: 10)
	Burst               int     `mapstructure:"burst"`                 // rate limiter burst (default: 5)
	CleanupAfterHours   int     `mapstructure:"cleanup_after_hours"`   // finished-job retention (default: 168)
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	JSON bool `mapstructure:"json"` // machine-readable output (default: false)
}
