package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/looperhq/looper/pulse/async"
)

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "looper.db")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_seconds", 1)
	v.SetDefault("pulse.jobs_per_second", 10.0)
	v.SetDefault("pulse.burst", 5)
	v.SetDefault("pulse.cleanup_after_hours", 168) // one week

	v.SetDefault("logging.json", false)
}

// WorkerPoolConfig translates the pulse section into the worker pool's
// own configuration type.
func (c PulseConfig) WorkerPoolConfig() async.WorkerPoolConfig {
	cfg := async.DefaultWorkerPoolConfig()
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
	}
	cfg.JobsPerSec = c.JobsPerSecond
	if c.Burst > 0 {
		cfg.Burst = c.Burst
	}
	return cfg
}

// CleanupAfter returns the finished-job retention window.
func (c PulseConfig) CleanupAfter() time.Duration {
	if c.CleanupAfterHours <= 0 {
		return 168 * time.Hour
	}
	return time.Duration(c.CleanupAfterHours) * time.Hour
}
