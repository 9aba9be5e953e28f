package scheduler

import (
	"time"

	"github.com/smallbiznis/caisse/internal/config"
)

const (
	JobVerifyChains     = "verify_chains"
	JobClosePreviousDay = "close_previous_day"
)

// Config controls scheduler intervals and job timeouts.
type Config struct {
	Enabled        bool
	RunInterval    time.Duration
	VerifyTimeout  time.Duration
	ClosingTimeout time.Duration
	EnabledJobs    []string
	LeaderLockTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RunInterval:    15 * time.Minute,
		VerifyTimeout:  5 * time.Minute,
		ClosingTimeout: time.Minute,
		LeaderLockTTL:  10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:        cfg.Scheduler.Enabled,
		RunInterval:    cfg.Scheduler.RunInterval,
		VerifyTimeout:  cfg.Scheduler.VerifyTimeout,
		ClosingTimeout: cfg.Scheduler.ClosingTimeout,
		EnabledJobs:    cfg.Scheduler.Jobs,
		LeaderLockTTL:  cfg.Scheduler.LeaderLockTTL,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = defaults.VerifyTimeout
	}
	if c.ClosingTimeout <= 0 {
		c.ClosingTimeout = defaults.ClosingTimeout
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	return c
}
