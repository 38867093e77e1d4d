package scheduler

import (
	"time"

	"github.com/smallbiznis/licensegate/internal/config"
)

// Config controls how often each background job runs and how much it
// handles per pass.
type Config struct {
	RunInterval        time.Duration
	JobTimeout         time.Duration
	BatchSize          int
	LeaseTTL           time.Duration
	RenewalEnabled     bool
	RenewalHorizonDays int
	RenewalConcurrency int
	SweepInterval      time.Duration
	SpendResetInterval time.Duration
	ReconcileInterval  time.Duration
	ArchiveInterval    time.Duration
	// EnabledJobs restricts the scheduler to the named jobs. Empty runs all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        30 * time.Second,
		JobTimeout:         5 * time.Minute,
		BatchSize:          100,
		LeaseTTL:           5 * time.Minute,
		RenewalEnabled:     true,
		RenewalHorizonDays: 7,
		RenewalConcurrency: 4,
		SweepInterval:      15 * time.Minute,
		SpendResetInterval: time.Hour,
		ReconcileInterval:  30 * time.Second,
		ArchiveInterval:    time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RenewalEnabled:     cfg.Renewal.Enabled,
		RenewalHorizonDays: cfg.Renewal.HorizonDays,
		RenewalConcurrency: cfg.Renewal.Concurrency,
		SweepInterval:      cfg.Renewal.SweepInterval,
		LeaseTTL:           cfg.Renewal.LeaseTTL,
		ReconcileInterval:  cfg.Usage.ReconcileInterval,
		ArchiveInterval:    cfg.Usage.RetentionInterval,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.RenewalHorizonDays < 0 {
		c.RenewalHorizonDays = defaults.RenewalHorizonDays
	}
	if c.RenewalConcurrency <= 0 {
		c.RenewalConcurrency = defaults.RenewalConcurrency
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.SpendResetInterval <= 0 {
		c.SpendResetInterval = defaults.SpendResetInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = defaults.ArchiveInterval
	}
	return c
}
