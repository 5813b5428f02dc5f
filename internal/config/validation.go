package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.CleanupInterval.Duration <= 0 {
		c.Storage.CleanupInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Storage.Archival.IdempotencyRetention.Duration <= 0 {
		c.Storage.Archival.IdempotencyRetention = Duration{Duration: 90 * 24 * time.Hour}
	}
	if c.Storage.Archival.ActivityRetention.Duration <= 0 {
		c.Storage.Archival.ActivityRetention = Duration{Duration: 180 * 24 * time.Hour}
	}
	if c.Storage.Archival.RunInterval.Duration <= 0 {
		c.Storage.Archival.RunInterval = Duration{Duration: 24 * time.Hour}
	}

	if c.Upstream.Timeout.Duration <= 0 {
		c.Upstream.Timeout = Duration{Duration: 15 * time.Second}
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "Mozilla/5.0 (compatible; otistx-backend/1.0)"
	}

	if c.Rental.MaxActivePerUser <= 0 {
		c.Rental.MaxActivePerUser = 3
	}
	if c.Rental.DefaultTimeout.Duration <= 0 {
		c.Rental.DefaultTimeout = Duration{Duration: 10 * time.Minute}
	}
	for i, tier := range c.Rental.Tiers {
		if tier.SessionTTL.Duration <= 0 {
			c.Rental.Tiers[i].SessionTTL = c.Rental.DefaultTimeout
		}
		if tier.PollInterval.Duration <= 0 {
			c.Rental.Tiers[i].PollInterval = Duration{Duration: 3 * time.Second}
		}
	}

	if c.Voucher.MaxConcurrentSaves <= 0 {
		c.Voucher.MaxConcurrentSaves = 5
	}
	if c.Voucher.RetryAttempts <= 0 {
		c.Voucher.RetryAttempts = 3
	}
	if c.Voucher.RetryInitialDelay.Duration <= 0 {
		c.Voucher.RetryInitialDelay = Duration{Duration: 1 * time.Second}
	}

	if c.RapidCheck.DedupWindow.Duration <= 0 {
		c.RapidCheck.DedupWindow = Duration{Duration: 10 * time.Minute}
	}

	if c.RateLimit.PerServiceLimit <= 0 {
		c.RateLimit.PerServiceLimit = 15
	}
	if c.RateLimit.PerServiceWindow.Duration <= 0 {
		c.RateLimit.PerServiceWindow = Duration{Duration: 1 * time.Minute}
	}
	if c.RateLimit.PerServiceCooldown.Duration <= 0 {
		c.RateLimit.PerServiceCooldown = Duration{Duration: 30 * time.Second}
	}

	if c.Queue.MaxInFlight <= 0 {
		c.Queue.MaxInFlight = 15
	}

	if c.Reaper.CheckInterval.Duration <= 0 {
		c.Reaper.CheckInterval = Duration{Duration: 30 * time.Second}
	}
	if c.Reaper.BatchSize <= 0 {
		c.Reaper.BatchSize = 100
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory", "postgres", "":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (expected memory or postgres)", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
	}

	if len(c.Rental.Tiers) == 0 {
		errs = append(errs, "rental.tiers must define at least one provider tier")
	}
	seen := make(map[string]bool)
	for _, tier := range c.Rental.Tiers {
		if tier.Name == "" {
			errs = append(errs, "rental.tiers entries must set a name")
			continue
		}
		if seen[tier.Name] {
			errs = append(errs, fmt.Sprintf("rental.tiers defines %q more than once", tier.Name))
		}
		seen[tier.Name] = true
		if tier.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("rental.tiers[%s].base_url is required", tier.Name))
		}
	}

	if c.Wallet.MinChargeAmount < 0 {
		errs = append(errs, "wallet.min_charge_amount must not be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
