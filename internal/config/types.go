package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Wallet         WalletConfig         `yaml:"wallet"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	ProxyPool      ProxyPoolConfig      `yaml:"proxy_pool"`
	Rental         RentalConfig         `yaml:"rental"`
	Voucher        VoucherConfig        `yaml:"voucher"`
	RapidCheck     RapidCheckConfig     `yaml:"rapid_check"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Queue          QueueConfig          `yaml:"queue"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Reaper         ReaperConfig         `yaml:"reaper"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// ArchivalConfig holds automatic idempotency/audit retention sweep configuration.
type ArchivalConfig struct {
	Enabled              bool     `yaml:"enabled"`               // Enable automatic archival (default: false)
	IdempotencyRetention Duration `yaml:"idempotency_retention"` // How long to keep idempotency keys (default: 90d)
	ActivityRetention    Duration `yaml:"activity_retention"`    // How long to keep audit log rows (default: 180d)
	RunInterval          Duration `yaml:"run_interval"`          // How often to run archival (default: 24h)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string (archival blobs)
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	Archival        ArchivalConfig     `yaml:"archival"`         // Automatic archival configuration
	CleanupInterval Duration           `yaml:"cleanup_interval"` // How often to sweep in-memory store state
}

// WalletConfig holds wallet ledger and deposit-webhook configuration.
type WalletConfig struct {
	MinChargeAmount  int64  `yaml:"min_charge_amount"`  // Smallest chargeable amount in VND
	DepositWebhookSecret string `yaml:"deposit_webhook_secret"` // Shared secret for bank-deposit webhook verification
	LowBalanceThreshold  int64  `yaml:"low_balance_threshold"`  // VND balance below which the reaper logs a warning
}

// UpstreamConfig holds outbound HTTP client behavior toward platform targets.
type UpstreamConfig struct {
	Timeout            Duration `yaml:"timeout"`              // Per-request timeout (default: 15s)
	MaxRetries         int      `yaml:"max_retries"`          // Retries on transient failure
	UserAgent          string   `yaml:"user_agent"`           // Outbound User-Agent header
	AllowedHostSuffixes []string `yaml:"allowed_host_suffixes"` // Hostnames the client is permitted to reach
}

// ProxyPoolConfig holds rotating-proxy pool configuration.
type ProxyPoolConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Proxies           []string `yaml:"proxies"`             // Static proxy list, "user:pass@host:port"
	MaxFailuresBeforeEject int `yaml:"max_failures_before_eject"` // Consecutive failures before deactivation
	RotationStrategy  string   `yaml:"rotation_strategy"`   // "round_robin" or "least_used"
}

// RentalTierConfig configures one phone-rental provider tier. SessionTTL and
// PollInterval are defaulted at load time but not read by the rental
// orchestrator: sessions expire 6 minutes after Start and OTP polls are
// throttled by rental.OTPPollInterval (5 s).
type RentalTierConfig struct {
	Name        string   `yaml:"name"`
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Price       int64    `yaml:"price"`
	SessionTTL  Duration `yaml:"session_ttl"`
	PollInterval Duration `yaml:"poll_interval"`
	Carriers    []string `yaml:"carriers"`
}

// RentalConfig holds phone rental orchestrator configuration. DefaultTimeout
// only seeds each tier's SessionTTL; neither is read by the orchestrator.
type RentalConfig struct {
	Tiers          []RentalTierConfig `yaml:"tiers"`
	MaxActivePerUser int              `yaml:"max_active_per_user"`
	DefaultTimeout   Duration         `yaml:"default_timeout"`
}

// VoucherConfig holds voucher-saving pipeline configuration.
type VoucherConfig struct {
	PricePerOperation int64    `yaml:"price_per_operation"`
	MaxConcurrentSaves int     `yaml:"max_concurrent_saves"`
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryInitialDelay Duration `yaml:"retry_initial_delay"`
}

// RapidCheckConfig holds rapid shipper-lookup configuration. DedupWindow is
// not read by internal/rapidcheck, which always reuses results within its
// fixed rapidcheck.DedupWindow (72 h).
type RapidCheckConfig struct {
	Price      int64    `yaml:"price"`
	DedupWindow Duration `yaml:"dedup_window"`
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	// Per-user-per-service sliding window with cooldown, layered beneath the
	// HTTP-edge limiter above.
	PerServiceLimit    int      `yaml:"per_service_limit"`
	PerServiceWindow   Duration `yaml:"per_service_window"`
	PerServiceCooldown Duration `yaml:"per_service_cooldown"`
}

// QueueConfig holds the global bounded-admission queue configuration.
type QueueConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxInFlight int `yaml:"max_in_flight"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Platform BreakerServiceConfig `yaml:"platform"`
	Providers map[string]BreakerServiceConfig `yaml:"providers"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// ReaperConfig holds the expired-rental sweep configuration.
type ReaperConfig struct {
	CheckInterval Duration `yaml:"check_interval"`
	BatchSize     int      `yaml:"batch_size"`
}
