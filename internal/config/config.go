package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Storage: StorageConfig{
			Backend:         "memory",
			CleanupInterval: Duration{Duration: 5 * time.Minute},
			Archival: ArchivalConfig{
				Enabled:              false,
				IdempotencyRetention: Duration{Duration: 90 * 24 * time.Hour},
				ActivityRetention:    Duration{Duration: 180 * 24 * time.Hour},
				RunInterval:          Duration{Duration: 24 * time.Hour},
			},
		},
		Wallet: WalletConfig{
			MinChargeAmount:     1000,
			LowBalanceThreshold: 50000,
		},
		Upstream: UpstreamConfig{
			Timeout:    Duration{Duration: 15 * time.Second},
			MaxRetries: 2,
			UserAgent:  "Mozilla/5.0 (compatible; otistx-backend/1.0)",
		},
		ProxyPool: ProxyPoolConfig{
			Enabled:                false,
			MaxFailuresBeforeEject: 3,
			RotationStrategy:       "round_robin",
		},
		Rental: RentalConfig{
			MaxActivePerUser: 3,
			DefaultTimeout:   Duration{Duration: 10 * time.Minute},
		},
		Voucher: VoucherConfig{
			PricePerOperation:  5000,
			MaxConcurrentSaves: 5,
			RetryAttempts:      3,
			RetryInitialDelay:  Duration{Duration: 1 * time.Second},
		},
		RapidCheck: RapidCheckConfig{
			Price:       5000,
			DedupWindow: Duration{Duration: 10 * time.Minute},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:      true,
			GlobalLimit:        1000,
			GlobalWindow:       Duration{Duration: 1 * time.Minute},
			PerIPEnabled:       true,
			PerIPLimit:         120,
			PerIPWindow:        Duration{Duration: 1 * time.Minute},
			PerServiceLimit:    15,
			PerServiceWindow:   Duration{Duration: 1 * time.Minute},
			PerServiceCooldown: Duration{Duration: 30 * time.Second},
		},
		Queue: QueueConfig{
			Enabled:     true,
			MaxInFlight: 15,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Platform: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Providers: make(map[string]BreakerServiceConfig),
		},
		Reaper: ReaperConfig{
			CheckInterval: Duration{Duration: 30 * time.Second},
			BatchSize:     100,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
