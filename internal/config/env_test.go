package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_StorageConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "OTISTX_STORAGE_BACKEND override",
			envVars: map[string]string{
				"OTISTX_STORAGE_BACKEND": "postgres",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Backend != "postgres" {
					t.Errorf("Expected postgres, got %s", cfg.Storage.Backend)
				}
			},
		},
		{
			name: "OTISTX_STORAGE_POSTGRES_URL override",
			envVars: map[string]string{
				"OTISTX_STORAGE_POSTGRES_URL": "postgresql://user:pass@db:5432/otistx",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				expected := "postgresql://user:pass@db:5432/otistx"
				if cfg.Storage.PostgresURL != expected {
					t.Errorf("Expected %s, got %s", expected, cfg.Storage.PostgresURL)
				}
			},
		},
		{
			name: "OTISTX_ARCHIVAL_ENABLED boolean (true)",
			envVars: map[string]string{
				"OTISTX_ARCHIVAL_ENABLED": "true",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Storage.Archival.Enabled {
					t.Error("Expected Storage.Archival.Enabled to be true")
				}
			},
		},
		{
			name: "OTISTX_ARCHIVAL_IDEMPOTENCY_RETENTION duration override",
			envVars: map[string]string{
				"OTISTX_ARCHIVAL_IDEMPOTENCY_RETENTION": "48h",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				expected := 48 * time.Hour
				if cfg.Storage.Archival.IdempotencyRetention.Duration != expected {
					t.Errorf("Expected %v, got %v", expected, cfg.Storage.Archival.IdempotencyRetention.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_UpstreamConfig(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("OTISTX_UPSTREAM_TIMEOUT", "30s")
	os.Setenv("OTISTX_UPSTREAM_USER_AGENT", "custom-agent/2.0")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Upstream.Timeout.Duration != 30*time.Second {
		t.Errorf("expected upstream timeout 30s, got %v", cfg.Upstream.Timeout.Duration)
	}
	if cfg.Upstream.UserAgent != "custom-agent/2.0" {
		t.Errorf("expected custom user agent, got %s", cfg.Upstream.UserAgent)
	}
}

func TestEnvOverrides_ProxyPoolIndexedList(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("OTISTX_PROXY_1", "user1:pass1@proxy1.example.com:8080")
	os.Setenv("OTISTX_PROXY_2", "user2:pass2@proxy2.example.com:8080")
	// Gap at _3 stops enumeration.
	os.Setenv("OTISTX_PROXY_4", "user4:pass4@proxy4.example.com:8080")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if len(cfg.ProxyPool.Proxies) != 2 {
		t.Fatalf("expected 2 proxies (stops at gap), got %d: %v", len(cfg.ProxyPool.Proxies), cfg.ProxyPool.Proxies)
	}
	if !cfg.ProxyPool.Enabled {
		t.Error("expected proxy pool to be enabled once proxies are configured")
	}
}

func TestEnvOverrides_RateLimitAndBreaker(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("OTISTX_RATE_LIMIT_GLOBAL_ENABLED", "false")
	os.Setenv("OTISTX_CIRCUIT_BREAKER_ENABLED", "false")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.RateLimit.GlobalEnabled {
		t.Error("expected global rate limit to be disabled by env override")
	}
	if cfg.CircuitBreaker.Enabled {
		t.Error("expected circuit breaker to be disabled by env override")
	}
}

// TestLoadConfig_ValidMinimal and TestNormalizeRoutePrefix live in config_test.go.
