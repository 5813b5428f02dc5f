package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use OTISTX_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "OTISTX_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "OTISTX_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "OTISTX_ADMIN_METRICS_API_KEY")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Storage config
	setIfEnv(&c.Storage.Backend, "OTISTX_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "OTISTX_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "OTISTX_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "OTISTX_STORAGE_MONGODB_DATABASE")
	setBoolIfEnv(&c.Storage.Archival.Enabled, "OTISTX_ARCHIVAL_ENABLED")
	setDurationIfEnv(&c.Storage.Archival.IdempotencyRetention, "OTISTX_ARCHIVAL_IDEMPOTENCY_RETENTION")
	setDurationIfEnv(&c.Storage.Archival.ActivityRetention, "OTISTX_ARCHIVAL_ACTIVITY_RETENTION")

	// Wallet config
	setIfEnv(&c.Wallet.DepositWebhookSecret, "OTISTX_WALLET_DEPOSIT_WEBHOOK_SECRET")

	// Upstream config
	setDurationIfEnv(&c.Upstream.Timeout, "OTISTX_UPSTREAM_TIMEOUT")
	setIfEnv(&c.Upstream.UserAgent, "OTISTX_UPSTREAM_USER_AGENT")

	// Proxy pool config (OTISTX_PROXY_1, OTISTX_PROXY_2, ...)
	if proxies := loadIndexedList("OTISTX_PROXY"); len(proxies) > 0 {
		c.ProxyPool.Proxies = proxies
		c.ProxyPool.Enabled = true
	}

	// Rental provider API keys (OTISTX_RENTAL_<TIER>_API_KEY)
	for i := range c.Rental.Tiers {
		envName := "OTISTX_RENTAL_" + strings.ToUpper(c.Rental.Tiers[i].Name) + "_API_KEY"
		setIfEnv(&c.Rental.Tiers[i].APIKey, envName)
	}

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "OTISTX_RATE_LIMIT_GLOBAL_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "OTISTX_RATE_LIMIT_PER_IP_ENABLED")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "OTISTX_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// loadIndexedList loads a numbered list of environment variables sharing a
// prefix (PREFIX_1, PREFIX_2, ...), stopping at the first missing index.
func loadIndexedList(prefix string) []string {
	var values []string
	for i := 1; i <= 100; i++ {
		val := os.Getenv(prefix + "_" + strconv.Itoa(i))
		if val == "" {
			break
		}
		values = append(values, val)
	}
	return values
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "otistx" -> "/otistx"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
