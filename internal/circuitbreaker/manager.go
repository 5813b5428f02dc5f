package circuitbreaker

import (
	"time"

	"github.com/otistx/backend/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ServiceType identifies an external upstream for circuit breaker isolation.
// The platform itself gets a fixed ServiceType; each configured SMS provider
// tier gets its own dynamically-named ServiceType so a failing provider
// cannot trip the breaker for its siblings.
type ServiceType string

// ServicePlatform is the fixed ServiceType for the core account-management
// platform upstream (tracking/account bulk checks, bank deposit verification).
const ServicePlatform ServiceType = "platform"

// ProviderService returns the ServiceType for a configured rental provider tier.
func ProviderService(tierName string) ServiceType {
	return ServiceType("provider:" + tierName)
}

// Manager manages circuit breakers for different external services.
// Provides bulkhead isolation - each service has its own circuit breaker
// to prevent cascading failures across service boundaries.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// NewManagerFromConfig builds a Manager from the application config: one
// breaker for the platform upstream, plus one per configured rental provider
// tier (falling back to the platform's settings for any tier without an
// explicit override in cfg.Providers).
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, providerTierNames []string) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}

	if !cfg.Enabled {
		return m
	}

	m.breakers[ServicePlatform] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServicePlatform), cfg.Platform))

	for _, tierName := range providerTierNames {
		svc := ProviderService(tierName)
		breakerCfg := cfg.Platform
		if override, ok := cfg.Providers[tierName]; ok {
			breakerCfg = override
		}
		m.breakers[svc] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(svc), breakerCfg))
	}

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breaker is disabled or not configured for the service, executes directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if !m.enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg config.BreakerServiceConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval.Duration,
		Timeout:     cfg.Timeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultBreakerConfig returns sensible defaults for a single breaker.
func DefaultBreakerConfig() config.BreakerServiceConfig {
	return config.BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            config.Duration{Duration: 60 * time.Second},
		Timeout:             config.Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}
