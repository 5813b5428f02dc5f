// Package audit implements the append-only activity log of spec §4.M. It is
// grounded on the teacher's internal/observability hook-registry pattern
// (hooks.go/registry.go): a pluggable Hook interface fanned out by a
// Registry, originally used for per-subsystem payment/webhook/refund/cart/
// RPC/database event categories. This domain has one event stream — login,
// balance-change, admin adjustment, session-lifecycle transitions, refund
// attempts, rate-limit trips (spec §4.M) — so the teacher's six parallel
// hook interfaces collapse into a single Event type and Hook interface;
// the fan-out/registration shape is otherwise unchanged.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/storage"
)

// Event is one domain occurrence to be recorded.
type Event struct {
	UserID    string
	Type      string // e.g. "login", "balance_change", "session_transition", "refund_attempt", "rate_limit_trip"
	Severity  storage.ActivitySeverity
	Detail    map[string]string
	CreatedAt time.Time
}

// Hook receives every recorded Event. Implementations must not block for
// long or panic; the registry logs and continues past а failing hook.
type Hook interface {
	Name() string
	OnEvent(ctx context.Context, e Event)
}

// Registry fans an Event out to every registered Hook and is the single
// entry point callers use to record activity, mirroring the teacher's
// Registry.Dispatch* shape.
type Registry struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger zerolog.Logger
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds hook to the fan-out set.
func (r *Registry) Register(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("audit.hook_registered")
}

// Record timestamps e (if unset) and dispatches it to every registered hook.
func (r *Registry) Record(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Severity == "" {
		e.Severity = storage.SeverityInfo
	}

	r.mu.RLock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Str("hook", h.Name()).Interface("panic", rec).Msg("audit.hook_panicked")
				}
			}()
			h.OnEvent(ctx, e)
		}()
	}
}

// Urgent is a convenience wrapper for events that need operator attention,
// e.g. a refund that failed all retry attempts (§4.J, §7).
func (r *Registry) Urgent(ctx context.Context, userID, eventType string, detail map[string]string) {
	r.Record(ctx, Event{UserID: userID, Type: eventType, Severity: storage.SeverityUrgent, Detail: detail})
}

// StorageHook persists every event as an ActivityEntry row (§4.M:
// "append-only log of user and system events").
type StorageHook struct {
	store storage.Store
}

// NewStorageHook builds a StorageHook over store.
func NewStorageHook(store storage.Store) *StorageHook {
	return &StorageHook{store: store}
}

func (h *StorageHook) Name() string { return "storage" }

func (h *StorageHook) OnEvent(ctx context.Context, e Event) {
	_ = h.store.RecordActivity(ctx, &storage.ActivityEntry{
		UserID:    e.UserID,
		Event:     e.Type,
		Severity:  e.Severity,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	})
}

// LoggingHook emits every event as a structured zerolog line, grounded on
// the teacher's logging-hook example (internal/observability/examples/
// logging_hook.go), useful when no durable store is configured.
type LoggingHook struct {
	logger zerolog.Logger
}

// NewLoggingHook builds a LoggingHook.
func NewLoggingHook(logger zerolog.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) Name() string { return "logging" }

func (h *LoggingHook) OnEvent(ctx context.Context, e Event) {
	evt := h.logger.Info()
	if e.Severity == storage.SeverityUrgent {
		evt = h.logger.Warn()
	}
	fields := zerolog.Dict()
	for k, v := range e.Detail {
		fields = fields.Str(k, v)
	}
	evt.Str("user_id", e.UserID).Str("event", e.Type).Str("severity", string(e.Severity)).
		Dict("detail", fields).Msg("audit.event")
}

// PrometheusHook adapts every event into the audit_events_total counter,
// grounded on the teacher's PrometheusHook adapter
// (internal/observability/prometheus_hook.go).
type PrometheusHook struct {
	metrics interface {
		ObserveAuditEvent(eventType, severity string)
	}
}

// NewPrometheusHook builds a PrometheusHook over a metrics collector.
func NewPrometheusHook(m interface {
	ObserveAuditEvent(eventType, severity string)
}) *PrometheusHook {
	return &PrometheusHook{metrics: m}
}

func (h *PrometheusHook) Name() string { return "prometheus" }

func (h *PrometheusHook) OnEvent(ctx context.Context, e Event) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveAuditEvent(e.Type, string(e.Severity))
}
