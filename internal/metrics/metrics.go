package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the backend.
type Metrics struct {
	// Wallet ledger metrics
	WalletChargesTotal *prometheus.CounterVec
	WalletRefundsTotal *prometheus.CounterVec
	WalletAmountTotal  *prometheus.CounterVec
	WalletOpDuration   *prometheus.HistogramVec
	WalletBalanceGauge *prometheus.GaugeVec

	// Upstream call metrics
	UpstreamCallsTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec
	UpstreamErrorsTotal  *prometheus.CounterVec
	CookieExpiredTotal   *prometheus.CounterVec

	// Phone rental metrics
	RentalSessionsTotal *prometheus.CounterVec
	RentalOTPDuration   *prometheus.HistogramVec
	RentalActiveGauge   prometheus.Gauge

	// Voucher saving metrics
	VoucherOpsTotal    *prometheus.CounterVec
	VoucherSavedTotal  prometheus.Counter
	VoucherFailedTotal prometheus.Counter

	// Rapid shipper check metrics
	RapidCheckTotal    *prometheus.CounterVec
	RapidCheckDedupHit prometheus.Counter

	// Rate limiting and queueing metrics
	RateLimitHitsTotal *prometheus.CounterVec
	QueueRejectedTotal *prometheus.CounterVec
	QueueOccupancy     prometheus.Gauge

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// System metrics
	ArchivalRunsTotal      prometheus.Counter
	ArchivalRecordsDeleted prometheus.Counter

	// Audit log metrics
	AuditEventsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		WalletChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_wallet_charges_total",
				Help: "Total number of wallet charge attempts",
			},
			[]string{"service", "status"},
		),
		WalletRefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_wallet_refunds_total",
				Help: "Total number of wallet refund attempts",
			},
			[]string{"service", "status"},
		),
		WalletAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_wallet_amount_total",
				Help: "Total VND moved through the wallet ledger",
			},
			[]string{"service", "direction"},
		),
		WalletOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otistx_wallet_op_duration_seconds",
				Help:    "Time taken to apply a wallet mutation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		WalletBalanceGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "otistx_wallet_balance_vnd",
				Help: "Last observed balance for a user, sampled on mutation",
			},
			[]string{"user_id"},
		),

		UpstreamCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_upstream_calls_total",
				Help: "Total number of upstream platform HTTP calls",
			},
			[]string{"provider", "operation"},
		),
		UpstreamCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otistx_upstream_call_duration_seconds",
				Help:    "Duration of upstream platform HTTP calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_upstream_errors_total",
				Help: "Total number of upstream call errors",
			},
			[]string{"provider", "error_type"},
		),
		CookieExpiredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_cookie_expired_total",
				Help: "Total number of upstream calls that detected an expired session cookie",
			},
			[]string{"provider"},
		),

		RentalSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_rental_sessions_total",
				Help: "Total number of phone rental sessions by terminal status",
			},
			[]string{"tier", "status"},
		),
		RentalOTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otistx_rental_otp_wait_seconds",
				Help:    "Time from session start to OTP arrival",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"tier"},
		),
		RentalActiveGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "otistx_rental_active_sessions",
				Help: "Number of rental sessions currently awaiting an OTP",
			},
		),

		VoucherOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_voucher_operations_total",
				Help: "Total number of voucher-saving operations by outcome",
			},
			[]string{"status"},
		),
		VoucherSavedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "otistx_vouchers_saved_total",
				Help: "Total number of individual vouchers successfully claimed",
			},
		),
		VoucherFailedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "otistx_vouchers_failed_total",
				Help: "Total number of individual voucher claims that exhausted retries",
			},
		),

		RapidCheckTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_rapid_check_total",
				Help: "Total number of rapid shipper checks by status",
			},
			[]string{"status"},
		),
		RapidCheckDedupHit: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "otistx_rapid_check_dedup_hits_total",
				Help: "Total number of rapid checks served from the dedup cache without a new charge",
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),
		QueueRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_queue_rejected_total",
				Help: "Total number of requests rejected because the bounded queue was full",
			},
			[]string{"queue"},
		),
		QueueOccupancy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "otistx_queue_occupancy",
				Help: "Current number of in-flight admissions in the global bounded queue",
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otistx_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "otistx_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		ArchivalRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "otistx_archival_runs_total",
				Help: "Total number of archival sweep runs",
			},
		),
		ArchivalRecordsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "otistx_archival_records_deleted_total",
				Help: "Total number of records deleted by archival sweeps",
			},
		),

		AuditEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otistx_audit_events_total",
				Help: "Total number of activity log events recorded, by type and severity",
			},
			[]string{"event_type", "severity"},
		),
	}
}

// ObserveWalletCharge records a wallet charge attempt.
func (m *Metrics) ObserveWalletCharge(service, status string, duration time.Duration, amount int64) {
	m.WalletChargesTotal.WithLabelValues(service, status).Inc()
	m.WalletOpDuration.WithLabelValues("charge").Observe(duration.Seconds())
	if status == "success" {
		m.WalletAmountTotal.WithLabelValues(service, "charge").Add(float64(amount))
	}
}

// ObserveWalletRefund records a wallet refund attempt.
func (m *Metrics) ObserveWalletRefund(service, status string, duration time.Duration, amount int64) {
	m.WalletRefundsTotal.WithLabelValues(service, status).Inc()
	m.WalletOpDuration.WithLabelValues("refund").Observe(duration.Seconds())
	if status == "success" {
		m.WalletAmountTotal.WithLabelValues(service, "refund").Add(float64(amount))
	}
}

// ObserveUpstreamCall records an upstream platform HTTP call.
func (m *Metrics) ObserveUpstreamCall(provider, operation string, duration time.Duration, err error, cookieExpired bool) {
	m.UpstreamCallsTotal.WithLabelValues(provider, operation).Inc()
	m.UpstreamCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())

	if cookieExpired {
		m.CookieExpiredTotal.WithLabelValues(provider).Inc()
	}

	if err != nil {
		errorType := "unknown"
		if errStr := err.Error(); errStr != "" {
			switch {
			case strings.Contains(errStr, "timeout"):
				errorType = "timeout"
			case strings.Contains(errStr, "rate limit"):
				errorType = "rate_limit"
			case strings.Contains(errStr, "connection"):
				errorType = "connection"
			case strings.Contains(errStr, "ssrf"):
				errorType = "ssrf_blocked"
			default:
				errorType = "other"
			}
		}
		m.UpstreamErrorsTotal.WithLabelValues(provider, errorType).Inc()
	}
}

// ObserveRentalSession records a phone rental session reaching a terminal status.
func (m *Metrics) ObserveRentalSession(tier, status string) {
	m.RentalSessionsTotal.WithLabelValues(tier, status).Inc()
}

// ObserveRentalOTP records the wait time until an OTP arrived.
func (m *Metrics) ObserveRentalOTP(tier string, wait time.Duration) {
	m.RentalOTPDuration.WithLabelValues(tier).Observe(wait.Seconds())
}

// ObserveVoucherOperation records a voucher-saving operation's outcome.
func (m *Metrics) ObserveVoucherOperation(status string, saved, failed int) {
	m.VoucherOpsTotal.WithLabelValues(status).Inc()
	m.VoucherSavedTotal.Add(float64(saved))
	m.VoucherFailedTotal.Add(float64(failed))
}

// ObserveRapidCheck records a rapid shipper check, distinguishing dedup
// cache hits from fresh lookups.
func (m *Metrics) ObserveRapidCheck(status string, dedupHit bool) {
	m.RapidCheckTotal.WithLabelValues(status).Inc()
	if dedupHit {
		m.RapidCheckDedupHit.Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveQueueRejection records the bounded queue refusing an admission.
func (m *Metrics) ObserveQueueRejection(queue string) {
	m.QueueRejectedTotal.WithLabelValues(queue).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveArchival records an archival sweep run.
func (m *Metrics) ObserveArchival(recordsDeleted int64) {
	m.ArchivalRunsTotal.Inc()
	m.ArchivalRecordsDeleted.Add(float64(recordsDeleted))
}

// ObserveAuditEvent records an activity log entry being recorded.
func (m *Metrics) ObserveAuditEvent(eventType, severity string) {
	m.AuditEventsTotal.WithLabelValues(eventType, severity).Inc()
}
