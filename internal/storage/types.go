package storage

import "time"

// UserRole enumerates account privilege levels.
type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleAdmin      UserRole = "admin"
	RoleSuperadmin UserRole = "superadmin"
)

// User is an account holding a prepaid wallet balance.
type User struct {
	ID        string
	Role      UserRole
	Active    bool
	Balance   int64 // integer VND, never negative after a committed transaction
	CreatedAt time.Time
}

// TxnType enumerates the ledger transaction kinds.
type TxnType string

const (
	TxnCharge TxnType = "charge"
	TxnRefund TxnType = "refund"
	TxnCredit TxnType = "credit"
	TxnDebit  TxnType = "debit"
)

// TxnStatus is the lifecycle state of a ledger row.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnFailed    TxnStatus = "failed"
)

// Transaction is one append-only ledger row.
type Transaction struct {
	ID             string
	UserID         string
	Type           TxnType
	Amount         int64 // signed: positive for credit/refund, negative for charge/debit
	Reference      string // empty when not idempotency-tracked
	Status         TxnStatus
	BalanceBefore  int64
	BalanceAfter   int64
	Description    string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// RentalTier identifies one of the three SMS-provider-backed rental offerings
// plus the secondary platform tier.
type RentalTier string

const (
	TierProviderAlpha RentalTier = "tier_alpha"
	TierProviderBeta  RentalTier = "tier_beta"
	TierProviderGamma RentalTier = "tier_gamma"
	TierPlatform      RentalTier = "tier_platform"
)

// SessionStatus is the rental session state-machine position.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionWaiting   SessionStatus = "waiting"
	SessionAllocated SessionStatus = "allocated"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionFailed    SessionStatus = "failed"
)

// RentalSession is one phone-number rental instance.
type RentalSession struct {
	ID                string
	UserID            string
	Tier              RentalTier
	Carrier           string
	PhoneNumber       string // empty until allocated
	ProviderRequestID string
	Status            SessionStatus
	StartAt           time.Time
	ExpiresAt         time.Time
	CompletedAt       *time.Time
	OTPCode           string
	Cost              int64
	ProviderResponse  []byte // opaque blob, archived to the document store
	LastOTPPollAt     time.Time // zero until the first GetOTP call; throttles Poll to one upstream call per interval
}

// VoucherStatus is the outcome of a voucher-saving operation.
type VoucherStatus string

const (
	VoucherPending VoucherStatus = "pending"
	VoucherSuccess VoucherStatus = "success"
	VoucherFailed  VoucherStatus = "failed"
)

// VoucherOperation tracks one voucher-saving attempt for a cookie session.
type VoucherOperation struct {
	ID                 string
	UserID             string
	SessionID          string
	CookiePreview      string
	Status             VoucherStatus
	TotalFound         int
	SuccessfulSaves    int
	FailedSaves        int
	ChargeTransactionID string
	RefundTransactionID string
	CreatedAt          time.Time
}

// VoucherSaveResult records the per-candidate outcome of a claim attempt.
type VoucherSaveResult struct {
	ID          string
	OperationID string
	VoucherCode string
	Attempts    int
	Success     bool
	ErrorCode   int
	CreatedAt   time.Time
}

// RapidCheck is a shipper-lookup result, reused within the dedup window.
type RapidCheck struct {
	ID                  string
	UserID              string
	CookieFingerprint   string
	CookiePreview       string
	Status              bool
	DriverPhone         string
	DriverName          string
	VehiclePlate        string
	Orders              []byte // opaque JSON blob, archived to the document store
	ChargeTransactionID string
	RefundTransactionID string
	CreatedAt           time.Time
}

// ProxyEntry is one upstream-facing proxy in the pool.
type ProxyEntry struct {
	ID         string
	Address    string
	Username   string
	Password   string
	Active     bool
	LastUsedAt time.Time
	UsageCount int64
}

// ServicePrice is the current price for one priced operation.
type ServicePrice struct {
	ServiceKey string
	Price      int64
	UpdatedAt  time.Time
}

// IdempotencyRecord maps an external reference key to its prior outcome.
type IdempotencyRecord struct {
	Key               string
	TransactionID     string
	ResultFingerprint string
	CreatedAt         time.Time
}

// ActivitySeverity classifies an audit log entry.
type ActivitySeverity string

const (
	SeverityInfo   ActivitySeverity = "info"
	SeverityUrgent ActivitySeverity = "urgent"
)

// ActivityEntry is one append-only audit log row.
type ActivityEntry struct {
	ID        string
	UserID    string
	Event     string
	Severity  ActivitySeverity
	Detail    map[string]string
	CreatedAt time.Time
}
