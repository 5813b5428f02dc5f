package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development.
// Every map is guarded by a single mutex; the wallet operations additionally
// rely on that same mutex to serialize charge/refund against concurrent
// callers for the same user, mirroring the teacher's single-lock MemoryStore.
type MemoryStore struct {
	mu sync.Mutex

	users        map[string]*User
	transactions map[string]*Transaction
	txByRef      map[string]string // reference -> transaction ID

	idempotency map[string]*IdempotencyRecord

	rentalSessions map[string]*RentalSession

	voucherOps      map[string]*VoucherOperation
	voucherResults  map[string][]*VoucherSaveResult

	rapidChecks        map[string]*RapidCheck
	rapidByFingerprint map[string]string

	proxies map[string]*ProxyEntry

	prices map[string]*ServicePrice

	activity []*ActivityEntry
}

// NewMemoryStore builds an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:              make(map[string]*User),
		transactions:       make(map[string]*Transaction),
		txByRef:            make(map[string]string),
		idempotency:        make(map[string]*IdempotencyRecord),
		rentalSessions:     make(map[string]*RentalSession),
		voucherOps:         make(map[string]*VoucherOperation),
		voucherResults:     make(map[string][]*VoucherSaveResult),
		rapidChecks:        make(map[string]*RapidCheck),
		rapidByFingerprint: make(map[string]string),
		proxies:            make(map[string]*ProxyEntry),
		prices:             make(map[string]*ServicePrice),
	}
}

func (m *MemoryStore) Close() error { return nil }

// SeedProxy inserts or replaces a proxy pool entry directly, bypassing the
// usual RecordProxyUsage/DeactivateProxy flow. Used by admin provisioning
// and by tests that need fixture proxy entries.
func (m *MemoryStore) SeedProxy(p *ProxyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proxies[p.ID] = &cp
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) recordTxLocked(userID string, txType TxnType, amount int64, reference, description string, before, after int64) *Transaction {
	txn := &Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		Reference:     reference,
		Status:        TxnCompleted,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		CreatedAt:     time.Now(),
	}
	m.transactions[txn.ID] = txn
	if reference != "" {
		m.txByRef[reference] = txn.ID
	}
	return txn
}

func (m *MemoryStore) ChargeWallet(_ context.Context, userID string, amount int64, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if txID, ok := m.txByRef[reference]; ok {
			cp := *m.transactions[txID]
			return &cp, ErrConflict
		}
	}

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Balance < amount {
		return nil, ErrInsufficientBalance
	}
	before := u.Balance
	u.Balance -= amount
	txn := m.recordTxLocked(userID, TxnCharge, -amount, reference, description, before, u.Balance)
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) RefundWallet(_ context.Context, userID string, amount int64, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if txID, ok := m.txByRef[reference]; ok {
			cp := *m.transactions[txID]
			return &cp, ErrConflict
		}
	}

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	before := u.Balance
	u.Balance += amount
	txn := m.recordTxLocked(userID, TxnRefund, amount, reference, description, before, u.Balance)
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) AdjustWallet(_ context.Context, userID string, delta int64, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if delta < 0 && u.Balance+delta < 0 {
		return nil, ErrInsufficientBalance
	}
	before := u.Balance
	u.Balance += delta
	txType := TxnCredit
	if delta < 0 {
		txType = TxnDebit
	}
	txn := m.recordTxLocked(userID, txType, delta, "", description, before, u.Balance)
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.transactions {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetTransactionByReference(_ context.Context, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txID, ok := m.txByRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.transactions[txID]
	return &cp, nil
}

func (m *MemoryStore) GetIdempotencyRecord(_ context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutIdempotencyRecord(_ context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.idempotency[rec.Key]; exists {
		return ErrConflict
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.idempotency[rec.Key] = &cp
	return nil
}

func (m *MemoryStore) DeleteIdempotencyRecordsOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.idempotency {
		if r.CreatedAt.Before(cutoff) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateRentalSession(_ context.Context, s *RentalSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	m.rentalSessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRentalSession(_ context.Context, id string) (*RentalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rentalSessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateRentalSession(_ context.Context, s *RentalSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rentalSessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.rentalSessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveRentalSessions(_ context.Context, userID string) ([]*RentalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RentalSession
	for _, s := range m.rentalSessions {
		if s.UserID != userID {
			continue
		}
		switch s.Status {
		case SessionCreated, SessionWaiting, SessionAllocated:
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredRentalSessions(_ context.Context, cutoff time.Time) ([]*RentalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RentalSession
	for _, s := range m.rentalSessions {
		switch s.Status {
		case SessionCreated, SessionWaiting, SessionAllocated:
			if s.ExpiresAt.Before(cutoff) {
				cp := *s
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateVoucherOperation(_ context.Context, op *VoucherOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	cp := *op
	m.voucherOps[op.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateVoucherOperation(_ context.Context, op *VoucherOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.voucherOps[op.ID]; !ok {
		return ErrNotFound
	}
	cp := *op
	m.voucherOps[op.ID] = &cp
	return nil
}

func (m *MemoryStore) GetVoucherOperation(_ context.Context, id string) (*VoucherOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.voucherOps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryStore) AddVoucherSaveResult(_ context.Context, r *VoucherSaveResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cp := *r
	m.voucherResults[r.OperationID] = append(m.voucherResults[r.OperationID], &cp)
	return nil
}

func (m *MemoryStore) GetRapidCheckByFingerprint(_ context.Context, fingerprint string) (*RapidCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rapidByFingerprint[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.rapidChecks[id]
	return &cp, nil
}

func (m *MemoryStore) CreateRapidCheck(_ context.Context, c *RapidCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.rapidChecks[c.ID] = &cp
	m.rapidByFingerprint[c.CookieFingerprint] = c.ID
	return nil
}

func (m *MemoryStore) ListActiveProxies(_ context.Context) ([]*ProxyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProxyEntry
	for _, p := range m.proxies {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordProxyUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return ErrNotFound
	}
	p.UsageCount++
	p.LastUsedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeactivateProxy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

func (m *MemoryStore) GetServicePrice(_ context.Context, serviceKey string) (*ServicePrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[serviceKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetServicePrice(_ context.Context, p *ServicePrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.prices[p.ServiceKey] = &cp
	return nil
}

func (m *MemoryStore) RecordActivity(_ context.Context, e *ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.activity = append(m.activity, &cp)
	return nil
}

func (m *MemoryStore) ListActivity(_ context.Context, userID string, limit int) ([]*ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ActivityEntry
	for i := len(m.activity) - 1; i >= 0; i-- {
		e := m.activity[i]
		if userID != "" && e.UserID != userID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteActivityOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.activity[:0]
	n := 0
	for _, e := range m.activity {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.activity = kept
	return n, nil
}
