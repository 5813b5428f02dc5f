package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/otistx/backend/internal/config"
)

// PostgresStore implements Store using PostgreSQL. Wallet mutations take a
// row lock on the users table (SELECT ... FOR UPDATE) inside a transaction
// so concurrent charges against the same user serialize at the database
// rather than relying on an in-process mutex, mirroring the teacher's use
// of transactional batch inserts for conflict-safe writes.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStore opens a connection pool and creates the schema if absent.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an already-open pool, for sharing one pool
// across stores built by the same process.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT 'user',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		reference TEXT,
		status TEXT NOT NULL,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		description TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS transactions_reference_idx ON transactions(reference) WHERE reference <> '';
	CREATE INDEX IF NOT EXISTS transactions_user_id_idx ON transactions(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS idempotency_index (
		key TEXT PRIMARY KEY,
		transaction_id TEXT,
		result_fingerprint TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS rental_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		carrier TEXT,
		phone_number TEXT,
		provider_request_id TEXT,
		status TEXT NOT NULL,
		start_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		otp_code TEXT,
		cost BIGINT NOT NULL,
		provider_response JSONB,
		last_otp_poll_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS rental_sessions_user_idx ON rental_sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS rental_sessions_expiry_idx ON rental_sessions(status, expires_at);

	CREATE TABLE IF NOT EXISTS voucher_operations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT,
		cookie_preview TEXT,
		status TEXT NOT NULL,
		total_found INT NOT NULL DEFAULT 0,
		successful_saves INT NOT NULL DEFAULT 0,
		failed_saves INT NOT NULL DEFAULT 0,
		charge_transaction_id TEXT,
		refund_transaction_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS voucher_save_results (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL REFERENCES voucher_operations(id),
		voucher_code TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		error_code INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS rapid_checks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		cookie_fingerprint TEXT NOT NULL,
		cookie_preview TEXT,
		status BOOLEAN NOT NULL,
		driver_phone TEXT,
		driver_name TEXT,
		vehicle_plate TEXT,
		orders JSONB,
		charge_transaction_id TEXT,
		refund_transaction_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS rapid_checks_fingerprint_idx ON rapid_checks(cookie_fingerprint, created_at DESC);

	CREATE TABLE IF NOT EXISTS proxy_entries (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		username TEXT,
		password TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMPTZ,
		usage_count BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS service_prices (
		service_key TEXT PRIMARY KEY,
		price BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		event TEXT NOT NULL,
		severity TEXT NOT NULL,
		detail JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS activity_log_created_idx ON activity_log(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, role, active, balance, created_at FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Role, &u.Active, &u.Balance, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if u.Role == "" {
		u.Role = RoleUser
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, role, active, balance) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Role, u.Active, u.Balance,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// walletMutation applies delta to the user's balance under a row lock and
// inserts the accompanying transaction row, all inside one DB transaction.
// When reference is non-empty and a transaction with that reference already
// exists, it returns the existing row and ErrConflict without reapplying
// the delta — the claim-then-verify pattern the teacher used for payment
// idempotency.
func (s *PostgresStore) walletMutation(ctx context.Context, userID string, delta int64, txType TxnType, reference, description string, requireFunds bool) (*Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin wallet tx: %w", err)
	}
	defer dbTx.Rollback()

	if reference != "" {
		var existingID string
		err := dbTx.QueryRowContext(ctx,
			`SELECT id FROM transactions WHERE reference = $1`, reference,
		).Scan(&existingID)
		if err == nil {
			existing, getErr := s.getTransactionTx(ctx, dbTx, existingID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, ErrConflict
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("check reference: %w", err)
		}
	}

	var before int64
	err = dbTx.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&before)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	after := before + delta
	if requireFunds && after < 0 {
		return nil, ErrInsufficientBalance
	}

	if _, err := dbTx.ExecContext(ctx, `UPDATE users SET balance = $1 WHERE id = $2`, after, userID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	txn := &Transaction{
		ID:            newID(),
		UserID:        userID,
		Type:          txType,
		Amount:        delta,
		Reference:     reference,
		Status:        TxnCompleted,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		CreatedAt:     time.Now(),
	}
	var refCol interface{}
	if reference != "" {
		refCol = reference
	}
	if _, err := dbTx.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, reference, status, balance_before, balance_after, description, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		txn.ID, txn.UserID, txn.Type, txn.Amount, refCol, txn.Status, txn.BalanceBefore, txn.BalanceAfter, txn.Description, txn.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit wallet tx: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) getTransactionTx(ctx context.Context, dbTx *sql.Tx, id string) (*Transaction, error) {
	t := &Transaction{}
	var ref sql.NullString
	err := dbTx.QueryRowContext(ctx,
		`SELECT id, user_id, type, amount, COALESCE(reference,''), status, balance_before, balance_after, COALESCE(description,''), created_at
		 FROM transactions WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &ref, &t.Status, &t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	t.Reference = ref.String
	return t, nil
}

func (s *PostgresStore) ChargeWallet(ctx context.Context, userID string, amount int64, reference, description string) (*Transaction, error) {
	return s.walletMutation(ctx, userID, -amount, TxnCharge, reference, description, true)
}

func (s *PostgresStore) RefundWallet(ctx context.Context, userID string, amount int64, reference, description string) (*Transaction, error) {
	return s.walletMutation(ctx, userID, amount, TxnRefund, reference, description, false)
}

func (s *PostgresStore) AdjustWallet(ctx context.Context, userID string, delta int64, description string) (*Transaction, error) {
	txType := TxnCredit
	if delta < 0 {
		txType = TxnDebit
	}
	return s.walletMutation(ctx, userID, delta, txType, "", description, delta < 0)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, COALESCE(reference,''), status, balance_before, balance_after, COALESCE(description,''), created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reference, &t.Status, &t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	t := &Transaction{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, amount, COALESCE(reference,''), status, balance_before, balance_after, COALESCE(description,''), created_at
		 FROM transactions WHERE reference = $1`, reference,
	).Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reference, &t.Status, &t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by reference: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	r := &IdempotencyRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT key, COALESCE(transaction_id,''), COALESCE(result_fingerprint,''), created_at FROM idempotency_index WHERE key = $1`, key,
	).Scan(&r.Key, &r.TransactionID, &r.ResultFingerprint, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_index (key, transaction_id, result_fingerprint) VALUES ($1,$2,$3)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.TransactionID, rec.ResultFingerprint,
	)
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) DeleteIdempotencyRecordsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_index WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CreateRentalSession(ctx context.Context, sess *RentalSession) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if sess.ID == "" {
		sess.ID = newID()
	}
	resp, _ := json.Marshal(sess.ProviderResponse)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rental_sessions (id, user_id, tier, carrier, phone_number, provider_request_id, status, start_at, expires_at, completed_at, otp_code, cost, provider_response, last_otp_poll_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sess.ID, sess.UserID, sess.Tier, sess.Carrier, sess.PhoneNumber, sess.ProviderRequestID, sess.Status,
		sess.StartAt, sess.ExpiresAt, sess.CompletedAt, sess.OTPCode, sess.Cost, resp, nullTime(sess.LastOTPPollAt),
	)
	if err != nil {
		return fmt.Errorf("create rental session: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRentalSession(row interface {
	Scan(dest ...interface{}) error
}) (*RentalSession, error) {
	sess := &RentalSession{}
	var resp []byte
	var lastOTPPoll sql.NullTime
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Tier, &sess.Carrier, &sess.PhoneNumber, &sess.ProviderRequestID,
		&sess.Status, &sess.StartAt, &sess.ExpiresAt, &sess.CompletedAt, &sess.OTPCode, &sess.Cost, &resp, &lastOTPPoll)
	if err != nil {
		return nil, err
	}
	sess.ProviderResponse = resp
	if lastOTPPoll.Valid {
		sess.LastOTPPollAt = lastOTPPoll.Time
	}
	return sess, nil
}

func (s *PostgresStore) GetRentalSession(ctx context.Context, id string) (*RentalSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tier, carrier, phone_number, provider_request_id, status, start_at, expires_at, completed_at, otp_code, cost, provider_response, last_otp_poll_at
		 FROM rental_sessions WHERE id = $1`, id)
	sess, err := s.scanRentalSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rental session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateRentalSession(ctx context.Context, sess *RentalSession) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	resp, _ := json.Marshal(sess.ProviderResponse)
	res, err := s.db.ExecContext(ctx,
		`UPDATE rental_sessions SET phone_number=$1, provider_request_id=$2, status=$3, completed_at=$4, otp_code=$5, provider_response=$6, last_otp_poll_at=$7
		 WHERE id = $8`,
		sess.PhoneNumber, sess.ProviderRequestID, sess.Status, sess.CompletedAt, sess.OTPCode, resp, nullTime(sess.LastOTPPollAt), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update rental session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveRentalSessions(ctx context.Context, userID string) ([]*RentalSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, tier, carrier, phone_number, provider_request_id, status, start_at, expires_at, completed_at, otp_code, cost, provider_response, last_otp_poll_at
		 FROM rental_sessions WHERE user_id = $1 AND status IN ('created','waiting','allocated')`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active rental sessions: %w", err)
	}
	defer rows.Close()
	var out []*RentalSession
	for rows.Next() {
		sess, err := s.scanRentalSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiredRentalSessions(ctx context.Context, cutoff time.Time) ([]*RentalSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, tier, carrier, phone_number, provider_request_id, status, start_at, expires_at, completed_at, otp_code, cost, provider_response, last_otp_poll_at
		 FROM rental_sessions WHERE status IN ('created','waiting','allocated') AND expires_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired rental sessions: %w", err)
	}
	defer rows.Close()
	var out []*RentalSession
	for rows.Next() {
		sess, err := s.scanRentalSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateVoucherOperation(ctx context.Context, op *VoucherOperation) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if op.ID == "" {
		op.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voucher_operations (id, user_id, session_id, cookie_preview, status, total_found, successful_saves, failed_saves, charge_transaction_id, refund_transaction_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		op.ID, op.UserID, op.SessionID, op.CookiePreview, op.Status, op.TotalFound, op.SuccessfulSaves, op.FailedSaves, op.ChargeTransactionID, op.RefundTransactionID,
	)
	if err != nil {
		return fmt.Errorf("create voucher operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateVoucherOperation(ctx context.Context, op *VoucherOperation) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE voucher_operations SET status=$1, total_found=$2, successful_saves=$3, failed_saves=$4, charge_transaction_id=$5, refund_transaction_id=$6
		 WHERE id = $7`,
		op.Status, op.TotalFound, op.SuccessfulSaves, op.FailedSaves, op.ChargeTransactionID, op.RefundTransactionID, op.ID,
	)
	if err != nil {
		return fmt.Errorf("update voucher operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetVoucherOperation(ctx context.Context, id string) (*VoucherOperation, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	op := &VoucherOperation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, COALESCE(session_id,''), COALESCE(cookie_preview,''), status, total_found, successful_saves, failed_saves, COALESCE(charge_transaction_id,''), COALESCE(refund_transaction_id,''), created_at
		 FROM voucher_operations WHERE id = $1`, id,
	).Scan(&op.ID, &op.UserID, &op.SessionID, &op.CookiePreview, &op.Status, &op.TotalFound, &op.SuccessfulSaves, &op.FailedSaves, &op.ChargeTransactionID, &op.RefundTransactionID, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voucher operation: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) AddVoucherSaveResult(ctx context.Context, r *VoucherSaveResult) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if r.ID == "" {
		r.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voucher_save_results (id, operation_id, voucher_code, attempts, success, error_code)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.OperationID, r.VoucherCode, r.Attempts, r.Success, r.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("add voucher save result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRapidCheckByFingerprint(ctx context.Context, fingerprint string) (*RapidCheck, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	c := &RapidCheck{}
	var orders []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, cookie_fingerprint, COALESCE(cookie_preview,''), status, COALESCE(driver_phone,''), COALESCE(driver_name,''), COALESCE(vehicle_plate,''), orders, COALESCE(charge_transaction_id,''), COALESCE(refund_transaction_id,''), created_at
		 FROM rapid_checks WHERE cookie_fingerprint = $1 ORDER BY created_at DESC LIMIT 1`, fingerprint,
	).Scan(&c.ID, &c.UserID, &c.CookieFingerprint, &c.CookiePreview, &c.Status, &c.DriverPhone, &c.DriverName, &c.VehiclePlate, &orders, &c.ChargeTransactionID, &c.RefundTransactionID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rapid check: %w", err)
	}
	c.Orders = orders
	return c, nil
}

func (s *PostgresStore) CreateRapidCheck(ctx context.Context, c *RapidCheck) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if c.ID == "" {
		c.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rapid_checks (id, user_id, cookie_fingerprint, cookie_preview, status, driver_phone, driver_name, vehicle_plate, orders, charge_transaction_id, refund_transaction_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.UserID, c.CookieFingerprint, c.CookiePreview, c.Status, c.DriverPhone, c.DriverName, c.VehiclePlate, c.Orders, c.ChargeTransactionID, c.RefundTransactionID,
	)
	if err != nil {
		return fmt.Errorf("create rapid check: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveProxies(ctx context.Context) ([]*ProxyEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, COALESCE(username,''), COALESCE(password,''), active, last_used_at, usage_count
		 FROM proxy_entries WHERE active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("list active proxies: %w", err)
	}
	defer rows.Close()
	var out []*ProxyEntry
	for rows.Next() {
		p := &ProxyEntry{}
		var lastUsed sql.NullTime
		if err := rows.Scan(&p.ID, &p.Address, &p.Username, &p.Password, &p.Active, &lastUsed, &p.UsageCount); err != nil {
			return nil, fmt.Errorf("scan proxy entry: %w", err)
		}
		p.LastUsedAt = lastUsed.Time
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordProxyUsage(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE proxy_entries SET usage_count = usage_count + 1, last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record proxy usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateProxy(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE proxy_entries SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate proxy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetServicePrice(ctx context.Context, serviceKey string) (*ServicePrice, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	p := &ServicePrice{}
	err := s.db.QueryRowContext(ctx,
		`SELECT service_key, price, updated_at FROM service_prices WHERE service_key = $1`, serviceKey,
	).Scan(&p.ServiceKey, &p.Price, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service price: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetServicePrice(ctx context.Context, p *ServicePrice) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_prices (service_key, price, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (service_key) DO UPDATE SET price = EXCLUDED.price, updated_at = now()`,
		p.ServiceKey, p.Price,
	)
	if err != nil {
		return fmt.Errorf("set service price: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordActivity(ctx context.Context, e *ActivityEntry) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if e.ID == "" {
		e.ID = newID()
	}
	detail, _ := json.Marshal(e.Detail)
	var userCol interface{}
	if e.UserID != "" {
		userCol = e.UserID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, user_id, event, severity, detail) VALUES ($1,$2,$3,$4,$5)`,
		e.ID, userCol, e.Event, e.Severity, detail,
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, userID string, limit int) ([]*ActivityEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if userID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, COALESCE(user_id,''), event, severity, detail, created_at FROM activity_log
			 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, COALESCE(user_id,''), event, severity, detail, created_at FROM activity_log
			 ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEntry
	for rows.Next() {
		e := &ActivityEntry{}
		var detail []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Event, &e.Severity, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteActivityOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete activity: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
