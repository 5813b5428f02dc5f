package storage

import (
	"context"
	"database/sql"
	"time"
)

const (
	// DefaultQueryTimeout is the maximum time allowed for database queries.
	// This prevents queries from hanging indefinitely and causing cascading failures.
	DefaultQueryTimeout = 5 * time.Second
)

// withQueryTimeout wraps the context with a query timeout if one isn't already set.
// This ensures all database operations have a reasonable deadline while respecting
// any existing timeout that the caller may have set.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	// Check if context already has a deadline
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		// Context already has timeout, don't override it
		return ctx, func() {}
	}
	// Add default query timeout
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// nullTime renders a zero time.Time as SQL NULL rather than the Postgres
// epoch "0001-01-01", so an unset optional timestamp reads back as zero.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
