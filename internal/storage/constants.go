package storage

import "time"

const (
	// CleanupInterval is a default sweep interval; no sweep in the module
	// reads it.
	CleanupInterval = 1 * time.Hour

	// IdempotencyRetention is the default retention window for idempotency
	// index rows in DefaultArchivalConfig; a shorter configured value is not
	// rejected.
	IdempotencyRetention = 90 * 24 * time.Hour
)
