package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker answers request-dedup lookups against the
// operation log for keys that have aged out of the in-memory LRU.
// Implements core.DBIdempotencyChecker.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether an operation with this request ID was
// already committed. The lookup is bounded: a slow database must not
// stall the ledger.
func (pic *PostgresIdempotencyChecker) IsDuplicate(operation string, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM operation_log.events
		WHERE operation = $1 AND request_id = $2
		LIMIT 1
	`, operation, requestID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
