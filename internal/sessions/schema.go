package sessions

import (
	"context"
	"database/sql"
)

// EnsureSchema creates the session_locks table backing DBLocker if it
// does not already exist. Safe to call on every process start.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_locks (
			session_id TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			expires_at  TIMESTAMP NOT NULL
		)
	`)
	return err
}
