package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetCursor updates a sync checkpoint value.
func (db *DB) SetCursor(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCursor retrieves a sync checkpoint value, or "" if it was never set.
func (db *DB) GetCursor(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
