// Package sqlite is the embedded-database store.Storage backend. Schema is
// managed with golang-migrate; every table maps one entity of the store
// package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/imsync/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection holding the local replica.
type DB struct {
	*sql.DB
	update sync.Mutex
}

var (
	_ store.Storage         = (*DB)(nil)
	_ store.Searcher        = (*DB)(nil)
	_ store.SizeReporter    = (*DB)(nil)
	_ store.Pruner          = (*DB)(nil)
	_ store.MessageReplacer = (*DB)(nil)
	_ store.Updater         = (*DB)(nil)
)

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serialises read-modify-write sequences.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// Init runs pending migrations and requeues operations a previous process
// left inflight.
func (db *DB) Init(ctx context.Context) error {
	if _, err := db.Migrate(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?`,
		store.OutboxPending, time.Now().UnixMilli(), store.OutboxInflight)
	if err != nil {
		return fmt.Errorf("requeue inflight: %w", err)
	}
	return nil
}

// Update runs fn serialized against other Update calls. SQLite
// transactions cannot span the separate Storage calls fn makes.
func (db *DB) Update(ctx context.Context, fn func() error) error {
	db.update.Lock()
	defer db.update.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Clear deletes every row the store owns. Migration state is kept.
func (db *DB) Clear(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "conversations", "contacts", "sync_state", "outbox"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// StorageSize reports row counts per table.
func (db *DB) StorageSize(ctx context.Context) (*store.StorageSize, error) {
	var s store.StorageSize
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM contacts),
			(SELECT COUNT(*) FROM outbox)`).
		Scan(&s.Messages, &s.Conversations, &s.Contacts, &s.Outbox)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encodeJSON stores nil values as the empty string.
func encodeJSON(v any) (string, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return "", nil
		}
	case []store.Member:
		if x == nil {
			return "", nil
		}
	case map[string]string:
		if x == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
