package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/imsync/internal/store"
)

const outboxColumns = `id, op_type, method, path, body, query, status, created_at, retries, max_retries, idempotency_key, local_id, last_error`

// Enqueue adds an operation to the outbox.
func (db *DB) Enqueue(ctx context.Context, op *store.OutboxOperation) error {
	query, err := encodeJSON(op.Query)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	now := time.Now().UnixMilli()
	created := millis(op.CreatedAt)
	if created == 0 {
		created = now
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO outbox (`+outboxColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.OpType, op.Method, op.Path, string(op.Body), query, op.Status, created,
		op.Retries, op.MaxRetries, op.IdempotencyKey, op.LocalID, op.LastError, now)
	return err
}

// DequeueReady returns pending operations oldest first and marks them
// inflight within the same transaction.
func (db *DB) DequeueReady(ctx context.Context, limit int) ([]*store.OutboxOperation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, store.OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	ops, err := scanOps(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ?, updated_at = ? WHERE id = ?`,
			store.OutboxInflight, now, op.ID); err != nil {
			return nil, fmt.Errorf("mark inflight %q: %w", op.ID, err)
		}
		op.Status = store.OutboxInflight
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return ops, nil
}

// Ack removes a confirmed operation.
func (db *DB) Ack(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// Nack records a failed attempt and returns the operation to pending, or
// marks it failed once the retry budget is spent.
func (db *DB) Nack(ctx context.Context, id, errMsg string, retries int) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET
			retries = ?,
			last_error = ?,
			status = CASE WHEN ? >= max_retries THEN ? ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		retries, errMsg, retries, store.OutboxFailed, store.OutboxPending, time.Now().UnixMilli(), id)
	return err
}

// PendingCount returns the number of operations waiting to be sent.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = ?`, store.OutboxPending).Scan(&n)
	return n, err
}

// Operation returns an outbox operation in any state, or nil.
func (db *DB) Operation(ctx context.Context, id string) (*store.OutboxOperation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	ops, err := scanOps(rows)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return ops[0], nil
}

func scanOps(rows *sql.Rows) ([]*store.OutboxOperation, error) {
	defer func() { _ = rows.Close() }()

	var ops []*store.OutboxOperation
	for rows.Next() {
		var (
			op          store.OutboxOperation
			body, query string
			created     int64
		)
		if err := rows.Scan(&op.ID, &op.OpType, &op.Method, &op.Path, &body, &query, &op.Status, &created,
			&op.Retries, &op.MaxRetries, &op.IdempotencyKey, &op.LocalID, &op.LastError); err != nil {
			return nil, err
		}
		if body != "" {
			op.Body = []byte(body)
		}
		if err := decodeJSON(query, &op.Query); err != nil {
			return nil, fmt.Errorf("decode query of %q: %w", op.ID, err)
		}
		op.CreatedAt = fromMillis(created)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
