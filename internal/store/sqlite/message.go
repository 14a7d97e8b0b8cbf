package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/matheus3301/imsync/internal/store"
)

const messageColumns = `id, client_id, conversation_id, content, type, sender_id, parent_id, status, metadata, created_at, updated_at, sync_seq`

const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		client_id = excluded.client_id,
		conversation_id = excluded.conversation_id,
		content = excluded.content,
		type = excluded.type,
		sender_id = excluded.sender_id,
		parent_id = excluded.parent_id,
		status = excluded.status,
		metadata = excluded.metadata,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_seq = excluded.sync_seq`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMessage(ctx context.Context, ex execer, m *store.Message) error {
	meta, err := encodeJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, upsertMessageSQL,
		m.ID, m.ClientID, m.ConversationID, m.Content, m.Type, m.SenderID, m.ParentID,
		m.Status, meta, millis(m.CreatedAt), millis(m.UpdatedAt), m.SyncSeq)
	return err
}

// PutMessages upserts messages in a single transaction (idempotent on id).
func (db *DB) PutMessages(ctx context.Context, msgs []*store.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceMessage swaps an optimistic message for its confirmed replacement.
func (db *DB) ReplaceMessage(ctx context.Context, oldID string, m *store.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, oldID); err != nil {
		return fmt.Errorf("delete %q: %w", oldID, err)
	}
	if err := upsertMessage(ctx, tx, m); err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}
	return tx.Commit()
}

// GetMessages returns the newest messages of a conversation using keyset
// pagination by creation time, ordered oldest first.
func (db *DB) GetMessages(ctx context.Context, conversationID string, q store.MessageQuery) ([]*store.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	where, args := `conversation_id = ?`, []any{conversationID}
	if !q.Before.IsZero() {
		where += ` AND created_at < ?`
		args = append(args, millis(q.Before))
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT rowid AS rid, `+messageColumns+`
			FROM messages
			WHERE `+where+`
			ORDER BY created_at DESC, rid DESC
			LIMIT ?
		) ORDER BY created_at ASC, rid ASC`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetMessage returns a single message by id.
func (db *DB) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// DeleteMessage removes a message by id.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// SearchMessages performs a case-insensitive substring search on content.
func (db *DB) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ClearOldMessages keeps only the newest keep messages of a conversation.
func (db *DB) ClearOldMessages(ctx context.Context, conversationID string, keep int) error {
	if keep < 0 {
		return fmt.Errorf("clear old messages: %w", store.ErrNegativeKeep)
	}
	_, err := db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)`, conversationID, conversationID, keep)
	return err
}

func scanMessages(rows *sql.Rows) ([]*store.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []*store.Message
	for rows.Next() {
		var (
			m                store.Message
			meta             string
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.Content, &m.Type, &m.SenderID,
			&m.ParentID, &m.Status, &meta, &created, &updated, &m.SyncSeq); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %q: %w", m.ID, err)
		}
		m.CreatedAt = fromMillis(created)
		m.UpdatedAt = fromMillis(updated)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
