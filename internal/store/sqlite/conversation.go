package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/imsync/internal/store"
)

const conversationColumns = `id, type, title, last_message, last_message_at, unread_count, members, metadata, sync_seq, updated_at`

// PutConversations upserts conversations in a single transaction.
func (db *DB) PutConversations(ctx context.Context, convs []*store.Conversation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range convs {
		members, err := encodeJSON(c.Members)
		if err != nil {
			return fmt.Errorf("encode members of %q: %w", c.ID, err)
		}
		meta, err := encodeJSON(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %q: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				title = excluded.title,
				last_message = excluded.last_message,
				last_message_at = excluded.last_message_at,
				unread_count = excluded.unread_count,
				members = excluded.members,
				metadata = excluded.metadata,
				sync_seq = excluded.sync_seq,
				updated_at = excluded.updated_at`,
			c.ID, c.Type, c.Title, string(c.LastMessage), millis(c.LastMessageAt), c.UnreadCount,
			members, meta, c.SyncSeq, millis(c.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetConversations returns conversations sorted by update time descending.
func (db *DB) GetConversations(ctx context.Context, q store.ConversationQuery) ([]*store.Conversation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, q.Offset)
	if err != nil {
		return nil, err
	}
	return scanConversations(rows)
}

// GetConversation returns a single conversation by id.
func (db *DB) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	convs, err := scanConversations(rows)
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	return convs[0], nil
}

func scanConversations(rows *sql.Rows) ([]*store.Conversation, error) {
	defer func() { _ = rows.Close() }()

	var convs []*store.Conversation
	for rows.Next() {
		var (
			c                      store.Conversation
			lastMessage            string
			members, meta          string
			lastMessageAt, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Type, &c.Title, &lastMessage, &lastMessageAt, &c.UnreadCount,
			&members, &meta, &c.SyncSeq, &updated); err != nil {
			return nil, err
		}
		if lastMessage != "" {
			c.LastMessage = []byte(lastMessage)
		}
		if err := decodeJSON(members, &c.Members); err != nil {
			return nil, fmt.Errorf("decode members of %q: %w", c.ID, err)
		}
		if err := decodeJSON(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %q: %w", c.ID, err)
		}
		c.LastMessageAt = fromMillis(lastMessageAt)
		c.UpdatedAt = fromMillis(updated)
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}
