package sqlite

import (
	"context"
	"fmt"

	"github.com/matheus3301/imsync/internal/store"
)

// PutContacts replaces the contact list in a single transaction.
func (db *DB) PutContacts(ctx context.Context, contacts []*store.Contact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}
	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (user_id, username, display_name, conversation_id, unread_count, last_message_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				username = CASE WHEN excluded.username != '' THEN excluded.username ELSE contacts.username END,
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
				conversation_id = excluded.conversation_id,
				unread_count = excluded.unread_count,
				last_message_at = excluded.last_message_at`,
			c.UserID, c.Username, c.DisplayName, c.ConversationID, c.UnreadCount, millis(c.LastMessageAt)); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.UserID, err)
		}
	}
	return tx.Commit()
}

// GetContacts returns all contacts, most recently active first.
func (db *DB) GetContacts(ctx context.Context) ([]*store.Contact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, username, display_name, conversation_id, unread_count, last_message_at
		FROM contacts
		ORDER BY last_message_at DESC, user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []*store.Contact
	for rows.Next() {
		var (
			c    store.Contact
			last int64
		)
		if err := rows.Scan(&c.UserID, &c.Username, &c.DisplayName, &c.ConversationID, &c.UnreadCount, &last); err != nil {
			return nil, err
		}
		c.LastMessageAt = fromMillis(last)
		contacts = append(contacts, &c)
	}
	return contacts, rows.Err()
}
