// Package store defines the storage contract the sync core depends on and
// the entity types persisted through it. Concrete backends live in the
// memory and sqlite subpackages.
package store

import (
	"context"
	"errors"
)

// ErrNegativeKeep is returned by ClearOldMessages for a negative keep.
var ErrNegativeKeep = errors.New("keep must not be negative")

// Storage is the durable, key-indexed state shared by the outbox and the
// sync engine. Every method may block on I/O.
type Storage interface {
	// Init prepares the backend. Operations left inflight by a previous
	// process are returned to pending.
	Init(ctx context.Context) error

	PutMessages(ctx context.Context, msgs []*Message) error
	// GetMessages returns up to q.Limit of the newest messages created
	// before q.Before, ordered by CreatedAt ascending.
	GetMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error)
	// GetMessage returns nil, nil when the message does not exist.
	GetMessage(ctx context.Context, id string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error

	PutConversations(ctx context.Context, convs []*Conversation) error
	// GetConversations orders by UpdatedAt descending.
	GetConversations(ctx context.Context, q ConversationQuery) ([]*Conversation, error)
	// GetConversation returns nil, nil when the conversation does not exist.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// PutContacts replaces the contact list.
	PutContacts(ctx context.Context, contacts []*Contact) error
	GetContacts(ctx context.Context) ([]*Contact, error)

	// GetCursor returns "" when the key has never been set.
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error

	Enqueue(ctx context.Context, op *OutboxOperation) error
	// DequeueReady returns up to limit pending operations ordered by
	// CreatedAt and marks them inflight in the same step.
	DequeueReady(ctx context.Context, limit int) ([]*OutboxOperation, error)
	// Ack removes a confirmed operation.
	Ack(ctx context.Context, id string) error
	// Nack records a failed attempt. The operation returns to pending, or
	// becomes failed once retries reaches its MaxRetries.
	Nack(ctx context.Context, id, errMsg string, retries int) error
	PendingCount(ctx context.Context) (int, error)

	Clear(ctx context.Context) error
}

// Searcher is implemented by backends that can search message content.
type Searcher interface {
	SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]*Message, error)
}

// SizeReporter is implemented by backends that can report their size.
type SizeReporter interface {
	StorageSize(ctx context.Context) (*StorageSize, error)
}

// Pruner is implemented by backends that can drop old history.
type Pruner interface {
	// ClearOldMessages keeps only the newest keep messages of a conversation.
	// keep = 0 removes them all; a negative keep is ErrNegativeKeep.
	ClearOldMessages(ctx context.Context, conversationID string, keep int) error
}

// MessageReplacer is implemented by backends that can swap an optimistic
// message for its confirmed replacement in one atomic step.
type MessageReplacer interface {
	ReplaceMessage(ctx context.Context, oldID string, m *Message) error
}

// Updater is implemented by backends that can run a read-modify-write
// sequence without an interleaved write from another Update. fn must not
// call Update itself.
type Updater interface {
	Update(ctx context.Context, fn func() error) error
}

// Update runs fn serialized against every other Update on s. Backends that
// are not Updaters run fn directly.
func Update(ctx context.Context, s Storage, fn func() error) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, fn)
	}
	return fn()
}

// ReplaceMessage deletes oldID and stores m, atomically when the backend
// supports it.
func ReplaceMessage(ctx context.Context, s Storage, oldID string, m *Message) error {
	if r, ok := s.(MessageReplacer); ok {
		return r.ReplaceMessage(ctx, oldID, m)
	}
	if err := s.DeleteMessage(ctx, oldID); err != nil {
		return err
	}
	return s.PutMessages(ctx, []*Message{m})
}

// CursorKey is the cursor of the global sync stream.
const CursorKey = "global_sync"
