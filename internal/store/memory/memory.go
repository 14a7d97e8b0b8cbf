// Package memory is a goroutine-safe in-memory store.Storage backend.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/matheus3301/imsync/internal/store"
)

// Store keeps all state in maps guarded by a single mutex. Values are copied
// on the way in and out so callers never share memory with the store.
type Store struct {
	update        sync.Mutex
	mu            sync.RWMutex
	messages      map[string]*store.Message
	conversations map[string]*store.Conversation
	contacts      []*store.Contact
	cursors       map[string]string
	outbox        map[string]*store.OutboxOperation
}

var (
	_ store.Storage         = (*Store)(nil)
	_ store.Searcher        = (*Store)(nil)
	_ store.SizeReporter    = (*Store)(nil)
	_ store.Pruner          = (*Store)(nil)
	_ store.MessageReplacer = (*Store)(nil)
	_ store.Updater         = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.messages = make(map[string]*store.Message)
	s.conversations = make(map[string]*store.Conversation)
	s.contacts = nil
	s.cursors = make(map[string]string)
	s.outbox = make(map[string]*store.OutboxOperation)
}

func (s *Store) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.outbox {
		if op.Status == store.OutboxInflight {
			op.Status = store.OutboxPending
		}
	}
	return nil
}

// Update runs fn while holding the store's update lock.
func (s *Store) Update(_ context.Context, fn func() error) error {
	s.update.Lock()
	defer s.update.Unlock()
	return fn()
}

// ── Messages ─────────────────────────────────────────────

func (s *Store) PutMessages(_ context.Context, msgs []*store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = copyMessage(m)
	}
	return nil
}

func (s *Store) GetMessages(_ context.Context, conversationID string, q store.MessageQuery) ([]*store.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return copyMessage(m), nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *Store) ReplaceMessage(_ context.Context, oldID string, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, oldID)
	s.messages[m.ID] = copyMessage(m)
	return nil
}

func (s *Store) SearchMessages(_ context.Context, query, conversationID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Message
	for _, m := range s.messages {
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClearOldMessages(_ context.Context, conversationID string, keep int) error {
	if keep < 0 {
		return fmt.Errorf("clear old messages: %w", store.ErrNegativeKeep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var conv []*store.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			conv = append(conv, m)
		}
	}
	if len(conv) <= keep {
		return nil
	}
	sort.Slice(conv, func(i, j int) bool { return conv[i].CreatedAt.After(conv[j].CreatedAt) })
	for _, m := range conv[keep:] {
		delete(s.messages, m.ID)
	}
	return nil
}

// ── Conversations ────────────────────────────────────────

func (s *Store) PutConversations(_ context.Context, convs []*store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = copyConversation(c)
	}
	return nil
}

func (s *Store) GetConversations(_ context.Context, q store.ConversationQuery) ([]*store.Conversation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return copyConversation(c), nil
}

// ── Contacts ─────────────────────────────────────────────

func (s *Store) PutContacts(_ context.Context, contacts []*store.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = make([]*store.Contact, 0, len(contacts))
	for _, c := range contacts {
		cc := *c
		s.contacts = append(s.contacts, &cc)
	}
	return nil
}

func (s *Store) GetContacts(_ context.Context) ([]*store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

// ── Cursors ──────────────────────────────────────────────

func (s *Store) GetCursor(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key], nil
}

func (s *Store) SetCursor(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

// ── Outbox ───────────────────────────────────────────────

func (s *Store) Enqueue(_ context.Context, op *store.OutboxOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[op.ID] = copyOp(op)
	return nil
}

func (s *Store) DequeueReady(_ context.Context, limit int) ([]*store.OutboxOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*store.OutboxOperation
	for _, op := range s.outbox {
		if op.Status == store.OutboxPending {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*store.OutboxOperation, 0, len(ready))
	for _, op := range ready {
		op.Status = store.OutboxInflight
		out = append(out, copyOp(op))
	}
	return out, nil
}

func (s *Store) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbox, id)
	return nil
}

func (s *Store) Nack(_ context.Context, id, errMsg string, retries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.outbox[id]
	if !ok {
		return nil
	}
	op.Retries = retries
	op.LastError = errMsg
	if retries >= op.MaxRetries {
		op.Status = store.OutboxFailed
	} else {
		op.Status = store.OutboxPending
	}
	return nil
}

func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, op := range s.outbox {
		if op.Status == store.OutboxPending {
			n++
		}
	}
	return n, nil
}

// Operation returns a copy of an outbox operation in any state.
func (s *Store) Operation(id string) *store.OutboxOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.outbox[id]
	if !ok {
		return nil
	}
	return copyOp(op)
}

func (s *Store) StorageSize(_ context.Context) (*store.StorageSize, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &store.StorageSize{
		Messages:      len(s.messages),
		Conversations: len(s.conversations),
		Contacts:      len(s.contacts),
		Outbox:        len(s.outbox),
	}, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func copyMessage(m *store.Message) *store.Message {
	c := *m
	c.Metadata = copyMap(m.Metadata)
	return &c
}

func copyConversation(c *store.Conversation) *store.Conversation {
	cc := *c
	cc.Members = slices.Clone(c.Members)
	cc.Metadata = copyMap(c.Metadata)
	cc.LastMessage = slices.Clone(c.LastMessage)
	return &cc
}

func copyOp(op *store.OutboxOperation) *store.OutboxOperation {
	c := *op
	c.Body = slices.Clone(op.Body)
	if op.Query != nil {
		c.Query = make(map[string]string, len(op.Query))
		for k, v := range op.Query {
			c.Query[k] = v
		}
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
