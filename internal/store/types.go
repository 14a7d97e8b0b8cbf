package store

import (
	"encoding/json"
	"time"
)

// MessageStatus is the delivery state of a stored message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageConfirmed MessageStatus = "confirmed"
	MessageFailed    MessageStatus = "failed"
)

// LocalIDPrefix marks the id of an optimistic message that the server has not
// confirmed yet.
const LocalIDPrefix = "local-"

// LocalMessageID returns the optimistic message id for a client id.
func LocalMessageID(clientID string) string {
	return LocalIDPrefix + clientID
}

// Message represents a locally stored message.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	SenderID       string         `json:"senderId"`
	ParentID       string         `json:"parentId,omitempty"`
	Status         MessageStatus  `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt,omitzero"`
	SyncSeq        int64          `json:"syncSeq,omitempty"`
}

// ConversationType distinguishes one-to-one from group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Member is a participant of a conversation.
type Member struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Conversation represents a locally stored conversation.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Title         string           `json:"title,omitempty"`
	LastMessage   json.RawMessage  `json:"lastMessage,omitempty"`
	LastMessageAt time.Time        `json:"lastMessageAt,omitzero"`
	UnreadCount   int              `json:"unreadCount"`
	Members       []Member         `json:"members,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	SyncSeq       int64            `json:"syncSeq,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// HasMember reports whether userID is in the member list.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Contact represents a locally stored contact.
type Contact struct {
	UserID         string    `json:"userId"`
	Username       string    `json:"username,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	LastMessageAt  time.Time `json:"lastMessageAt,omitzero"`
}

// OpType identifies the kind of write an outbox operation performs.
type OpType string

const (
	OpMessageSend      OpType = "message.send"
	OpMessageEdit      OpType = "message.edit"
	OpMessageDelete    OpType = "message.delete"
	OpConversationRead OpType = "conversation.read"
)

// OutboxStatus is the lifecycle state of an outbox operation.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxInflight  OutboxStatus = "inflight"
	OutboxConfirmed OutboxStatus = "confirmed"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxOperation is a durable, idempotent unit of write work.
// Body holds the encoded request payload with the idempotency key already
// injected, so every retry sends identical bytes.
type OutboxOperation struct {
	ID             string            `json:"id"`
	OpType         OpType            `json:"type"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	Status         OutboxStatus      `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	Retries        int               `json:"retries"`
	MaxRetries     int               `json:"maxRetries"`
	IdempotencyKey string            `json:"idempotencyKey"`
	LocalID        string            `json:"localId,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
}

// SyncEvent is one entry of the remote change stream.
type SyncEvent struct {
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	ConversationID string          `json:"conversationId,omitempty"`
	At             string          `json:"at"`
}

// SyncResult is one page of the remote change stream. Cursor is opaque;
// numeric cursors are carried in their decimal form.
type SyncResult struct {
	Events  []SyncEvent `json:"events"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"hasMore"`
}

// MessageQuery selects a page of a conversation's history.
type MessageQuery struct {
	Limit  int
	Before time.Time // exclusive; zero means newest
}

// ConversationQuery selects a page of conversations.
type ConversationQuery struct {
	Limit  int
	Offset int
}

// StorageSize reports row counts per table.
type StorageSize struct {
	Messages      int `json:"messages"`
	Conversations int `json:"conversations"`
	Contacts      int `json:"contacts"`
	Outbox        int `json:"outbox"`
}
