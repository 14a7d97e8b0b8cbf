// Package wire normalizes the loosely typed JSON the messaging API returns
// into store entities.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/imsync/internal/store"
	"github.com/tidwall/gjson"
)

// ErrMalformed reports a server payload that cannot be normalized.
var ErrMalformed = errors.New("malformed payload")

// ParseMessage normalizes a message object into a confirmed store.Message.
// convID and at fill a missing conversationId and createdAt. It returns nil
// when the object carries no id.
func ParseMessage(v gjson.Result, convID string, at time.Time) *store.Message {
	id := v.Get("id").String()
	if id == "" || !v.IsObject() {
		return nil
	}
	m := &store.Message{
		ID:             id,
		ClientID:       v.Get("clientId").String(),
		ConversationID: stringOr(v.Get("conversationId"), convID),
		Content:        v.Get("content").String(),
		Type:           stringOr(v.Get("type"), "text"),
		SenderID:       v.Get("senderId").String(),
		ParentID:       v.Get("parentId").String(),
		Status:         store.MessageConfirmed,
		Metadata:       Metadata(v.Get("metadata")),
		CreatedAt:      ParseTime(v.Get("createdAt")),
		UpdatedAt:      ParseTime(v.Get("updatedAt")),
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = at
	}
	return m
}

// ParseMessages normalizes a message list. Both a bare array and an object
// holding a "messages" array are accepted.
func ParseMessages(raw []byte, convID string) []*store.Message {
	list := listOf(raw, "messages")
	now := time.Now().UTC()
	var out []*store.Message
	list.ForEach(func(_, v gjson.Result) bool {
		if m := ParseMessage(v, convID, now); m != nil {
			out = append(out, m)
		}
		return true
	})
	return out
}

// ParseConversation normalizes a conversation object. fallbackID is used
// when the object has no id; nil is returned when neither is set.
func ParseConversation(v gjson.Result, fallbackID string) *store.Conversation {
	id := stringOr(v.Get("id"), fallbackID)
	if id == "" {
		return nil
	}
	c := &store.Conversation{
		ID:            id,
		Type:          store.ConversationType(stringOr(v.Get("type"), string(store.ConversationDirect))),
		Title:         v.Get("title").String(),
		LastMessageAt: ParseTime(v.Get("lastMessageAt")),
		UnreadCount:   int(v.Get("unreadCount").Int()),
		Metadata:      Metadata(v.Get("metadata")),
		UpdatedAt:     ParseTime(v.Get("updatedAt")),
	}
	if lm := v.Get("lastMessage"); lm.Exists() && lm.Type != gjson.Null {
		c.LastMessage = []byte(lm.Raw)
	}
	v.Get("members").ForEach(func(_, m gjson.Result) bool {
		if member, ok := ParseMember(m); ok {
			c.Members = append(c.Members, member)
		}
		return true
	})
	return c
}

// ParseConversations normalizes a conversation list.
func ParseConversations(raw []byte) []*store.Conversation {
	list := listOf(raw, "conversations")
	now := time.Now().UTC()
	var out []*store.Conversation
	list.ForEach(func(_, v gjson.Result) bool {
		if c := ParseConversation(v, ""); c != nil {
			if c.UpdatedAt.IsZero() {
				c.UpdatedAt = now
			}
			out = append(out, c)
		}
		return true
	})
	return out
}

// ParseMember normalizes a member entry, which may be a bare user id.
func ParseMember(v gjson.Result) (store.Member, bool) {
	if v.Type == gjson.String {
		return store.Member{UserID: v.String(), Role: "member"}, v.String() != ""
	}
	m := store.Member{
		UserID:      v.Get("userId").String(),
		Username:    v.Get("username").String(),
		DisplayName: v.Get("displayName").String(),
		Role:        stringOr(v.Get("role"), "member"),
	}
	return m, m.UserID != ""
}

// ParseContacts normalizes a contact list.
func ParseContacts(raw []byte) []*store.Contact {
	list := listOf(raw, "contacts")
	var out []*store.Contact
	list.ForEach(func(_, v gjson.Result) bool {
		userID := stringOr(v.Get("userId"), v.Get("id").String())
		if userID == "" {
			return true
		}
		out = append(out, &store.Contact{
			UserID:         userID,
			Username:       v.Get("username").String(),
			DisplayName:    v.Get("displayName").String(),
			ConversationID: v.Get("conversationId").String(),
			UnreadCount:    int(v.Get("unreadCount").Int()),
			LastMessageAt:  ParseTime(v.Get("lastMessageAt")),
		})
		return true
	})
	return out
}

// ParseTime accepts RFC 3339 strings and unix milliseconds.
func ParseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		if ms := v.Int(); ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	case gjson.String:
		s := v.String()
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		if n := gjson.Parse(s); n.Type == gjson.Number && n.Int() > 0 {
			return time.UnixMilli(n.Int()).UTC()
		}
	}
	return time.Time{}
}

// ParseTimeString is ParseTime for a plain string.
func ParseTimeString(s string) time.Time {
	return ParseTime(gjson.Result{Type: gjson.String, Str: s})
}

// Metadata decodes a metadata object, or returns nil.
func Metadata(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return nil
	}
	m, _ := v.Value().(map[string]any)
	if len(m) == 0 {
		return nil
	}
	return m
}

func listOf(raw []byte, key string) gjson.Result {
	v := gjson.ParseBytes(raw)
	if v.IsObject() {
		return v.Get(key)
	}
	return v
}

func stringOr(v gjson.Result, fallback string) string {
	if s := strings.TrimSpace(v.String()); s != "" {
		return s
	}
	return fallback
}

// ParseSyncEvent normalizes one entry of the change stream.
func ParseSyncEvent(v gjson.Result) store.SyncEvent {
	ev := store.SyncEvent{
		Seq:            v.Get("seq").Int(),
		Type:           v.Get("type").String(),
		ConversationID: v.Get("conversationId").String(),
		At:             v.Get("at").String(),
	}
	if d := v.Get("data"); d.Exists() {
		ev.Data = []byte(d.Raw)
	}
	return ev
}

// ParseSyncPage normalizes a sync page. It fails when the payload is not an
// object or an event lacks a type.
func ParseSyncPage(raw []byte) (*store.SyncResult, error) {
	v := gjson.ParseBytes(raw)
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: sync page is not an object", ErrMalformed)
	}
	page := &store.SyncResult{
		Cursor:  v.Get("cursor").String(),
		HasMore: v.Get("hasMore").Bool(),
	}
	var err error
	v.Get("events").ForEach(func(_, e gjson.Result) bool {
		ev := ParseSyncEvent(e)
		if ev.Type == "" {
			err = fmt.Errorf("%w: sync event without type", ErrMalformed)
			return false
		}
		page.Events = append(page.Events, ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}
