package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
)

// Change stream event types.
const (
	EventMessageNew          = "message.new"
	EventMessageEdit         = "message.edit"
	EventMessageDelete       = "message.delete"
	EventConversationCreate  = "conversation.create"
	EventConversationUpdate  = "conversation.update"
	EventConversationArchive = "conversation.archive"
	EventParticipantAdd      = "participant.add"
	EventParticipantRemove   = "participant.remove"
)

// ArchivedKey is the metadata flag set by conversation.archive.
const ArchivedKey = "_archived"

// ApplyEvent applies one change stream event to storage. It reports false
// when the event was stale, targeted a missing entity, or had an unknown
// type. The read-modify-write runs under store.Update. ApplyEvent does not
// touch the cursor.
func (e *Engine) ApplyEvent(ctx context.Context, ev store.SyncEvent) (bool, error) {
	data := gjson.ParseBytes(ev.Data)
	at := wire.ParseTimeString(ev.At)
	if at.IsZero() {
		at = e.now().UTC()
	}

	var applied bool
	err := store.Update(ctx, e.store, func() error {
		var err error
		switch ev.Type {
		case EventMessageNew:
			applied, err = e.applyMessageNew(ctx, ev, data, at)
		case EventMessageEdit:
			applied, err = e.applyMessageEdit(ctx, ev, data, at)
		case EventMessageDelete:
			applied, err = e.applyMessageDelete(ctx, ev, data)
		case EventConversationCreate, EventConversationUpdate:
			applied, err = e.applyConversation(ctx, ev, data, at)
		case EventConversationArchive:
			applied, err = e.applyArchive(ctx, ev, data, at)
		case EventParticipantAdd, EventParticipantRemove:
			applied, err = e.applyParticipant(ctx, ev, data, at)
		default:
			e.logger.Debug("ignoring unknown sync event", zap.String("type", ev.Type), zap.Int64("seq", ev.Seq))
		}
		return err
	})
	return applied, err
}

// ApplyRealtime applies a pushed event that is not part of the numbered
// stream. It goes through the same upsert logic and never moves the cursor.
func (e *Engine) ApplyRealtime(ctx context.Context, eventType string, payload []byte) (bool, error) {
	ev := store.SyncEvent{
		Type:           eventType,
		Data:           payload,
		ConversationID: gjson.GetBytes(payload, "conversationId").String(),
	}
	return e.ApplyEvent(ctx, ev)
}

// stale reports whether an event at seq must not overwrite an entity last
// written at current. Unnumbered events are never stale.
func stale(seq, current int64) bool {
	return seq > 0 && current >= seq
}

func mergeSeq(seq, current int64) int64 {
	return max(seq, current)
}

func (e *Engine) applyMessageNew(ctx context.Context, ev store.SyncEvent, data gjson.Result, at time.Time) (bool, error) {
	m := wire.ParseMessage(data, ev.ConversationID, at)
	if m == nil {
		return false, fmt.Errorf("%w: message.new without id", wire.ErrMalformed)
	}
	existing, err := e.store.GetMessage(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if stale(ev.Seq, existing.SyncSeq) {
			return false, nil
		}
		m.SyncSeq = mergeSeq(ev.Seq, existing.SyncSeq)
	} else {
		m.SyncSeq = ev.Seq
	}

	// A server echo of an optimistic send replaces the local row.
	if m.ClientID == "" {
		if key, ok := m.Metadata[outbox.IdempotencyField].(string); ok {
			m.ClientID = strings.TrimPrefix(key, outbox.IdempotencyPrefix)
		}
	}
	if m.ClientID != "" {
		return true, store.ReplaceMessage(ctx, e.store, store.LocalMessageID(m.ClientID), m)
	}
	return true, e.store.PutMessages(ctx, []*store.Message{m})
}

func (e *Engine) applyMessageEdit(ctx context.Context, ev store.SyncEvent, data gjson.Result, at time.Time) (bool, error) {
	id := data.Get("id").String()
	if id == "" {
		return false, fmt.Errorf("%w: message.edit without id", wire.ErrMalformed)
	}
	local, err := e.store.GetMessage(ctx, id)
	if err != nil || local == nil {
		return false, err
	}
	if stale(ev.Seq, local.SyncSeq) {
		return false, nil
	}

	remote := *local
	if c := data.Get("content"); c.Exists() {
		remote.Content = c.String()
	}
	if md := data.Get("metadata"); md.Exists() {
		remote.Metadata = wire.Metadata(md)
	}
	remote.UpdatedAt = at
	if t := wire.ParseTime(data.Get("updatedAt")); !t.IsZero() {
		remote.UpdatedAt = t
	}
	remote.SyncSeq = mergeSeq(ev.Seq, local.SyncSeq)

	if local.Status == store.MessageConfirmed || e.resolver == nil {
		return true, e.store.PutMessages(ctx, []*store.Message{&remote})
	}

	d := e.resolver.Resolve(Conflict{Local: local, Remote: &remote, Event: ev})
	e.logger.Info("resolved edit conflict",
		zap.String("message_id", id), zap.Int64("seq", ev.Seq), zap.Stringer("action", d.Action))
	switch d.Action {
	case KeepLocal:
		return false, nil
	case Replace:
		if d.Message == nil {
			return false, fmt.Errorf("resolver returned replace without a message")
		}
		r := *d.Message
		r.ID = id
		r.SyncSeq = remote.SyncSeq
		return true, e.store.PutMessages(ctx, []*store.Message{&r})
	default:
		return true, e.store.PutMessages(ctx, []*store.Message{&remote})
	}
}

func (e *Engine) applyMessageDelete(ctx context.Context, ev store.SyncEvent, data gjson.Result) (bool, error) {
	id := data.Get("id").String()
	if id == "" {
		return false, fmt.Errorf("%w: message.delete without id", wire.ErrMalformed)
	}
	existing, err := e.store.GetMessage(ctx, id)
	if err != nil || existing == nil {
		return false, err
	}
	if stale(ev.Seq, existing.SyncSeq) {
		return false, nil
	}
	return true, e.store.DeleteMessage(ctx, id)
}

// applyConversation upserts a conversation. Fields absent from the payload
// keep their stored values; metadata keys are merged.
func (e *Engine) applyConversation(ctx context.Context, ev store.SyncEvent, data gjson.Result, at time.Time) (bool, error) {
	in := wire.ParseConversation(data, ev.ConversationID)
	if in == nil {
		return false, fmt.Errorf("%w: %s without id", wire.ErrMalformed, ev.Type)
	}
	existing, err := e.store.GetConversation(ctx, in.ID)
	if err != nil {
		return false, err
	}

	if existing != nil {
		if stale(ev.Seq, existing.SyncSeq) {
			return false, nil
		}
		if !data.Get("type").Exists() {
			in.Type = existing.Type
		}
		if !data.Get("title").Exists() {
			in.Title = existing.Title
		}
		if !data.Get("lastMessage").Exists() {
			in.LastMessage = existing.LastMessage
		}
		if !data.Get("lastMessageAt").Exists() {
			in.LastMessageAt = existing.LastMessageAt
		}
		if !data.Get("unreadCount").Exists() {
			in.UnreadCount = existing.UnreadCount
		}
		if !data.Get("members").Exists() {
			in.Members = existing.Members
		}
		in.Metadata = mergeMetadata(existing.Metadata, in.Metadata)
		in.SyncSeq = mergeSeq(ev.Seq, existing.SyncSeq)
	} else {
		in.SyncSeq = ev.Seq
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = at
	}
	return true, e.store.PutConversations(ctx, []*store.Conversation{in})
}

func (e *Engine) applyArchive(ctx context.Context, ev store.SyncEvent, data gjson.Result, at time.Time) (bool, error) {
	id := data.Get("id").String()
	if id == "" {
		id = ev.ConversationID
	}
	if id == "" {
		return false, fmt.Errorf("%w: conversation.archive without id", wire.ErrMalformed)
	}
	return e.updateConversation(ctx, id, ev.Seq, at, func(c *store.Conversation) {
		archived := true
		if v := data.Get("archived"); v.Exists() {
			archived = v.Bool()
		}
		c.Metadata = mergeMetadata(c.Metadata, map[string]any{ArchivedKey: archived})
	})
}

func (e *Engine) applyParticipant(ctx context.Context, ev store.SyncEvent, data gjson.Result, at time.Time) (bool, error) {
	convID := data.Get("conversationId").String()
	if convID == "" {
		convID = ev.ConversationID
	}
	member, ok := wire.ParseMember(data)
	if convID == "" || !ok {
		return false, fmt.Errorf("%w: %s without conversation or user", wire.ErrMalformed, ev.Type)
	}
	return e.updateConversation(ctx, convID, ev.Seq, at, func(c *store.Conversation) {
		if ev.Type == EventParticipantAdd {
			if !c.HasMember(member.UserID) {
				c.Members = append(c.Members, member)
			}
			return
		}
		kept := c.Members[:0]
		for _, m := range c.Members {
			if m.UserID != member.UserID {
				kept = append(kept, m)
			}
		}
		c.Members = kept
	})
}

// updateConversation loads, mutates and stores a conversation. Missing
// conversations are left alone; the next create event will carry them.
func (e *Engine) updateConversation(ctx context.Context, id string, seq int64, at time.Time, mutate func(*store.Conversation)) (bool, error) {
	c, err := e.store.GetConversation(ctx, id)
	if err != nil || c == nil {
		return false, err
	}
	if stale(seq, c.SyncSeq) {
		return false, nil
	}
	mutate(c)
	c.SyncSeq = mergeSeq(seq, c.SyncSeq)
	c.UpdatedAt = at
	return true, e.store.PutConversations(ctx, []*store.Conversation{c})
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
