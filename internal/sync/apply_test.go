package sync

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/imsync/internal/store"
)

func putMessage(t *testing.T, st store.Storage, m *store.Message) {
	t.Helper()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Unix(100, 0).UTC()
	}
	if err := st.PutMessages(context.Background(), []*store.Message{m}); err != nil {
		t.Fatal(err)
	}
}

func putConversation(t *testing.T, st store.Storage, c *store.Conversation) {
	t.Helper()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Unix(100, 0).UTC()
	}
	if err := st.PutConversations(context.Background(), []*store.Conversation{c}); err != nil {
		t.Fatal(err)
	}
}

func apply(t *testing.T, e *Engine, seq int64, typ, data string) bool {
	t.Helper()
	ok, err := e.ApplyEvent(context.Background(), store.SyncEvent{Seq: seq, Type: typ, Data: []byte(data), At: "2025-06-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("ApplyEvent(%s seq %d): %v", typ, seq, err)
	}
	return ok
}

func TestApplyRejectsStaleEvents(t *testing.T) {
	e, st, _ := newTestEngine(t, &pager{}, Config{})
	ctx := context.Background()
	putMessage(t, st, &store.Message{ID: "m1", ConversationID: "c1", Content: "newest", Status: store.MessageConfirmed, SyncSeq: 5})
	putConversation(t, st, &store.Conversation{ID: "c1", Title: "current", SyncSeq: 5})

	tests := []struct {
		seq  int64
		typ  string
		data string
	}{
		{3, EventMessageEdit, `{"id":"m1","content":"older"}`},
		{5, EventMessageEdit, `{"id":"m1","content":"same seq"}`},
		{4, EventMessageNew, `{"id":"m1","conversationId":"c1","content":"replayed"}`},
		{2, EventMessageDelete, `{"id":"m1"}`},
		{5, EventConversationUpdate, `{"id":"c1","title":"stale"}`},
		{1, EventConversationArchive, `{"id":"c1"}`},
		{4, EventParticipantAdd, `{"conversationId":"c1","userId":"u9"}`},
	}
	for _, tt := range tests {
		if apply(t, e, tt.seq, tt.typ, tt.data) {
			t.Errorf("%s at seq %d was applied over seq 5", tt.typ, tt.seq)
		}
	}

	m, _ := st.GetMessage(ctx, "m1")
	if m == nil || m.Content != "newest" || m.SyncSeq != 5 {
		t.Errorf("m1 = %+v, want untouched", m)
	}
	c, _ := st.GetConversation(ctx, "c1")
	if c.Title != "current" || c.Metadata != nil || len(c.Members) != 0 {
		t.Errorf("c1 = %+v, want untouched", c)
	}
}

func TestApplyEditConflict(t *testing.T) {
	replacement := &store.Message{ID: "ignored", ConversationID: "c1", Content: "merged", Status: store.MessageConfirmed}
	tests := []struct {
		name     string
		resolver Resolver
		status   store.MessageStatus
		want     string
	}{
		{"confirmed local takes remote", ClientWins, store.MessageConfirmed, "remote"},
		{"no resolver takes remote", nil, store.MessagePending, "remote"},
		{"server wins", ServerWins, store.MessagePending, "remote"},
		{"client wins", ClientWins, store.MessagePending, "local"},
		{"replacement", ResolverFunc(func(c Conflict) Decision {
			if c.Local.Content != "local" || c.Remote.Content != "remote" || c.Event.Seq != 7 {
				t.Errorf("conflict = local %q remote %q seq %d", c.Local.Content, c.Remote.Content, c.Event.Seq)
			}
			return Decision{Action: Replace, Message: replacement}
		}), store.MessagePending, "merged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, st, _ := newTestEngine(t, &pager{}, Config{Resolver: tt.resolver})
			putMessage(t, st, &store.Message{ID: "m1", ConversationID: "c1", Content: "local", Status: tt.status, SyncSeq: 1})

			apply(t, e, 7, EventMessageEdit, `{"id":"m1","content":"remote"}`)

			m, err := st.GetMessage(context.Background(), "m1")
			if err != nil || m == nil {
				t.Fatalf("m1 missing: %v", err)
			}
			if m.Content != tt.want {
				t.Errorf("content = %q, want %q", m.Content, tt.want)
			}
			if tt.want != "local" && m.SyncSeq != 7 {
				t.Errorf("syncSeq = %d, want 7", m.SyncSeq)
			}
		})
	}
}

func TestApplyEditMissingMessageIsNoop(t *testing.T) {
	e, st, _ := newTestEngine(t, &pager{}, Config{})
	if apply(t, e, 1, EventMessageEdit, `{"id":"ghost","content":"x"}`) {
		t.Error("edit of a missing message reported as applied")
	}
	if m, _ := st.GetMessage(context.Background(), "ghost"); m != nil {
		t.Error("edit created a message")
	}
}

func TestApplyMessageNewReplacesOptimistic(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"client id", `{"id":"srv-9","conversationId":"c1","content":"hi","clientId":"abc"}`},
		{"idempotency key", `{"id":"srv-9","conversationId":"c1","content":"hi","metadata":{"_idempotencyKey":"sdk-abc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, st, _ := newTestEngine(t, &pager{}, Config{})
			ctx := context.Background()
			putMessage(t, st, &store.Message{
				ID: store.LocalMessageID("abc"), ClientID: "abc", ConversationID: "c1",
				Content: "hi", Status: store.MessagePending,
			})

			apply(t, e, 3, EventMessageNew, tt.data)

			if m, _ := st.GetMessage(ctx, "local-abc"); m != nil {
				t.Error("optimistic message still present")
			}
			m, _ := st.GetMessage(ctx, "srv-9")
			if m == nil || m.ClientID != "abc" || m.Status != store.MessageConfirmed {
				t.Fatalf("srv-9 = %+v, want confirmed with client id abc", m)
			}
			msgs, _ := st.GetMessages(ctx, "c1", store.MessageQuery{})
			if len(msgs) != 1 {
				t.Errorf("conversation has %d messages, want 1", len(msgs))
			}
		})
	}
}

func TestApplyParticipantsIdempotent(t *testing.T) {
	e, st, _ := newTestEngine(t, &pager{}, Config{})
	ctx := context.Background()
	putConversation(t, st, &store.Conversation{ID: "g1", Type: store.ConversationGroup, Members: []store.Member{{UserID: "u1", Role: "owner"}}})

	apply(t, e, 1, EventParticipantAdd, `{"conversationId":"g1","userId":"u2","username":"bob"}`)
	apply(t, e, 2, EventParticipantAdd, `{"conversationId":"g1","userId":"u2","username":"bob"}`)
	apply(t, e, 3, EventParticipantRemove, `{"conversationId":"g1","userId":"u404"}`)

	c, _ := st.GetConversation(ctx, "g1")
	if len(c.Members) != 2 || c.Members[1].UserID != "u2" || c.Members[1].Role != "member" {
		t.Fatalf("members = %+v, want u1 and u2 (member)", c.Members)
	}
	if c.SyncSeq != 3 {
		t.Errorf("syncSeq = %d, want 3", c.SyncSeq)
	}

	apply(t, e, 4, EventParticipantRemove, `{"conversationId":"g1","userId":"u1"}`)
	c, _ = st.GetConversation(ctx, "g1")
	if len(c.Members) != 1 || c.Members[0].UserID != "u2" {
		t.Errorf("members = %+v, want only u2", c.Members)
	}
}

func TestApplyArchiveMergesMetadata(t *testing.T) {
	e, st, _ := newTestEngine(t, &pager{}, Config{})
	putConversation(t, st, &store.Conversation{
		ID: "c1", Title: "Team", UnreadCount: 3,
		Metadata: map[string]any{"pinned": true},
	})

	if !apply(t, e, 9, EventConversationArchive, `{"id":"c1"}`) {
		t.Fatal("archive not applied")
	}

	c, _ := st.GetConversation(context.Background(), "c1")
	if c.Metadata[ArchivedKey] != true || c.Metadata["pinned"] != true {
		t.Errorf("metadata = %v, want pinned and archived", c.Metadata)
	}
	if c.Title != "Team" || c.UnreadCount != 3 || c.SyncSeq != 9 {
		t.Errorf("conversation = %+v, other fields lost", c)
	}
}

func TestApplyConversationUpdateKeepsAbsentFields(t *testing.T) {
	e, st, _ := newTestEngine(t, &pager{}, Config{})
	putConversation(t, st, &store.Conversation{
		ID: "c1", Type: store.ConversationGroup, Title: "Old", UnreadCount: 2,
		Members:  []store.Member{{UserID: "u1"}},
		Metadata: map[string]any{"a": "1"},
	})

	apply(t, e, 2, EventConversationUpdate, `{"id":"c1","title":"New","metadata":{"b":"2"}}`)

	c, _ := st.GetConversation(context.Background(), "c1")
	if c.Title != "New" || c.Type != store.ConversationGroup || c.UnreadCount != 2 || len(c.Members) != 1 {
		t.Errorf("conversation = %+v", c)
	}
	if c.Metadata["a"] != "1" || c.Metadata["b"] != "2" {
		t.Errorf("metadata = %v, want merged", c.Metadata)
	}
	if want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC); !c.UpdatedAt.Equal(want) {
		t.Errorf("updatedAt = %v, want event time %v", c.UpdatedAt, want)
	}
}

func TestApplyUnknownTypeIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t, &pager{}, Config{})
	if apply(t, e, 1, "reaction.add", `{"id":"r1"}`) {
		t.Error("unknown event reported as applied")
	}
}

func TestApplyRealtimeLeavesCursor(t *testing.T) {
	e, st, _ := newTestEngine(t, &pager{}, Config{})
	ctx := context.Background()
	if err := st.SetCursor(ctx, store.CursorKey, "41"); err != nil {
		t.Fatal(err)
	}
	putMessage(t, st, &store.Message{ID: "m1", ConversationID: "c1", Content: "v1", Status: store.MessageConfirmed, SyncSeq: 40})

	ok, err := e.ApplyRealtime(ctx, EventMessageNew, []byte(`{"id":"m2","conversationId":"c1","content":"pushed"}`))
	if err != nil || !ok {
		t.Fatalf("ApplyRealtime = (%v, %v)", ok, err)
	}
	// Unnumbered events never count as stale, and keep the stored seq.
	if _, err := e.ApplyRealtime(ctx, EventMessageNew, []byte(`{"id":"m1","conversationId":"c1","content":"v2"}`)); err != nil {
		t.Fatal(err)
	}

	if m, _ := st.GetMessage(ctx, "m2"); m == nil || m.SyncSeq != 0 {
		t.Errorf("m2 = %+v, want stored without seq", m)
	}
	if m, _ := st.GetMessage(ctx, "m1"); m.Content != "v2" || m.SyncSeq != 40 {
		t.Errorf("m1 = %+v, want v2 at seq 40", m)
	}
	if c := cursorOf(t, st); c != "41" {
		t.Errorf("cursor = %q, want 41", c)
	}
}
