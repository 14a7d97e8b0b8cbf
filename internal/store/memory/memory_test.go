package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/imsync/internal/store"
)

func TestReturnedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	msg := &store.Message{ID: "m1", ConversationID: "c1", Metadata: map[string]any{"a": 1}}
	if err := s.PutMessages(ctx, []*store.Message{msg}); err != nil {
		t.Fatal(err)
	}
	msg.Metadata["a"] = 2

	got, _ := s.GetMessage(ctx, "m1")
	if got.Metadata["a"] != 1 {
		t.Errorf("stored metadata changed through caller's map: %v", got.Metadata)
	}
	got.Content = "mutated"
	again, _ := s.GetMessage(ctx, "m1")
	if again.Content != "" {
		t.Error("stored message changed through returned pointer")
	}
}

func TestGetMessagesNewestPage(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_ = s.PutMessages(ctx, []*store.Message{{ID: id, ConversationID: "c1", CreatedAt: time.UnixMilli(int64(i + 1))}})
	}
	got, err := s.GetMessages(ctx, "c1", store.MessageQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("got %d messages, want [b c]", len(got))
	}

	_ = s.PutMessages(ctx, []*store.Message{{ID: "d", ConversationID: "c1", CreatedAt: time.Now().Add(time.Hour)}})
	got, _ = s.GetMessages(ctx, "c1", store.MessageQuery{Limit: 1})
	if len(got) != 1 || got[0].ID != "d" {
		t.Errorf("message with a future timestamp missing from the newest page: %v", got)
	}
}

func TestOutboxDequeueMarksInflight(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Enqueue(ctx, &store.OutboxOperation{ID: "op1", Status: store.OutboxPending, MaxRetries: 1, CreatedAt: time.UnixMilli(1)})
	_ = s.Enqueue(ctx, &store.OutboxOperation{ID: "op2", Status: store.OutboxPending, MaxRetries: 1, CreatedAt: time.UnixMilli(2)})

	ops, _ := s.DequeueReady(ctx, 1)
	if len(ops) != 1 || ops[0].ID != "op1" || ops[0].Status != store.OutboxInflight {
		t.Fatalf("dequeue = %+v, want op1 inflight", ops)
	}
	if n, _ := s.PendingCount(ctx); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	_ = s.Nack(ctx, "op1", "boom", 1)
	if op := s.Operation("op1"); op.Status != store.OutboxFailed || op.LastError != "boom" {
		t.Errorf("op1 = %+v, want failed", op)
	}

	ops, _ = s.DequeueReady(ctx, 10)
	if len(ops) != 1 {
		t.Fatalf("dequeue = %d ops, want 1", len(ops))
	}
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if op := s.Operation("op2"); op.Status != store.OutboxPending {
		t.Errorf("op2 status after Init = %s, want pending", op.Status)
	}
	_ = s.Ack(ctx, "op2")
	if s.Operation("op2") != nil {
		t.Error("acked operation still present")
	}
}

func TestReplaceMessage(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.PutMessages(ctx, []*store.Message{{ID: "local-x", ClientID: "x", ConversationID: "c1"}})
	if err := store.ReplaceMessage(ctx, s, "local-x", &store.Message{ID: "srv", ClientID: "x", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if m, _ := s.GetMessage(ctx, "local-x"); m != nil {
		t.Error("optimistic message still present")
	}
	if m, _ := s.GetMessage(ctx, "srv"); m == nil {
		t.Error("replacement missing")
	}
}

func TestClearOldMessagesAndSearch(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.PutMessages(ctx, []*store.Message{
		{ID: "m1", ConversationID: "c1", Content: "Hello", CreatedAt: time.UnixMilli(1)},
		{ID: "m2", ConversationID: "c1", Content: "world", CreatedAt: time.UnixMilli(2)},
	})
	res, _ := s.SearchMessages(ctx, "hello", "", 0)
	if len(res) != 1 || res[0].ID != "m1" {
		t.Errorf("search = %v", res)
	}
	if err := s.ClearOldMessages(ctx, "c1", -1); !errors.Is(err, store.ErrNegativeKeep) {
		t.Fatalf("ClearOldMessages(-1) = %v, want ErrNegativeKeep", err)
	}
	if m, _ := s.GetMessage(ctx, "m1"); m == nil {
		t.Fatal("rejected prune removed a message")
	}
	_ = s.ClearOldMessages(ctx, "c1", 1)
	if m, _ := s.GetMessage(ctx, "m1"); m != nil {
		t.Error("oldest message should be pruned")
	}
	size, _ := s.StorageSize(ctx)
	if size.Messages != 1 {
		t.Errorf("messages = %d, want 1", size.Messages)
	}
}
