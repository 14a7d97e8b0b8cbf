package offline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/store/memory"
	isync "github.com/matheus3301/imsync/internal/sync"
)

// fakeRemote answers sends with a confirmed message and sync pulls with an
// empty page.
type fakeRemote struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRemote) Do(_ context.Context, method, path string, _ any, _ map[string]string) (*remote.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+path)
	f.mu.Unlock()
	if path == "/api/im/sync" {
		return &remote.Result{OK: true, Data: []byte(`{"events":[],"cursor":"0","hasMore":false}`)}, nil
	}
	return &remote.Result{OK: true, Data: []byte(`{"message":{"id":"srv-1","conversationId":"c1","content":"hi"}}`)}, nil
}

func (f *fakeRemote) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// fakeRealtime records lifecycle calls.
type fakeRealtime struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	connected   atomic.Bool
}

func (f *fakeRealtime) Connect(context.Context) error {
	f.connects.Add(1)
	f.connected.Store(true)
	return nil
}

func (f *fakeRealtime) Disconnect() error {
	f.disconnects.Add(1)
	f.connected.Store(false)
	return nil
}

func (f *fakeRealtime) State() status.State {
	if f.connected.Load() {
		return status.Connected
	}
	return status.Disconnected
}

func (f *fakeRealtime) Identity() realtime.Identity { return realtime.Identity{} }

func newTestManager(t *testing.T, cfg Config) (*Manager, *memory.Store, *fakeRemote, *fakeRealtime, *bus.Bus) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	st := memory.New()
	rq := &fakeRemote{}
	rt := &fakeRealtime{}
	b := bus.New(logger)
	if cfg.Flusher.Interval == 0 {
		cfg.Flusher.Interval = time.Hour
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	m := New(st, rq, b, rt, cfg, logger)
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Destroy)
	return m, st, rq, rt, b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfflineWriteFlushesWhenOnline(t *testing.T) {
	m, _, rq, _, b := newTestManager(t, Config{})
	ctx := context.Background()
	online, unsub := b.Subscribe("network.", 4)
	defer unsub()

	if _, err := m.Dispatch(ctx, "POST", "/api/im/messages/c1", map[string]any{"content": "hi"}, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := m.OutboxSize(ctx); n != 1 {
		t.Fatalf("OutboxSize = %d, want 1", n)
	}

	m.SetOnline(true)
	select {
	case evt := <-online:
		if evt.Kind != bus.KindNetworkOnline {
			t.Errorf("got %s, want %s", evt.Kind, bus.KindNetworkOnline)
		}
	case <-time.After(time.Second):
		t.Fatal("no network.online event")
	}
	eventually(t, "outbox to drain", func() bool {
		n, _ := m.OutboxSize(ctx)
		return n == 0
	})
	if got := rq.count("POST /api/im/messages/c1"); got != 1 {
		t.Errorf("send calls = %d, want 1", got)
	}

	// Repeating the same state is not a change.
	m.SetOnline(true)
	m.SetOnline(false)
	select {
	case evt := <-online:
		if evt.Kind != bus.KindNetworkOffline {
			t.Errorf("got %s, want %s", evt.Kind, bus.KindNetworkOffline)
		}
	case <-time.After(time.Second):
		t.Fatal("no network.offline event")
	}
}

func TestSyncSkippedOffline(t *testing.T) {
	m, _, rq, _, _ := newTestManager(t, Config{})
	stats, err := m.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Skipped {
		t.Error("Sync while offline should be skipped")
	}
	if rq.count("GET /api/im/sync") != 0 {
		t.Error("offline sync touched the network")
	}
}

func TestSyncOnConnect(t *testing.T) {
	_, _, rq, _, b := newTestManager(t, Config{SyncOnConnect: true, Online: true})
	eventually(t, "initial sync", func() bool { return rq.count("GET /api/im/sync") >= 1 })
	before := rq.count("GET /api/im/sync")

	// A pull still running when the event lands is skipped, so keep nudging.
	eventually(t, "sync after realtime connect", func() bool {
		b.Emit(bus.KindRealtimeConnected, realtime.ConnectedEvent{Transport: "ws"})
		return rq.count("GET /api/im/sync") > before
	})
}

func TestRealtimeMessageIsStored(t *testing.T) {
	_, st, _, _, b := newTestManager(t, Config{})
	b.Emit(bus.KindRealtimeEventPrefix+isync.EventMessageNew, realtime.Envelope{
		Type:    isync.EventMessageNew,
		Payload: json.RawMessage(`{"id":"m9","conversationId":"c1","content":"pushed"}`),
	})

	got, err := st.GetMessage(context.Background(), "m9")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Content != "pushed" {
		t.Fatalf("stored message = %+v, want pushed", got)
	}
}

func TestGoingOnlineReconnectsIdleTransport(t *testing.T) {
	m, _, _, rt, _ := newTestManager(t, Config{})
	eventually(t, "realtime connect", func() bool { return rt.connects.Load() == 1 })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	if got := rt.connects.Load(); got != 1 {
		t.Fatalf("connected transport was reconnected: %d Connect calls", got)
	}

	// The transport dropped and stopped retrying while the network was down.
	rt.connected.Store(false)
	m.SetOnline(false)
	m.SetOnline(true)
	eventually(t, "realtime reconnect", func() bool { return rt.connects.Load() == 2 })
	if m.Realtime().State() != status.Connected {
		t.Errorf("realtime state = %s, want connected", m.Realtime().State())
	}
}

func TestDestroyIsIdempotentAndReleasesListeners(t *testing.T) {
	m, st, _, rt, b := newTestManager(t, Config{})
	eventually(t, "realtime connect", func() bool { return rt.connects.Load() == 1 })

	m.Destroy()
	m.Destroy()
	if got := rt.disconnects.Load(); got != 1 {
		t.Errorf("Disconnect calls = %d, want 1", got)
	}

	b.Emit(bus.KindRealtimeEventPrefix+isync.EventMessageNew, realtime.Envelope{
		Type:    isync.EventMessageNew,
		Payload: json.RawMessage(`{"id":"late","conversationId":"c1","content":"x"}`),
	})
	if got, _ := st.GetMessage(context.Background(), "late"); got != nil {
		t.Error("destroyed manager still applied realtime events")
	}
	if err := m.Init(context.Background()); err != ErrDestroyed {
		t.Errorf("Init after Destroy = %v, want ErrDestroyed", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	m, st, _, rt, _ := newTestManager(t, Config{})
	ctx := context.Background()
	eventually(t, "realtime connect", func() bool { return rt.connects.Load() == 1 })
	if err := st.SetCursor(ctx, store.CursorKey, "12"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Dispatch(ctx, "POST", "/api/im/messages/c1", map[string]any{"content": "a"}, nil); err != nil {
		t.Fatal(err)
	}

	s, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Online || s.OutboxSize != 1 || s.Cursor != "12" || s.SyncState != isync.StateIdle {
		t.Errorf("Status = %+v", s)
	}
	if s.Realtime != status.Connected {
		t.Errorf("Realtime = %q, want connected", s.Realtime)
	}

	size, err := m.StorageSize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size.Outbox != 1 || size.Messages != 1 {
		t.Errorf("StorageSize = %+v, want one outbox op and one optimistic message", size)
	}
}
