// Package offline composes the outbox, the sync engine and the realtime
// transport into one offline-first client with an explicit lifecycle.
package offline

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/sync"
)

// ErrDestroyed is returned by Init after Destroy.
var ErrDestroyed = errors.New("offline manager destroyed")

// Config tunes the manager and the components it owns.
type Config struct {
	MaxRetries int
	Flusher    outbox.FlusherConfig
	Sync       sync.Config
	// SyncOnConnect pulls the change stream whenever the network or the
	// realtime transport comes back.
	SyncOnConnect bool
	// Continuous follows the change stream instead of pulling on demand.
	Continuous bool
	// Online is the initial network state.
	Online bool
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	Online     bool         `json:"online"`
	SyncState  sync.State   `json:"syncState"`
	OutboxSize int          `json:"outboxSize"`
	Realtime   status.State `json:"realtime,omitempty"`
	Cursor     string       `json:"cursor"`
	Continuous bool         `json:"continuous"`
}

// Manager is the offline-first client. It implements outbox.Network.
type Manager struct {
	store      store.Storage
	bus        *bus.Bus
	rt         realtime.Client
	dispatcher *outbox.Dispatcher
	flusher    *outbox.Flusher
	engine     *sync.Engine
	cfg        Config
	logger     *zap.Logger

	online atomic.Bool

	mu        gosync.Mutex
	started   bool
	destroyed bool
	unsubs    []func()
	cancel    context.CancelFunc
	ctx       context.Context
	wg        gosync.WaitGroup
}

var _ outbox.Network = (*Manager)(nil)

// New wires a manager. rt may be nil when no realtime transport is used.
func New(st store.Storage, rq remote.Requester, b *bus.Bus, rt realtime.Client, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  st,
		bus:    b,
		rt:     rt,
		cfg:    cfg,
		logger: logger,
	}
	m.online.Store(cfg.Online)
	m.flusher = outbox.NewFlusher(st, rq, b, m, cfg.Flusher, logger.Named("outbox"))
	m.dispatcher = outbox.NewDispatcher(st, rq, b, m, m.flusher, cfg.MaxRetries, logger.Named("outbox"))
	m.engine = sync.NewEngine(st, rq, b, cfg.Sync, logger.Named("sync"))
	return m
}

// Init prepares storage, starts the flush loop, subscribes to realtime
// events and connects the transport. A transport that cannot connect is
// logged, not fatal: the client works offline. Init is idempotent.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	if m.started {
		return nil
	}

	if err := m.store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.flusher.Start(m.ctx)

	if m.bus != nil {
		m.unsubs = append(m.unsubs,
			m.bus.Handle(bus.KindRealtimeEventPrefix+sync.EventMessageNew, m.onRealtimeMessage),
			m.bus.Handle(bus.KindRealtimeConnected, func(bus.Event) {
				if m.cfg.SyncOnConnect {
					m.syncInBackground()
				}
			}),
		)
	}

	if m.cfg.Continuous {
		m.engine.StartContinuousSync(m.ctx)
	}
	m.started = true

	if m.Online() && m.cfg.SyncOnConnect && !m.cfg.Continuous {
		m.syncLocked()
	}
	m.connectLocked()
	m.logger.Info("offline manager started", zap.Bool("online", m.Online()), zap.Bool("continuous", m.cfg.Continuous))
	return nil
}

// Destroy tears the manager down: the flush timer stops, continuous sync
// and its reconnect timer stop, the realtime transport disconnects without
// reconnecting, and the manager's listeners are released. It is idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	started := m.started
	unsubs := m.unsubs
	m.unsubs = nil
	cancel := m.cancel
	m.mu.Unlock()

	if !started {
		return
	}
	m.flusher.Stop()
	m.engine.StopContinuousSync()
	if m.rt != nil {
		if err := m.rt.Disconnect(); err != nil {
			m.logger.Debug("realtime disconnect", zap.Error(err))
		}
	}
	for _, unsub := range unsubs {
		unsub()
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("offline manager stopped")
}

// Online reports the network state the manager was last told about.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// SetOnline records a network change. Going online flushes the outbox and,
// with SyncOnConnect, pulls the change stream.
func (m *Manager) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if !online {
		m.logger.Info("network offline")
		m.emit(bus.KindNetworkOffline, nil)
		return
	}
	m.logger.Info("network online")
	m.emit(bus.KindNetworkOnline, nil)
	m.flusher.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()
	// A transport that gave up (or never got through at boot) is idle in
	// Disconnected; one that is connecting or reconnecting is left alone.
	if m.rt != nil && m.rt.State() == status.Disconnected {
		m.connectLocked()
	}
	if m.cfg.SyncOnConnect {
		m.syncLocked()
	}
}

// Dispatch routes one API call through the outbox and the read cache.
func (m *Manager) Dispatch(ctx context.Context, method, path string, body any, query map[string]string) (*remote.Result, error) {
	return m.dispatcher.Dispatch(ctx, method, path, body, query)
}

// Flush runs one outbox pass now.
func (m *Manager) Flush(ctx context.Context) (outbox.Stats, error) {
	return m.flusher.Flush(ctx)
}

// Sync pulls the change stream. It is skipped while offline.
func (m *Manager) Sync(ctx context.Context) (sync.Stats, error) {
	if !m.Online() {
		return sync.Stats{Skipped: true}, nil
	}
	return m.engine.Sync(ctx)
}

// OutboxSize returns the number of operations waiting to be sent.
func (m *Manager) OutboxSize(ctx context.Context) (int, error) {
	return m.store.PendingCount(ctx)
}

// SyncState returns idle, syncing or error.
func (m *Manager) SyncState() sync.State {
	return m.engine.State()
}

// SearchMessages searches stored message content.
func (m *Manager) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]*store.Message, error) {
	return m.dispatcher.SearchMessages(ctx, query, conversationID, limit)
}

// StorageSize reports row counts when the backend supports it.
func (m *Manager) StorageSize(ctx context.Context) (*store.StorageSize, error) {
	r, ok := m.store.(store.SizeReporter)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	return r.StorageSize(ctx)
}

// StopContinuousSync and ResumeContinuousSync let a coordinator hand the
// stream to another process and take it back.
func (m *Manager) StopContinuousSync()   { m.engine.StopContinuousSync() }
func (m *Manager) ResumeContinuousSync() { m.engine.ResumeContinuousSync() }

// Engine exposes the sync engine.
func (m *Manager) Engine() *sync.Engine { return m.engine }

// Realtime returns the transport, or nil.
func (m *Manager) Realtime() realtime.Client { return m.rt }

// Status returns a snapshot of the manager.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	size, err := m.OutboxSize(ctx)
	if err != nil {
		return Status{}, err
	}
	cursor, err := m.engine.Cursor(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		Online:     m.Online(),
		SyncState:  m.engine.State(),
		OutboxSize: size,
		Cursor:     cursor,
		Continuous: m.engine.Continuous(),
	}
	if m.rt != nil {
		s.Realtime = m.rt.State()
	}
	return s, nil
}

func (m *Manager) onRealtimeMessage(evt bus.Event) {
	env, ok := evt.Payload.(realtime.Envelope)
	if !ok {
		return
	}
	if _, err := m.engine.ApplyRealtime(m.context(), env.Type, env.Payload); err != nil {
		m.logger.Warn("failed to apply realtime message", zap.Error(err))
	}
}

func (m *Manager) syncInBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
}

// connectLocked connects the transport in the background. It must be called
// with m.mu held.
func (m *Manager) connectLocked() {
	if m.rt == nil || !m.started || m.destroyed {
		return
	}
	rt, ctx := m.rt, m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := rt.Connect(ctx); err != nil {
			m.logger.Warn("realtime connect failed", zap.Error(err))
		}
	}()
}

// syncLocked must be called with m.mu held.
func (m *Manager) syncLocked() {
	if !m.started || m.destroyed || m.cfg.Continuous {
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Sync(ctx); err != nil {
			m.logger.Debug("background sync failed", zap.Error(err))
		}
	}()
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Manager) emit(kind string, payload any) {
	if m.bus != nil {
		m.bus.Emit(kind, payload)
	}
}
