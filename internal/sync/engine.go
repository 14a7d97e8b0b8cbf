// Package sync keeps local storage consistent with the remote event stream,
// either by paging through it on demand or by following it continuously.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
)

// ErrSyncFailed wraps a rejected sync request.
var ErrSyncFailed = errors.New("sync failed")

// State is the engine's pull-mode state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Config tunes the engine.
type Config struct {
	PageSize int
	Path     string
	// StreamPath is followed in continuous mode when the requester is a
	// remote.Streamer.
	StreamPath string
	// PollInterval paces pull syncs in continuous mode when streaming is
	// unavailable.
	PollInterval time.Duration
	// LivenessWindow and CheckInterval drive the stream watchdog.
	LivenessWindow time.Duration
	CheckInterval  time.Duration
	// ReconnectBaseDelay and ReconnectMaxDelay bound stream reconnects.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	StabilityWindow    time.Duration
	Resolver           Resolver
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Path == "" {
		c.Path = "/api/im/sync"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/api/im/sync/stream"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 45 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 15 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 60 * time.Second
	}
}

// Stats summarizes a pull sync.
type Stats struct {
	// Skipped is set when another sync was already running.
	Skipped              bool   `json:"skipped,omitempty"`
	Pages                int    `json:"pages"`
	Events               int    `json:"events"`
	NewMessages          int    `json:"newMessages"`
	UpdatedConversations int    `json:"updatedConversations"`
	Cursor               string `json:"cursor"`
}

// ProgressEvent is the payload of sync.progress.
type ProgressEvent struct {
	Synced int    `json:"synced"`
	Total  int    `json:"total"`
	Cursor string `json:"cursor"`
}

// ErrorEvent is the payload of sync.error.
type ErrorEvent struct {
	Error     string `json:"error"`
	WillRetry bool   `json:"willRetry"`
}

// Engine applies the remote change stream to storage. It exclusively owns
// cursor advancement and conflict resolution.
type Engine struct {
	store    store.Storage
	remote   remote.Requester
	bus      *bus.Bus
	resolver Resolver
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu      gosync.Mutex
	syncing bool
	state   State

	cont continuous
}

// NewEngine creates a sync engine.
func NewEngine(st store.Storage, rq remote.Requester, b *bus.Bus, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		remote:   rq,
		bus:      b,
		resolver: cfg.Resolver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		state:    StateIdle,
	}
}

// State returns idle, syncing, or error (the last sync failed).
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Sync pages through the change stream from the persisted cursor until the
// server reports no more events. A call while another sync runs returns
// immediately with Stats.Skipped set. Failures stop the pass, emit
// sync.error, and are not retried here.
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return Stats{Skipped: true}, nil
	}
	e.syncing = true
	e.state = StateSyncing
	e.mu.Unlock()

	e.emit(bus.KindSyncStart, nil)
	stats, err := e.pull(ctx)

	e.mu.Lock()
	e.syncing = false
	if err != nil {
		e.state = StateError
	} else {
		e.state = StateIdle
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("sync failed", zap.Error(err), zap.String("cursor", stats.Cursor))
		e.emit(bus.KindSyncError, ErrorEvent{Error: err.Error()})
		return stats, err
	}
	e.logger.Info("sync complete",
		zap.Int("pages", stats.Pages),
		zap.Int("new_messages", stats.NewMessages),
		zap.Int("updated_conversations", stats.UpdatedConversations),
		zap.String("cursor", stats.Cursor))
	e.emit(bus.KindSyncComplete, stats)
	return stats, nil
}

func (e *Engine) pull(ctx context.Context) (Stats, error) {
	var stats Stats
	cursor, err := e.Cursor(ctx)
	if err != nil {
		return stats, err
	}
	stats.Cursor = cursor

	for {
		res, err := e.remote.Do(ctx, http.MethodGet, e.cfg.Path, nil, map[string]string{
			"since": cursor,
			"limit": strconv.Itoa(e.cfg.PageSize),
		})
		if err != nil {
			return stats, fmt.Errorf("fetch sync page: %w", err)
		}
		if !res.OK {
			if res.Error != nil {
				return stats, fmt.Errorf("%w: %w", ErrSyncFailed, res.Error)
			}
			return stats, ErrSyncFailed
		}
		page, err := wire.ParseSyncPage(res.Data)
		if err != nil {
			return stats, err
		}

		for _, ev := range page.Events {
			applied, err := e.ApplyEvent(ctx, ev)
			if err != nil {
				return stats, fmt.Errorf("apply event seq %d: %w", ev.Seq, err)
			}
			stats.Events++
			if applied {
				countEvent(&stats, ev.Type)
			}
		}

		if page.Cursor != "" && page.Cursor != cursor {
			if err := e.store.SetCursor(ctx, store.CursorKey, page.Cursor); err != nil {
				return stats, fmt.Errorf("persist cursor: %w", err)
			}
			cursor = page.Cursor
		} else if page.HasMore {
			return stats, fmt.Errorf("%w: cursor did not advance", wire.ErrMalformed)
		}
		stats.Cursor = cursor
		stats.Pages++
		e.emit(bus.KindSyncProgress, ProgressEvent{Synced: len(page.Events), Total: stats.Events, Cursor: cursor})

		if !page.HasMore {
			return stats, nil
		}
	}
}

// Cursor returns the persisted stream position, "0" before the first sync.
func (e *Engine) Cursor(ctx context.Context) (string, error) {
	c, err := e.store.GetCursor(ctx, store.CursorKey)
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	if c == "" {
		return "0", nil
	}
	return c, nil
}

func countEvent(s *Stats, typ string) {
	switch {
	case typ == EventMessageNew:
		s.NewMessages++
	case strings.HasPrefix(typ, "conversation."):
		s.UpdatedConversations++
	}
}

func (e *Engine) emit(kind string, payload any) {
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}
