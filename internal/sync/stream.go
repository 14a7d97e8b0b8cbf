package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/sse"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
)

var errStreamStale = errors.New("sync stream stale")

// continuous holds the lifecycle of continuous mode.
type continuous struct {
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// StartContinuousSync follows the change stream until ctx ends or
// StopContinuousSync is called. Each event is applied as it arrives and the
// cursor advances per event. A dropped or silent stream is reopened with
// jittered backoff. When the requester cannot stream, pull syncs run every
// PollInterval instead.
func (e *Engine) StartContinuousSync(ctx context.Context) {
	e.mu.Lock()
	e.cont.parent = ctx
	e.mu.Unlock()
	e.ResumeContinuousSync()
}

// StopContinuousSync halts continuous mode and waits for it to exit, e.g.
// when another process takes over the stream. It is idempotent.
func (e *Engine) StopContinuousSync() {
	e.mu.Lock()
	cancel, done := e.cont.cancel, e.cont.done
	e.cont.cancel, e.cont.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// ResumeContinuousSync restarts continuous mode after StopContinuousSync.
// It does nothing if continuous mode was never started or is running.
func (e *Engine) ResumeContinuousSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cont.parent == nil || e.cont.cancel != nil || e.cont.parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.cont.parent)
	done := make(chan struct{})
	e.cont.cancel, e.cont.done = cancel, done
	go e.follow(ctx, done)
}

// Continuous reports whether continuous mode is running.
func (e *Engine) Continuous() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cont.cancel != nil
}

func (e *Engine) follow(ctx context.Context, done chan struct{}) {
	defer close(done)

	streamer, ok := e.remote.(remote.Streamer)
	if !ok {
		e.logger.Info("streaming unavailable, polling", zap.Duration("interval", e.cfg.PollInterval))
		e.poll(ctx)
		return
	}

	backoff := realtime.NewBackoff(e.cfg.ReconnectBaseDelay, e.cfg.ReconnectMaxDelay, 0, e.cfg.StabilityWindow)
	for {
		err := e.stream(ctx, streamer, backoff)
		if ctx.Err() != nil {
			return
		}
		delay, attempt := backoff.Next()
		e.logger.Warn("sync stream ended, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		e.emit(bus.KindSyncError, ErrorEvent{Error: err.Error(), WillRetry: true})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) poll(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Errors are already reported through sync.error.
		_, _ = e.Sync(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stream consumes one stream connection until it fails.
func (e *Engine) stream(ctx context.Context, s remote.Streamer, backoff *realtime.Backoff) error {
	cursor, err := e.Cursor(ctx)
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	body, err := s.Stream(streamCtx, e.cfg.StreamPath, map[string]string{"since": cursor})
	if err != nil {
		return fmt.Errorf("open sync stream: %w", err)
	}
	defer body.Close()
	// Unblock the decoder on cancellation for bodies that ignore ctx.
	stop := context.AfterFunc(streamCtx, func() { body.Close() })
	defer stop()
	backoff.MarkConnected()
	e.logger.Info("sync stream open", zap.String("cursor", cursor))

	mon := sse.NewMonitor(body)
	stale := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				if mon.Idle() > e.cfg.LivenessWindow {
					close(stale)
					cancel()
					return
				}
			}
		}
	}()

	dec := sse.NewDecoder(mon)
	applied := 0
	for {
		msg, err := dec.Next()
		if err != nil {
			select {
			case <-stale:
				return errStreamStale
			default:
			}
			if errors.Is(err, io.EOF) {
				return errors.New("sync stream closed by server")
			}
			return err
		}

		v := gjson.ParseBytes(msg.Data)
		if !v.IsObject() || !v.Get("type").Exists() {
			continue
		}
		ev := wire.ParseSyncEvent(v)
		ok, err := e.ApplyEvent(streamCtx, ev)
		if err != nil {
			return fmt.Errorf("apply streamed event seq %d: %w", ev.Seq, err)
		}
		next := v.Get("cursor").String()
		if next == "" && ev.Seq > 0 {
			next = strconv.FormatInt(ev.Seq, 10)
		}
		if next != "" {
			if err := e.store.SetCursor(streamCtx, store.CursorKey, next); err != nil {
				return fmt.Errorf("persist cursor: %w", err)
			}
		}
		if ok {
			applied++
		}
		e.emit(bus.KindSyncProgress, ProgressEvent{Synced: 1, Total: applied, Cursor: next})
	}
}
