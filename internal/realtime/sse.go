package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/sse"
)

// SSEClient is the server-push transport. It cannot send probes, so a
// watchdog tears the stream down when no bytes arrive within the liveness
// window.
type SSEClient struct {
	*core
	url string
}

// NewSSEClient creates a disconnected SSE client for baseURL.
func NewSSEClient(baseURL string, cfg Config, b *bus.Bus, logger *zap.Logger) *SSEClient {
	c := &SSEClient{core: newCore("sse", cfg, b, logger)}
	c.url = strings.TrimRight(baseURL, "/") + "/sse?token=" + url.QueryEscape(c.cfg.Token)
	c.core.dial = c.open
	return c
}

func (c *SSEClient) open(ctx context.Context) (link, Envelope, error) {
	// The stream outlives ctx; ctx only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel()
		return nil, Envelope{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, Envelope{}, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, Envelope{}, fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}

	mon := sse.NewMonitor(resp.Body)
	lnk := &sseLink{body: resp.Body, mon: mon, dec: sse.NewDecoder(mon), cancel: cancel, client: c}

	env, err := lnk.read(ctx)
	if err != nil {
		lnk.close("auth failed")
		if ctx.Err() != nil {
			return nil, Envelope{}, fmt.Errorf("read auth frame: %w", ctx.Err())
		}
		return nil, Envelope{}, fmt.Errorf("read auth frame: %w", err)
	}
	if env.Type != TypeAuthenticated {
		lnk.close("unexpected frame")
		return nil, Envelope{}, fmt.Errorf("%w: %q", ErrUnexpectedFrame, env.Type)
	}
	return lnk, env, nil
}

var errStreamEnded = errors.New("stream ended")

type sseLink struct {
	body   io.ReadCloser
	mon    *sse.Monitor
	dec    *sse.Decoder
	cancel context.CancelFunc
	client *SSEClient
}

func (l *sseLink) read(_ context.Context) (Envelope, error) {
	for {
		ev, err := l.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Envelope{}, errStreamEnded
			}
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(ev.Data, &env); err != nil || env.Type == "" {
			l.client.logger.Debug("dropping malformed event", zap.Int("bytes", len(ev.Data)))
			continue
		}
		return env, nil
	}
}

// watch checks the time since the last received byte on every tick and
// aborts the request once it exceeds the liveness window.
func (l *sseLink) watch(ctx context.Context) {
	ticker := time.NewTicker(l.client.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := l.mon.Idle(); idle > l.client.cfg.LivenessWindow {
				l.client.logger.Warn("sse stream stale, closing", zap.Duration("idle", idle))
				l.cancel()
				return
			}
		}
	}
}

func (l *sseLink) close(string) error {
	l.cancel()
	return l.body.Close()
}
