// Package realtime keeps an authenticated, heartbeat-monitored connection to
// the messaging service over WebSocket or SSE, reconnecting with jittered
// exponential backoff. Connection changes and inbound frames are published
// on the bus under the "realtime." namespace.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/status"
)

// Client is the transport-independent surface of a realtime connection.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() status.State
	Identity() Identity
}

// New returns a client for the named transport, "ws" or "sse".
func New(transport, baseURL string, cfg Config, b *bus.Bus, logger *zap.Logger) (Client, error) {
	switch transport {
	case "", "ws", "websocket":
		return NewWSClient(baseURL, cfg, b, logger), nil
	case "sse":
		return NewSSEClient(baseURL, cfg, b, logger), nil
	default:
		return nil, fmt.Errorf("unknown realtime transport %q", transport)
	}
}

// link is one established, authenticated connection.
type link interface {
	// read blocks for the next inbound envelope.
	read(ctx context.Context) (Envelope, error)
	// watch monitors liveness until ctx ends, killing the link when it
	// goes stale.
	watch(ctx context.Context)
	close(reason string) error
}

// dialer opens a link and returns the authentication frame it began with.
type dialer func(ctx context.Context) (link, Envelope, error)

// core is the connection state machine shared by both transports.
type core struct {
	transport string
	cfg       Config
	bus       *bus.Bus
	logger    *zap.Logger
	machine   *status.Machine
	backoff   *Backoff
	probes    *probes
	dial      dialer

	mu          sync.Mutex
	link        link
	cancel      context.CancelFunc
	timer       *time.Timer
	intentional bool
	identity    Identity
}

func newCore(transport string, cfg Config, b *bus.Bus, logger *zap.Logger) *core {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &core{
		transport: transport,
		cfg:       cfg,
		bus:       b,
		logger:    logger.With(zap.String("transport", transport)),
		machine:   status.NewMachine(b),
		backoff:   NewBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts, cfg.StabilityWindow),
		probes:    newProbes(),
	}
}

// State returns the current connection state.
func (c *core) State() status.State {
	return c.machine.Current()
}

// Identity returns the identity of the last successful authentication.
func (c *core) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect opens the connection and waits for authentication. It is a no-op
// while already connected or connecting. A pending scheduled reconnect is
// replaced by this attempt and the backoff budget starts over.
func (c *core) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = false
	c.stopTimer()
	c.mu.Unlock()
	c.backoff.Reset()

	from := c.machine.Current()
	if from == status.Connected || from == status.Connecting {
		return nil
	}
	return c.start(ctx, from)
}

// Disconnect closes the connection and suppresses reconnection until the
// next Connect. realtime.disconnected is emitted only if the client was not
// already disconnected.
func (c *core) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	c.stopTimer()
	lnk, cancel := c.link, c.cancel
	c.link, c.cancel = nil, nil
	c.mu.Unlock()

	var err error
	if lnk != nil {
		err = lnk.close("client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.probes.rejectAll()

	for _, s := range []status.State{status.Connected, status.Connecting, status.Reconnecting} {
		if c.machine.TransitionFrom(s, status.Disconnected) {
			c.emit(bus.KindRealtimeDisconnected, DisconnectedEvent{
				Transport:   c.transport,
				Reason:      "client disconnect",
				Intentional: true,
			})
			break
		}
	}
	return err
}

func (c *core) start(ctx context.Context, from status.State) error {
	if !c.machine.TransitionFrom(from, status.Connecting) {
		return nil
	}

	lnk, auth, err := c.dial(ctx)
	if err != nil {
		c.machine.TransitionFrom(status.Connecting, status.Disconnected)
		return err
	}

	var id Identity
	_ = json.Unmarshal(auth.Payload, &id)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.link, c.cancel, c.identity = lnk, cancel, id
	c.mu.Unlock()

	if !c.machine.TransitionFrom(status.Connecting, status.Connected) {
		// Disconnect won the race.
		cancel()
		c.mu.Lock()
		if c.link == lnk {
			c.link, c.cancel = nil, nil
		}
		c.mu.Unlock()
		_ = lnk.close("client disconnect")
		return ErrClosed
	}
	c.backoff.MarkConnected()
	c.logger.Info("realtime connected", zap.String("user_id", id.UserID))

	go lnk.watch(connCtx)
	c.emit(bus.KindRealtimeEventPrefix+auth.Type, auth)
	c.emit(bus.KindRealtimeConnected, ConnectedEvent{Transport: c.transport, Identity: id})
	go c.readLoop(connCtx, lnk)
	return nil
}

func (c *core) readLoop(ctx context.Context, lnk link) {
	for {
		env, err := lnk.read(ctx)
		if err != nil {
			c.dropped(lnk, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *core) dispatch(env Envelope) {
	switch env.Type {
	case TypePong:
		var p Pong
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			c.probes.resolve(p)
		}
	case TypeError:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		c.emit(bus.KindRealtimeError, ErrorEvent{Transport: c.transport, Message: p.Message})
	}
	c.emit(bus.KindRealtimeEventPrefix+env.Type, env)
}

// dropped handles a non-intentional loss of lnk.
func (c *core) dropped(lnk link, cause error) {
	c.mu.Lock()
	if c.link != lnk {
		c.mu.Unlock()
		return
	}
	cancel, intentional := c.cancel, c.intentional
	c.link, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	c.probes.rejectAll()
	_ = lnk.close("connection lost")
	if intentional || !c.machine.TransitionFrom(status.Connected, status.Disconnected) {
		return
	}

	c.logger.Warn("realtime connection lost", zap.Error(cause))
	c.emit(bus.KindRealtimeDisconnected, DisconnectedEvent{Transport: c.transport, Reason: cause.Error()})
	c.scheduleReconnect()
}

func (c *core) scheduleReconnect() {
	if !c.cfg.AutoReconnect {
		return
	}
	if !c.backoff.ShouldRetry() {
		c.logger.Warn("realtime reconnect attempts exhausted", zap.Int("attempt", c.backoff.Attempt()))
		c.emit(bus.KindRealtimeError, ErrorEvent{Transport: c.transport, Message: "reconnect attempts exhausted"})
		return
	}
	if !c.machine.TransitionFrom(status.Disconnected, status.Reconnecting) {
		return
	}

	delay, attempt := c.backoff.Next()
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		c.machine.TransitionFrom(status.Reconnecting, status.Disconnected)
		return
	}
	c.stopTimer()
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info("realtime reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.emit(bus.KindRealtimeReconnecting, ReconnectingEvent{Transport: c.transport, Attempt: attempt, Delay: delay})
}

func (c *core) reconnect() {
	c.mu.Lock()
	c.timer = nil
	intentional := c.intentional
	c.mu.Unlock()
	if intentional {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	if err := c.start(ctx, status.Reconnecting); err != nil {
		c.logger.Warn("realtime reconnect failed", zap.Error(err))
		c.scheduleReconnect()
	}
}

// stopTimer must be called with c.mu held.
func (c *core) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *core) emit(kind string, payload any) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}
