package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/imsync/internal/bus"
)

// wsConn abstracts the WebSocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// WSClient is the bidirectional transport. Besides receiving envelopes it
// sends commands and runs a ping/pong heartbeat.
type WSClient struct {
	*core
	url    string
	dialWS func(ctx context.Context, url string) (wsConn, error)
	newID  func() string
}

// NewWSClient creates a disconnected WebSocket client for baseURL
// (http or https; the scheme is rewritten).
func NewWSClient(baseURL string, cfg Config, b *bus.Bus, logger *zap.Logger) *WSClient {
	c := &WSClient{
		core:  newCore("ws", cfg, b, logger),
		newID: uuid.NewString,
	}
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	c.url = strings.TrimRight(u, "/") + "/ws?token=" + url.QueryEscape(c.cfg.Token)
	c.dialWS = func(ctx context.Context, u string) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}) //nolint:bodyclose // websocket.Dial closes the response body internally
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	c.core.dial = c.open
	return c
}

func (c *WSClient) open(ctx context.Context) (link, Envelope, error) {
	conn, err := c.dialWS(ctx, c.url)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, Envelope{}, fmt.Errorf("read auth frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return nil, Envelope{}, fmt.Errorf("%w: %q", ErrUnexpectedFrame, gjson.GetBytes(data, "type").Str)
	}
	return &wsLink{conn: conn, client: c}, env, nil
}

// Send writes a raw command.
func (c *WSClient) Send(ctx context.Context, cmd Command) error {
	lnk := c.current()
	if lnk == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return lnk.conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a liveness probe and waits up to the probe timeout for the
// matching pong.
func (c *WSClient) Ping(ctx context.Context) (Pong, error) {
	id := c.newID()
	ch := c.probes.add(id)

	if err := c.Send(ctx, Command{Type: TypePing, Payload: map[string]string{"requestId": id}, RequestID: id}); err != nil {
		c.probes.remove(id)
		return Pong{}, err
	}

	timer := time.NewTimer(c.cfg.ProbeTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return Pong{}, ErrClosed
		}
		return pong, nil
	case <-timer.C:
		c.probes.remove(id)
		return Pong{}, ErrProbeTimeout
	case <-ctx.Done():
		c.probes.remove(id)
		return Pong{}, ctx.Err()
	}
}

// JoinConversation subscribes the connection to a conversation's events.
func (c *WSClient) JoinConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, Command{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// SendMessage sends a message over the socket instead of the REST API.
func (c *WSClient) SendMessage(ctx context.Context, conversationID, content, msgType string) error {
	if msgType == "" {
		msgType = "text"
	}
	return c.Send(ctx, Command{
		Type: "message.send",
		Payload: map[string]string{
			"conversationId": conversationID,
			"content":        content,
			"type":           msgType,
		},
		RequestID: "msg-" + c.newID(),
	})
}

func (c *WSClient) StartTyping(ctx context.Context, conversationID string) error {
	return c.Send(ctx, Command{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

func (c *WSClient) StopTyping(ctx context.Context, conversationID string) error {
	return c.Send(ctx, Command{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// UpdatePresence publishes the user's presence status, e.g. "online".
func (c *WSClient) UpdatePresence(ctx context.Context, presence string) error {
	return c.Send(ctx, Command{
		Type:    "presence.update",
		Payload: map[string]string{"status": presence},
	})
}

func (c *WSClient) current() *wsLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	lnk, _ := c.link.(*wsLink)
	return lnk
}

type wsLink struct {
	conn   wsConn
	client *WSClient
}

func (l *wsLink) read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			l.client.logger.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		return env, nil
	}
}

// watch pings on every heartbeat tick. A missed pong force-closes the
// socket, which the read loop then reports as a lost connection.
func (l *wsLink) watch(ctx context.Context) {
	ticker := time.NewTicker(l.client.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := l.client.Ping(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			l.client.logger.Warn("heartbeat failed, closing connection", zap.Error(err))
			l.conn.CloseNow()
			return
		}
	}
}

func (l *wsLink) close(reason string) error {
	return l.conn.Close(websocket.StatusNormalClosure, reason)
}
