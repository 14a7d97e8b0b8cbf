package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// Frame types with transport-level meaning.
const (
	TypeAuthenticated = "authenticated"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

var (
	ErrNotConnected    = errors.New("realtime: not connected")
	ErrProbeTimeout    = errors.New("realtime: probe timed out")
	ErrUnexpectedFrame = errors.New("realtime: unexpected first frame")
	ErrClosed          = errors.New("realtime: connection closed")
)

// Envelope is the wire format of every inbound frame on both transports.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame (WebSocket only).
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Identity is carried by the authentication acknowledgment.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Pong is the reply to a liveness probe.
type Pong struct {
	RequestID string `json:"requestId"`
}

// ConnectedEvent is the payload of realtime.connected.
type ConnectedEvent struct {
	Transport string   `json:"transport"`
	Identity  Identity `json:"identity"`
}

// DisconnectedEvent is the payload of realtime.disconnected.
type DisconnectedEvent struct {
	Transport   string `json:"transport"`
	Reason      string `json:"reason"`
	Intentional bool   `json:"intentional"`
}

// ReconnectingEvent is the payload of realtime.reconnecting.
type ReconnectingEvent struct {
	Transport string        `json:"transport"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
}

// ErrorEvent is the payload of realtime.error.
type ErrorEvent struct {
	Transport string `json:"transport"`
	Message   string `json:"message"`
}
