package outbox

import (
	"encoding/json"

	"github.com/matheus3301/imsync/internal/store"
)

// SendingEvent is the payload of outbox.sending.
type SendingEvent struct {
	OpID string       `json:"opId"`
	Type store.OpType `json:"type"`
}

// ConfirmedEvent is the payload of outbox.confirmed.
type ConfirmedEvent struct {
	OpID string `json:"opId"`
}

// FailedEvent is the payload of outbox.failed. RetriesLeft is zero once the
// operation is terminally failed.
type FailedEvent struct {
	OpID        string `json:"opId"`
	Error       string `json:"error"`
	RetriesLeft int    `json:"retriesLeft"`
	Permanent   bool   `json:"permanent"`
}

// MessageFailedEvent is the payload of message.failed.
type MessageFailedEvent struct {
	ClientID string `json:"clientId"`
	Error    string `json:"error"`
}

// MessageConfirmedEvent is the payload of message.confirmed.
type MessageConfirmedEvent struct {
	ClientID      string          `json:"clientId"`
	ServerMessage json.RawMessage `json:"serverMessage"`
}
