package realtime

import (
	"net/http"
	"time"
)

// Config configures a realtime client. Zero durations take the defaults
// below; MaxReconnectAttempts of zero means unlimited.
type Config struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	StabilityWindow      time.Duration

	// HeartbeatInterval and ProbeTimeout drive the WebSocket heartbeat.
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration

	// LivenessWindow and CheckInterval drive the SSE watchdog.
	LivenessWindow time.Duration
	CheckInterval  time.Duration

	// HandshakeTimeout bounds dial plus authentication on reconnects.
	HandshakeTimeout time.Duration

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StabilityWindow == 0 {
		c.StabilityWindow = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = 45 * time.Second
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 15 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}
