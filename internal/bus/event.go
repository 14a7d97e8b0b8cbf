package bus

import "time"

// Event represents a notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Notification kinds shared across packages.
const (
	KindMessageLocal     = "message.local"
	KindMessageConfirmed = "message.confirmed"
	KindMessageFailed    = "message.failed"

	KindOutboxSending   = "outbox.sending"
	KindOutboxConfirmed = "outbox.confirmed"
	KindOutboxFailed    = "outbox.failed"

	KindSyncStart    = "sync.start"
	KindSyncProgress = "sync.progress"
	KindSyncComplete = "sync.complete"
	KindSyncError    = "sync.error"

	KindNetworkOnline  = "network.online"
	KindNetworkOffline = "network.offline"

	KindRealtimeConnected    = "realtime.connected"
	KindRealtimeDisconnected = "realtime.disconnected"
	KindRealtimeReconnecting = "realtime.reconnecting"
	KindRealtimeError        = "realtime.error"
	// KindRealtimeEventPrefix prefixes every inbound realtime envelope,
	// e.g. "realtime.event.message.new".
	KindRealtimeEventPrefix = "realtime.event."
)
