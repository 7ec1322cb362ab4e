package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// ChangeKind labels a row mutation carried by a Notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Notification is a single row change delivered on a subscribed channel.
// Before is absent for inserts, After is absent for deletes.
type Notification struct {
	Kind   ChangeKind
	Before json.RawMessage
	After  json.RawMessage
}

// ChannelStatus reports a channel lifecycle transition.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "subscribed"
	StatusChannelError ChannelStatus = "channel_error"
	StatusTimedOut     ChannelStatus = "timed_out"
	StatusClosed       ChannelStatus = "closed"
)

// PresenceMeta describes one tracked participant.
type PresenceMeta struct {
	ParticipantID string    `json:"participant_id"`
	JoinedAt      time.Time `json:"joined_at"`
}

// PresenceEventKind labels a presence roster transition.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent carries a roster snapshot (sync) or an incremental change
// (join/leave).
type PresenceEvent struct {
	Kind   PresenceEventKind
	State  []PresenceMeta
	Joined []PresenceMeta
	Left   []PresenceMeta
}

// ChannelConfig describes a data channel subscription.
type ChannelConfig struct {
	Topic    string
	OnChange func(Notification)
	OnStatus func(ChannelStatus, error)
}

// PresenceConfig describes a presence channel registration. Self is the
// participant record announced to everyone else on the topic.
type PresenceConfig struct {
	Topic    string
	Self     PresenceMeta
	OnEvent  func(PresenceEvent)
	OnStatus func(ChannelStatus, error)
}

// Channel is a live data subscription handle.
type Channel interface {
	Topic() string
	Unsubscribe() error
}

// Presence is a live presence registration handle. Untrack must be called on
// teardown or the participant lingers as a phantom for everyone else.
type Presence interface {
	Topic() string
	Untrack() error
}

// Provider is the remote channel transport the sync engine drives. Subscribe
// and Track return immediately; join outcomes arrive on the status callback.
type Provider interface {
	Subscribe(ctx context.Context, cfg ChannelConfig) (Channel, error)
	Track(ctx context.Context, cfg PresenceConfig) (Presence, error)
	// Connectivity reports transport-level online transitions. The current
	// state is delivered first, then every change.
	Connectivity(ctx context.Context) (<-chan bool, func())
}
