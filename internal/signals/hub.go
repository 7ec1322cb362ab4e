package signals

import (
	"context"
	"sync"
	"time"
)

const (
	hubBufferSize = 16

	// DefaultNoticeTTL is how long transient notices stay visible.
	DefaultNoticeTTL = 4 * time.Second
	// ConnectedAutoHide is how long the connected indicator lingers before
	// hiding. Disconnected and offline states stay visible until replaced.
	ConnectedAutoHide = 3 * time.Second
)

// NoticeLevel classifies transient notices.
type NoticeLevel string

const (
	LevelInfo  NoticeLevel = "info"
	LevelError NoticeLevel = "error"
)

// ConnectionState is the user-facing connectivity indicator value.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateOffline      ConnectionState = "offline"
)

// Signal is a user-visible event emitted by the sync engine.
type Signal interface {
	isSignal()
}

// Notice is a transient toast-style message.
type Notice struct {
	ID    string
	Level NoticeLevel
	Text  string
	TTL   time.Duration
	At    time.Time
}

// ConnectionStatus reports the connectivity indicator state. AutoHideAfter is
// zero for states that stay visible.
type ConnectionStatus struct {
	State         ConnectionState
	AutoHideAfter time.Duration
	At            time.Time
}

// PresenceCount reports how many participants are online in a club.
type PresenceCount struct {
	ClubID string
	Online int
}

// ClubsRefreshed tells the interface to reload the club list after a resync.
type ClubsRefreshed struct {
	At time.Time
}

// NavigateHome tells the interface to leave a club view that no longer exists.
type NavigateHome struct {
	ClubID string
}

func (Notice) isSignal()           {}
func (ConnectionStatus) isSignal() {}
func (PresenceCount) isSignal()    {}
func (ClubsRefreshed) isSignal()   {}
func (NavigateHome) isSignal()     {}

type hubSubscriber struct {
	id     int64
	stream chan Signal
}

// Hub fans signals out to subscribers. Slow subscribers drop signals rather
// than block the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int64]*hubSubscriber),
		bufferSize:  hubBufferSize,
	}
}

// Subscribe registers a signal stream bound to the provided context. The
// returned cleanup releases the stream; context cancellation does the same.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Signal, func()) {
	subscriber := &hubSubscriber{
		id:     h.nextSequence(),
		stream: make(chan Signal, h.bufferSize),
	}

	h.mu.Lock()
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, subscriber.id)
			h.mu.Unlock()
			close(subscriber.stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the signal to every subscriber without blocking. Sends
// happen under the read lock so cleanup cannot close a stream mid-send.
func (h *Hub) Publish(signal Signal) {
	if signal == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subscriber := range h.subscribers {
		select {
		case subscriber.stream <- signal:
		default:
		}
	}
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}
