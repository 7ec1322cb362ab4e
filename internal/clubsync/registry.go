package clubsync

import (
	"sort"
	"time"

	"github.com/readcircle/readcircle/internal/realtime"
)

type subscriptionStatus string

const (
	subscriptionConnecting subscriptionStatus = "connecting"
	subscriptionSubscribed subscriptionStatus = "subscribed"
	subscriptionRetrying   subscriptionStatus = "retrying"
	subscriptionFailed     subscriptionStatus = "failed"
)

// subscription tracks one club's channel pair together with its supervisor
// state. All fields are confined to the engine loop.
type subscription struct {
	clubID       string
	status       subscriptionStatus
	channel      realtime.Channel
	presence     realtime.Presence
	attempt      int64
	attempts     int
	retryTimer   Timer
	subscribedAt time.Time
	watermark    time.Time
	hasWatermark bool
}

type registry struct {
	subs map[string]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscription)}
}

func (r *registry) get(clubID string) *subscription {
	return r.subs[clubID]
}

func (r *registry) put(sub *subscription) {
	r.subs[sub.clubID] = sub
}

func (r *registry) remove(clubID string) {
	delete(r.subs, clubID)
}

func (r *registry) count() int {
	return len(r.subs)
}

func (r *registry) all() []*subscription {
	ordered := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		ordered = append(ordered, sub)
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].clubID < ordered[right].clubID
	})

	return ordered
}
