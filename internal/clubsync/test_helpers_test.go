package clubsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/readcircle/readcircle/internal/clubs"
	"github.com/readcircle/readcircle/internal/realtime"
	"github.com/readcircle/readcircle/internal/signals"
)

const (
	testLocalUser  = "user-local"
	testRemoteUser = "user-remote"

	awaitTimeout = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock and fires every timer that came due, outside the
// lock so callbacks may schedule new timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	remaining := make([]*fakeTimer, 0, len(c.timers))
	for _, timer := range c.timers {
		if timer.stopped {
			continue
		}
		if !timer.deadline.After(c.now) {
			timer.fired = true
			due = append(due, timer)
			continue
		}
		remaining = append(remaining, timer)
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

// shortestDelay reports the delay of the nearest pending timer.
func (c *fakeClock) shortestDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	var shortest time.Duration
	for _, timer := range c.timers {
		if timer.stopped {
			continue
		}
		delay := timer.deadline.Sub(c.now)
		if !found || delay < shortest {
			shortest = delay
			found = true
		}
	}
	return shortest, found
}

type fakeChannel struct {
	provider *fakeProvider
	topic    string
	onChange func(realtime.Notification)
	onStatus func(realtime.ChannelStatus, error)
	onEvent  func(realtime.PresenceEvent)
}

func (c *fakeChannel) Topic() string {
	return c.topic
}

func (c *fakeChannel) Unsubscribe() error {
	return c.provider.drop(c)
}

func (c *fakeChannel) Untrack() error {
	return c.provider.drop(c)
}

type connectivityWatcher struct {
	stream chan bool
	once   sync.Once
}

func (w *connectivityWatcher) close() {
	w.once.Do(func() {
		close(w.stream)
	})
}

// fakeProvider hands out scripted channels and lets the test deliver change,
// status and presence callbacks explicitly.
type fakeProvider struct {
	mu           sync.Mutex
	online       bool
	channels     map[string]*fakeChannel
	subscribed   []string
	tracked      []string
	subscribeErr error
	watchers     []*connectivityWatcher
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		online:   true,
		channels: make(map[string]*fakeChannel),
	}
}

func (p *fakeProvider) Subscribe(_ context.Context, cfg realtime.ChannelConfig) (realtime.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	channel := &fakeChannel{provider: p, topic: cfg.Topic, onChange: cfg.OnChange, onStatus: cfg.OnStatus}
	p.channels[cfg.Topic] = channel
	p.subscribed = append(p.subscribed, cfg.Topic)
	return channel, nil
}

func (p *fakeProvider) Track(_ context.Context, cfg realtime.PresenceConfig) (realtime.Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	channel := &fakeChannel{provider: p, topic: cfg.Topic, onStatus: cfg.OnStatus, onEvent: cfg.OnEvent}
	p.channels[cfg.Topic] = channel
	p.tracked = append(p.tracked, cfg.Topic)
	return channel, nil
}

func (p *fakeProvider) Connectivity(ctx context.Context) (<-chan bool, func()) {
	watcher := &connectivityWatcher{stream: make(chan bool, 8)}

	p.mu.Lock()
	p.watchers = append(p.watchers, watcher)
	watcher.stream <- p.online
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		watcher.close()
	}()
	return watcher.stream, func() {}
}

func (p *fakeProvider) setOnline(online bool) {
	p.mu.Lock()
	p.online = online
	watchers := make([]*connectivityWatcher, len(p.watchers))
	copy(watchers, p.watchers)
	p.mu.Unlock()

	for _, watcher := range watchers {
		select {
		case watcher.stream <- online:
		default:
		}
	}
}

func (p *fakeProvider) drop(channel *fakeChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channels[channel.topic] == channel {
		delete(p.channels, channel.topic)
	}
	return nil
}

func (p *fakeProvider) channel(topic string) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[topic]
}

func (p *fakeProvider) subscribeCalls(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, subscribed := range p.subscribed {
		if subscribed == topic {
			count++
		}
	}
	return count
}

func (p *fakeProvider) trackCalls(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, tracked := range p.tracked {
		if tracked == topic {
			count++
		}
	}
	return count
}

func (p *fakeProvider) emitStatus(t *testing.T, topic string, status realtime.ChannelStatus, cause error) {
	t.Helper()
	channel := p.channel(topic)
	if channel == nil || channel.onStatus == nil {
		t.Fatalf("no live channel for topic %q", topic)
	}
	channel.onStatus(status, cause)
}

func (p *fakeProvider) emitChange(t *testing.T, topic string, change realtime.Notification) {
	t.Helper()
	channel := p.channel(topic)
	if channel == nil || channel.onChange == nil {
		t.Fatalf("no live data channel for topic %q", topic)
	}
	channel.onChange(change)
}

func (p *fakeProvider) emitPresence(t *testing.T, topic string, event realtime.PresenceEvent) {
	t.Helper()
	channel := p.channel(topic)
	if channel == nil || channel.onEvent == nil {
		t.Fatalf("no live presence channel for topic %q", topic)
	}
	channel.onEvent(event)
}

type fakePersistence struct {
	mu        sync.Mutex
	loadClubs []clubs.Club
	loadErr   error
	saveErr   error
	loads     int
	saves     int
	lastSaved []clubs.Club
}

func (p *fakePersistence) Load(_ context.Context) ([]clubs.Club, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	loaded := make([]clubs.Club, len(p.loadClubs))
	copy(loaded, p.loadClubs)
	return loaded, nil
}

func (p *fakePersistence) Save(_ context.Context, clubsToSave []clubs.Club) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.lastSaved = make([]clubs.Club, len(clubsToSave))
	copy(p.lastSaved, clubsToSave)
	return p.saveErr
}

func (p *fakePersistence) loadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

func (p *fakePersistence) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func (p *fakePersistence) setLoad(clubsToLoad []clubs.Club, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadClubs = clubsToLoad
	p.loadErr = err
}

type fakeProber struct {
	mu     sync.Mutex
	err    error
	probes int
}

func (p *fakeProber) Probe(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

type engineFixture struct {
	engine   *Engine
	store    *clubs.Store
	provider *fakeProvider
	persist  *fakePersistence
	prober   *fakeProber
	hub      *signals.Hub
	clock    *fakeClock
	stream   <-chan signals.Signal
}

func newEngineFixture(t *testing.T, seed []clubs.Club) *engineFixture {
	t.Helper()

	fixture := &engineFixture{
		store:    clubs.NewStore(),
		provider: newFakeProvider(),
		persist:  &fakePersistence{loadClubs: seed},
		prober:   &fakeProber{},
		hub:      signals.NewHub(),
		clock:    newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}

	engine, err := NewEngine(EngineConfig{
		Store:       fixture.store,
		Provider:    fixture.provider,
		Persistence: fixture.persist,
		Prober:      fixture.prober,
		Signals:     fixture.hub,
		Logger:      zap.NewNop(),
		Clock:       fixture.clock,
		LocalUserID: testLocalUser,
		// Probes are driven explicitly where a test needs them.
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	fixture.engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := fixture.hub.Subscribe(ctx)
	fixture.stream = stream

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Close(); err != nil {
			t.Errorf("unexpected close error: %v", err)
		}
		cancel()
	})
	return fixture
}

// subscribeClub waits for the engine to open the club's data channel and
// acknowledges the join.
func (f *engineFixture) subscribeClub(t *testing.T, clubID string) {
	t.Helper()
	topic := clubTopic(clubID)
	awaitCondition(t, "data channel for "+clubID, func() bool {
		return f.provider.channel(topic) != nil
	})
	f.provider.emitStatus(t, topic, realtime.StatusSubscribed, nil)
	f.awaitSubscriptionStatus(t, clubID, string(subscriptionSubscribed))
}

func (f *engineFixture) awaitSubscriptionStatus(t *testing.T, clubID, want string) {
	t.Helper()
	awaitCondition(t, "subscription "+clubID+" to reach "+want, func() bool {
		status, err := f.engine.Status()
		if err != nil {
			return false
		}
		for _, sub := range status.Subscriptions {
			if sub.ClubID == clubID && sub.Status == want {
				return true
			}
		}
		return false
	})
}

// barrier flushes the loop: the status request is handled only after every
// message posted before it.
func (f *engineFixture) barrier(t *testing.T) {
	t.Helper()
	if _, err := f.engine.Status(); err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
}

func awaitCondition(t *testing.T, description string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func awaitSignal(t *testing.T, stream <-chan signals.Signal, description string, match func(signals.Signal) bool) signals.Signal {
	t.Helper()
	deadline := time.After(awaitTimeout)
	for {
		select {
		case signal, open := <-stream:
			if !open {
				t.Fatalf("signal stream closed while waiting for %s", description)
			}
			if match(signal) {
				return signal
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", description)
		}
	}
}

func testClub(clubID, ownerID string, books ...string) clubs.Club {
	createdAt := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return clubs.Club{
		ID:        clubID,
		Name:      "Club " + clubID,
		Books:     books,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		OwnerID:   ownerID,
		Access:    clubs.DeriveAccess(ownerID, testLocalUser),
	}
}

func rowPayload(t *testing.T, row clubs.Row) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("unexpected row encode error: %v", err)
	}
	return encoded
}

func sharedRow(clubID string, updatedAt time.Time, books ...string) clubs.Row {
	return clubs.Row{
		ID:         clubID,
		Name:       "Club " + clubID,
		Books:      books,
		OwnerID:    testRemoteUser,
		SharedWith: []string{testLocalUser},
		CreatedAt:  time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:  updatedAt,
	}
}
