package clubsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/readcircle/readcircle/internal/clubs"
	"github.com/readcircle/readcircle/internal/metrics"
	"github.com/readcircle/readcircle/internal/realtime"
	"github.com/readcircle/readcircle/internal/signals"
)

const (
	defaultBaseRetryDelay   = time.Second
	defaultMaxRetryAttempts = 5
	defaultResyncDelay      = 3 * time.Second
	defaultHealthInterval   = 30 * time.Second

	engineInboxSize = 256

	clubTopicPrefix     = "clubs:"
	presenceTopicPrefix = "presence:clubs:"
)

var (
	ErrEngineClosed     = errors.New("clubsync: engine closed")
	ErrEngineNotStarted = errors.New("clubsync: engine not started")
	ErrEngineStarted    = errors.New("clubsync: engine already started")

	errMissingStore       = errors.New("entity store is required")
	errMissingProvider    = errors.New("channel provider is required")
	errMissingPersistence = errors.New("persistence is required")
	errMissingSignalHub   = errors.New("signal hub is required")

	noOpLogger = zap.NewNop()
)

const (
	opEngineNew = "clubsync.engine.new"
	opDispatch  = "clubsync.dispatch"
	opResync    = "clubsync.resync"
	opSupervise = "clubsync.supervise"
	opPersist   = "clubsync.persist"
	opNotify    = "clubsync.notify"
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func clubTopic(clubID string) string {
	return clubTopicPrefix + clubID
}

func presenceTopic(clubID string) string {
	return presenceTopicPrefix + clubID
}

// EntityStore is the in-memory club state the engine reads and writes.
type EntityStore interface {
	Get(clubID string) (clubs.Club, bool)
	Set(club clubs.Club) (clubs.Club, error)
	Delete(clubID string) bool
	List() []clubs.Club
}

// Persistence loads and saves the full club set. Load prefers the remote
// store and falls back to the local cache when it is unreachable.
type Persistence interface {
	Load(ctx context.Context) ([]clubs.Club, error)
	Save(ctx context.Context, clubsToSave []clubs.Club) error
}

// Prober is the minimal read-only backend reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

type engineMsg interface {
	isEngineMsg()
}

type subscribeMsg struct {
	clubID string
	reply  chan error
}

type unsubscribeMsg struct {
	clubID string
	reply  chan error
}

type focusMsg struct {
	clubID string
}

type statusRequestMsg struct {
	reply chan Status
}

type resyncRequestMsg struct{}

type resyncDueMsg struct{}

type resyncResultMsg struct {
	loaded []clubs.Club
	err    error
}

type notificationMsg struct {
	clubID  string
	attempt int64
	change  realtime.Notification
}

type channelStatusMsg struct {
	clubID  string
	attempt int64
	status  realtime.ChannelStatus
	cause   error
}

type presenceEventMsg struct {
	clubID  string
	attempt int64
	event   realtime.PresenceEvent
}

type retryDueMsg struct {
	clubID  string
	attempt int64
}

type connectivityMsg struct {
	online bool
}

type probeDueMsg struct{}

type probeResultMsg struct {
	err error
}

type saveDoneMsg struct {
	err error
}

func (subscribeMsg) isEngineMsg()     {}
func (unsubscribeMsg) isEngineMsg()   {}
func (focusMsg) isEngineMsg()         {}
func (statusRequestMsg) isEngineMsg() {}
func (resyncRequestMsg) isEngineMsg() {}
func (resyncDueMsg) isEngineMsg()     {}
func (resyncResultMsg) isEngineMsg()  {}
func (notificationMsg) isEngineMsg()  {}
func (channelStatusMsg) isEngineMsg() {}
func (presenceEventMsg) isEngineMsg() {}
func (retryDueMsg) isEngineMsg()      {}
func (connectivityMsg) isEngineMsg()  {}
func (probeDueMsg) isEngineMsg()      {}
func (probeResultMsg) isEngineMsg()   {}
func (saveDoneMsg) isEngineMsg()      {}

// SubscriptionInfo is one club's subscription state in a Status snapshot.
type SubscriptionInfo struct {
	ClubID   string `json:"club_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Online   int    `json:"online"`
}

// Status is a point-in-time snapshot of the engine for the status surface.
type Status struct {
	TransportOnline bool               `json:"transport_online"`
	Healthy         bool               `json:"healthy"`
	FocusedClubID   string             `json:"focused_club_id,omitempty"`
	ResyncPending   bool               `json:"resync_pending"`
	Subscriptions   []SubscriptionInfo `json:"subscriptions"`
}

type EngineConfig struct {
	Store            EntityStore
	Provider         realtime.Provider
	Persistence      Persistence
	Prober           Prober
	Signals          *signals.Hub
	Metrics          *metrics.Set
	Logger           *zap.Logger
	Clock            Clock
	IDs              IDProvider
	LocalUserID      string
	BaseRetryDelay   time.Duration
	MaxRetryAttempts int
	ResyncDelay      time.Duration
	HealthInterval   time.Duration
}

// Engine owns realtime synchronization for the local user's clubs: it applies
// remote changes to the store, resolves conflicts, supervises channel
// subscriptions, tracks presence and watches backend health. All state
// transitions run on a single loop fed by typed messages; slow work happens
// in spawned goroutines that post their results back.
type Engine struct {
	store       EntityStore
	provider    realtime.Provider
	persistence Persistence
	prober      Prober
	hub         *signals.Hub
	metrics     *metrics.Set
	logger      *zap.Logger
	clock       Clock
	ids         IDProvider
	localUserID string

	baseRetryDelay   time.Duration
	maxRetryAttempts int
	resyncDelay      time.Duration
	healthInterval   time.Duration

	mu        sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once
	loopDone  chan struct{}
	inbox     chan engineMsg

	// Fields below are confined to the run loop.
	registry        *registry
	rosters         map[string]map[string]realtime.PresenceMeta
	nextAttempt     int64
	focusedClubID   string
	transportKnown  bool
	transportOnline bool
	healthKnown     bool
	healthy         bool
	indicatorKnown  bool
	lastIndicator   signals.ConnectionState
	resyncScheduled bool
	resyncInFlight  bool
	resyncQueued    bool
	resyncTimer     Timer
	healthTimer     Timer
	saveInFlight    bool
	savePending     bool
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(opEngineNew, "missing_provider", errMissingProvider)
	}
	if cfg.Persistence == nil {
		return nil, newServiceError(opEngineNew, "missing_persistence", errMissingPersistence)
	}
	if cfg.Signals == nil {
		return nil, newServiceError(opEngineNew, "missing_signal_hub", errMissingSignalHub)
	}
	localUserID, err := clubs.NewUserID(cfg.LocalUserID)
	if err != nil {
		return nil, newServiceError(opEngineNew, "invalid_local_user", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	baseRetryDelay := cfg.BaseRetryDelay
	if baseRetryDelay <= 0 {
		baseRetryDelay = defaultBaseRetryDelay
	}
	maxRetryAttempts := cfg.MaxRetryAttempts
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = defaultMaxRetryAttempts
	}
	resyncDelay := cfg.ResyncDelay
	if resyncDelay <= 0 {
		resyncDelay = defaultResyncDelay
	}
	healthInterval := cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}

	return &Engine{
		store:            cfg.Store,
		provider:         cfg.Provider,
		persistence:      cfg.Persistence,
		prober:           cfg.Prober,
		hub:              cfg.Signals,
		metrics:          cfg.Metrics,
		logger:           logger,
		clock:            clock,
		ids:              ids,
		localUserID:      localUserID.String(),
		baseRetryDelay:   baseRetryDelay,
		maxRetryAttempts: maxRetryAttempts,
		resyncDelay:      resyncDelay,
		healthInterval:   healthInterval,
		loopDone:         make(chan struct{}),
		inbox:            make(chan engineMsg, engineInboxSize),
		registry:         newRegistry(),
		rosters:          make(map[string]map[string]realtime.PresenceMeta),
	}, nil
}

// Start launches the engine loop, performs the initial resync and begins
// watching transport connectivity. It returns once the loop is running.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrEngineStarted
	}
	e.started = true
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.mu.Unlock()

	go e.run()
	go e.watchConnectivity()
	return nil
}

// Close stops the loop and waits for it to finish. Safe to call more than
// once; closing an engine that never started is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	started := e.started
	cancel := e.runCancel
	e.mu.Unlock()
	if !started {
		return nil
	}

	e.closeOnce.Do(func() {
		cancel()
		<-e.loopDone
	})
	return nil
}

// Subscribe registers a club for realtime updates. Subscribing an already
// registered club is a no-op unless its subscription failed terminally, in
// which case the attempt counter resets and the channel is reopened.
func (e *Engine) Subscribe(rawClubID string) error {
	clubID, err := clubs.NewClubID(rawClubID)
	if err != nil {
		return err
	}
	ctx, err := e.runContext()
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := e.send(ctx, subscribeMsg{clubID: clubID.String(), reply: reply}); err != nil {
		return err
	}
	select {
	case subscribeErr := <-reply:
		return subscribeErr
	case <-ctx.Done():
		return ErrEngineClosed
	}
}

// Unsubscribe tears down a club's channels, presence registration and any
// pending retry. Unknown clubs are ignored.
func (e *Engine) Unsubscribe(rawClubID string) error {
	clubID, err := clubs.NewClubID(rawClubID)
	if err != nil {
		return err
	}
	ctx, err := e.runContext()
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := e.send(ctx, unsubscribeMsg{clubID: clubID.String(), reply: reply}); err != nil {
		return err
	}
	select {
	case unsubscribeErr := <-reply:
		return unsubscribeErr
	case <-ctx.Done():
		return ErrEngineClosed
	}
}

// ResyncNow requests an immediate full reload from persistence, the recovery
// path for a user who suspects the view is stale.
func (e *Engine) ResyncNow() error {
	ctx, err := e.runContext()
	if err != nil {
		return err
	}
	return e.send(ctx, resyncRequestMsg{})
}

// SetFocused records which club the interface currently shows so a remote
// deletion of it can emit a navigate-home signal. Empty clears the focus.
func (e *Engine) SetFocused(rawClubID string) error {
	focused := ""
	if rawClubID != "" {
		clubID, err := clubs.NewClubID(rawClubID)
		if err != nil {
			return err
		}
		focused = clubID.String()
	}
	ctx, err := e.runContext()
	if err != nil {
		return err
	}
	return e.send(ctx, focusMsg{clubID: focused})
}

// Status returns a snapshot of connectivity, health and per-club
// subscription state.
func (e *Engine) Status() (Status, error) {
	ctx, err := e.runContext()
	if err != nil {
		return Status{}, err
	}

	reply := make(chan Status, 1)
	if err := e.send(ctx, statusRequestMsg{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return Status{}, ErrEngineClosed
	}
}

func (e *Engine) runContext() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.runCtx == nil {
		return nil, ErrEngineNotStarted
	}
	return e.runCtx, nil
}

func (e *Engine) send(ctx context.Context, msg engineMsg) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ErrEngineClosed
	}
}

// post delivers a message from a callback or timer goroutine. Errors are
// returned so shutdown races stay silent at call sites that ignore them.
func (e *Engine) post(msg engineMsg) error {
	ctx, err := e.runContext()
	if err != nil {
		return err
	}
	return e.send(ctx, msg)
}

func (e *Engine) watchConnectivity() {
	stream, stop := e.provider.Connectivity(e.runCtx)
	defer stop()
	for online := range stream {
		if err := e.post(connectivityMsg{online: online}); err != nil {
			return
		}
	}
}

func (e *Engine) run() {
	defer close(e.loopDone)
	e.scheduleHealthProbe()
	e.startResync()
	for {
		select {
		case <-e.runCtx.Done():
			e.shutdown()
			return
		case msg := <-e.inbox:
			e.handle(msg)
		}
	}
}

func (e *Engine) handle(msg engineMsg) {
	switch typed := msg.(type) {
	case subscribeMsg:
		typed.reply <- e.handleSubscribe(typed.clubID)
	case unsubscribeMsg:
		typed.reply <- e.handleUnsubscribe(typed.clubID)
	case focusMsg:
		e.focusedClubID = typed.clubID
	case statusRequestMsg:
		typed.reply <- e.snapshotStatus()
	case resyncRequestMsg:
		e.startResync()
	case resyncDueMsg:
		e.resyncScheduled = false
		e.resyncTimer = nil
		e.startResync()
	case resyncResultMsg:
		e.handleResyncResult(typed)
	case notificationMsg:
		e.handleNotification(typed)
	case channelStatusMsg:
		e.handleChannelStatus(typed)
	case presenceEventMsg:
		e.handlePresenceEvent(typed)
	case retryDueMsg:
		e.handleRetryDue(typed)
	case connectivityMsg:
		e.handleConnectivity(typed)
	case probeDueMsg:
		e.handleProbeDue()
	case probeResultMsg:
		e.handleProbeResult(typed)
	case saveDoneMsg:
		e.handleSaveDone(typed)
	}
}

func (e *Engine) shutdown() {
	if e.healthTimer != nil {
		e.healthTimer.Stop()
		e.healthTimer = nil
	}
	if e.resyncTimer != nil {
		e.resyncTimer.Stop()
		e.resyncTimer = nil
	}
	for _, sub := range e.registry.all() {
		e.teardownHandles(sub)
		e.registry.remove(sub.clubID)
	}
}

func (e *Engine) handleSubscribe(clubID string) error {
	if existing := e.registry.get(clubID); existing != nil {
		if existing.status == subscriptionFailed {
			existing.attempts = 0
			e.openChannel(existing)
			e.updateIndicator()
		}
		return nil
	}

	sub := &subscription{clubID: clubID, status: subscriptionConnecting}
	e.registry.put(sub)
	e.openChannel(sub)
	e.metrics.SetActiveSubscriptions(e.registry.count())
	return nil
}

func (e *Engine) handleUnsubscribe(clubID string) error {
	e.removeSubscription(clubID)
	return nil
}

func (e *Engine) removeSubscription(clubID string) {
	sub := e.registry.get(clubID)
	if sub == nil {
		return
	}
	e.teardownHandles(sub)
	e.registry.remove(clubID)
	delete(e.rosters, clubID)
	e.metrics.ForgetPresence(clubID)
	e.metrics.SetActiveSubscriptions(e.registry.count())
	e.updateIndicator()
}

// ensureSubscriptions registers every readable club that has no subscription
// yet. Clubs with an existing entry keep their current state, so a club that
// failed terminally stays down until an explicit Subscribe.
func (e *Engine) ensureSubscriptions() {
	for _, club := range e.store.List() {
		if e.registry.get(club.ID) != nil {
			continue
		}
		sub := &subscription{clubID: club.ID, status: subscriptionConnecting}
		e.registry.put(sub)
		e.openChannel(sub)
	}
	e.metrics.SetActiveSubscriptions(e.registry.count())
}

func (e *Engine) snapshotStatus() Status {
	infos := make([]SubscriptionInfo, 0, e.registry.count())
	for _, sub := range e.registry.all() {
		infos = append(infos, SubscriptionInfo{
			ClubID:   sub.clubID,
			Status:   string(sub.status),
			Attempts: sub.attempts,
			Online:   len(e.rosters[sub.clubID]),
		})
	}
	return Status{
		TransportOnline: e.transportOnline,
		Healthy:         !e.healthKnown || e.healthy,
		FocusedClubID:   e.focusedClubID,
		ResyncPending:   e.resyncScheduled || e.resyncInFlight,
		Subscriptions:   infos,
	}
}

// updateIndicator recomputes the user-facing connectivity indicator and
// publishes it only on transitions. Offline wins over everything, a broken
// subscription or failed health probe shows disconnected, and connected
// carries an auto-hide hint.
func (e *Engine) updateIndicator() {
	var state signals.ConnectionState
	switch {
	case e.transportKnown && !e.transportOnline:
		state = signals.StateOffline
	case e.anySubscriptionBroken() || (e.healthKnown && !e.healthy):
		state = signals.StateDisconnected
	case e.transportKnown && e.transportOnline:
		state = signals.StateConnected
	default:
		return
	}

	if e.indicatorKnown && e.lastIndicator == state {
		return
	}
	e.indicatorKnown = true
	e.lastIndicator = state

	autoHide := time.Duration(0)
	if state == signals.StateConnected {
		autoHide = signals.ConnectedAutoHide
	}
	e.hub.Publish(signals.ConnectionStatus{
		State:         state,
		AutoHideAfter: autoHide,
		At:            e.clock.Now().UTC(),
	})
}

func (e *Engine) anySubscriptionBroken() bool {
	for _, sub := range e.registry.all() {
		if sub.status == subscriptionRetrying || sub.status == subscriptionFailed {
			return true
		}
	}
	return false
}

// queueSave snapshots the store and persists it off-loop. A save requested
// while one is running is coalesced into a single follow-up pass.
func (e *Engine) queueSave() {
	if e.saveInFlight {
		e.savePending = true
		return
	}
	e.saveInFlight = true
	snapshot := e.store.List()
	go func() {
		err := e.persistence.Save(e.runCtx, snapshot)
		e.post(saveDoneMsg{err: err})
	}()
}

func (e *Engine) handleSaveDone(msg saveDoneMsg) {
	e.saveInFlight = false
	if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
		e.logError(opPersist, "save_failed", msg.err)
	}
	if e.savePending {
		e.savePending = false
		e.queueSave()
	}
}

func (e *Engine) notify(level signals.NoticeLevel, text string) {
	noticeID, err := e.ids.NewID()
	if err != nil {
		e.logError(opNotify, "id_generation_failed", err)
	}
	e.hub.Publish(signals.Notice{
		ID:    noticeID,
		Level: level,
		Text:  text,
		TTL:   signals.DefaultNoticeTTL,
		At:    e.clock.Now().UTC(),
	})
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
