package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultJoinTimeout       = 10 * time.Second
	defaultRedialDelay       = 2 * time.Second
	writeTimeout             = 10 * time.Second

	connectivityBufferSize = 4

	// socketTopic carries socket-level traffic such as heartbeats.
	socketTopic = "phoenix"

	eventJoin          = "phx_join"
	eventReply         = "phx_reply"
	eventLeave         = "phx_leave"
	eventError         = "phx_error"
	eventClose         = "phx_close"
	eventHeartbeat     = "heartbeat"
	eventChange        = "change"
	eventPresenceState = "presence_state"
	eventPresenceDiff  = "presence_diff"

	replyStatusOK = "ok"
)

var (
	ErrInvalidSocketConfig = errors.New("realtime: invalid socket config")
	ErrSocketClosed        = errors.New("realtime: socket closed")
	ErrSocketStarted       = errors.New("realtime: socket already started")
	ErrTopicSubscribed     = errors.New("realtime: topic already subscribed")

	errMissingSocketURL   = errors.New("socket url required")
	errMissingTopic       = errors.New("topic required")
	errMissingParticipant = errors.New("participant identifier required")
	errJoinRejected       = errors.New("realtime: join rejected")
	errRemoteChannel      = errors.New("realtime: remote channel error")
	errConnectionLost     = errors.New("realtime: connection lost")
)

type wireMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     int64           `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	AccessToken string        `json:"access_token,omitempty"`
	Presence    *PresenceMeta `json:"presence,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type changePayload struct {
	Kind   ChangeKind      `json:"kind"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

type presenceStatePayload struct {
	Participants []PresenceMeta `json:"participants"`
}

type presenceDiffPayload struct {
	Joins  []PresenceMeta `json:"joins,omitempty"`
	Leaves []PresenceMeta `json:"leaves,omitempty"`
}

// SocketConfig bundles what the socket needs to reach the hosted backend's
// channel endpoint.
type SocketConfig struct {
	URL               string
	APIKey            string
	AccessToken       string
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	RedialDelay       time.Duration
}

// Socket speaks a phoenix-style channel protocol over a single websocket
// connection. A dropped connection errors every live channel and the socket
// keeps redialing until closed; callers re-establish their channels when
// connectivity returns.
type Socket struct {
	url               string
	accessToken       string
	dialer            *websocket.Dialer
	logger            *zap.Logger
	heartbeatInterval time.Duration
	joinTimeout       time.Duration
	redialDelay       time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	connStop chan struct{}
	channels map[string]*socketChannel
	watchers map[int64]chan bool
	online   bool
	nextRef  int64
	nextID   int64
	started  bool
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewSocket validates the configuration and returns an unstarted socket.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSocketConfig, errMissingSocketURL)
	}
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSocketConfig, err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	if apiKey := strings.TrimSpace(cfg.APIKey); apiKey != "" {
		query := endpoint.Query()
		query.Set("apikey", apiKey)
		endpoint.RawQuery = query.Encode()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	redialDelay := cfg.RedialDelay
	if redialDelay <= 0 {
		redialDelay = defaultRedialDelay
	}

	return &Socket{
		url:               endpoint.String(),
		accessToken:       strings.TrimSpace(cfg.AccessToken),
		dialer:            dialer,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		joinTimeout:       joinTimeout,
		redialDelay:       redialDelay,
		channels:          make(map[string]*socketChannel),
		watchers:          make(map[int64]chan bool),
		done:              make(chan struct{}),
	}, nil
}

// Start begins dialing and keeps the connection alive until the context ends
// or Close is called.
func (s *Socket) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrSocketStarted
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()
		close(s.done)
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (s *Socket) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Debug("realtime dial failed", zap.Error(err))
			if !s.pause(ctx) {
				return
			}
			continue
		}

		s.attach(conn)
		readErr := s.readLoop(conn)
		s.detach(readErr)

		if ctx.Err() != nil || s.isClosed() {
			return
		}
		if !s.pause(ctx) {
			return
		}
	}
}

func (s *Socket) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case <-time.After(s.redialDelay):
		return true
	}
}

func (s *Socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connStop = make(chan struct{})
	stop := s.connStop
	s.online = true
	pending := make([]*socketChannel, 0, len(s.channels))
	for _, channel := range s.channels {
		if channel.state == channelJoining {
			pending = append(pending, channel)
		}
	}
	s.notifyWatchersLocked(true)
	s.mu.Unlock()

	for _, channel := range pending {
		s.sendJoin(channel)
	}
	go s.heartbeatLoop(stop)
}

func (s *Socket) detach(cause error) {
	s.mu.Lock()
	if s.connStop != nil {
		close(s.connStop)
		s.connStop = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	wasOnline := s.online
	s.online = false
	dropped := make([]*socketChannel, 0, len(s.channels))
	for _, channel := range s.channels {
		dropped = append(dropped, channel)
	}
	s.channels = make(map[string]*socketChannel)
	if wasOnline {
		s.notifyWatchersLocked(false)
	}
	s.mu.Unlock()

	if cause != nil && wasOnline {
		s.logger.Debug("realtime connection lost", zap.Error(cause))
	}
	for _, channel := range dropped {
		channel.stopJoinTimer()
		channel.markGone()
		channel.emitStatus(StatusChannelError, errConnectionLost)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		var message wireMessage
		if err := conn.ReadJSON(&message); err != nil {
			return err
		}
		s.dispatch(message)
	}
}

func (s *Socket) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			ref := s.ref()
			if err := s.send(wireMessage{Topic: socketTopic, Event: eventHeartbeat, Ref: ref}); err != nil {
				return
			}
		}
	}
}

func (s *Socket) dispatch(message wireMessage) {
	switch message.Event {
	case eventReply:
		s.handleReply(message)
	case eventChange:
		s.handleChange(message)
	case eventPresenceState:
		s.handlePresenceState(message)
	case eventPresenceDiff:
		s.handlePresenceDiff(message)
	case eventError:
		s.dropChannel(message.Topic, StatusChannelError, errRemoteChannel)
	case eventClose:
		s.dropChannel(message.Topic, StatusClosed, nil)
	default:
		s.logger.Debug("ignoring event", zap.String("event", message.Event), zap.String("topic", message.Topic))
	}
}

func (s *Socket) handleReply(message wireMessage) {
	if message.Topic == socketTopic {
		return
	}

	s.mu.Lock()
	channel := s.channels[message.Topic]
	if channel == nil || channel.state != channelJoining || channel.joinRef != message.Ref {
		s.mu.Unlock()
		return
	}

	var reply replyPayload
	if err := json.Unmarshal(message.Payload, &reply); err != nil {
		s.mu.Unlock()
		s.logger.Debug("malformed join reply", zap.String("topic", message.Topic), zap.Error(err))
		return
	}

	if reply.Status == replyStatusOK {
		channel.state = channelJoined
		channel.stopJoinTimer()
		s.mu.Unlock()
		channel.emitStatus(StatusSubscribed, nil)
		return
	}

	delete(s.channels, message.Topic)
	channel.stopJoinTimer()
	s.mu.Unlock()
	channel.markGone()
	channel.emitStatus(StatusChannelError, fmt.Errorf("%w: %s", errJoinRejected, reply.Response))
}

func (s *Socket) handleChange(message wireMessage) {
	channel := s.lookup(message.Topic)
	if channel == nil || channel.onChange == nil {
		return
	}
	var change changePayload
	if err := json.Unmarshal(message.Payload, &change); err != nil {
		s.logger.Debug("malformed change payload", zap.String("topic", message.Topic), zap.Error(err))
		return
	}
	channel.onChange(Notification{Kind: change.Kind, Before: change.Before, After: change.After})
}

func (s *Socket) handlePresenceState(message wireMessage) {
	channel := s.lookup(message.Topic)
	if channel == nil || channel.onPresence == nil {
		return
	}
	var state presenceStatePayload
	if err := json.Unmarshal(message.Payload, &state); err != nil {
		s.logger.Debug("malformed presence state", zap.String("topic", message.Topic), zap.Error(err))
		return
	}
	channel.onPresence(PresenceEvent{Kind: PresenceSync, State: state.Participants})
}

func (s *Socket) handlePresenceDiff(message wireMessage) {
	channel := s.lookup(message.Topic)
	if channel == nil || channel.onPresence == nil {
		return
	}
	var diff presenceDiffPayload
	if err := json.Unmarshal(message.Payload, &diff); err != nil {
		s.logger.Debug("malformed presence diff", zap.String("topic", message.Topic), zap.Error(err))
		return
	}
	if len(diff.Joins) > 0 {
		channel.onPresence(PresenceEvent{Kind: PresenceJoin, Joined: diff.Joins})
	}
	if len(diff.Leaves) > 0 {
		channel.onPresence(PresenceEvent{Kind: PresenceLeave, Left: diff.Leaves})
	}
}

func (s *Socket) dropChannel(topic string, status ChannelStatus, cause error) {
	s.mu.Lock()
	channel := s.channels[topic]
	if channel == nil {
		s.mu.Unlock()
		return
	}
	delete(s.channels, topic)
	s.mu.Unlock()

	channel.stopJoinTimer()
	channel.markGone()
	channel.emitStatus(status, cause)
}

func (s *Socket) lookup(topic string) *socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[topic]
}

// Subscribe registers a data channel. The join is pushed as soon as the
// socket is online; the outcome arrives on the status callback.
func (s *Socket) Subscribe(ctx context.Context, cfg ChannelConfig) (Channel, error) {
	channel, err := s.register(ctx, cfg.Topic, &socketChannel{
		topic:    cfg.Topic,
		onChange: cfg.OnChange,
		onStatus: cfg.OnStatus,
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

// Track registers a presence channel announcing Self to the topic.
func (s *Socket) Track(ctx context.Context, cfg PresenceConfig) (Presence, error) {
	if strings.TrimSpace(cfg.Self.ParticipantID) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSocketConfig, errMissingParticipant)
	}
	self := cfg.Self
	channel, err := s.register(ctx, cfg.Topic, &socketChannel{
		topic:      cfg.Topic,
		onStatus:   cfg.OnStatus,
		onPresence: cfg.OnEvent,
		self:       &self,
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

func (s *Socket) register(ctx context.Context, topic string, channel *socketChannel) (*socketChannel, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSocketConfig, errMissingTopic)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSocketClosed
	}
	if _, taken := s.channels[topic]; taken {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTopicSubscribed, topic)
	}

	channel.socket = s
	channel.state = channelJoining
	channel.gone = make(chan struct{})
	s.nextRef++
	channel.joinRef = s.nextRef
	s.channels[topic] = channel
	channel.joinTimer = time.AfterFunc(s.joinTimeout, func() {
		s.expireJoin(channel)
	})
	online := s.online
	s.mu.Unlock()

	if online {
		s.sendJoin(channel)
	}

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				channel.leave()
			case <-channel.gone:
			}
		}()
	}
	return channel, nil
}

func (s *Socket) expireJoin(channel *socketChannel) {
	s.mu.Lock()
	current := s.channels[channel.topic]
	if current != channel || channel.state != channelJoining {
		s.mu.Unlock()
		return
	}
	delete(s.channels, channel.topic)
	s.mu.Unlock()

	channel.markGone()
	channel.emitStatus(StatusTimedOut, nil)
}

func (s *Socket) sendJoin(channel *socketChannel) {
	payload, err := json.Marshal(joinPayload{AccessToken: s.accessToken, Presence: channel.self})
	if err != nil {
		s.logger.Debug("encode join failed", zap.String("topic", channel.topic), zap.Error(err))
		return
	}
	s.send(wireMessage{Topic: channel.topic, Event: eventJoin, Ref: channel.joinRef, Payload: payload})
}

func (s *Socket) leaveChannel(channel *socketChannel) error {
	s.mu.Lock()
	current := s.channels[channel.topic]
	if current != channel {
		s.mu.Unlock()
		return nil
	}
	delete(s.channels, channel.topic)
	online := s.online
	s.mu.Unlock()

	channel.stopJoinTimer()
	channel.markGone()
	if online {
		ref := s.ref()
		s.send(wireMessage{Topic: channel.topic, Event: eventLeave, Ref: ref})
	}
	return nil
}

// Connectivity reports transport online state: the current value first, then
// every transition. Slow consumers drop intermediate transitions.
func (s *Socket) Connectivity(ctx context.Context) (<-chan bool, func()) {
	stream := make(chan bool, connectivityBufferSize)

	s.mu.Lock()
	s.nextID++
	watcherID := s.nextID
	s.watchers[watcherID] = stream
	stream <- s.online
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, watcherID)
			s.mu.Unlock()
			close(stream)
		})
	}
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctxDone(ctx):
			cancel()
		}
	}()
	return stream, cancel
}

func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

func (s *Socket) notifyWatchersLocked(online bool) {
	for _, watcher := range s.watchers {
		select {
		case watcher <- online:
		default:
		}
	}
}

func (s *Socket) send(message wireMessage) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return errConnectionLost
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(message)
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("realtime write failed", zap.String("topic", message.Topic), zap.Error(err))
	}
	return err
}

func (s *Socket) ref() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRef++
	return s.nextRef
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type channelState int

const (
	channelJoining channelState = iota
	channelJoined
)

type socketChannel struct {
	socket     *Socket
	topic      string
	joinRef    int64
	state      channelState
	joinTimer  *time.Timer
	gone       chan struct{}
	goneOnce   sync.Once
	onChange   func(Notification)
	onStatus   func(ChannelStatus, error)
	onPresence func(PresenceEvent)
	self       *PresenceMeta
}

func (c *socketChannel) Topic() string {
	return c.topic
}

// Unsubscribe leaves the topic. Safe to call more than once.
func (c *socketChannel) Unsubscribe() error {
	return c.leave()
}

// Untrack leaves the presence topic, removing the participant from the
// roster seen by everyone else.
func (c *socketChannel) Untrack() error {
	return c.leave()
}

func (c *socketChannel) leave() error {
	return c.socket.leaveChannel(c)
}

func (c *socketChannel) stopJoinTimer() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
}

func (c *socketChannel) markGone() {
	c.goneOnce.Do(func() {
		close(c.gone)
	})
}

func (c *socketChannel) emitStatus(status ChannelStatus, err error) {
	if c.onStatus == nil {
		return
	}
	c.onStatus(status, err)
}
