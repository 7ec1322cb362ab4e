package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

type statusChange struct {
	status ChannelStatus
	err    error
}

func awaitStatus(t *testing.T, statuses <-chan statusChange) statusChange {
	t.Helper()
	select {
	case status := <-statuses:
		return status
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel status")
	}
	return statusChange{}
}

func awaitBool(t *testing.T, stream <-chan bool, expected bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case value := <-stream:
			if value == expected {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connectivity %v", expected)
		}
	}
}

func sendReply(t *testing.T, conn *websocket.Conn, request wireMessage, status string) {
	t.Helper()
	payload, err := json.Marshal(replyPayload{Status: status})
	if err != nil {
		t.Errorf("marshal reply: %v", err)
		return
	}
	if err := conn.WriteJSON(wireMessage{
		Topic:   request.Topic,
		Event:   eventReply,
		Ref:     request.Ref,
		Payload: payload,
	}); err != nil {
		t.Errorf("write reply: %v", err)
	}
}

func newTestSocket(t *testing.T, serverURL string, joinTimeout time.Duration) *Socket {
	t.Helper()
	socket, err := NewSocket(SocketConfig{
		URL:         serverURL,
		APIKey:      "anon-key",
		AccessToken: "access-token",
		JoinTimeout: joinTimeout,
		RedialDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct socket: %v", err)
	}
	return socket
}

func TestSocketSubscribeJoinAndChangeDelivery(t *testing.T) {
	joins := make(chan joinPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon-key" {
			t.Errorf("expected apikey query parameter")
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var message wireMessage
			if err := conn.ReadJSON(&message); err != nil {
				return
			}
			if message.Event != eventJoin {
				continue
			}
			var join joinPayload
			if err := json.Unmarshal(message.Payload, &join); err != nil {
				t.Errorf("decode join payload: %v", err)
			}
			joins <- join
			sendReply(t, conn, message, replyStatusOK)

			changeBody, _ := json.Marshal(changePayload{
				Kind:  ChangeUpdate,
				After: json.RawMessage(`{"id":"club-1"}`),
			})
			conn.WriteJSON(wireMessage{Topic: message.Topic, Event: eventChange, Payload: changeBody})
		}
	}))
	defer server.Close()

	socket := newTestSocket(t, server.URL, 2*time.Second)
	defer socket.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := socket.Start(ctx); err != nil {
		t.Fatalf("start socket: %v", err)
	}

	statuses := make(chan statusChange, 8)
	changes := make(chan Notification, 8)
	channel, err := socket.Subscribe(ctx, ChannelConfig{
		Topic:    "clubs:club-1",
		OnChange: func(n Notification) { changes <- n },
		OnStatus: func(s ChannelStatus, err error) { statuses <- statusChange{status: s, err: err} },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if channel.Topic() != "clubs:club-1" {
		t.Fatalf("unexpected topic %q", channel.Topic())
	}

	if got := awaitStatus(t, statuses); got.status != StatusSubscribed {
		t.Fatalf("expected subscribed, got %v (%v)", got.status, got.err)
	}

	select {
	case join := <-joins:
		if join.AccessToken != "access-token" {
			t.Fatalf("join missing access token: %+v", join)
		}
		if join.Presence != nil {
			t.Fatalf("data channel join must not carry presence: %+v", join)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the join")
	}

	select {
	case notification := <-changes:
		if notification.Kind != ChangeUpdate {
			t.Fatalf("expected update, got %v", notification.Kind)
		}
		if string(notification.After) != `{"id":"club-1"}` {
			t.Fatalf("unexpected after payload: %s", notification.After)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("change never delivered")
	}

	if err := channel.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestSocketSubscribeRejectedJoin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var message wireMessage
			if err := conn.ReadJSON(&message); err != nil {
				return
			}
			if message.Event == eventJoin {
				sendReply(t, conn, message, "error")
			}
		}
	}))
	defer server.Close()

	socket := newTestSocket(t, server.URL, 2*time.Second)
	defer socket.Close()
	ctx := context.Background()
	if err := socket.Start(ctx); err != nil {
		t.Fatalf("start socket: %v", err)
	}

	statuses := make(chan statusChange, 8)
	if _, err := socket.Subscribe(ctx, ChannelConfig{
		Topic:    "clubs:club-1",
		OnStatus: func(s ChannelStatus, err error) { statuses <- statusChange{status: s, err: err} },
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := awaitStatus(t, statuses)
	if got.status != StatusChannelError {
		t.Fatalf("expected channel error, got %v", got.status)
	}
	if got.err == nil {
		t.Fatalf("expected join rejection error")
	}
}

func TestSocketSubscribeTimesOutWithoutReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var message wireMessage
			if err := conn.ReadJSON(&message); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	socket := newTestSocket(t, server.URL, 100*time.Millisecond)
	defer socket.Close()
	ctx := context.Background()
	if err := socket.Start(ctx); err != nil {
		t.Fatalf("start socket: %v", err)
	}

	statuses := make(chan statusChange, 8)
	if _, err := socket.Subscribe(ctx, ChannelConfig{
		Topic:    "clubs:club-1",
		OnStatus: func(s ChannelStatus, err error) { statuses <- statusChange{status: s, err: err} },
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if got := awaitStatus(t, statuses); got.status != StatusTimedOut {
		t.Fatalf("expected timed out, got %v", got.status)
	}
}

func TestSocketRejectsDuplicateTopic(t *testing.T) {
	socket := newTestSocket(t, "https://realtime.example.com", time.Second)
	defer socket.Close()

	if _, err := socket.Subscribe(context.Background(), ChannelConfig{Topic: "clubs:club-1"}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := socket.Subscribe(context.Background(), ChannelConfig{Topic: "clubs:club-1"}); err == nil {
		t.Fatalf("expected duplicate topic rejection")
	}
}

func TestSocketPresenceTrackAndEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var message wireMessage
			if err := conn.ReadJSON(&message); err != nil {
				return
			}
			if message.Event != eventJoin {
				continue
			}
			var join joinPayload
			if err := json.Unmarshal(message.Payload, &join); err != nil {
				t.Errorf("decode join payload: %v", err)
				continue
			}
			if join.Presence == nil || join.Presence.ParticipantID != "user-1" {
				t.Errorf("presence join missing self record: %+v", join)
			}
			sendReply(t, conn, message, replyStatusOK)

			state, _ := json.Marshal(presenceStatePayload{Participants: []PresenceMeta{
				{ParticipantID: "user-1"},
				{ParticipantID: "user-2"},
			}})
			conn.WriteJSON(wireMessage{Topic: message.Topic, Event: eventPresenceState, Payload: state})

			diff, _ := json.Marshal(presenceDiffPayload{
				Joins:  []PresenceMeta{{ParticipantID: "user-3"}},
				Leaves: []PresenceMeta{{ParticipantID: "user-2"}},
			})
			conn.WriteJSON(wireMessage{Topic: message.Topic, Event: eventPresenceDiff, Payload: diff})
		}
	}))
	defer server.Close()

	socket := newTestSocket(t, server.URL, 2*time.Second)
	defer socket.Close()
	ctx := context.Background()
	if err := socket.Start(ctx); err != nil {
		t.Fatalf("start socket: %v", err)
	}

	events := make(chan PresenceEvent, 8)
	presence, err := socket.Track(ctx, PresenceConfig{
		Topic:   "presence:clubs:club-1",
		Self:    PresenceMeta{ParticipantID: "user-1"},
		OnEvent: func(event PresenceEvent) { events <- event },
	})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	defer presence.Untrack()

	expectEvent := func(kind PresenceEventKind) PresenceEvent {
		t.Helper()
		select {
		case event := <-events:
			if event.Kind != kind {
				t.Fatalf("expected %v event, got %+v", kind, event)
			}
			return event
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v event", kind)
		}
		return PresenceEvent{}
	}

	sync := expectEvent(PresenceSync)
	if len(sync.State) != 2 {
		t.Fatalf("expected 2 participants in sync, got %+v", sync.State)
	}
	join := expectEvent(PresenceJoin)
	if len(join.Joined) != 1 || join.Joined[0].ParticipantID != "user-3" {
		t.Fatalf("unexpected join event: %+v", join)
	}
	leave := expectEvent(PresenceLeave)
	if len(leave.Left) != 1 || leave.Left[0].ParticipantID != "user-2" {
		t.Fatalf("unexpected leave event: %+v", leave)
	}
}

func TestSocketTrackRequiresParticipant(t *testing.T) {
	socket := newTestSocket(t, "https://realtime.example.com", time.Second)
	defer socket.Close()

	if _, err := socket.Track(context.Background(), PresenceConfig{Topic: "presence:clubs:club-1"}); err == nil {
		t.Fatalf("expected participant validation error")
	}
}

func TestSocketDropErrorsChannelsAndRecoversConnectivity(t *testing.T) {
	var connCount atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		attempt := connCount.Add(1)
		for {
			var message wireMessage
			if err := conn.ReadJSON(&message); err != nil {
				conn.Close()
				return
			}
			if message.Event == eventJoin {
				sendReply(t, conn, message, replyStatusOK)
				if attempt == 1 {
					// Drop the first connection right after the join settles.
					conn.Close()
					return
				}
			}
		}
	}))
	defer server.Close()

	socket := newTestSocket(t, server.URL, 2*time.Second)
	defer socket.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectivity, stopWatch := socket.Connectivity(ctx)
	defer stopWatch()
	awaitBool(t, connectivity, false)

	if err := socket.Start(ctx); err != nil {
		t.Fatalf("start socket: %v", err)
	}
	awaitBool(t, connectivity, true)

	statuses := make(chan statusChange, 8)
	if _, err := socket.Subscribe(ctx, ChannelConfig{
		Topic:    "clubs:club-1",
		OnStatus: func(s ChannelStatus, err error) { statuses <- statusChange{status: s, err: err} },
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if got := awaitStatus(t, statuses); got.status != StatusSubscribed {
		t.Fatalf("expected subscribed, got %v", got.status)
	}

	// The server kills the connection; the channel must error and the socket
	// must report offline, then recover on redial.
	if got := awaitStatus(t, statuses); got.status != StatusChannelError {
		t.Fatalf("expected channel error after drop, got %v", got.status)
	}
	awaitBool(t, connectivity, false)
	awaitBool(t, connectivity, true)

	if connCount.Load() < 2 {
		t.Fatalf("expected a redial, saw %d connections", connCount.Load())
	}
}

func TestSocketSubscribeBeforeStartJoinsOnConnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var message wireMessage
			if err := conn.ReadJSON(&message); err != nil {
				return
			}
			if message.Event == eventJoin {
				sendReply(t, conn, message, replyStatusOK)
			}
		}
	}))
	defer server.Close()

	socket := newTestSocket(t, server.URL, 2*time.Second)
	defer socket.Close()

	statuses := make(chan statusChange, 8)
	if _, err := socket.Subscribe(context.Background(), ChannelConfig{
		Topic:    "clubs:club-1",
		OnStatus: func(s ChannelStatus, err error) { statuses <- statusChange{status: s, err: err} },
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := socket.Start(context.Background()); err != nil {
		t.Fatalf("start socket: %v", err)
	}

	if got := awaitStatus(t, statuses); got.status != StatusSubscribed {
		t.Fatalf("expected pending join to settle after connect, got %v", got.status)
	}
}
