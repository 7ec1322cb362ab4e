package signals

import (
	"context"
	"testing"
	"time"
)

func receiveSignal(t *testing.T, stream <-chan Signal) Signal {
	t.Helper()
	select {
	case signal, open := <-stream:
		if !open {
			t.Fatalf("signal stream closed unexpectedly")
		}
		return signal
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for signal")
	}
	return nil
}

func TestHubDeliversTypedSignals(t *testing.T) {
	hub := NewHub()
	stream, cleanup := hub.Subscribe(context.Background())
	defer cleanup()

	hub.Publish(Notice{ID: "n-1", Level: LevelInfo, Text: "Changes merged", TTL: DefaultNoticeTTL})
	notice, ok := receiveSignal(t, stream).(Notice)
	if !ok {
		t.Fatalf("expected Notice")
	}
	if notice.Text != "Changes merged" || notice.TTL != DefaultNoticeTTL {
		t.Fatalf("unexpected notice: %+v", notice)
	}

	hub.Publish(ConnectionStatus{State: StateConnected, AutoHideAfter: ConnectedAutoHide})
	status, ok := receiveSignal(t, stream).(ConnectionStatus)
	if !ok {
		t.Fatalf("expected ConnectionStatus")
	}
	if status.State != StateConnected || status.AutoHideAfter != ConnectedAutoHide {
		t.Fatalf("unexpected status: %+v", status)
	}

	hub.Publish(PresenceCount{ClubID: "club-1", Online: 3})
	count, ok := receiveSignal(t, stream).(PresenceCount)
	if !ok {
		t.Fatalf("expected PresenceCount")
	}
	if count.ClubID != "club-1" || count.Online != 3 {
		t.Fatalf("unexpected count: %+v", count)
	}
}

func TestHubFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub()
	first, cleanupFirst := hub.Subscribe(context.Background())
	defer cleanupFirst()
	second, cleanupSecond := hub.Subscribe(context.Background())
	defer cleanupSecond()

	hub.Publish(ClubsRefreshed{})

	if _, ok := receiveSignal(t, first).(ClubsRefreshed); !ok {
		t.Fatalf("first subscriber missed the signal")
	}
	if _, ok := receiveSignal(t, second).(ClubsRefreshed); !ok {
		t.Fatalf("second subscriber missed the signal")
	}
}

func TestHubCleanupClosesStream(t *testing.T) {
	hub := NewHub()
	stream, cleanup := hub.Subscribe(context.Background())

	cleanup()
	cleanup()

	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected closed stream after cleanup")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after cleanup")
	}

	// Publishing after cleanup must not panic.
	hub.Publish(NavigateHome{ClubID: "club-1"})
}

func TestHubContextCancellationReleasesSubscriber(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stream, cleanup := hub.Subscribe(ctx)
	defer cleanup()

	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-stream:
			if !open {
				return
			}
		case <-deadline:
			t.Fatalf("stream not closed after context cancellation")
		}
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	stream, cleanup := hub.Subscribe(context.Background())
	defer cleanup()

	for i := 0; i < hubBufferSize*2; i++ {
		hub.Publish(ClubsRefreshed{})
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
		default:
			if drained == 0 || drained > hubBufferSize {
				t.Fatalf("expected between 1 and %d buffered signals, got %d", hubBufferSize, drained)
			}
			return
		}
	}
}
