package clubsync

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/readcircle/readcircle/internal/realtime"
	"github.com/readcircle/readcircle/internal/signals"
)

// openChannel tears down any previous handles and opens a fresh data channel
// for the club. The attempt identifier fences callbacks from earlier channel
// incarnations out of the loop.
func (e *Engine) openChannel(sub *subscription) {
	e.teardownHandles(sub)
	e.nextAttempt++
	attempt := e.nextAttempt
	sub.attempt = attempt
	sub.status = subscriptionConnecting
	clubID := sub.clubID

	channel, err := e.provider.Subscribe(e.runCtx, realtime.ChannelConfig{
		Topic: clubTopic(clubID),
		OnChange: func(change realtime.Notification) {
			e.post(notificationMsg{clubID: clubID, attempt: attempt, change: change})
		},
		OnStatus: func(status realtime.ChannelStatus, cause error) {
			e.post(channelStatusMsg{clubID: clubID, attempt: attempt, status: status, cause: cause})
		},
	})
	if err != nil {
		e.logError(opSupervise, "channel_open_failed", err, zap.String("club_id", clubID))
		e.scheduleRetry(sub)
		return
	}
	sub.channel = channel
}

// trackPresence announces the local participant on the club's presence topic.
// Presence is best-effort: a failure here degrades the roster, not the data
// channel.
func (e *Engine) trackPresence(sub *subscription) {
	if sub.presence != nil {
		return
	}
	clubID := sub.clubID
	attempt := sub.attempt

	presence, err := e.provider.Track(e.runCtx, realtime.PresenceConfig{
		Topic: presenceTopic(clubID),
		Self: realtime.PresenceMeta{
			ParticipantID: e.localUserID,
			JoinedAt:      e.clock.Now().UTC(),
		},
		OnEvent: func(event realtime.PresenceEvent) {
			e.post(presenceEventMsg{clubID: clubID, attempt: attempt, event: event})
		},
		OnStatus: func(status realtime.ChannelStatus, cause error) {
			if status == realtime.StatusSubscribed || status == realtime.StatusClosed {
				return
			}
			e.logger.Warn("presence channel trouble",
				zap.String("club_id", clubID),
				zap.String("status", string(status)),
				zap.Error(cause))
		},
	})
	if err != nil {
		e.logError(opSupervise, "presence_track_failed", err, zap.String("club_id", clubID))
		return
	}
	sub.presence = presence
}

func (e *Engine) teardownHandles(sub *subscription) {
	if sub.retryTimer != nil {
		sub.retryTimer.Stop()
		sub.retryTimer = nil
	}
	if sub.presence != nil {
		sub.presence.Untrack()
		sub.presence = nil
	}
	if sub.channel != nil {
		sub.channel.Unsubscribe()
		sub.channel = nil
	}
}

func (e *Engine) handleChannelStatus(msg channelStatusMsg) {
	sub := e.registry.get(msg.clubID)
	if sub == nil || sub.attempt != msg.attempt {
		return
	}

	switch msg.status {
	case realtime.StatusSubscribed:
		sub.status = subscriptionSubscribed
		sub.attempts = 0
		sub.subscribedAt = e.clock.Now().UTC()
		e.logger.Debug("club channel subscribed", zap.String("club_id", sub.clubID))
		e.trackPresence(sub)
		e.updateIndicator()
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed:
		e.logger.Debug("club channel lost",
			zap.String("club_id", sub.clubID),
			zap.String("status", string(msg.status)),
			zap.Error(msg.cause))
		e.scheduleRetry(sub)
	}
}

// scheduleRetry arms the next backoff step for a broken subscription, or
// marks it terminally failed once the attempts are spent. While the transport
// is offline nothing is armed; connectivity restoration reopens everything.
func (e *Engine) scheduleRetry(sub *subscription) {
	e.teardownHandles(sub)
	sub.status = subscriptionRetrying

	if e.transportKnown && !e.transportOnline {
		e.updateIndicator()
		return
	}

	sub.attempts++
	if sub.attempts > e.maxRetryAttempts {
		sub.status = subscriptionFailed
		e.logError(opSupervise, "retries_exhausted", nil, zap.String("club_id", sub.clubID))
		e.notify(signals.LevelError, fmt.Sprintf("Live updates unavailable for %s", e.clubLabel(sub.clubID)))
		e.updateIndicator()
		return
	}

	delay := e.baseRetryDelay * time.Duration(1<<(sub.attempts-1))
	e.metrics.ReconnectAttempt()
	clubID := sub.clubID
	attempt := sub.attempt
	sub.retryTimer = e.clock.AfterFunc(delay, func() {
		e.post(retryDueMsg{clubID: clubID, attempt: attempt})
	})
	e.updateIndicator()
	e.logger.Debug("retry scheduled",
		zap.String("club_id", clubID),
		zap.Int("attempt", sub.attempts),
		zap.Duration("delay", delay))
}

func (e *Engine) handleRetryDue(msg retryDueMsg) {
	sub := e.registry.get(msg.clubID)
	if sub == nil || sub.attempt != msg.attempt || sub.status != subscriptionRetrying {
		return
	}
	sub.retryTimer = nil
	e.openChannel(sub)
}

func (e *Engine) handleConnectivity(msg connectivityMsg) {
	wasKnown := e.transportKnown
	wasOnline := e.transportOnline
	e.transportKnown = true
	e.transportOnline = msg.online
	e.metrics.SetTransportOnline(msg.online)

	if wasKnown && wasOnline == msg.online {
		return
	}

	if !msg.online {
		for _, sub := range e.registry.all() {
			if sub.retryTimer != nil {
				sub.retryTimer.Stop()
				sub.retryTimer = nil
			}
		}
		e.logger.Info("transport offline")
		e.updateIndicator()
		return
	}

	// The very first report only adopts the state; restoration semantics
	// need a preceding offline.
	if !wasKnown {
		e.updateIndicator()
		return
	}

	// Restoration gives every registered club a fresh channel, terminal
	// failures included, and forces a single catch-up resync.
	e.logger.Info("transport online")
	for _, sub := range e.registry.all() {
		sub.attempts = 0
		e.openChannel(sub)
	}
	e.updateIndicator()
	e.startResync()
}

func (e *Engine) clubLabel(clubID string) string {
	if club, found := e.store.Get(clubID); found && club.Name != "" {
		return club.Name
	}
	return clubID
}
