package clubsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/readcircle/readcircle/internal/clubs"
	"github.com/readcircle/readcircle/internal/realtime"
	"github.com/readcircle/readcircle/internal/signals"
)

func (e *Engine) handleNotification(msg notificationMsg) {
	sub := e.registry.get(msg.clubID)
	if sub == nil || sub.attempt != msg.attempt {
		e.metrics.NotificationDropped("unsubscribed")
		return
	}

	switch msg.change.Kind {
	case realtime.ChangeInsert, realtime.ChangeUpdate:
		e.applyRemoteRow(sub, msg.change)
	case realtime.ChangeDelete:
		e.applyRemoteDelete(sub, msg.change)
	default:
		e.metrics.NotificationDropped("malformed")
		e.logger.Warn("unknown change kind",
			zap.String("club_id", msg.clubID),
			zap.String("kind", string(msg.change.Kind)))
	}
}

func (e *Engine) applyRemoteRow(sub *subscription, change realtime.Notification) {
	row, err := clubs.DecodeRow(change.After)
	if err != nil {
		e.metrics.NotificationDropped("malformed")
		e.deferResync("decode_change_failed", err, sub.clubID)
		return
	}

	// Writes made by this user come back as echoes; applying them would
	// clobber newer local edits.
	if row.OwnerID == e.localUserID {
		e.metrics.NotificationDropped("self_echo")
		return
	}
	if !row.ReadableBy(e.localUserID) {
		e.metrics.NotificationDropped("unreadable")
		e.logger.Debug("dropping change for inaccessible club",
			zap.String("club_id", sub.clubID),
			zap.String("row_id", row.ID))
		return
	}

	local, exists := e.store.Get(row.ID)
	if !exists {
		e.applyDirect(sub, row, strings.ToLower(string(change.Kind)))
		return
	}

	switch kind := detectConflict(local, row, sub.watermark, sub.hasWatermark); kind {
	case ConflictNone:
		e.applyDirect(sub, row, strings.ToLower(string(change.Kind)))
	case ConflictConcurrentModification, ConflictItemListDivergence:
		e.resolveAndStore(sub, Conflict{
			Kind:       kind,
			Local:      local,
			Remote:     row,
			DetectedAt: e.clock.Now().UTC(),
		})
	default:
		e.logger.Warn("unknown conflict kind",
			zap.String("club_id", sub.clubID),
			zap.String("conflict", string(kind)))
	}
}

func (e *Engine) applyDirect(sub *subscription, row clubs.Row, verb string) {
	if _, err := e.store.Set(row.ToClub(e.localUserID)); err != nil {
		e.deferResync("store_write_failed", err, sub.clubID)
		return
	}
	sub.watermark = e.clock.Now().UTC()
	sub.hasWatermark = true
	e.metrics.ChangeApplied(verb)
	e.hub.Publish(signals.ClubsRefreshed{At: e.clock.Now().UTC()})
	e.queueSave()
}

func (e *Engine) resolveAndStore(sub *subscription, conflict Conflict) {
	outcome := resolveConflict(conflict.Local, conflict.Remote, e.localUserID)
	if _, err := e.store.Set(outcome.merged); err != nil {
		e.deferResync("merge_write_failed", err, sub.clubID)
		return
	}
	sub.watermark = e.clock.Now().UTC()
	sub.hasWatermark = true
	e.metrics.ConflictResolved(string(conflict.Kind))
	e.hub.Publish(signals.ClubsRefreshed{At: e.clock.Now().UTC()})
	e.queueSave()

	text := "Changes merged"
	if conflict.Kind == ConflictItemListDivergence {
		text = fmt.Sprintf("%d items merged", outcome.booksAdded)
	}
	e.notify(signals.LevelInfo, text)
	e.logger.Info("conflict resolved",
		zap.String("club_id", sub.clubID),
		zap.String("kind", string(conflict.Kind)),
		zap.Time("detected_at", conflict.DetectedAt),
		zap.Int("books_added", outcome.booksAdded))
}

func (e *Engine) applyRemoteDelete(sub *subscription, change realtime.Notification) {
	deletedID := rowIdentifier(change.Before)
	if deletedID == "" {
		e.metrics.NotificationDropped("malformed")
		e.deferResync("decode_delete_failed", nil, sub.clubID)
		return
	}

	if _, exists := e.store.Get(deletedID); !exists {
		return
	}

	e.store.Delete(deletedID)
	e.metrics.ChangeApplied("delete")
	if e.focusedClubID == deletedID {
		e.hub.Publish(signals.NavigateHome{ClubID: deletedID})
		e.focusedClubID = ""
	}
	e.hub.Publish(signals.ClubsRefreshed{At: e.clock.Now().UTC()})
	e.removeSubscription(deletedID)
	e.queueSave()
}

func rowIdentifier(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return strings.TrimSpace(partial.ID)
}

// deferResync schedules a full reload a few seconds out so a change the
// dispatcher could not apply heals itself. Repeated failures share one
// pending pass.
func (e *Engine) deferResync(reason string, cause error, clubID string) {
	e.logError(opDispatch, reason, cause, zap.String("club_id", clubID))
	if e.resyncInFlight {
		e.resyncQueued = true
		return
	}
	if e.resyncScheduled {
		return
	}
	e.resyncScheduled = true
	e.resyncTimer = e.clock.AfterFunc(e.resyncDelay, func() {
		e.post(resyncDueMsg{})
	})
}

func (e *Engine) startResync() {
	if e.resyncInFlight {
		e.resyncQueued = true
		return
	}
	e.resyncInFlight = true
	e.metrics.ResyncStarted()
	go func() {
		loaded, err := e.persistence.Load(e.runCtx)
		e.post(resyncResultMsg{loaded: loaded, err: err})
	}()
}

func (e *Engine) handleResyncResult(msg resyncResultMsg) {
	e.resyncInFlight = false
	defer func() {
		if e.resyncQueued {
			e.resyncQueued = false
			e.startResync()
		}
	}()

	if msg.err != nil {
		e.logError(opResync, "load_failed", msg.err)
		e.notify(signals.LevelError, "Could not refresh clubs")
		return
	}

	now := e.clock.Now().UTC()
	remoteIDs := make(map[string]struct{}, len(msg.loaded))
	for _, club := range msg.loaded {
		remoteIDs[club.ID] = struct{}{}
		if _, err := e.store.Set(club); err != nil {
			e.logError(opResync, "store_write_failed", err, zap.String("club_id", club.ID))
			continue
		}
		if sub := e.registry.get(club.ID); sub != nil {
			sub.watermark = now
			sub.hasWatermark = true
		}
	}

	// Shared clubs the remote no longer returns are gone for this user;
	// owned clubs stay because a local-only club may not have reached the
	// remote store yet.
	for _, club := range e.store.List() {
		if _, kept := remoteIDs[club.ID]; kept {
			continue
		}
		if club.Access.IsOwner {
			continue
		}
		e.store.Delete(club.ID)
		if e.focusedClubID == club.ID {
			e.hub.Publish(signals.NavigateHome{ClubID: club.ID})
			e.focusedClubID = ""
		}
		e.removeSubscription(club.ID)
	}

	e.ensureSubscriptions()
	e.hub.Publish(signals.ClubsRefreshed{At: now})
	e.queueSave()
	e.logger.Debug("resync applied", zap.Int("clubs", len(msg.loaded)))
}
