package clubsync

import (
	"fmt"

	"github.com/readcircle/readcircle/internal/realtime"
	"github.com/readcircle/readcircle/internal/signals"
)

func (e *Engine) handlePresenceEvent(msg presenceEventMsg) {
	sub := e.registry.get(msg.clubID)
	if sub == nil || sub.attempt != msg.attempt {
		return
	}

	roster := e.rosters[msg.clubID]
	if roster == nil {
		roster = make(map[string]realtime.PresenceMeta)
		e.rosters[msg.clubID] = roster
	}

	switch msg.event.Kind {
	case realtime.PresenceSync:
		// A sync snapshot replaces whatever the roster held; no notices,
		// joins in it are not news to anyone.
		roster = make(map[string]realtime.PresenceMeta, len(msg.event.State))
		for _, meta := range msg.event.State {
			roster[meta.ParticipantID] = meta
		}
		e.rosters[msg.clubID] = roster
	case realtime.PresenceJoin:
		for _, meta := range msg.event.Joined {
			_, present := roster[meta.ParticipantID]
			roster[meta.ParticipantID] = meta
			if present || meta.ParticipantID == e.localUserID {
				continue
			}
			e.notify(signals.LevelInfo, fmt.Sprintf("%s joined", meta.ParticipantID))
		}
	case realtime.PresenceLeave:
		for _, meta := range msg.event.Left {
			if _, present := roster[meta.ParticipantID]; !present {
				continue
			}
			delete(roster, meta.ParticipantID)
			if meta.ParticipantID == e.localUserID {
				continue
			}
			e.notify(signals.LevelInfo, fmt.Sprintf("%s left", meta.ParticipantID))
		}
	}

	online := len(e.rosters[msg.clubID])
	e.metrics.SetPresenceOnline(msg.clubID, online)
	e.hub.Publish(signals.PresenceCount{ClubID: msg.clubID, Online: online})
}
