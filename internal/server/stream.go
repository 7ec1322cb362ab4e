package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/readcircle/readcircle/internal/signals"
)

const (
	StreamEventNotice     = "notice"
	StreamEventConnection = "connection-status"
	StreamEventPresence   = "presence-count"
	StreamEventRefreshed  = "clubs-refreshed"
	StreamEventNavigate   = "navigate-home"
	streamEventHeartbeat  = "heartbeat"

	heartbeatInterval = 25 * time.Second
)

type noticeEventPayload struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Text      string `json:"text"`
	TTLMillis int64  `json:"ttl_ms"`
	At        string `json:"at"`
}

type connectionEventPayload struct {
	State          string `json:"state"`
	AutoHideMillis int64  `json:"auto_hide_ms,omitempty"`
	At             string `json:"at"`
}

type presenceEventPayload struct {
	ClubID string `json:"club_id"`
	Online int    `json:"online"`
}

type refreshedEventPayload struct {
	At string `json:"at"`
}

type navigateEventPayload struct {
	ClubID string `json:"club_id"`
}

type heartbeatEventPayload struct {
	At string `json:"at"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cleanup := h.hub.Subscribe(c.Request.Context())
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			payload := heartbeatEventPayload{At: time.Now().UTC().Format(time.RFC3339)}
			if err := writeStreamEvent(c.Writer, streamEventHeartbeat, payload); err != nil {
				return
			}
			flusher.Flush()
		case signal, open := <-stream:
			if !open {
				return
			}
			eventName, payload := renderSignal(signal)
			if eventName == "" {
				continue
			}
			if err := writeStreamEvent(c.Writer, eventName, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func renderSignal(signal signals.Signal) (string, any) {
	switch value := signal.(type) {
	case signals.Notice:
		return StreamEventNotice, noticeEventPayload{
			ID:        value.ID,
			Level:     string(value.Level),
			Text:      value.Text,
			TTLMillis: value.TTL.Milliseconds(),
			At:        value.At.UTC().Format(time.RFC3339),
		}
	case signals.ConnectionStatus:
		return StreamEventConnection, connectionEventPayload{
			State:          string(value.State),
			AutoHideMillis: value.AutoHideAfter.Milliseconds(),
			At:             value.At.UTC().Format(time.RFC3339),
		}
	case signals.PresenceCount:
		return StreamEventPresence, presenceEventPayload{
			ClubID: value.ClubID,
			Online: value.Online,
		}
	case signals.ClubsRefreshed:
		return StreamEventRefreshed, refreshedEventPayload{
			At: value.At.UTC().Format(time.RFC3339),
		}
	case signals.NavigateHome:
		return StreamEventNavigate, navigateEventPayload{
			ClubID: value.ClubID,
		}
	default:
		return "", nil
	}
}

func writeStreamEvent(w io.Writer, eventName string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, encoded)
	return err
}
