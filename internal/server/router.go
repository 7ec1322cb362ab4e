package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/readcircle/readcircle/internal/clubs"
	"github.com/readcircle/readcircle/internal/clubsync"
	"github.com/readcircle/readcircle/internal/signals"
	"go.uber.org/zap"
)

var (
	errMissingClubStore = errors.New("club store dependency required")
	errMissingEngine    = errors.New("sync engine dependency required")
	errMissingHub       = errors.New("signal hub dependency required")
)

// ClubLister exposes the read side of the club store.
type ClubLister interface {
	List() []clubs.Club
}

// SyncEngine is the engine surface the HTTP layer drives.
type SyncEngine interface {
	Subscribe(clubID string) error
	Unsubscribe(clubID string) error
	ResyncNow() error
	SetFocused(clubID string) error
	Status() (clubsync.Status, error)
}

type Dependencies struct {
	Store    ClubLister
	Engine   SyncEngine
	Hub      *signals.Hub
	Metrics  http.Handler
	Logger   *zap.Logger
	UIOrigin string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingClubStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origin := strings.TrimSpace(deps.UIOrigin)
	if origin == "" {
		origin = "*"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{origin},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:  deps.Store,
		engine: deps.Engine,
		hub:    deps.Hub,
		logger: logger,
	}

	router.GET("/events/stream", handler.handleEventStream)
	router.GET("/clubs", handler.handleListClubs)
	router.GET("/status", handler.handleStatus)
	router.POST("/focus", handler.handleSetFocus)
	router.POST("/resync", handler.handleResync)
	router.POST("/clubs/:id/subscribe", handler.handleSubscribe)
	router.DELETE("/clubs/:id/subscribe", handler.handleUnsubscribe)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router, nil
}

type httpHandler struct {
	store  ClubLister
	engine SyncEngine
	hub    *signals.Hub
	logger *zap.Logger
}

type clubPayload struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Books            []string `json:"books"`
	CurrentSelection string   `json:"current_selection,omitempty"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
	OwnerID          string   `json:"owner_id"`
	IsOwner          bool     `json:"is_owner"`
	IsShared         bool     `json:"is_shared"`
}

type listClubsPayload struct {
	Clubs []clubPayload `json:"clubs"`
}

func (h *httpHandler) handleListClubs(c *gin.Context) {
	listed := h.store.List()
	response := listClubsPayload{Clubs: make([]clubPayload, 0, len(listed))}
	for _, club := range listed {
		response.Clubs = append(response.Clubs, clubPayload{
			ID:               club.ID,
			Name:             club.Name,
			Books:            club.Books,
			CurrentSelection: club.CurrentSelection,
			CreatedAtSeconds: club.CreatedAt.Unix(),
			UpdatedAtSeconds: club.UpdatedAt.Unix(),
			OwnerID:          club.OwnerID,
			IsOwner:          club.Access.IsOwner,
			IsShared:         club.Access.IsShared,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.engine.Status()
	if err != nil {
		h.logger.Warn("status snapshot unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

type focusRequestPayload struct {
	ClubID string `json:"club_id"`
}

func (h *httpHandler) handleSetFocus(c *gin.Context) {
	var request focusRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.SetFocused(request.ClubID); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"focused_club_id": request.ClubID})
}

func (h *httpHandler) handleResync(c *gin.Context) {
	if err := h.engine.ResyncNow(); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resync_scheduled"})
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	if err := h.engine.Subscribe(c.Param("id")); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "subscribing"})
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	if err := h.engine.Unsubscribe(c.Param("id")); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "unsubscribing"})
}

func (h *httpHandler) respondEngineError(c *gin.Context, err error) {
	if errors.Is(err, clubsync.ErrEngineNotStarted) || errors.Is(err, clubsync.ErrEngineClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_unavailable"})
		return
	}
	var serviceErr *clubsync.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": serviceErr.Code()})
		return
	}
	h.logger.Error("engine request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
