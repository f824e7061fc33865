package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/sessions"
)

// SessionHandler handles HTTP requests for live session lifecycle and
// settlement.
type SessionHandler struct {
	svc    *sessions.Service
	logger *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(svc *sessions.Service, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

// Register mounts the session routes on the given router group.
func (h *SessionHandler) Register(rg *gin.RouterGroup) {
	lives := rg.Group("/lives")
	{
		lives.POST("", h.CreateLive)
		lives.GET("/:id", h.GetLive)
		lives.POST("/:id/end", h.EndSession)
	}
}

type createLiveRequest struct {
	CreatorID string `json:"creatorId" binding:"required"`
}

// CreateLive handles POST /lives — opens a running session.
func (h *SessionHandler) CreateLive(c *gin.Context) {
	var req createLiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creatorId is required"})
		return
	}

	live, err := h.svc.CreateLive(c.Request.Context(), req.CreatorID)
	if err != nil {
		h.logger.Error("create live", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create live session"})
		return
	}

	c.JSON(http.StatusCreated, live)
}

// GetLive handles GET /lives/:id.
func (h *SessionHandler) GetLive(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	live, err := h.svc.GetLive(c.Request.Context(), id)
	if err != nil {
		h.renderLiveError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, live)
}

// EndSession handles POST /lives/:id/end — ends the session and settles its
// accumulated gift value.
func (h *SessionHandler) EndSession(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	res, err := h.svc.EndSession(c.Request.Context(), id)
	if err != nil {
		h.renderLiveError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "settled",
		"live":           res.Live,
		"settlement":     res.Settlement,
		"qualityMetrics": res.QualityMetrics,
	})
}

func (h *SessionHandler) renderLiveError(c *gin.Context, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, sessions.ErrLiveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "live session not found"})
	case errors.Is(err, sessions.ErrLiveEnded):
		c.JSON(http.StatusConflict, gin.H{"error": "live session already ended"})
	default:
		h.logger.Error("live session request failed",
			zap.String("live_id", id.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "live session request failed"})
	}
}
