package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/gifts"
	"github.com/glowcast/giftledger/internal/sessions"
)

// SignatureHeader carries the hex HMAC-SHA256 of the exact request body.
const SignatureHeader = "X-Gift-Signature"

// GiftHandler handles signed gift event ingestion and consumer registration.
type GiftHandler struct {
	svc    *gifts.Service
	logger *zap.Logger
}

// NewGiftHandler creates a new GiftHandler.
func NewGiftHandler(svc *gifts.Service, logger *zap.Logger) *GiftHandler {
	return &GiftHandler{svc: svc, logger: logger}
}

// Register mounts the gift routes on the given router group.
func (h *GiftHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/gifts", h.ReceiveGift)

	consumers := rg.Group("/consumers")
	{
		consumers.POST("", h.RegisterConsumer)
		consumers.GET("/:id", h.GetConsumer)
	}
}

// ReceiveGift handles POST /gifts. The signature covers the exact raw body
// bytes, so the body is passed through unparsed.
func (h *GiftHandler) ReceiveGift(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	res, err := h.svc.ReceiveGift(c.Request.Context(), c.GetHeader(SignatureHeader), body)
	if err != nil {
		h.renderGiftError(c, err)
		return
	}

	if res.Status == gifts.StatusAlreadyRecorded {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *GiftHandler) renderGiftError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gifts.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid event signature"})
	case errors.Is(err, gifts.ErrInvalidEvent):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, gifts.ErrConsumerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "consumer not found"})
	case errors.Is(err, sessions.ErrLiveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "live session not found"})
	case errors.Is(err, sessions.ErrLiveEnded):
		c.JSON(http.StatusConflict, gin.H{"error": "live session already ended"})
	default:
		h.logger.Error("receive gift", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record gift"})
	}
}

type registerConsumerRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	KYCStatus   string `json:"kycStatus"`
}

// RegisterConsumer handles POST /consumers — creates a consumer and its
// backing ledger account.
func (h *GiftHandler) RegisterConsumer(c *gin.Context) {
	var req registerConsumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "displayName is required"})
		return
	}

	consumer, err := h.svc.RegisterConsumer(c.Request.Context(), req.DisplayName, req.KYCStatus)
	if err != nil {
		h.logger.Error("register consumer", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register consumer"})
		return
	}

	c.JSON(http.StatusCreated, consumer)
}

// GetConsumer handles GET /consumers/:id.
func (h *GiftHandler) GetConsumer(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	consumer, err := h.svc.GetConsumer(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gifts.ErrConsumerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "consumer not found"})
			return
		}
		h.logger.Error("get consumer", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load consumer"})
		return
	}

	c.JSON(http.StatusOK, consumer)
}
