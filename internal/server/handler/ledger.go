package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/ledger"
	"github.com/glowcast/giftledger/internal/snapshot"
)

// LedgerHandler exposes read-only HTTP endpoints for the settlement ledger:
// the chain overview, integrity verification, individual entries, accounts,
// and Merkle inclusion proofs.
type LedgerHandler struct {
	store  ledger.Store
	proofs *snapshot.Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(store ledger.Store, proofs *snapshot.Service, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{store: store, proofs: proofs, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:id", h.GetEntry)
		l.GET("/entries/:id/proof", h.GetProof)
		l.GET("/snapshots/latest", h.LatestSnapshot)
	}

	rg.GET("/accounts/:id", h.GetAccount)
}

// Overview handles GET /ledger — returns the chain length and tail hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.store.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	tail, err := h.store.Tail(ctx)
	if err != nil {
		h.logger.Error("ledger Tail", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger tail"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"tail":    tail,
	})
}

// Verify handles GET /ledger/verify — walks the full chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.store.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /ledger/entries/:id — returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	entry, err := h.store.GetEntry(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		h.logger.Error("ledger GetEntry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load entry"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// GetProof handles GET /ledger/entries/:id/proof — returns the Merkle
// inclusion proof for the entry against the newest snapshot covering it.
func (h *LedgerHandler) GetProof(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	res, err := h.proofs.ProveInclusion(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotSnapshotted) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not covered by any snapshot"})
			return
		}
		h.logger.Error("ledger proof", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build proof"})
		return
	}

	c.JSON(http.StatusOK, res)
}

// LatestSnapshot handles GET /ledger/snapshots/latest.
func (h *LedgerHandler) LatestSnapshot(c *gin.Context) {
	sn, err := h.proofs.Latest(c.Request.Context())
	if err != nil {
		if errors.Is(err, snapshot.ErrNotSnapshotted) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshots published yet"})
			return
		}
		h.logger.Error("latest snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}

	c.JSON(http.StatusOK, sn)
}

// GetAccount handles GET /accounts/:id — returns an account's balance record.
func (h *LedgerHandler) GetAccount(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	account, err := h.store.GetAccount(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		h.logger.Error("get account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	c.JSON(http.StatusOK, account)
}

// parseUUIDParam parses the named path parameter as a UUID, rendering a 400
// response and returning false when it is malformed.
func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}
