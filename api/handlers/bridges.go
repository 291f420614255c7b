package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentease/cdp-relay/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// BridgeStore reads the bridge journal. *repository.BridgeRepository implements it.
type BridgeStore interface {
	GetByID(ctx context.Context, id string) (*model.BridgeRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*model.BridgeRecord, error)
}

// BridgeResponse represents a bridge in API responses.
type BridgeResponse struct {
	*model.BridgeRecord
	Duration string `json:"duration"`
}

// BridgeHandler handles HTTP requests for the bridge journal.
type BridgeHandler struct {
	store BridgeStore
}

// NewBridgeHandler creates a new BridgeHandler.
func NewBridgeHandler(store BridgeStore) *BridgeHandler {
	return &BridgeHandler{store: store}
}

func toBridgeResponse(rec *model.BridgeRecord) *BridgeResponse {
	return &BridgeResponse{
		BridgeRecord: rec,
		Duration:     rec.Duration().Round(time.Second).String(),
	}
}

// List handles GET /api/bridges - lists the most recent bridges.
func (h *BridgeHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list bridges: "+err.Error())
		return
	}

	response := make([]*BridgeResponse, len(records))
	for i, rec := range records {
		response[i] = toBridgeResponse(rec)
	}

	c.JSON(http.StatusOK, gin.H{
		"bridges": response,
	})
}

// Get handles GET /api/bridges/:id - returns one bridge.
func (h *BridgeHandler) Get(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrBridgeNotFound) {
			sendError(c, http.StatusNotFound, "BRIDGE_NOT_FOUND", "Bridge "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get bridge: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toBridgeResponse(rec))
}

// RegisterRoutes registers the bridge journal routes on a Gin router group.
func (h *BridgeHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/bridges", h.List)
	rg.GET("/bridges/:id", h.Get)
}
