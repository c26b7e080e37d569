package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectsync/internal/model"
	"projectsync/pkg/outbox"
)

type OutboxHandler struct {
	replay *outbox.ReplayService
	logger *zap.Logger
}

func NewOutboxHandler(replay *outbox.ReplayService, logger *zap.Logger) *OutboxHandler {
	return &OutboxHandler{replay: replay, logger: logger}
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func (h *OutboxHandler) respond(c *gin.Context, err error) {
	if errors.Is(err, outbox.ErrEventNotFound) {
		err = &model.NotFoundError{Kind: "outbox event", ID: c.Param("id")}
	}
	RespondError(c, err)
}

// ListFailed handles GET /api/admin/outbox/failed?limit=100
func (h *OutboxHandler) ListFailed(c *gin.Context) {
	events, err := h.replay.FailedEvents(c.Request.Context(), limitParam(c))
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Replay handles POST /api/admin/outbox/:id/replay
func (h *OutboxHandler) Replay(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.replay.ReplayEvent(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to replay event", zap.Int64("outbox_id", id), zap.Error(err))
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "id": id})
}

// ReplayFailed handles POST /api/admin/outbox/replay-failed?limit=100
func (h *OutboxHandler) ReplayFailed(c *gin.Context) {
	limit := limitParam(c)
	n, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}
