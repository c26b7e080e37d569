package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contracts "projectsync/contracts/mq"
	"projectsync/pkg/logger"
	"projectsync/pkg/metrics"
)

const handlerName = "activity_log"

// ActivityStore persists consumed events. Insert reports false when the
// event id was already stored.
type ActivityStore interface {
	Insert(ctx context.Context, ev contracts.ActivityEvent) (bool, error)
}

// Deduper guards against redelivery before the store is touched. A failed
// attempt releases its lock so the retry is not skipped.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, eventID string) bool
	Release(ctx context.Context, handler, eventID string)
}

type ActivityHandler struct {
	store   ActivityStore
	deduper Deduper
	logger  *zap.Logger
}

func NewActivityHandler(store ActivityStore, deduper Deduper, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{store: store, deduper: deduper, logger: logger}
}

// HandleActivity -- 记录活动事件到 activity_log
func (h *ActivityHandler) HandleActivity(ctx context.Context, raw json.RawMessage) error {
	var ev contracts.ActivityEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.logger.Error("Failed to unmarshal activity event", zap.Error(err))
		metrics.IncrementActivity("unknown", "invalid")
		return fmt.Errorf("decode activity event: %w", err)
	}
	if ev.EventID == "" || ev.Type == "" {
		metrics.IncrementActivity(ev.Type, "invalid")
		return fmt.Errorf("activity event missing id or type")
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("event_id", ev.EventID),
		zap.String("type", ev.Type),
		zap.String("project_id", ev.ProjectID),
	)

	if h.deduper != nil && !h.deduper.AcquireOnce(ctx, handlerName, ev.EventID) {
		metrics.IncrementActivity(ev.Type, "duplicate")
		return nil
	}

	inserted, err := h.store.Insert(ctx, ev)
	if err != nil {
		log.Error("Failed to record activity", zap.Error(err))
		if h.deduper != nil {
			h.deduper.Release(ctx, handlerName, ev.EventID)
		}
		metrics.IncrementActivity(ev.Type, "error")
		return err
	}
	if !inserted {
		log.Info("Activity already recorded")
		metrics.IncrementActivity(ev.Type, "duplicate")
		return nil
	}

	log.Info("Activity recorded",
		zap.String("actor_id", ev.ActorID),
		zap.String("actor_role", ev.ActorRole),
		zap.String("suggestion_id", ev.SuggestionID),
	)
	metrics.IncrementActivity(ev.Type, "ok")
	return nil
}
