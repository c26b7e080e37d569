package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"projectsync/pkg/trace"
)

// Spool accepts events for later delivery. It has the same publish
// signature as mq.Publisher, so callers can switch between direct and
// spooled publishing.
type Spool struct {
	store Store
}

func NewSpool(store Store) *Spool {
	return &Spool{store: store}
}

func (s *Spool) PublishWithContext(ctx context.Context, routingKey, messageID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return s.store.Insert(ctx, &Event{
		MessageID:  messageID,
		RoutingKey: routingKey,
		Payload:    body,
		TraceID:    trace.FromContext(ctx),
	})
}
