package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	contracts "projectsync/contracts/mq"
)

const activitySchema = `
CREATE TABLE IF NOT EXISTS activity_log (
    event_id      TEXT PRIMARY KEY,
    type          TEXT NOT NULL,
    project_id    TEXT NOT NULL DEFAULT '',
    suggestion_id TEXT NOT NULL DEFAULT '',
    client_id     TEXT NOT NULL DEFAULT '',
    actor_id      TEXT NOT NULL,
    actor_role    TEXT NOT NULL,
    attributes    JSONB NOT NULL DEFAULT '{}'::jsonb,
    trace_id      TEXT NOT NULL DEFAULT '',
    occurred_at   TIMESTAMPTZ NOT NULL,
    recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS activity_log_project_idx ON activity_log (project_id, occurred_at DESC);
`

// ActivityLogRepository 保存 worker 消费到的活动事件
type ActivityLogRepository struct {
	db *pgxpool.Pool
}

func NewActivityLogRepository(db *pgxpool.Pool) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

func (r *ActivityLogRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, activitySchema); err != nil {
		return fmt.Errorf("migrate activity_log: %w", err)
	}
	return nil
}

// Insert 写入一条活动；同一 event_id 重复写入时忽略，返回 false
func (r *ActivityLogRepository) Insert(ctx context.Context, ev contracts.ActivityEvent) (bool, error) {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return false, err
	}
	if ev.Attributes == nil {
		attrs = []byte("{}")
	}
	query := `
        INSERT INTO activity_log (event_id, type, project_id, suggestion_id, client_id,
                                  actor_id, actor_role, attributes, trace_id, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (event_id) DO NOTHING
    `
	tag, err := r.db.Exec(ctx, query,
		ev.EventID, ev.Type, ev.ProjectID, ev.SuggestionID, ev.ClientID,
		ev.ActorID, ev.ActorRole, attrs, ev.TraceID, ev.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
