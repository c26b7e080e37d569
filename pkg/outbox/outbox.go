package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

var ErrEventNotFound = errors.New("outbox event not found")

const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id            BIGSERIAL PRIMARY KEY,
    message_id    TEXT NOT NULL UNIQUE,
    routing_key   TEXT NOT NULL,
    payload       JSONB NOT NULL,
    trace_id      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    retry_count   INT NOT NULL DEFAULT 0,
    next_retry_at TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (status, next_retry_at, created_at);
`

// Event 表示一个待发布的事件
type Event struct {
	ID          int64           `json:"id"`
	MessageID   string          `json:"messageId"`
	RoutingKey  string          `json:"routingKey"`
	Payload     json.RawMessage `json:"payload"`
	TraceID     string          `json:"traceId,omitempty"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store is the persistence the dispatcher and replay service need.
type Store interface {
	Insert(ctx context.Context, e *Event) error
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64, maxRetries int) error
	GetEventByID(ctx context.Context, id int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	ResetEvent(ctx context.Context, id int64) error
}

// nextAttempt 计算失败后的状态：达到上限后标记为 failed，否则线性退避 5s, 10s, 15s...
func nextAttempt(retryCount, maxRetries int, now time.Time) (string, *time.Time) {
	if retryCount >= maxRetries {
		return StatusFailed, nil
	}
	at := now.Add(time.Duration(retryCount) * 5 * time.Second)
	return StatusPending, &at
}

// Repository 是 Store 的 Postgres 实现
type Repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewRepository 创建新的 Outbox Repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate outbox_events: %w", err)
	}
	return nil
}

// Insert 写入一个 pending 事件；同一 message_id 只保留一条
func (r *Repository) Insert(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO outbox_events (message_id, routing_key, payload, trace_id, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (message_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, e.MessageID, e.RoutingKey, e.Payload, e.TraceID).Scan(&e.ID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	e.Status = StatusPending
	return nil
}

const selectColumns = `id, message_id, routing_key, payload, trace_id, status, retry_count, next_retry_at, created_at`

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.MessageID, &e.RoutingKey, &e.Payload, &e.TraceID,
			&e.Status, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetPendingEvents 获取到期的待发送事件（用于 Dispatcher）
func (r *Repository) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM outbox_events
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at ASC
		LIMIT $1
	`, limit, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	return scanEvents(rows)
}

// GetFailedEvents 获取所有失败的事件（用于管理界面）
func (r *Repository) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM outbox_events
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	return scanEvents(rows)
}

// GetEventByID 根据 ID 获取事件（用于 Replay）
func (r *Repository) GetEventByID(ctx context.Context, id int64) (*Event, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return events[0], nil
}

// MarkAsSent 标记事件为已发送
func (r *Repository) MarkAsSent(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'sent', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAsFailed 增加重试次数，并决定下次重试时间或最终失败
func (r *Repository) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var retryCount int
		err := tx.QueryRow(ctx, `SELECT retry_count FROM outbox_events WHERE id = $1 FOR UPDATE`, id).Scan(&retryCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrEventNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get retry count: %w", err)
		}

		retryCount++
		status, nextRetryAt := nextAttempt(retryCount, maxRetries, r.now())
		_, err = tx.Exec(ctx, `
			UPDATE outbox_events
			SET status = $1, retry_count = $2, next_retry_at = $3, updated_at = NOW()
			WHERE id = $4
		`, status, retryCount, nextRetryAt, id)
		if err != nil {
			return fmt.Errorf("failed to mark event as failed: %w", err)
		}
		return nil
	})
}

// ResetEvent 把事件重置为 pending，重试计数清零
func (r *Repository) ResetEvent(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return nil
}
