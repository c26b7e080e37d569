// Package pgstore keeps documents in a single Postgres jsonb table and
// drives live queries with Redis pub/sub change notifications.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"projectsync/internal/model"
	"projectsync/internal/store"
	"projectsync/pkg/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		seq        BIGSERIAL,
		collection TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		data       JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS documents_collection_seq_idx ON documents (collection, seq)`,
}

type Option func(*Store)

func WithBackoff(b store.Backoff) Option {
	return func(s *Store) { s.backoff = b }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	logger  *zap.Logger
	backoff store.Backoff
	now     func() time.Time
}

var (
	_ store.Gateway = (*Store)(nil)
	_ store.Pinger  = (*Store)(nil)
)

func New(pool *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		rdb:     rdb,
		logger:  logger,
		backoff: store.DefaultBackoff(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the documents table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks both backends.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return util.ClassifyStoreError("ping", err)
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return util.ClassifyStoreError("ping", err)
	}
	return nil
}

func channel(p store.Path) string { return "docs:" + string(p) }

// notify tells live queries on ref's collection to refresh. A lost
// notification only delays the next snapshot, so failures are logged.
func (s *Store) notify(ctx context.Context, ref store.DocRef, op string) {
	if err := s.rdb.Publish(ctx, channel(ref.Collection), op+":"+ref.ID).Err(); err != nil {
		s.logger.Warn("pgstore: change notification failed",
			zap.String("doc", ref.String()), zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) Create(ctx context.Context, path store.Path, fields store.Fields) (string, error) {
	return s.insert(ctx, "create", path, fields)
}

func (s *Store) AppendToSubcollection(ctx context.Context, path store.Path, fields store.Fields) (string, error) {
	return s.insert(ctx, "append", path, fields)
}

func (s *Store) insert(ctx context.Context, op string, path store.Path, fields store.Fields) (string, error) {
	if err := path.Validate(); err != nil {
		return "", err
	}
	now := s.now().UTC()
	data, err := json.Marshal(store.ResolveTimestamps(fields, now))
	if err != nil {
		return "", fmt.Errorf("pgstore: encode document: %w", err)
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, $4)`,
		string(path), id, data, now)
	if err != nil {
		return "", util.ClassifyStoreError(op, err)
	}
	s.notify(ctx, path.Doc(id), op)
	return id, nil
}

// Update applies every field update inside one transaction holding the
// row lock, creating intermediate objects along nested paths.
func (s *Store) Update(ctx context.Context, ref store.DocRef, updates ...store.FieldUpdate) error {
	now := s.now().UTC()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			string(ref.Collection), ref.ID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.NotFoundError{Kind: "document", ID: ref.String()}
		}
		if err != nil {
			return err
		}

		doc := map[string]any{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("pgstore: decode %s: %w", ref, err)
		}
		if err := applyUpdates(doc, updates, now); err != nil {
			return err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("pgstore: encode %s: %w", ref, err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE documents SET data = $3, updated_at = $4 WHERE collection = $1 AND id = $2`,
			string(ref.Collection), ref.ID, out, now)
		return err
	})
	if err != nil {
		return util.ClassifyStoreError("update", err)
	}
	s.notify(ctx, ref, "update")
	return nil
}

func (s *Store) Delete(ctx context.Context, ref store.DocRef) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		string(ref.Collection), ref.ID)
	if err != nil {
		return util.ClassifyStoreError("delete", err)
	}
	if tag.RowsAffected() > 0 {
		s.notify(ctx, ref, "delete")
	}
	return nil
}

// DeleteTree removes ref and every document whose collection path starts
// with "<ref>/" in a single statement.
func (s *Store) DeleteTree(ctx context.Context, ref store.DocRef) (int, error) {
	rows, err := s.pool.Query(ctx, deleteTreeSQL,
		string(ref.Collection), ref.ID, ref.String()+"/")
	if err != nil {
		return 0, util.ClassifyStoreError("delete_tree", err)
	}
	removed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.DocRef, error) {
		var r store.DocRef
		var coll string
		err := row.Scan(&coll, &r.ID)
		r.Collection = store.Path(coll)
		return r, err
	})
	if err != nil {
		return 0, util.ClassifyStoreError("delete_tree", err)
	}

	notified := make(map[store.Path]bool)
	for _, r := range removed {
		if !notified[r.Collection] {
			notified[r.Collection] = true
			s.notify(ctx, r, "delete")
		}
	}
	return len(removed), nil
}

const deleteTreeSQL = `DELETE FROM documents
	WHERE (collection = $1 AND id = $2) OR starts_with(collection, $3)
	RETURNING collection, id`

// MoveArrayToSubcollection locks doc, inserts one row per array element
// into dest and clears the array in the same transaction.
func (s *Store) MoveArrayToSubcollection(ctx context.Context, ref store.DocRef, field string, dest store.Path, convert func(any) (store.Fields, error)) (int, error) {
	if err := dest.Validate(); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	moved := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			string(ref.Collection), ref.ID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.NotFoundError{Kind: "document", ID: ref.String()}
		}
		if err != nil {
			return err
		}

		doc := map[string]any{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("pgstore: decode %s: %w", ref, err)
		}
		arr, _ := doc[field].([]any)
		if len(arr) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, el := range arr {
			fields, err := convert(el)
			if err != nil {
				return fmt.Errorf("pgstore: convert %s.%s[%d]: %w", ref, field, i, err)
			}
			data, err := json.Marshal(store.ResolveTimestamps(fields, now))
			if err != nil {
				return fmt.Errorf("pgstore: encode document: %w", err)
			}
			batch.Queue(`INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, $4)`,
				string(dest), uuid.NewString(), data, now)
		}
		doc[field] = []any{}
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("pgstore: encode %s: %w", ref, err)
		}
		batch.Queue(`UPDATE documents SET data = $3, updated_at = $4 WHERE collection = $1 AND id = $2`,
			string(ref.Collection), ref.ID, out, now)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		moved = len(arr)
		return nil
	})
	if err != nil {
		return 0, util.ClassifyStoreError("array_move", err)
	}
	if moved > 0 {
		s.notify(ctx, dest.Doc(""), "append")
		s.notify(ctx, ref, "update")
	}
	return moved, nil
}

// AppendToArrayField reads the array in one statement and writes it back in
// another, without a row lock.
func (s *Store) AppendToArrayField(ctx context.Context, ref store.DocRef, field string, value any) error {
	s.logger.Warn("pgstore: non-atomic array append", zap.String("doc", ref.String()),
		zap.String("field", field), zap.Error(model.ErrConcurrencyHazard))

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(data->($3::text), '[]'::jsonb) FROM documents WHERE collection = $1 AND id = $2`,
		string(ref.Collection), ref.ID, field).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.NotFoundError{Kind: "document", ID: ref.String()}
	}
	if err != nil {
		return util.ClassifyStoreError("array_append", err)
	}

	now := s.now().UTC()
	arr, err := appendRaw(raw, store.ResolveTimestamps(value, now))
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET data = jsonb_set(data, ARRAY[$3::text], $4::jsonb, true), updated_at = $5
		 WHERE collection = $1 AND id = $2`,
		string(ref.Collection), ref.ID, field, arr, now)
	if err != nil {
		return util.ClassifyStoreError("array_append", err)
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Kind: "document", ID: ref.String()}
	}
	s.notify(ctx, ref, "array_append")
	return nil
}

func (s *Store) query(ctx context.Context, q store.Query) ([]store.Document, error) {
	sql, args := selectSQL(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, util.ClassifyStoreError("query", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Document, error) {
		var d store.Document
		var raw []byte
		if err := row.Scan(&d.ID, &raw, &d.UpdateTime); err != nil {
			return d, err
		}
		d.Data = json.RawMessage(raw)
		return d, nil
	})
	if err != nil {
		return nil, util.ClassifyStoreError("query", err)
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

// Subscribe confirms the Redis subscription, delivers the initial snapshot
// and then re-queries on every change notification.
func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := q.Path.Validate(); err != nil {
		return nil, err
	}

	ps := s.rdb.Subscribe(ctx, channel(q.Path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, util.ClassifyStoreError("subscribe", err)
	}

	docs, err := s.query(ctx, q)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		st:      s,
		q:       q,
		ps:      ps,
		feed:    store.NewFeed(),
		tracker: store.NewTracker(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sub.emit(docs)
	go sub.loop(subCtx)
	go func() {
		// unblocks ReceiveMessage, which does not watch ctx
		<-subCtx.Done()
		_ = ps.Close()
	}()
	return sub, nil
}

type subscription struct {
	st      *Store
	q       store.Query
	ps      *redis.PubSub
	feed    *store.Feed
	tracker *store.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

func (sub *subscription) Events() <-chan store.Event { return sub.feed.Events() }

func (sub *subscription) Close() {
	sub.cancel()
	<-sub.done
}

func (sub *subscription) emit(docs []store.Document) {
	sub.feed.Push(store.Event{
		Kind: store.EventSnapshot,
		Snapshot: store.Snapshot{
			Path:    sub.q.Path,
			Docs:    docs,
			Changes: sub.tracker.Next(docs),
		},
	})
}

func (sub *subscription) loop(ctx context.Context) {
	defer close(sub.done)
	defer sub.feed.Close()

	log := sub.st.logger.With(zap.String("query", sub.q.String()))
	stale := false
	attempt := 0

	for {
		if stale {
			// ReceiveMessage reconnects on its own; Ping forces the round
			// trip so we learn when the connection is back.
			if err := sub.ps.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if sub.st.backoff.Wait(ctx, attempt) != nil {
					return
				}
				attempt++
				continue
			}
			if !sub.refresh(ctx, log) {
				if sub.st.backoff.Wait(ctx, attempt) != nil {
					return
				}
				attempt++
				continue
			}
			stale = false
			attempt = 0
			log.Info("pgstore: live query recovered")
		}

		_, err := sub.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.feed.Push(store.Event{Kind: store.EventStale, Err: util.ClassifyStoreError("subscribe", err)})
			log.Warn("pgstore: live query went stale", zap.Error(err))
			stale = true
			continue
		}
		if !sub.refresh(ctx, log) {
			stale = true
		}
	}
}

// refresh re-runs the query. On failure it pushes a stale event.
func (sub *subscription) refresh(ctx context.Context, log *zap.Logger) bool {
	docs, err := sub.st.query(ctx, sub.q)
	if err != nil {
		if ctx.Err() == nil {
			sub.feed.Push(store.Event{Kind: store.EventStale, Err: err})
			log.Warn("pgstore: refresh failed", zap.Error(err))
		}
		return false
	}
	sub.emit(docs)
	return true
}

func selectSQL(q store.Query) (string, []any) {
	sql := `SELECT id, data, updated_at FROM documents WHERE collection = $1`
	args := []any{string(q.Path)}
	if q.Filter != nil {
		sql += ` AND data->>($2::text) = $3`
		args = append(args, q.Filter.Field, q.Filter.Value)
	}
	return sql + ` ORDER BY seq`, args
}

func applyUpdates(doc map[string]any, updates []store.FieldUpdate, now time.Time) error {
	for _, u := range updates {
		if len(u.Path) == 0 {
			return errors.New("pgstore: empty field path")
		}
		v, err := plain(store.ResolveTimestamps(u.Value, now))
		if err != nil {
			return err
		}
		m := doc
		for _, key := range u.Path[:len(u.Path)-1] {
			next, ok := m[key].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[key] = next
			}
			m = next
		}
		m[u.Path[len(u.Path)-1]] = v
	}
	return nil
}

func appendRaw(raw []byte, value any) ([]byte, error) {
	var arr []any
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, &model.ValidationError{Field: "array", Message: "existing value is not an array"}
		}
	}
	v, err := plain(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(append(arr, v))
}

// plain converts v into generic JSON values.
func plain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("pgstore: decode value: %w", err)
	}
	return out, nil
}
