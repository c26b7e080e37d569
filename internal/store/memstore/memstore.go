// Package memstore is an in-process document store with live queries.
// It backs tests and single-node development runs.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"projectsync/internal/model"
	"projectsync/internal/store"
)

var ErrOffline = errors.New("memstore: offline")

// Mutation is one committed write, kept for inspection.
type Mutation struct {
	Op  string
	Doc store.DocRef
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	newID       func() string
	logger      *zap.Logger
	collections map[store.Path]*collection
	subs        map[*subscription]struct{}
	offline     bool
	mutations   []Mutation
	arrayHook   func(store.DocRef)
}

type collection struct {
	order []string
	docs  map[string]*document
}

type document struct {
	data    map[string]any
	updated time.Time
}

var _ store.Gateway = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      zap.NewNop(),
		collections: make(map[store.Path]*collection),
		subs:        make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetArrayReadHook installs fn to run between the read and the write of
// AppendToArrayField. Tests use it to force interleavings.
func (s *Store) SetArrayReadHook(fn func(store.DocRef)) {
	s.mu.Lock()
	s.arrayHook = fn
	s.mu.Unlock()
}

// Mutations returns a copy of the write log.
func (s *Store) Mutations() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, len(s.mutations))
	copy(out, s.mutations)
	return out
}

// Subscribers counts live queries on path.
func (s *Store) Subscribers(path store.Path) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sub := range s.subs {
		if sub.q.Path == path {
			n++
		}
	}
	return n
}

// Get returns a copy of a document's fields.
func (s *Store) Get(ref store.DocRef) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(ref)
	if !ok {
		return nil, false
	}
	raw, _ := json.Marshal(d.data)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out, true
}

// Disconnect simulates connectivity loss: live queries go stale and
// writes fail with a transient error until Reconnect.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return
	}
	s.offline = true
	for sub := range s.subs {
		sub.feed.Push(store.Event{Kind: store.EventStale, Err: &model.TransientStoreError{Op: "subscribe", Err: ErrOffline}})
	}
	s.logger.Info("memstore disconnected", zap.Int("subscriptions", len(s.subs)))
}

// Reconnect ends a Disconnect. Every live query receives a fresh snapshot.
func (s *Store) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.offline {
		return
	}
	s.offline = false
	for sub := range s.subs {
		sub.push()
	}
	s.logger.Info("memstore reconnected", zap.Int("subscriptions", len(s.subs)))
}

// Ping fails while the store is disconnected.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return &model.TransientStoreError{Op: "ping", Err: ErrOffline}
	}
	return ctx.Err()
}

func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := q.Path.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, &model.TransientStoreError{Op: "subscribe", Err: ErrOffline}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		st:      s,
		q:       q,
		feed:    store.NewFeed(),
		tracker: store.NewTracker(),
		done:    make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	sub.push()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
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
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return "", &model.TransientStoreError{Op: op, Err: ErrOffline}
	}

	now := s.now()
	m, err := body(fields, now)
	if err != nil {
		return "", err
	}
	id := s.add(path, m, now)
	s.commit(op, path.Doc(id))
	return id, nil
}

func body(fields store.Fields, now time.Time) (map[string]any, error) {
	data, err := normalize(store.ResolveTimestamps(fields, now))
	if err != nil {
		return nil, err
	}
	m, ok := data.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	return m, nil
}

// add stores a new document without notifying. Caller holds mu.
func (s *Store) add(path store.Path, m map[string]any, now time.Time) string {
	id := s.newID()
	c := s.collection(path)
	c.order = append(c.order, id)
	c.docs[id] = &document{data: m, updated: now}
	return id
}

func (s *Store) Update(ctx context.Context, ref store.DocRef, updates ...store.FieldUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return &model.TransientStoreError{Op: "update", Err: ErrOffline}
	}
	d, ok := s.lookup(ref)
	if !ok {
		return &model.NotFoundError{Kind: "document", ID: ref.String()}
	}

	now := s.now()
	for _, u := range updates {
		if len(u.Path) == 0 {
			return fmt.Errorf("memstore: empty field path")
		}
		v, err := normalize(store.ResolveTimestamps(u.Value, now))
		if err != nil {
			return err
		}
		setPath(d.data, u.Path, v)
	}
	d.updated = now

	s.commit("update", ref)
	return nil
}

func (s *Store) Delete(ctx context.Context, ref store.DocRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return &model.TransientStoreError{Op: "delete", Err: ErrOffline}
	}
	c, ok := s.collections[ref.Collection]
	if !ok {
		return nil
	}
	if _, ok := c.docs[ref.ID]; !ok {
		return nil
	}
	c.remove(ref.ID)
	s.commit("delete", ref)
	return nil
}

// DeleteTree removes ref and all documents in collections nested under it
// while holding the lock, so no write can land in between.
func (s *Store) DeleteTree(ctx context.Context, ref store.DocRef) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return 0, &model.TransientStoreError{Op: "delete_tree", Err: ErrOffline}
	}

	var removed []store.DocRef
	for path, c := range s.collections {
		if !ref.Contains(path) {
			continue
		}
		for _, id := range c.order {
			removed = append(removed, path.Doc(id))
		}
		c.order, c.docs = nil, make(map[string]*document)
	}
	if c, ok := s.collections[ref.Collection]; ok {
		if _, ok := c.docs[ref.ID]; ok {
			c.remove(ref.ID)
			removed = append(removed, ref)
		}
	}

	for _, r := range removed {
		s.commit("delete", r)
	}
	return len(removed), nil
}

// MoveArrayToSubcollection converts every element first, then writes the
// new documents and clears the array under one lock.
func (s *Store) MoveArrayToSubcollection(ctx context.Context, ref store.DocRef, field string, dest store.Path, convert func(any) (store.Fields, error)) (int, error) {
	if err := dest.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return 0, &model.TransientStoreError{Op: "array_move", Err: ErrOffline}
	}
	d, ok := s.lookup(ref)
	if !ok {
		return 0, &model.NotFoundError{Kind: "document", ID: ref.String()}
	}
	arr, _ := d.data[field].([]any)
	if len(arr) == 0 {
		return 0, nil
	}

	now := s.now()
	bodies := make([]map[string]any, len(arr))
	for i, el := range arr {
		fields, err := convert(el)
		if err != nil {
			return 0, fmt.Errorf("memstore: convert %s.%s[%d]: %w", ref, field, i, err)
		}
		if bodies[i], err = body(fields, now); err != nil {
			return 0, err
		}
	}

	for _, m := range bodies {
		s.commit("append", dest.Doc(s.add(dest, m, now)))
	}
	d.data[field] = []any{}
	d.updated = now
	s.commit("update", ref)
	return len(bodies), nil
}

// AppendToArrayField is deliberately not atomic: the lock is released
// between reading the array and writing it back.
func (s *Store) AppendToArrayField(ctx context.Context, ref store.DocRef, field string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return &model.TransientStoreError{Op: "array_append", Err: ErrOffline}
	}
	d, ok := s.lookup(ref)
	if !ok {
		s.mu.Unlock()
		return &model.NotFoundError{Kind: "document", ID: ref.String()}
	}
	var arr []any
	if cur, ok := d.data[field].([]any); ok {
		arr = make([]any, len(cur), len(cur)+1)
		copy(arr, cur)
	}
	hook := s.arrayHook
	now := s.now()
	s.mu.Unlock()
	s.logger.Debug("memstore array append", zap.String("doc", ref.String()),
		zap.String("field", field), zap.Error(model.ErrConcurrencyHazard))

	if hook != nil {
		hook(ref)
	}

	v, err := normalize(store.ResolveTimestamps(value, now))
	if err != nil {
		return err
	}
	arr = append(arr, v)

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok = s.lookup(ref)
	if !ok {
		return &model.NotFoundError{Kind: "document", ID: ref.String()}
	}
	d.data[field] = arr
	d.updated = now

	s.commit("array_append", ref)
	return nil
}

func (s *Store) collection(path store.Path) *collection {
	c, ok := s.collections[path]
	if !ok {
		c = &collection{docs: make(map[string]*document)}
		s.collections[path] = c
	}
	return c
}

func (c *collection) remove(id string) {
	delete(c.docs, id)
	for i, x := range c.order {
		if x == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Len counts the documents stored in path.
func (s *Store) Len(path store.Path) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[path]; ok {
		return len(c.order)
	}
	return 0
}

func (s *Store) lookup(ref store.DocRef) (*document, bool) {
	c, ok := s.collections[ref.Collection]
	if !ok {
		return nil, false
	}
	d, ok := c.docs[ref.ID]
	return d, ok
}

// commit logs a write and fans it out to live queries. Caller holds mu.
func (s *Store) commit(op string, ref store.DocRef) {
	s.mutations = append(s.mutations, Mutation{Op: op, Doc: ref})
	for sub := range s.subs {
		if sub.q.Path == ref.Collection {
			sub.push()
		}
	}
	s.logger.Debug("memstore write", zap.String("op", op), zap.String("doc", ref.String()))
}

// results returns the documents matching q in insertion order. Caller holds mu.
func (s *Store) results(q store.Query) []store.Document {
	c, ok := s.collections[q.Path]
	if !ok {
		return []store.Document{}
	}
	docs := make([]store.Document, 0, len(c.order))
	for _, id := range c.order {
		d := c.docs[id]
		if q.Filter != nil {
			v, ok := d.data[q.Filter.Field].(string)
			if !ok || v != q.Filter.Value {
				continue
			}
		}
		raw, err := json.Marshal(d.data)
		if err != nil {
			s.logger.Warn("memstore: skipping unencodable document", zap.String("id", id), zap.Error(err))
			continue
		}
		docs = append(docs, store.Document{ID: id, Data: raw, UpdateTime: d.updated})
	}
	return docs
}

type subscription struct {
	st      *Store
	q       store.Query
	feed    *store.Feed
	tracker *store.Tracker
	done    chan struct{}
	once    sync.Once
}

// push emits the current result set. Caller holds st.mu.
func (sub *subscription) push() {
	docs := sub.st.results(sub.q)
	sub.feed.Push(store.Event{
		Kind: store.EventSnapshot,
		Snapshot: store.Snapshot{
			Path:    sub.q.Path,
			Docs:    docs,
			Changes: sub.tracker.Next(docs),
		},
	})
}

func (sub *subscription) Events() <-chan store.Event { return sub.feed.Events() }

func (sub *subscription) Close() {
	sub.once.Do(func() {
		sub.st.mu.Lock()
		delete(sub.st.subs, sub)
		sub.st.mu.Unlock()
		sub.feed.Close()
		close(sub.done)
	})
}

// normalize turns v into plain JSON values (maps, slices, strings, numbers).
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memstore: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memstore: decode value: %w", err)
	}
	return out, nil
}

func setPath(m map[string]any, path []string, v any) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}
