package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"projectsync/pkg/trace"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
}

func newMemStore() *memStore { return &memStore{events: map[int64]*Event{}} }

func (m *memStore) Insert(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.events {
		if x.MessageID == e.MessageID {
			return nil
		}
	}
	m.nextID++
	cp := *e
	cp.ID, cp.Status = m.nextID, StatusPending
	m.events[cp.ID] = &cp
	e.ID = cp.ID
	return nil
}

func (m *memStore) list(status string) []*Event {
	var out []*Event
	for _, e := range m.events {
		if e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.list(StatusPending)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(StatusFailed), nil
}

func (m *memStore) MarkAsSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id].Status = StatusSent
	return nil
}

func (m *memStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[id]
	e.RetryCount++
	e.Status, e.NextRetryAt = nextAttempt(e.RetryCount, maxRetries, time.Now())
	return nil
}

func (m *memStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ResetEvent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	e.Status, e.RetryCount, e.NextRetryAt = StatusPending, 0, nil
	return nil
}

type sent struct {
	key, id, traceID string
	body             string
}

type fakeSink struct {
	err  error
	sent []sent
}

func (s *fakeSink) PublishWithContext(ctx context.Context, key, id string, payload any) error {
	if s.err != nil {
		return s.err
	}
	b, _ := json.Marshal(payload)
	s.sent = append(s.sent, sent{key: key, id: id, traceID: trace.FromContext(ctx), body: string(b)})
	return nil
}

func TestSpoolThenDispatch(t *testing.T) {
	st := newMemStore()
	spool := NewSpool(st)
	ctx := trace.WithContext(context.Background(), "trace-1")
	payload := map[string]string{"type": "project.created"}
	if err := spool.PublishWithContext(ctx, "project.created", "m-1", payload); err != nil {
		t.Fatal(err)
	}
	// same message id is stored once
	if err := spool.PublishWithContext(ctx, "project.created", "m-1", payload); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{}
	d := NewDispatcher(st, sink, zap.NewNop())
	if n := d.processPendingEvents(context.Background()); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sink got %d messages", len(sink.sent))
	}
	got := sink.sent[0]
	if got.key != "project.created" || got.id != "m-1" || got.traceID != "trace-1" || got.body != `{"type":"project.created"}` {
		t.Errorf("sent %+v", got)
	}
	if n := d.processPendingEvents(context.Background()); n != 0 {
		t.Errorf("second pass sent %d", n)
	}
}

func TestDispatchFailureBacksOffThenGivesUp(t *testing.T) {
	st := newMemStore()
	_ = NewSpool(st).PublishWithContext(context.Background(), "client.added", "m-2", map[string]int{"n": 1})
	sink := &fakeSink{err: errors.New("broker down")}
	d := NewDispatcher(st, sink, zap.NewNop()).WithMaxRetries(2)

	d.processPendingEvents(context.Background())
	e, _ := st.GetEventByID(context.Background(), 1)
	if e.Status != StatusPending || e.RetryCount != 1 || e.NextRetryAt == nil {
		t.Fatalf("after first failure: %+v", e)
	}
	d.processPendingEvents(context.Background())
	e, _ = st.GetEventByID(context.Background(), 1)
	if e.Status != StatusFailed || e.NextRetryAt != nil {
		t.Fatalf("after max retries: %+v", e)
	}

	r := NewReplayService(st, sink, 2)
	failed, err := r.FailedEvents(context.Background(), 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed events = %v, %v", failed, err)
	}

	sink.err = nil
	n, err := r.ReplayFailedEvents(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("replayed %d, %v", n, err)
	}
	e, _ = st.GetEventByID(context.Background(), 1)
	if e.Status != StatusSent {
		t.Errorf("status after replay = %s", e.Status)
	}
}

func TestReplayUnknownEvent(t *testing.T) {
	r := NewReplayService(newMemStore(), &fakeSink{}, 0)
	if err := r.ReplayEvent(context.Background(), 42); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	status, at := nextAttempt(2, 5, now)
	if status != StatusPending || at == nil || !at.Equal(now.Add(10*time.Second)) {
		t.Errorf("nextAttempt(2,5) = %s %v", status, at)
	}
	if status, at := nextAttempt(5, 5, now); status != StatusFailed || at != nil {
		t.Errorf("nextAttempt(5,5) = %s %v", status, at)
	}
}
