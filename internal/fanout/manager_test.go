package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"projectsync/internal/cache"
	"projectsync/internal/store"
	"projectsync/internal/store/memstore"
)

func newHarness(t *testing.T, gw store.Gateway) (*cache.Cache, *Manager) {
	t.Helper()
	c, w := cache.New()
	m := NewManager(gw, w, zap.NewNop(), WithBackoff(store.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}))
	return c, m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type seeded struct {
	project, suggestion, reply string
}

func seed(t *testing.T, s *memstore.Store, company string) seeded {
	t.Helper()
	ctx := context.Background()
	pid, err := s.Create(ctx, store.Projects(), store.Fields{"name": "Portal", "companyId": company, "type": "Cloud"})
	if err != nil {
		t.Fatal(err)
	}
	sid, err := s.Create(ctx, store.Suggestions(pid), store.Fields{"issue": "login is slow", "resolved": false})
	if err != nil {
		t.Fatal(err)
	}
	rid, err := s.AppendToSubcollection(ctx, store.Replies(pid, sid), store.Fields{"message": "looking", "author": "company"})
	if err != nil {
		t.Fatal(err)
	}
	return seeded{project: pid, suggestion: sid, reply: rid}
}

func TestAttachMirrorsTree(t *testing.T) {
	s := memstore.New()
	ids := seed(t, s, "c1")
	c, m := newHarness(t, s)

	h, err := m.Attach(context.Background(), RootQuery{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Detach()

	waitFor(t, "reply in cache", func() bool {
		return len(c.Read().Replies(ids.project, ids.suggestion)) == 1
	})

	r := c.Read()
	p, ok := r.Project(ids.project)
	if !ok || p.Name != "Portal" {
		t.Fatalf("project = %+v, %v", p, ok)
	}
	if len(p.Progress) != 0 {
		t.Errorf("progress = %+v, want none", p.Progress)
	}
	if got := r.Suggestions(ids.project); len(got) != 1 || got[0].Issue != "login is slow" {
		t.Errorf("suggestions = %+v", got)
	}
	if got := m.Stats().Open(); got != 3 {
		t.Errorf("open subscriptions = %d, want 3", got)
	}
}

func TestAttachTwice(t *testing.T) {
	_, m := newHarness(t, memstore.New())
	h, err := m.Attach(context.Background(), RootQuery{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Detach()
	if _, err := m.Attach(context.Background(), RootQuery{}); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach error = %v, want ErrAlreadyAttached", err)
	}
}

func TestRedundantSnapshotsOpenNothing(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ids := seed(t, s, "c1")
	_, m := newHarness(t, s)
	h, _ := m.Attach(ctx, RootQuery{})
	defer h.Detach()
	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 3 })

	before := m.Stats()
	for i := 0; i < 5; i++ {
		_ = s.Update(ctx, store.Projects().Doc(ids.project), store.Set("Portal v2", "name"))
		_ = s.Update(ctx, store.Suggestions(ids.project).Doc(ids.suggestion), store.Set(i%2 == 0, "resolved"))
	}
	waitFor(t, "updates applied", func() bool { return m.Stats().Applied >= before.Applied+10 })

	after := m.Stats()
	if after.Opened != before.Opened || after.Closed != before.Closed {
		t.Errorf("opened/closed moved from %d/%d to %d/%d", before.Opened, before.Closed, after.Opened, after.Closed)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, m := newHarness(t, memstore.New())
	h := &Handle{m: m, ctx: ctx, cancel: cancel, inbox: make(chan message, 64), done: make(chan struct{}), logger: zap.NewNop()}
	root := &node{kind: kindProjects, ctx: ctx, cancel: cancel, children: map[string]*node{}}

	if opened, closed := h.reconcile(root, []string{"a", "b"}); opened != 2 || closed != 0 {
		t.Fatalf("first pass = %d/%d, want 2/0", opened, closed)
	}
	first := root.children["a"]
	if opened, closed := h.reconcile(root, []string{"a", "b"}); opened != 0 || closed != 0 {
		t.Errorf("second pass = %d/%d, want 0/0", opened, closed)
	}
	if root.children["a"] != first {
		t.Error("second pass replaced an existing child")
	}

	if opened, closed := h.reconcile(root, []string{"b", "c"}); opened != 1 || closed != 1 {
		t.Errorf("third pass = %d/%d, want 1/1", opened, closed)
	}
	if !first.closed || first.ctx.Err() == nil {
		t.Error("removed child still live")
	}
	if len(root.children) != 2 {
		t.Errorf("children = %d, want 2", len(root.children))
	}
}

func TestCascadeCloseOnProjectRemoval(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ids := seed(t, s, "c1")
	c, m := newHarness(t, s)
	h, _ := m.Attach(ctx, RootQuery{})
	defer h.Detach()
	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 3 })

	if err := s.Delete(ctx, store.Projects().Doc(ids.project)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "subtree closed", func() bool { return m.Stats().Open() == 1 })
	waitFor(t, "store subscriptions released", func() bool {
		return s.Subscribers(store.Suggestions(ids.project)) == 0 && s.Subscribers(store.Replies(ids.project, ids.suggestion)) == 0
	})

	r := c.Read()
	if _, ok := r.Project(ids.project); ok {
		t.Error("removed project still cached")
	}
	if len(r.Suggestions(ids.project)) != 0 || len(r.Replies(ids.project, ids.suggestion)) != 0 {
		t.Error("removed project's subtree still cached")
	}

	// Writes under the removed project must not reach the cache.
	_, _ = s.Create(ctx, store.Suggestions(ids.project), store.Fields{"issue": "late"})
	_, _ = s.AppendToSubcollection(ctx, store.Replies(ids.project, ids.suggestion), store.Fields{"message": "late"})
	marker, _ := s.Create(ctx, store.Projects(), store.Fields{"name": "marker"})
	waitFor(t, "marker project", func() bool {
		_, ok := c.Read().Project(marker)
		return ok && m.Stats().Open() == 2
	})
	time.Sleep(20 * time.Millisecond)

	r = c.Read()
	if len(r.Suggestions(ids.project)) != 0 || len(r.Replies(ids.project, ids.suggestion)) != 0 {
		t.Error("cache written for a closed subtree")
	}
}

func TestCascadeCloseOnSuggestionRemoval(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ids := seed(t, s, "c1")
	c, m := newHarness(t, s)
	h, _ := m.Attach(ctx, RootQuery{})
	defer h.Detach()
	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 3 })

	_ = s.Delete(ctx, store.Suggestions(ids.project).Doc(ids.suggestion))
	waitFor(t, "replies subscription closed", func() bool { return m.Stats().Open() == 2 })
	if got := c.Read().Replies(ids.project, ids.suggestion); len(got) != 0 {
		t.Errorf("replies of removed suggestion = %+v", got)
	}
}

func TestCompanyFilter(t *testing.T) {
	s := memstore.New()
	mine := seed(t, s, "c1")
	seed(t, s, "c2")
	c, m := newHarness(t, s)
	h, _ := m.Attach(context.Background(), RootQuery{CompanyID: "c1"})
	defer h.Detach()

	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 3 })
	got := c.Read().Projects()
	if len(got) != 1 || got[0].ID != mine.project {
		t.Errorf("projects = %+v", got)
	}
}

func TestClientsMirrored(t *testing.T) {
	s := memstore.New()
	_, _ = s.Create(context.Background(), store.Clients(), store.Fields{"name": "Acme"})
	c, m := newHarness(t, s)
	h, _ := m.Attach(context.Background(), RootQuery{WithClients: true})
	defer h.Detach()
	waitFor(t, "clients", func() bool {
		cs := c.Read().Clients()
		return len(cs) == 1 && cs[0].Name == "Acme"
	})
}

func TestUndecodableProjectSkipped(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	bad, _ := s.Create(ctx, store.Projects(), store.Fields{"name": "bad", "progress": "oops"})
	good, _ := s.Create(ctx, store.Projects(), store.Fields{"name": "good"})
	c, m := newHarness(t, s)
	h, _ := m.Attach(ctx, RootQuery{})
	defer h.Detach()

	waitFor(t, "good project", func() bool { _, ok := c.Read().Project(good); return ok })
	if _, ok := c.Read().Project(bad); ok {
		t.Error("undecodable project cached")
	}
	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 2 })
}

func TestDetachStopsCacheWrites(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seed(t, s, "c1")
	c, m := newHarness(t, s)
	h, _ := m.Attach(ctx, RootQuery{})
	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 3 })

	h.Detach()
	if m.Attached() {
		t.Error("still attached after Detach")
	}
	if got := m.Stats().Open(); got != 0 {
		t.Errorf("open after Detach = %d", got)
	}
	applied := m.Stats().Applied

	late, _ := s.Create(ctx, store.Projects(), store.Fields{"name": "late"})
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Read().Project(late); ok {
		t.Error("cache written after Detach")
	}
	if m.Stats().Applied != applied {
		t.Error("snapshot applied after Detach")
	}
	waitFor(t, "store subscriptions released", func() bool { return s.Subscribers(store.Projects()) == 0 })

	// A fresh attach works after detach.
	h2, err := m.Attach(ctx, RootQuery{})
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Detach()
	waitFor(t, "late project", func() bool { _, ok := c.Read().Project(late); return ok })
}

// gatedStore blocks child subscriptions until the gate opens.
type gatedStore struct {
	*memstore.Store
	gate    chan struct{}
	mu      sync.Mutex
	waiting int
}

func (g *gatedStore) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if q.Path != store.Projects() {
		g.mu.Lock()
		g.waiting++
		g.mu.Unlock()
		<-g.gate
	}
	return g.Store.Subscribe(context.Background(), q)
}

func (g *gatedStore) blocked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

func TestDetachDuringEstablishment(t *testing.T) {
	inner := memstore.New()
	ids := seed(t, inner, "c1")
	gw := &gatedStore{Store: inner, gate: make(chan struct{})}
	c, m := newHarness(t, gw)

	h, _ := m.Attach(context.Background(), RootQuery{})
	waitFor(t, "child subscribe in flight", func() bool { return gw.blocked() == 1 })

	h.Detach()
	close(gw.gate)

	// The late subscription is established against a cancelled node and
	// must be closed without touching the cache.
	waitFor(t, "late subscription closed", func() bool { return inner.Subscribers(store.Suggestions(ids.project)) == 0 })
	time.Sleep(20 * time.Millisecond)
	if got := c.Read().Suggestions(ids.project); len(got) != 0 {
		t.Errorf("suggestions cached after Detach: %+v", got)
	}
}

func TestStaleWhileDisconnected(t *testing.T) {
	s := memstore.New()
	ids := seed(t, s, "c1")
	c, m := newHarness(t, s)
	h, _ := m.Attach(context.Background(), RootQuery{})
	defer h.Detach()
	waitFor(t, "steady state", func() bool { return m.Stats().Open() == 3 })

	s.Disconnect()
	waitFor(t, "stale", m.Stale)

	// Cached data stays readable while stale.
	if _, ok := c.Read().Project(ids.project); !ok {
		t.Error("cache dropped on disconnect")
	}

	s.Reconnect()
	waitFor(t, "fresh", func() bool { return !m.Stale() })
}

func TestEstablishRetriesUntilReachable(t *testing.T) {
	s := memstore.New()
	ids := seed(t, s, "c1")
	s.Disconnect()
	c, m := newHarness(t, s)
	h, _ := m.Attach(context.Background(), RootQuery{})
	defer h.Detach()

	waitFor(t, "stale while unreachable", m.Stale)
	s.Reconnect()
	waitFor(t, "tree mirrored", func() bool { return len(c.Read().Replies(ids.project, ids.suggestion)) == 1 })
	waitFor(t, "fresh", func() bool { return !m.Stale() })
}
