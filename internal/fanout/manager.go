// Package fanout keeps the entity cache in sync with the remote store.
//
// Attaching opens a root subscription on projects. For every project in
// its result set the manager opens one suggestions subscription, and for
// every suggestion one replies subscription. Parents that leave a result
// set take their whole subtree with them.
//
// All cache writes and all tree mutations happen on a single event loop
// goroutine per handle. Subscription establishment runs off the loop and
// is only registered if the node is still live when it completes.
package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"projectsync/internal/cache"
	"projectsync/internal/store"
	"projectsync/pkg/metrics"
)

var ErrAlreadyAttached = errors.New("fanout: manager already attached")

// RootQuery selects what the manager observes.
type RootQuery struct {
	// CompanyID limits projects to one company. Empty means all projects.
	CompanyID string
	// WithClients also mirrors the client directory.
	WithClients bool
}

func (q RootQuery) projects() store.Query {
	sq := store.Query{Path: store.Projects()}
	if q.CompanyID != "" {
		sq.Filter = &store.Filter{Field: "companyId", Value: q.CompanyID}
	}
	return sq
}

// Stats are cumulative counters since the manager was created.
type Stats struct {
	Opened  int64
	Closed  int64
	Applied int64
}

// Open is the number of subscriptions currently held.
func (s Stats) Open() int64 { return s.Opened - s.Closed }

type Option func(*Manager)

func WithBackoff(b store.Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

type Manager struct {
	gw      store.Gateway
	cache   *cache.Writer
	logger  *zap.Logger
	backoff store.Backoff

	mu     sync.Mutex
	handle *Handle

	opened  atomic.Int64
	closed  atomic.Int64
	applied atomic.Int64
	stale   atomic.Int64
}

func NewManager(gw store.Gateway, w *cache.Writer, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		gw:      gw,
		cache:   w,
		logger:  logger,
		backoff: store.DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Stats() Stats {
	return Stats{Opened: m.opened.Load(), Closed: m.closed.Load(), Applied: m.applied.Load()}
}

// Stale reports whether any live subscription has lost its connection and
// not yet delivered a fresh snapshot.
func (m *Manager) Stale() bool { return m.stale.Load() > 0 }

// Attached reports whether a handle is currently live.
func (m *Manager) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

// Attach starts observing q. The attachment lives until Detach is called
// or ctx ends.
func (m *Manager) Attach(ctx context.Context, q RootQuery) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		return nil, ErrAlreadyAttached
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		m:      m,
		query:  q,
		ctx:    hctx,
		cancel: cancel,
		inbox:  make(chan message, 64),
		done:   make(chan struct{}),
		logger: m.logger.With(zap.String("root", q.projects().String())),
	}
	m.handle = h
	go h.run()

	h.logger.Info("Fan-out attached", zap.Bool("with_clients", q.WithClients))
	return h, nil
}

// Handle is one attachment of the manager.
type Handle struct {
	m      *Manager
	query  RootQuery
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan message
	done   chan struct{}
	logger *zap.Logger

	roots      []*node
	detachOnce sync.Once

	// stopped is set once the loop has exited; late establishments
	// close their subscription instead of queueing it.
	stopMu  sync.RWMutex
	stopped bool
}

// Done is closed once the event loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Detach closes the root and every descendant subscription, including ones
// still being established. No cache write happens after Detach returns.
func (h *Handle) Detach() {
	h.detachOnce.Do(func() {
		h.cancel()
		<-h.done
		h.logger.Info("Fan-out detached")
	})
}

func (h *Handle) run() {
	defer func() {
		h.m.mu.Lock()
		if h.m.handle == h {
			h.m.handle = nil
		}
		h.m.mu.Unlock()
		close(h.done)
	}()

	h.roots = append(h.roots, h.open(nil, kindProjects, "", "", h.query.projects()))
	if h.query.WithClients {
		h.roots = append(h.roots, h.open(nil, kindClients, "", "", store.Query{Path: store.Clients()}))
	}

	for {
		select {
		case <-h.ctx.Done():
			for _, n := range h.roots {
				h.close(n, false)
			}
			h.stopMu.Lock()
			h.stopped = true
			h.stopMu.Unlock()
			h.drain()
			return
		case msg := <-h.inbox:
			if h.ctx.Err() != nil {
				if msg.sub != nil {
					msg.sub.Close()
				}
				continue
			}
			h.dispatch(msg)
		}
	}
}

// drain closes subscriptions that were queued after the loop stopped
// reading.
func (h *Handle) drain() {
	for {
		select {
		case msg := <-h.inbox:
			if msg.sub != nil {
				msg.sub.Close()
			}
		default:
			return
		}
	}
}

func (h *Handle) dispatch(msg message) {
	n := msg.node
	if n.closed {
		if msg.sub != nil {
			msg.sub.Close()
		}
		return
	}

	switch msg.kind {
	case msgEstablished:
		n.sub = msg.sub
		go h.forward(n, msg.sub)
	case msgRetrying:
		h.setStale(n, true)
		metrics.IncrementSubscriptionEvent(string(n.kind), "retry")
	case msgEnded:
		h.logger.Warn("Subscription ended unexpectedly, re-establishing",
			zap.String("kind", string(n.kind)),
			zap.String("query", n.query.String()),
		)
		n.sub = nil
		h.setStale(n, true)
		go h.establish(n)
	case msgEvent:
		switch msg.event.Kind {
		case store.EventStale:
			h.setStale(n, true)
			metrics.IncrementSubscriptionEvent(string(n.kind), "stale")
		case store.EventSnapshot:
			h.apply(n, msg.event.Snapshot)
			h.setStale(n, false)
		}
	}
}

// apply writes a snapshot into the cache and reconciles n's children
// against its members.
func (h *Handle) apply(n *node, snap store.Snapshot) {
	var (
		members []string
		err     error
	)
	switch n.kind {
	case kindProjects:
		ps := decodeProjects(snap.Docs, h.logger)
		err = h.m.cache.ReplaceProjects(ps)
		for _, p := range ps {
			members = append(members, p.ID)
		}
	case kindSuggestions:
		ss := decodeSuggestions(n.projectID, snap.Docs, h.logger)
		err = h.m.cache.ReplaceSuggestions(n.projectID, ss)
		for _, s := range ss {
			members = append(members, s.ID)
		}
	case kindReplies:
		err = h.m.cache.ReplaceReplies(n.projectID, n.suggestionID, decodeReplies(n.projectID, n.suggestionID, snap.Docs, h.logger))
	case kindClients:
		err = h.m.cache.ReplaceClients(decodeClients(snap.Docs, h.logger))
	}
	if err != nil {
		h.logger.Error("Failed to apply snapshot",
			zap.String("kind", string(n.kind)),
			zap.String("path", snap.Path.String()),
			zap.Error(err),
		)
		return
	}
	h.m.applied.Add(1)
	metrics.IncrementSnapshotApplied(string(n.kind))

	h.logger.Debug("Snapshot applied",
		zap.String("kind", string(n.kind)),
		zap.String("path", snap.Path.String()),
		zap.Int("docs", len(snap.Docs)),
		zap.Int("changes", len(snap.Changes)),
	)

	if n.childKind() != "" {
		h.reconcile(n, members)
	}
}

// reconcile makes n.children match members exactly: one child per member,
// none for ids that left. Running it again with the same members is a
// no-op.
func (h *Handle) reconcile(n *node, members []string) (opened, closed int) {
	want := make(map[string]struct{}, len(members))
	for _, id := range members {
		want[id] = struct{}{}
		if _, ok := n.children[id]; ok {
			continue
		}
		child := n.childQuery(id)
		switch n.kind {
		case kindProjects:
			n.children[id] = h.open(n, kindSuggestions, id, "", child)
		case kindSuggestions:
			n.children[id] = h.open(n, kindReplies, n.projectID, id, child)
		}
		opened++
	}
	for id, child := range n.children {
		if _, ok := want[id]; ok {
			continue
		}
		h.close(child, true)
		delete(n.children, id)
		closed++
	}
	if opened > 0 || closed > 0 {
		h.logger.Debug("Reconciled children",
			zap.String("kind", string(n.kind)),
			zap.String("project_id", n.projectID),
			zap.Int("opened", opened),
			zap.Int("closed", closed),
		)
	}
	return opened, closed
}

func (h *Handle) open(parent *node, k kind, projectID, suggestionID string, q store.Query) *node {
	pctx := h.ctx
	if parent != nil {
		pctx = parent.ctx
	}
	ctx, cancel := context.WithCancel(pctx)
	n := &node{
		kind:         k,
		projectID:    projectID,
		suggestionID: suggestionID,
		query:        q,
		ctx:          ctx,
		cancel:       cancel,
		children:     make(map[string]*node),
	}
	h.m.opened.Add(1)
	metrics.SubscriptionOpened(string(k))
	go h.establish(n)
	return n
}

// close tears down n and its subtree. With purge set, cached entities that
// only n's subtree was feeding are removed in the same step.
func (h *Handle) close(n *node, purge bool) {
	if n.closed {
		return
	}
	for _, child := range n.children {
		h.close(child, false)
	}
	n.children = nil
	n.closed = true
	n.cancel()
	if n.sub != nil {
		n.sub.Close()
	}
	h.setStale(n, false)
	h.m.closed.Add(1)
	metrics.SubscriptionClosed(string(n.kind))

	if !purge {
		return
	}
	var err error
	switch n.kind {
	case kindSuggestions:
		err = h.m.cache.DropProjectTree(n.projectID)
	case kindReplies:
		err = h.m.cache.DropReplies(n.projectID, n.suggestionID)
	}
	if err != nil {
		h.logger.Error("Failed to purge closed subtree",
			zap.String("kind", string(n.kind)),
			zap.String("project_id", n.projectID),
			zap.Error(err),
		)
	}
}

func (h *Handle) setStale(n *node, stale bool) {
	if n.stale == stale {
		return
	}
	n.stale = stale
	var now int64
	if stale {
		now = h.m.stale.Add(1)
	} else {
		now = h.m.stale.Add(-1)
	}
	metrics.SetStaleSubscriptions(int(now))
}

// establish subscribes for n, retrying transient failures with backoff.
// It runs off the loop and hands the result back through the inbox.
func (h *Handle) establish(n *node) {
	for attempt := 0; ; attempt++ {
		sub, err := h.m.gw.Subscribe(n.ctx, n.query)
		if err == nil {
			h.handoff(n, sub)
			return
		}
		if n.ctx.Err() != nil {
			return
		}
		h.logger.Warn("Subscribe failed, retrying",
			zap.String("query", n.query.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case h.inbox <- message{kind: msgRetrying, node: n, err: err}:
		case <-n.ctx.Done():
			return
		}
		if h.m.backoff.Wait(n.ctx, attempt) != nil {
			return
		}
	}
}

func (h *Handle) handoff(n *node, sub store.Subscription) {
	h.stopMu.RLock()
	defer h.stopMu.RUnlock()
	if h.stopped || n.ctx.Err() != nil {
		sub.Close()
		return
	}
	select {
	case h.inbox <- message{kind: msgEstablished, node: n, sub: sub}:
	case <-n.ctx.Done():
		sub.Close()
	}
}

// forward relays subscription events onto the loop in order.
func (h *Handle) forward(n *node, sub store.Subscription) {
	for ev := range sub.Events() {
		select {
		case h.inbox <- message{kind: msgEvent, node: n, event: ev}:
		case <-n.ctx.Done():
			return
		}
	}
	if n.ctx.Err() != nil {
		return
	}
	select {
	case h.inbox <- message{kind: msgEnded, node: n}:
	case <-n.ctx.Done():
	}
}
