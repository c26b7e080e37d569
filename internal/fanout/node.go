package fanout

import (
	"context"

	"projectsync/internal/store"
)

type kind string

const (
	kindProjects    kind = "projects"
	kindSuggestions kind = "suggestions"
	kindReplies     kind = "replies"
	kindClients     kind = "clients"
)

// node is one live subscription in the ownership tree. Nodes are only
// touched by the handle's event loop.
//
//	projects            (root, children keyed by project id)
//	└── suggestions     (one per project, children keyed by suggestion id)
//	    └── replies     (one per suggestion)
type node struct {
	kind         kind
	projectID    string
	suggestionID string
	query        store.Query

	ctx    context.Context
	cancel context.CancelFunc
	sub    store.Subscription

	children map[string]*node
	closed   bool
	stale    bool
}

// childKind is the kind of subscription opened for each member of n's
// result set, or "" for leaves.
func (n *node) childKind() kind {
	switch n.kind {
	case kindProjects:
		return kindSuggestions
	case kindSuggestions:
		return kindReplies
	default:
		return ""
	}
}

func (n *node) childQuery(id string) store.Query {
	switch n.kind {
	case kindProjects:
		return store.Query{Path: store.Suggestions(id)}
	default:
		return store.Query{Path: store.Replies(n.projectID, id)}
	}
}

type msgKind int

const (
	msgEstablished msgKind = iota
	msgEvent
	msgRetrying
	msgEnded
)

type message struct {
	kind  msgKind
	node  *node
	sub   store.Subscription
	event store.Event
	err   error
}
