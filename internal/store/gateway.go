package store

import (
	"context"
	"encoding/json"
	"time"
)

// Fields is a document body or partial body.
type Fields map[string]any

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	// Reaching the encoder means a gateway forgot to resolve it.
	return []byte("null"), nil
}

// ServerTimestamp is replaced by the store's clock when the write commits.
var ServerTimestamp any = serverTimestamp{}

// ResolveTimestamps returns v with every ServerTimestamp replaced by now.
// Maps and slices are copied; other values are returned as is.
func ResolveTimestamps(v any, now time.Time) any {
	switch val := v.(type) {
	case serverTimestamp:
		return now
	case Fields:
		out := make(Fields, len(val))
		for k, x := range val {
			out[k] = ResolveTimestamps(x, now)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = ResolveTimestamps(x, now)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = ResolveTimestamps(x, now)
		}
		return out
	default:
		return v
	}
}

// FieldUpdate sets the value at a (possibly nested) field path.
type FieldUpdate struct {
	Path  []string
	Value any
}

// Set builds a FieldUpdate. Set(true, "progress", "Testing") targets the
// Testing key inside the progress object.
func Set(value any, path ...string) FieldUpdate {
	return FieldUpdate{Path: path, Value: value}
}

// Filter is an equality match on a top-level string field.
type Filter struct {
	Field string
	Value string
}

type Query struct {
	Path   Path
	Filter *Filter
}

func (q Query) String() string {
	if q.Filter == nil {
		return string(q.Path)
	}
	return string(q.Path) + "?" + q.Filter.Field + "=" + q.Filter.Value
}

// Document is one member of a snapshot.
type Document struct {
	ID         string
	Data       json.RawMessage
	UpdateTime time.Time
}

func (d Document) Decode(v any) error { return json.Unmarshal(d.Data, v) }

type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

type Change struct {
	Type ChangeType
	ID   string
}

// Snapshot is the complete current result set of a query plus the change
// tags relative to the previous snapshot on the same subscription.
type Snapshot struct {
	Path    Path
	Docs    []Document
	Changes []Change
}

// IDs returns the member ids in snapshot order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Docs))
	for i, d := range s.Docs {
		ids[i] = d.ID
	}
	return ids
}

type EventKind int

const (
	EventSnapshot EventKind = iota
	// EventStale means the subscription lost its connection. The next
	// snapshot supersedes it.
	EventStale
)

type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Err      error
}

// Subscription delivers events in order until Close is called or the
// subscribing context ends. Events is closed afterwards.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Gateway is the authoritative document store as seen by this service.
type Gateway interface {
	// Subscribe starts a live query. The first event is a full snapshot
	// with every member tagged Added.
	Subscribe(ctx context.Context, q Query) (Subscription, error)

	Create(ctx context.Context, path Path, fields Fields) (string, error)
	Update(ctx context.Context, doc DocRef, updates ...FieldUpdate) error
	Delete(ctx context.Context, doc DocRef) error

	// DeleteTree removes doc and every document in the sub-collections
	// beneath it, at any depth, in one step. It reports how many
	// documents were removed.
	DeleteTree(ctx context.Context, doc DocRef) (int, error)

	// AppendToArrayField reads the array, appends value and writes the
	// whole array back. Two concurrent appends can lose one of the values.
	AppendToArrayField(ctx context.Context, doc DocRef, field string, value any) error

	// AppendToSubcollection adds a new document to path. Concurrent
	// appends never overwrite each other.
	AppendToSubcollection(ctx context.Context, path Path, fields Fields) (string, error)

	// MoveArrayToSubcollection empties the array field of doc and adds one
	// document per element to dest, atomically. convert maps an element to
	// the new document's fields; if it fails nothing is written. Once the
	// array is empty a repeated call moves nothing.
	MoveArrayToSubcollection(ctx context.Context, doc DocRef, field string, dest Path, convert func(any) (Fields, error)) (int, error)
}

// Pinger is implemented by gateways that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
