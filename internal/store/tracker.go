package store

import (
	"bytes"
	"sort"
)

// Tracker derives change tags for successive snapshots of one query.
type Tracker struct {
	seen map[string][]byte
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string][]byte)}
}

// Next records docs as the current result set and returns what changed
// since the previous call. Added and modified follow docs order; removed
// ids come last, sorted.
func (t *Tracker) Next(docs []Document) []Change {
	changes := make([]Change, 0, len(docs))
	next := make(map[string][]byte, len(docs))
	for _, d := range docs {
		next[d.ID] = d.Data
		prev, ok := t.seen[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, ID: d.ID})
		case !bytes.Equal(prev, d.Data):
			changes = append(changes, Change{Type: Modified, ID: d.ID})
		}
	}
	var removed []string
	for id := range t.seen {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, Change{Type: Removed, ID: id})
	}
	t.seen = next
	return changes
}

// Reset forgets every member, so the next snapshot tags all docs Added.
func (t *Tracker) Reset() {
	t.seen = make(map[string][]byte)
}
