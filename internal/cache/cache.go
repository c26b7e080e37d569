// Package cache holds the locally materialized view of the remote store.
//
// Reads go through Cache; writes go through the Writer returned by New,
// which is handed to exactly one owner (the fan-out manager). Each Writer
// call commits a single transaction, so readers never see half of a
// snapshot.
package cache

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"projectsync/internal/model"
)

type Cache struct {
	db *memdb.MemDB
}

type Writer struct {
	db *memdb.MemDB
}

func New() (*Cache, *Writer) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// schema is static; a failure here is a programming error
		panic(fmt.Sprintf("cache: invalid schema: %v", err))
	}
	return &Cache{db: db}, &Writer{db: db}
}

// ReplaceProjects swaps the whole project set for ps.
func (w *Writer) ReplaceProjects(ps []model.Project) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableProjects, indexID); err != nil {
		return fmt.Errorf("cache: clear projects: %w", err)
	}
	for i, p := range ps {
		row := &projectRow{ID: p.ID, CompanyID: p.CompanyID, ClientID: p.ClientID, Pos: i, Project: p}
		if err := txn.Insert(tableProjects, row); err != nil {
			return fmt.Errorf("cache: insert project %s: %w", p.ID, err)
		}
	}
	txn.Commit()
	return nil
}

// ReplaceSuggestions swaps the suggestion set of one project.
func (w *Writer) ReplaceSuggestions(projectID string, ss []model.Suggestion) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableSuggestions, indexProject, projectID); err != nil {
		return fmt.Errorf("cache: clear suggestions of %s: %w", projectID, err)
	}
	for i, s := range ss {
		s.ProjectID = projectID
		row := &suggestionRow{ProjectID: projectID, ID: s.ID, Pos: i, Suggestion: s}
		if err := txn.Insert(tableSuggestions, row); err != nil {
			return fmt.Errorf("cache: insert suggestion %s: %w", s.ID, err)
		}
	}
	txn.Commit()
	return nil
}

// ReplaceReplies swaps the reply set of one suggestion. The parent does not
// have to be cached yet.
func (w *Writer) ReplaceReplies(projectID, suggestionID string, rs []model.Reply) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableReplies, indexSuggestion, projectID, suggestionID); err != nil {
		return fmt.Errorf("cache: clear replies of %s: %w", suggestionID, err)
	}
	for i, r := range rs {
		r.ProjectID = projectID
		r.SuggestionID = suggestionID
		row := &replyRow{ProjectID: projectID, SuggestionID: suggestionID, ID: r.ID, Pos: i, Reply: r}
		if err := txn.Insert(tableReplies, row); err != nil {
			return fmt.Errorf("cache: insert reply %s: %w", r.ID, err)
		}
	}
	txn.Commit()
	return nil
}

func (w *Writer) ReplaceClients(cs []model.Client) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableClients, indexID); err != nil {
		return fmt.Errorf("cache: clear clients: %w", err)
	}
	for i, c := range cs {
		if err := txn.Insert(tableClients, &clientRow{ID: c.ID, Pos: i, Client: c}); err != nil {
			return fmt.Errorf("cache: insert client %s: %w", c.ID, err)
		}
	}
	txn.Commit()
	return nil
}

// DropProjectTree removes the suggestions and replies cached under a
// project. The project row itself belongs to the projects snapshot.
func (w *Writer) DropProjectTree(projectID string) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableSuggestions, indexProject, projectID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableReplies, indexProject, projectID); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (w *Writer) DropReplies(projectID, suggestionID string) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableReplies, indexSuggestion, projectID, suggestionID); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Reader is a consistent point-in-time view. It remembers what it read so
// Wait can block until any of it changes.
type Reader struct {
	txn *memdb.Txn
	ws  memdb.WatchSet
}

func (c *Cache) Read() *Reader {
	return &Reader{txn: c.db.Txn(false), ws: memdb.NewWatchSet()}
}

// Wait blocks until something this reader looked at changes, or ctx ends.
func (r *Reader) Wait(ctx context.Context) error {
	if len(r.ws) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.ws.WatchCtx(ctx)
}

func (r *Reader) iter(table, index string, args ...any) memdb.ResultIterator {
	it, err := r.txn.Get(table, index, args...)
	if err != nil {
		// only possible with an unknown table or index
		panic(fmt.Sprintf("cache: query %s.%s: %v", table, index, err))
	}
	r.ws.Add(it.WatchCh())
	return it
}

func (r *Reader) projects(index string, args ...any) []model.Project {
	var rows []*projectRow
	it := r.iter(tableProjects, index, args...)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*projectRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pos < rows[j].Pos })
	out := make([]model.Project, len(rows))
	for i, row := range rows {
		out[i] = row.Project
	}
	return out
}

func (r *Reader) Projects() []model.Project { return r.projects(indexID) }

func (r *Reader) ProjectsByCompany(companyID string) []model.Project {
	return r.projects(indexCompany, companyID)
}

func (r *Reader) ProjectsByClient(clientID string) []model.Project {
	return r.projects(indexClient, clientID)
}

func (r *Reader) Project(id string) (model.Project, bool) {
	ch, obj, err := r.txn.FirstWatch(tableProjects, indexID, id)
	if err != nil {
		panic(fmt.Sprintf("cache: project lookup: %v", err))
	}
	r.ws.Add(ch)
	if obj == nil {
		return model.Project{}, false
	}
	return obj.(*projectRow).Project, true
}

func (r *Reader) Suggestions(projectID string) []model.Suggestion {
	var rows []*suggestionRow
	it := r.iter(tableSuggestions, indexProject, projectID)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*suggestionRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pos < rows[j].Pos })
	out := make([]model.Suggestion, len(rows))
	for i, row := range rows {
		out[i] = row.Suggestion
	}
	return out
}

func (r *Reader) Suggestion(projectID, id string) (model.Suggestion, bool) {
	ch, obj, err := r.txn.FirstWatch(tableSuggestions, indexID, projectID, id)
	if err != nil {
		panic(fmt.Sprintf("cache: suggestion lookup: %v", err))
	}
	r.ws.Add(ch)
	if obj == nil {
		return model.Suggestion{}, false
	}
	return obj.(*suggestionRow).Suggestion, true
}

func (r *Reader) Replies(projectID, suggestionID string) []model.Reply {
	var rows []*replyRow
	it := r.iter(tableReplies, indexSuggestion, projectID, suggestionID)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*replyRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pos < rows[j].Pos })
	out := make([]model.Reply, len(rows))
	for i, row := range rows {
		out[i] = row.Reply
	}
	return out
}

func (r *Reader) Clients() []model.Client {
	var rows []*clientRow
	it := r.iter(tableClients, indexID)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*clientRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pos < rows[j].Pos })
	out := make([]model.Client, len(rows))
	for i, row := range rows {
		out[i] = row.Client
	}
	return out
}
