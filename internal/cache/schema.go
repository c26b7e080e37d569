package cache

import (
	"github.com/hashicorp/go-memdb"

	"projectsync/internal/model"
)

const (
	tableProjects    = "projects"
	tableSuggestions = "suggestions"
	tableReplies     = "replies"
	tableClients     = "clients"

	indexID         = "id"
	indexCompany    = "company"
	indexClient     = "client"
	indexProject    = "project"
	indexSuggestion = "suggestion"
)

// Rows carry the snapshot position so reads come back in store order.
type projectRow struct {
	ID        string
	CompanyID string
	ClientID  string
	Pos       int
	Project   model.Project
}

type suggestionRow struct {
	ProjectID  string
	ID         string
	Pos        int
	Suggestion model.Suggestion
}

type replyRow struct {
	ProjectID    string
	SuggestionID string
	ID           string
	Pos          int
	Reply        model.Reply
}

type clientRow struct {
	ID     string
	Pos    int
	Client model.Client
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableProjects: {
				Name: tableProjects,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexCompany: {
						Name:         indexCompany,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "CompanyID"},
					},
					indexClient: {
						Name:         indexClient,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "ClientID"},
					},
				},
			},
			tableSuggestions: {
				Name: tableSuggestions,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ProjectID"},
							&memdb.StringFieldIndex{Field: "ID"},
						}},
					},
					indexProject: {
						Name:    indexProject,
						Indexer: &memdb.StringFieldIndex{Field: "ProjectID"},
					},
				},
			},
			tableReplies: {
				Name: tableReplies,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ProjectID"},
							&memdb.StringFieldIndex{Field: "SuggestionID"},
							&memdb.StringFieldIndex{Field: "ID"},
						}},
					},
					indexSuggestion: {
						Name: indexSuggestion,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ProjectID"},
							&memdb.StringFieldIndex{Field: "SuggestionID"},
						}},
					},
					indexProject: {
						Name:    indexProject,
						Indexer: &memdb.StringFieldIndex{Field: "ProjectID"},
					},
				},
			},
			tableClients: {
				Name: tableClients,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}
