package fanout

import (
	"go.uber.org/zap"

	"projectsync/internal/model"
	"projectsync/internal/progress"
	"projectsync/internal/store"
)

// Members that fail to decode are dropped from the snapshot rather than
// half-applied.

func decodeProjects(docs []store.Document, logger *zap.Logger) []model.Project {
	out := make([]model.Project, 0, len(docs))
	for _, d := range docs {
		var p model.Project
		if err := d.Decode(&p); err != nil {
			logger.Warn("Skipping undecodable project", zap.String("project_id", d.ID), zap.Error(err))
			continue
		}
		p.ID = d.ID
		p.Progress = progress.Normalize(p.Type, p.Progress)
		out = append(out, p)
	}
	return out
}

func decodeSuggestions(projectID string, docs []store.Document, logger *zap.Logger) []model.Suggestion {
	out := make([]model.Suggestion, 0, len(docs))
	for _, d := range docs {
		var s model.Suggestion
		if err := d.Decode(&s); err != nil {
			logger.Warn("Skipping undecodable suggestion",
				zap.String("project_id", projectID),
				zap.String("suggestion_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		s.ID = d.ID
		s.ProjectID = projectID
		out = append(out, s)
	}
	return out
}

func decodeReplies(projectID, suggestionID string, docs []store.Document, logger *zap.Logger) []model.Reply {
	out := make([]model.Reply, 0, len(docs))
	for _, d := range docs {
		var r model.Reply
		if err := d.Decode(&r); err != nil {
			logger.Warn("Skipping undecodable reply",
				zap.String("suggestion_id", suggestionID),
				zap.String("reply_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		r.ID = d.ID
		r.ProjectID = projectID
		r.SuggestionID = suggestionID
		r.Author = r.AuthorOrDefault()
		out = append(out, r)
	}
	return out
}

func decodeClients(docs []store.Document, logger *zap.Logger) []model.Client {
	out := make([]model.Client, 0, len(docs))
	for _, d := range docs {
		var c model.Client
		if err := d.Decode(&c); err != nil {
			logger.Warn("Skipping undecodable client", zap.String("client_id", d.ID), zap.Error(err))
			continue
		}
		c.ID = d.ID
		out = append(out, c)
	}
	return out
}
