package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	contracts "projectsync/contracts/mq"
	"projectsync/internal/model"
	"projectsync/internal/store"
	"projectsync/pkg/logger"
)

// Raise opens a suggestion on a project. Blank issue text is rejected
// before anything else happens.
func (e *Engine) Raise(ctx context.Context, actor model.Identity, projectID, issue string) (string, error) {
	issue, err := required("issue", issue)
	if err != nil {
		return "", err
	}
	p, err := e.project(projectID)
	if err != nil {
		return "", err
	}
	if err := authorize(actor, p); err != nil {
		return "", err
	}

	var id string
	err = e.exec(ctx, "suggestion.raise", func() error {
		var err error
		id, err = e.gw.Create(ctx, store.Suggestions(projectID), store.Fields{
			"issue":     issue,
			"resolved":  false,
			"raisedBy":  actor.ID,
			"timestamp": store.ServerTimestamp,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	logger.WithTrace(ctx, e.logger).Info("Suggestion raised",
		zap.String("project_id", projectID), zap.String("suggestion_id", id))
	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:         contracts.SuggestionRaised,
		ProjectID:    projectID,
		SuggestionID: id,
		ClientID:     p.ClientID,
	})
	return id, nil
}

// Reply appends a message to a suggestion thread. Each reply is its own
// document in the replies sub-collection, so concurrent replies never
// overwrite each other. The author tag follows the actor's role.
func (e *Engine) Reply(ctx context.Context, actor model.Identity, projectID, suggestionID, message string) (string, error) {
	message, err := required("message", message)
	if err != nil {
		return "", err
	}
	p, err := e.project(projectID)
	if err != nil {
		return "", err
	}
	if err := authorize(actor, p); err != nil {
		return "", err
	}
	if _, err := e.suggestion(projectID, suggestionID); err != nil {
		return "", err
	}

	author := actor.Role.AuthorTag()
	var id string
	err = e.exec(ctx, "suggestion.reply", func() error {
		var err error
		id, err = e.gw.AppendToSubcollection(ctx, store.Replies(projectID, suggestionID), store.Fields{
			"message":   message,
			"author":    string(author),
			"timestamp": store.ServerTimestamp,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:         contracts.SuggestionReplied,
		ProjectID:    projectID,
		SuggestionID: suggestionID,
		ClientID:     p.ClientID,
		Attributes:   map[string]string{"author": string(author), "reply_id": id},
	})
	return id, nil
}

// SetResolved sets the resolved flag and reports whether anything changed.
// Setting the current value succeeds without touching the store.
func (e *Engine) SetResolved(ctx context.Context, actor model.Identity, projectID, suggestionID string, resolved bool) (bool, error) {
	p, err := e.project(projectID)
	if err != nil {
		return false, err
	}
	if err := authorize(actor, p); err != nil {
		return false, err
	}
	s, err := e.suggestion(projectID, suggestionID)
	if err != nil {
		return false, err
	}
	if s.Resolved == resolved {
		return false, nil
	}

	if err := e.exec(ctx, "suggestion.set_resolved", func() error {
		return e.gw.Update(ctx, store.Suggestions(projectID).Doc(suggestionID), store.Set(resolved, "resolved"))
	}); err != nil {
		return false, err
	}

	typ := contracts.SuggestionResolved
	if !resolved {
		typ = contracts.SuggestionReopened
	}
	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:         typ,
		ProjectID:    projectID,
		SuggestionID: suggestionID,
		ClientID:     p.ClientID,
		Attributes:   map[string]string{"resolved": strconv.FormatBool(resolved)},
	})
	return true, nil
}

// SetCompanyReview overwrites the suggestion's single review slot and
// stamps it with the store clock.
func (e *Engine) SetCompanyReview(ctx context.Context, actor model.Identity, projectID, suggestionID, text string) error {
	text, err := required("review", text)
	if err != nil {
		return err
	}
	p, err := e.project(projectID)
	if err != nil {
		return err
	}
	if err := authorize(actor, p); err != nil {
		return err
	}
	if _, err := e.suggestion(projectID, suggestionID); err != nil {
		return err
	}

	if err := e.exec(ctx, "suggestion.review", func() error {
		return e.gw.Update(ctx, store.Suggestions(projectID).Doc(suggestionID),
			store.Set(text, "companyReview"),
			store.Set(store.ServerTimestamp, "companyReviewTimestamp"),
		)
	}); err != nil {
		return err
	}

	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:         contracts.SuggestionReviewed,
		ProjectID:    projectID,
		SuggestionID: suggestionID,
		ClientID:     p.ClientID,
	})
	return nil
}

// MigrateEmbeddedReplies moves replies stored inside the suggestion
// document into the replies sub-collection. The store clears the embedded
// array in the same step, so a repeated or retried call moves nothing
// twice. It returns how many replies were moved.
func (e *Engine) MigrateEmbeddedReplies(ctx context.Context, actor model.Identity, projectID, suggestionID string) (int, error) {
	p, err := e.project(projectID)
	if err != nil {
		return 0, err
	}
	if err := authorize(actor, p); err != nil {
		return 0, err
	}
	if _, err := e.suggestion(projectID, suggestionID); err != nil {
		return 0, err
	}

	var moved int
	if err := e.exec(ctx, "suggestion.migrate_replies", func() error {
		var err error
		moved, err = e.gw.MoveArrayToSubcollection(ctx,
			store.Suggestions(projectID).Doc(suggestionID), "replies",
			store.Replies(projectID, suggestionID), embeddedReplyFields)
		return err
	}); err != nil {
		return 0, err
	}

	if moved > 0 {
		logger.WithTrace(ctx, e.logger).Info("Embedded replies migrated",
			zap.String("project_id", projectID),
			zap.String("suggestion_id", suggestionID),
			zap.Int("count", moved))
	}
	return moved, nil
}

// embeddedReplyFields turns one legacy array element into the body of a
// reply document. Untimed replies get the store clock.
func embeddedReplyFields(el any) (store.Fields, error) {
	raw, err := json.Marshal(el)
	if err != nil {
		return nil, err
	}
	var r model.Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("embedded reply: %w", err)
	}
	var ts any = store.ServerTimestamp
	if !r.Timestamp.IsZero() {
		ts = r.Timestamp
	}
	return store.Fields{
		"message":   r.Message,
		"author":    string(r.AuthorOrDefault()),
		"timestamp": ts,
	}, nil
}
