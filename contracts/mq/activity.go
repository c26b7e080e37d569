package mq

import "time"

// Routing keys for collaboration activity. Every successful mutation
// publishes exactly one ActivityEvent under one of these keys.
const (
	ProjectCreated     = "project.created"
	ProjectUpdated     = "project.updated"
	ProjectDeleted     = "project.deleted"
	ProjectStepToggled = "project.step_toggled"
	ProjectTypeChanged = "project.type_changed"

	SuggestionRaised   = "suggestion.raised"
	SuggestionReplied  = "suggestion.replied"
	SuggestionResolved = "suggestion.resolved"
	SuggestionReopened = "suggestion.reopened"
	SuggestionReviewed = "suggestion.reviewed"

	ClientAdded   = "client.added"
	ClientDeleted = "client.deleted"
)

// AllActivityKeys binds a consumer to every activity type.
var AllActivityKeys = []string{"project.*", "suggestion.*", "client.*"}

type ActivityEvent struct {
	EventID      string            `json:"event_id"`
	Type         string            `json:"type"`
	ProjectID    string            `json:"project_id,omitempty"`
	SuggestionID string            `json:"suggestion_id,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	ActorID      string            `json:"actor_id"`
	ActorRole    string            `json:"actor_role"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	TraceID      string            `json:"trace_id,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
