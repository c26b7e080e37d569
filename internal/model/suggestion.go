package model

import "time"

type Author string

const (
	AuthorClient  Author = "client"
	AuthorCompany Author = "company"
)

// Suggestion is an issue raised by a client against a project.
//
// EmbeddedReplies holds replies written by older writers directly into the
// suggestion document. New replies live in the replies sub-collection.
type Suggestion struct {
	ID                     string     `json:"-"`
	ProjectID              string     `json:"-"`
	Issue                  string     `json:"issue"`
	Resolved               bool       `json:"resolved"`
	RaisedBy               string     `json:"raisedBy,omitempty"`
	EmbeddedReplies        []Reply    `json:"replies,omitempty"`
	CreatedAt              time.Time  `json:"timestamp"`
	CompanyReview          string     `json:"companyReview,omitempty"`
	CompanyReviewTimestamp *time.Time `json:"companyReviewTimestamp,omitempty"`
}

// Reply is one message in a suggestion thread.
type Reply struct {
	ID           string    `json:"id,omitempty"`
	ProjectID    string    `json:"-"`
	SuggestionID string    `json:"-"`
	Message      string    `json:"message"`
	Author       Author    `json:"author,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuthorOrDefault treats a missing author tag as a client reply.
func (r Reply) AuthorOrDefault() Author {
	if r.Author == "" {
		return AuthorClient
	}
	return r.Author
}
