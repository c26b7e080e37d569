// Package view projects the entity cache into what one actor sees.
//
// A Session picks its role variant once. Each variant has a fixed
// capability set and a fixed projection; nothing downstream branches on
// the role again.
package view

import (
	"sort"
	"time"

	"projectsync/internal/admin"
	"projectsync/internal/cache"
	"projectsync/internal/model"
	"projectsync/internal/progress"
	"projectsync/pkg/rbac"
)

type View struct {
	Role         model.Role        `json:"role"`
	Identity     model.Identity    `json:"identity"`
	Capabilities []rbac.Permission `json:"capabilities"`
	// Stale is set while a live query has lost its connection.
	Stale    bool           `json:"stale"`
	Projects []ProjectCard  `json:"projects,omitempty"`
	Clients  []model.Client `json:"clients,omitempty"`
	Admin    *AdminSummary  `json:"admin,omitempty"`
}

type ProjectCard struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Client      string           `json:"client"`
	ClientID    string           `json:"clientId,omitempty"`
	Description string           `json:"description"`
	Deadline    string           `json:"deadline"`
	Type        string           `json:"type"`
	FileURL     string           `json:"fileUrl,omitempty"`
	Steps       []progress.Step  `json:"steps"`
	Complete    bool             `json:"complete"`
	Percent     int              `json:"percent"`
	Suggestions []SuggestionCard `json:"suggestions"`
}

type SuggestionCard struct {
	ID         string      `json:"id"`
	Issue      string      `json:"issue"`
	Resolved   bool        `json:"resolved"`
	RaisedBy   string      `json:"raisedBy,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	Review     string      `json:"review,omitempty"`
	ReviewedAt *time.Time  `json:"reviewedAt,omitempty"`
	Replies    []ReplyLine `json:"replies"`
}

type ReplyLine struct {
	ID        string       `json:"id,omitempty"`
	Message   string       `json:"message"`
	Author    model.Author `json:"author"`
	Timestamp time.Time    `json:"timestamp"`
	// Legacy marks replies still embedded in the suggestion document.
	Legacy bool `json:"legacy,omitempty"`
}

type AdminSummary struct {
	Projects          int          `json:"projects"`
	CompletedProjects int          `json:"completedProjects"`
	OpenSuggestions   int          `json:"openSuggestions"`
	Records           *admin.Stats `json:"records,omitempty"`
}

// Input is everything a render may look at besides the cache.
type Input struct {
	Stale   bool
	Records *admin.Stats
}

type variant interface {
	render(r *cache.Reader, id model.Identity, v *View, in Input)
}

type Session struct {
	identity model.Identity
	caps     []rbac.Permission
	variant  variant
}

// NewSession fixes the role variant for id.
func NewSession(id model.Identity) (*Session, error) {
	role, err := model.ParseRole(string(id.Role))
	if err != nil {
		return nil, err
	}
	var v variant
	switch role {
	case model.RoleClient:
		v = clientView{}
	case model.RoleCompany:
		v = companyView{}
	case model.RoleAdmin:
		v = adminView{}
	}
	return &Session{identity: id, caps: rbac.Capabilities(role), variant: v}, nil
}

func (s *Session) Identity() model.Identity { return s.identity }

func (s *Session) Can(p rbac.Permission) bool {
	for _, c := range s.caps {
		if c == p {
			return true
		}
	}
	return false
}

// Render builds the view from one consistent cache read. Pass the same
// reader to Reader.Wait to block until the view may have changed.
func (s *Session) Render(r *cache.Reader, in Input) View {
	v := View{
		Role:         s.identity.Role,
		Identity:     s.identity,
		Capabilities: append([]rbac.Permission(nil), s.caps...),
		Stale:        in.Stale,
	}
	s.variant.render(r, s.identity, &v, in)
	return v
}

type clientView struct{}

// Clients see projects assigned to them, without company reviews.
func (clientView) render(r *cache.Reader, id model.Identity, v *View, _ Input) {
	v.Projects = cards(r, r.ProjectsByClient(id.ID), false)
}

type companyView struct{}

func (companyView) render(r *cache.Reader, id model.Identity, v *View, _ Input) {
	company := id.CompanyID
	if company == "" {
		company = id.ID
	}
	v.Projects = cards(r, r.ProjectsByCompany(company), true)
	v.Clients = r.Clients()
}

type adminView struct{}

func (adminView) render(r *cache.Reader, _ model.Identity, v *View, in Input) {
	sum := &AdminSummary{Records: in.Records}
	for _, p := range r.Projects() {
		sum.Projects++
		if p.Progress.IsComplete() {
			sum.CompletedProjects++
		}
		for _, s := range r.Suggestions(p.ID) {
			if !s.Resolved {
				sum.OpenSuggestions++
			}
		}
	}
	v.Admin = sum
}

func cards(r *cache.Reader, ps []model.Project, withReviews bool) []ProjectCard {
	out := make([]ProjectCard, 0, len(ps))
	for _, p := range ps {
		c := ProjectCard{
			ID:          p.ID,
			Name:        p.Name,
			Client:      p.Client,
			ClientID:    p.ClientID,
			Description: p.Description,
			Deadline:    p.Deadline,
			Type:        p.Type,
			FileURL:     p.FileURL,
			Steps:       p.Progress.Clone(),
			Complete:    p.Progress.IsComplete(),
			Percent:     p.Progress.Percent(),
			Suggestions: []SuggestionCard{},
		}
		if c.Steps == nil {
			c.Steps = []progress.Step{}
		}
		for _, s := range r.Suggestions(p.ID) {
			sc := SuggestionCard{
				ID:        s.ID,
				Issue:     s.Issue,
				Resolved:  s.Resolved,
				RaisedBy:  s.RaisedBy,
				CreatedAt: s.CreatedAt,
				Replies:   Thread(s, r.Replies(p.ID, s.ID)),
			}
			if withReviews {
				sc.Review = s.CompanyReview
				sc.ReviewedAt = s.CompanyReviewTimestamp
			}
			c.Suggestions = append(c.Suggestions, sc)
		}
		out = append(out, c)
	}
	return out
}

// Thread merges embedded and sub-collection replies into one sequence
// ordered by timestamp. Ties and untimed replies keep arrival order, with
// embedded replies first; untimed replies go last.
func Thread(s model.Suggestion, replies []model.Reply) []ReplyLine {
	lines := make([]ReplyLine, 0, len(s.EmbeddedReplies)+len(replies))
	for _, r := range s.EmbeddedReplies {
		lines = append(lines, ReplyLine{Message: r.Message, Author: r.AuthorOrDefault(), Timestamp: r.Timestamp, Legacy: true})
	}
	for _, r := range replies {
		lines = append(lines, ReplyLine{ID: r.ID, Message: r.Message, Author: r.AuthorOrDefault(), Timestamp: r.Timestamp})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i].Timestamp, lines[j].Timestamp
		if a.IsZero() {
			return false
		}
		return b.IsZero() || a.Before(b)
	})
	return lines
}
