package view

import (
	"testing"
	"time"

	"projectsync/internal/admin"
	"projectsync/internal/cache"
	"projectsync/internal/model"
	"projectsync/internal/progress"
	"projectsync/pkg/rbac"
)

func mustProgress(t *testing.T, typ string, done ...string) progress.Progress {
	t.Helper()
	p, err := progress.ForType(typ)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range done {
		if p, err = p.Set(s, true); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func fixture(t *testing.T) *cache.Cache {
	t.Helper()
	c, w := cache.New()
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := w.ReplaceProjects([]model.Project{
		{ID: "p1", Name: "Portal", CompanyID: "acme", ClientID: "cl-1", Type: "Software Development",
			Progress: mustProgress(t, "Software Development", "Planning", "Development", "Testing", "Deployment")},
		{ID: "p2", Name: "Warehouse", CompanyID: "acme", ClientID: "cl-2", Type: "ERP",
			Progress: mustProgress(t, "ERP", "Requirements")},
		{ID: "p3", Name: "Other", CompanyID: "globex", ClientID: "cl-1", Type: "Cloud",
			Progress: mustProgress(t, "Cloud")},
	}); err != nil {
		t.Fatal(err)
	}
	reviewed := base.Add(time.Hour)
	if err := w.ReplaceSuggestions("p1", []model.Suggestion{
		{ID: "s1", ProjectID: "p1", Issue: "logo", CreatedAt: base, CompanyReview: "fixed next sprint", CompanyReviewTimestamp: &reviewed,
			EmbeddedReplies: []model.Reply{
				{Message: "legacy late", Timestamp: base.Add(3 * time.Minute)},
				{Message: "legacy early", Author: model.AuthorCompany, Timestamp: base.Add(time.Minute)},
			}},
		{ID: "s2", ProjectID: "p1", Issue: "footer", Resolved: true, CreatedAt: base},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.ReplaceReplies("p1", "s1", []model.Reply{
		{ID: "r1", Message: "new", Author: model.AuthorClient, Timestamp: base.Add(2 * time.Minute)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.ReplaceSuggestions("p3", []model.Suggestion{{ID: "s3", ProjectID: "p3", Issue: "slow"}}); err != nil {
		t.Fatal(err)
	}
	if err := w.ReplaceClients([]model.Client{{ID: "c1", Name: "Jane"}}); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewSessionRejectsUnknownRole(t *testing.T) {
	if _, err := NewSession(model.Identity{ID: "x", Role: "root"}); !model.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestClientView(t *testing.T) {
	c := fixture(t)
	s, err := NewSession(model.Identity{ID: "cl-1", Role: model.RoleClient})
	if err != nil {
		t.Fatal(err)
	}
	v := s.Render(c.Read(), Input{Stale: true})

	if !v.Stale || v.Admin != nil || v.Clients != nil {
		t.Fatalf("unexpected view shape %+v", v)
	}
	if len(v.Projects) != 2 || v.Projects[0].ID != "p1" || v.Projects[1].ID != "p3" {
		t.Fatalf("client projects = %+v", v.Projects)
	}
	p1 := v.Projects[0]
	if !p1.Complete || p1.Percent != 100 {
		t.Fatalf("p1 completion = %v %d", p1.Complete, p1.Percent)
	}
	if p1.Suggestions[0].Review != "" {
		t.Fatal("clients must not see company reviews")
	}
	if !s.Can(rbac.PermissionRaiseSuggestion) || s.Can(rbac.PermissionToggleProgress) {
		t.Fatalf("client capabilities = %v", v.Capabilities)
	}
}

func TestCompanyView(t *testing.T) {
	c := fixture(t)
	s, _ := NewSession(model.Identity{ID: "acme", Role: model.RoleCompany})
	v := s.Render(c.Read(), Input{})

	if len(v.Projects) != 2 || v.Projects[0].ID != "p1" || v.Projects[1].ID != "p2" {
		t.Fatalf("company projects = %+v", v.Projects)
	}
	if len(v.Clients) != 1 {
		t.Fatalf("clients = %+v", v.Clients)
	}
	s1 := v.Projects[0].Suggestions[0]
	if s1.Review != "fixed next sprint" || s1.ReviewedAt == nil {
		t.Fatalf("review missing: %+v", s1)
	}
	p2 := v.Projects[1]
	if p2.Complete || p2.Percent != 25 || len(p2.Steps) != 4 || p2.Steps[0].Name != "Requirements" {
		t.Fatalf("p2 = %+v", p2)
	}
	if p2.Suggestions == nil {
		t.Fatal("suggestions must encode as an empty list")
	}
}

func TestThreadMergesByTimestamp(t *testing.T) {
	c := fixture(t)
	r := c.Read()
	s, _ := r.Suggestion("p1", "s1")
	lines := Thread(s, r.Replies("p1", "s1"))

	want := []string{"legacy early", "new", "legacy late"}
	if len(lines) != len(want) {
		t.Fatalf("thread = %+v", lines)
	}
	for i, msg := range want {
		if lines[i].Message != msg {
			t.Fatalf("thread[%d] = %q, want %q", i, lines[i].Message, msg)
		}
	}
	if lines[2].Author != model.AuthorClient || !lines[2].Legacy {
		t.Fatalf("legacy reply defaults = %+v", lines[2])
	}
}

func TestThreadUntimedRepliesKeepArrivalOrderAtEnd(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	lines := Thread(model.Suggestion{EmbeddedReplies: []model.Reply{{Message: "a"}}},
		[]model.Reply{{Message: "b"}, {Message: "c", Timestamp: ts}})
	if lines[0].Message != "c" || lines[1].Message != "a" || lines[2].Message != "b" {
		t.Fatalf("thread = %+v", lines)
	}
}

func TestAdminView(t *testing.T) {
	c := fixture(t)
	s, _ := NewSession(model.Identity{ID: "root", Role: model.RoleAdmin})
	stats := &admin.Stats{TotalCompanies: 3}
	v := s.Render(c.Read(), Input{Records: stats})

	if v.Projects != nil {
		t.Fatal("admin view has no project cards")
	}
	want := AdminSummary{Projects: 3, CompletedProjects: 1, OpenSuggestions: 2, Records: stats}
	if *v.Admin != want {
		t.Fatalf("admin = %+v, want %+v", *v.Admin, want)
	}
}
