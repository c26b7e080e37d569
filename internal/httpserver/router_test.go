package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectsync/internal/admin"
	"projectsync/internal/cache"
	"projectsync/internal/fanout"
	"projectsync/internal/handler"
	"projectsync/internal/identity"
	"projectsync/internal/model"
	"projectsync/internal/store"
	"projectsync/internal/store/memstore"
	"projectsync/internal/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	companyID = model.Identity{ID: "acme", Role: model.RoleCompany, Name: "Acme"}
	clientID  = model.Identity{ID: "cl-1", Role: model.RoleClient, Name: "Jane"}
	adminID   = model.Identity{ID: "root", Role: model.RoleAdmin, Name: "Root"}
)

type server struct {
	router   *Router
	st       *memstore.Store
	cache    *cache.Cache
	provider *identity.Provider
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := zap.NewNop()
	st := memstore.New()
	c, w := cache.New()
	m := fanout.NewManager(st, w, log,
		fanout.WithBackoff(store.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}))
	h, err := m.Attach(context.Background(), fanout.RootQuery{WithClients: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Detach)

	kv, err := admin.OpenKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	records := admin.NewRecords(kv, log)

	eng := workflow.New(st, c, log)
	provider := identity.NewProvider("test-secret")
	r := NewRouter(Deps{
		Provider:    provider,
		Auth:        handler.NewAuthHandler(provider, time.Hour, log),
		View:        handler.NewViewHandler(c, m.Stale, records, 50*time.Millisecond, log),
		Projects:    handler.NewProjectHandler(eng),
		Suggestions: handler.NewSuggestionHandler(eng),
		Clients:     handler.NewClientHandler(eng),
		Admin:       handler.NewAdminHandler(records, log),
		Store:       st,
		Stale:       m.Stale,
		Logger:      log,
	})
	return &server{router: r, st: st, cache: c, provider: provider}
}

func (s *server) token(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, err := s.provider.Issue(id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *server) do(t *testing.T, as *model.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *as))
	}
	rec := httptest.NewRecorder()
	s.router.Engine.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (s *server) createProject(t *testing.T) string {
	t.Helper()
	rec := s.do(t, &companyID, http.MethodPost, "/api/projects", map[string]any{
		"name":     "Portal",
		"client":   "Jane",
		"clientId": clientID.ID,
		"deadline": "2025-09-01",
		"type":     "Software Development",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", rec.Code, rec.Body.String())
	}
	id := decode[map[string]string](t, rec)["id"]
	waitFor(t, "project in cache", func() bool {
		_, ok := s.cache.Read().Project(id)
		return ok
	})
	return id
}

func TestHealthAndTraceHeader(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, nil, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("expected a generated trace id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "abc123")
	rec = httptest.NewRecorder()
	s.router.Engine.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Trace-ID"); got != "abc123" {
		t.Errorf("trace id = %q, want the caller's", got)
	}
}

func TestReadyzReportsStoreOutage(t *testing.T) {
	s := newServer(t)
	if rec := s.do(t, nil, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d %s", rec.Code, rec.Body.String())
	}
	s.st.Disconnect()
	if rec := s.do(t, nil, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while offline = %d", rec.Code)
	}
	s.st.Reconnect()
}

func TestLoginThenMe(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, nil, http.MethodPost, "/api/login", map[string]string{"id": "cl-1", "role": "client", "name": "Jane"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
	}
	tok := decode[map[string]any](t, rec)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	s.router.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d", rec.Code)
	}
	if got := decode[model.Identity](t, rec); got.ID != "cl-1" || got.Role != model.RoleClient {
		t.Errorf("me = %+v", got)
	}

	rec = s.do(t, nil, http.MethodPost, "/api/login", map[string]string{"id": "x", "role": "owner"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown role login = %d", rec.Code)
	}
}

func TestAuthFailures(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, nil, http.MethodGet, "/api/view", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if env := decode[envelope](t, rec); env.Error.Code != "unauthorized" {
		t.Errorf("code = %q", env.Error.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/view", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	s.router.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d", rec.Code)
	}

	rec = s.do(t, &clientID, http.MethodPost, "/api/projects", map[string]string{"name": "x"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("client creating project = %d", rec.Code)
	}
	if env := decode[envelope](t, rec); env.Error.Details["permission"] != "project:create" {
		t.Errorf("details = %v", env.Error.Details)
	}

	if rec := s.do(t, &companyID, http.MethodGet, "/api/admin/stats", nil); rec.Code != http.StatusForbidden {
		t.Errorf("company reading admin stats = %d", rec.Code)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)
	pid := s.createProject(t)

	rec := s.do(t, &companyID, http.MethodPost, "/api/projects/"+pid+"/steps/Planning/toggle", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle = %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec); got["done"] != true {
		t.Errorf("toggle result = %v", got)
	}

	rec = s.do(t, &companyID, http.MethodPost, "/api/projects/"+pid+"/steps/Launch/toggle", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown step = %d", rec.Code)
	}

	rec = s.do(t, &companyID, http.MethodPost, "/api/projects/missing/steps/Planning/toggle", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing project = %d", rec.Code)
	}

	rec = s.do(t, &companyID, http.MethodPut, "/api/projects/"+pid+"/type", map[string]any{"type": "Cloud"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("type change without confirm = %d", rec.Code)
	}
	rec = s.do(t, &companyID, http.MethodPut, "/api/projects/"+pid+"/type", map[string]any{"type": "Cloud", "confirmReset": true})
	if rec.Code != http.StatusNoContent {
		t.Errorf("confirmed type change = %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, &companyID, http.MethodDelete, "/api/projects/"+pid, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	waitFor(t, "project gone", func() bool {
		_, ok := s.cache.Read().Project(pid)
		return !ok
	})
}

func TestSuggestionFlowOverHTTP(t *testing.T) {
	s := newServer(t)
	pid := s.createProject(t)
	base := "/api/projects/" + pid + "/suggestions"

	rec := s.do(t, &clientID, http.MethodPost, base, map[string]string{"issue": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank issue = %d", rec.Code)
	}
	if env := decode[envelope](t, rec); env.Error.Code != "validation_error" || env.Error.Details["field"] != "issue" {
		t.Errorf("envelope = %+v", env.Error)
	}

	rec = s.do(t, &clientID, http.MethodPost, base, map[string]string{"issue": "logo is blurry"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("raise = %d %s", rec.Code, rec.Body.String())
	}
	sid := decode[map[string]string](t, rec)["id"]
	waitFor(t, "suggestion in cache", func() bool {
		_, ok := s.cache.Read().Suggestion(pid, sid)
		return ok
	})

	rec = s.do(t, &companyID, http.MethodPost, base+"/"+sid+"/replies", map[string]string{"message": "fixed in v2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reply = %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, &clientID, http.MethodPut, base+"/"+sid+"/resolved", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("resolved missing = %d", rec.Code)
	}
	rec = s.do(t, &clientID, http.MethodPut, base+"/"+sid+"/resolved", map[string]any{"resolved": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec); got["changed"] != true {
		t.Errorf("resolve result = %v", got)
	}

	rec = s.do(t, &clientID, http.MethodPut, base+"/"+sid+"/review", map[string]string{"review": "ok"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("client review = %d", rec.Code)
	}
}

func TestViewIsScopedByRole(t *testing.T) {
	s := newServer(t)
	pid := s.createProject(t)

	rec := s.do(t, &clientID, http.MethodGet, "/api/view", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("view = %d", rec.Code)
	}
	var v struct {
		Role     string `json:"role"`
		Projects []struct {
			ID string `json:"id"`
		} `json:"projects"`
		Clients []model.Client `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Role != "client" || len(v.Projects) != 1 || v.Projects[0].ID != pid {
		t.Errorf("client view = %+v", v)
	}
	if v.Clients != nil {
		t.Errorf("client view leaked the client list: %v", v.Clients)
	}

	stranger := model.Identity{ID: "cl-9", Role: model.RoleClient}
	rec = s.do(t, &stranger, http.MethodGet, "/api/view", nil)
	v.Projects = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if len(v.Projects) != 0 {
		t.Errorf("unassigned client sees %d projects", len(v.Projects))
	}

	rec = s.do(t, &adminID, http.MethodGet, "/api/view", nil)
	var av struct {
		Admin struct {
			Projects int `json:"projects"`
			Records  struct {
				TotalCompanies int `json:"totalCompanies"`
			} `json:"records"`
		} `json:"admin"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &av); err != nil {
		t.Fatal(err)
	}
	if av.Admin.Projects != 1 || av.Admin.Records.TotalCompanies != 3 {
		t.Errorf("admin view = %+v", av)
	}
}

func TestViewStreamSendsSnapshotThenChanges(t *testing.T) {
	s := newServer(t)
	pid := s.createProject(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/view/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+s.token(t, companyID))
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.router.Engine.ServeHTTP(rec, req)
	}()

	time.Sleep(30 * time.Millisecond)
	if r := s.do(t, &companyID, http.MethodPost, "/api/projects/"+pid+"/steps/Planning/toggle", nil); r.Code != http.StatusOK {
		t.Fatalf("toggle = %d", r.Code)
	}
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if n := bytes.Count([]byte(body), []byte("event:view")); n < 2 {
		t.Errorf("expected at least two view events, got %d in %q", n, body)
	}
	if !bytes.Contains([]byte(body), []byte(": ping")) {
		t.Errorf("expected a heartbeat comment in %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestAdminRecordsOverHTTP(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, &adminID, http.MethodGet, "/api/admin/companies?q=tech", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("companies = %d", rec.Code)
	}
	got := decode[map[string][]admin.Company](t, rec)["companies"]
	if len(got) != 2 {
		t.Errorf("search tech = %+v", got)
	}

	rec = s.do(t, &adminID, http.MethodPost, "/api/admin/approvals", map[string]string{"name": "Zeta", "email": "not-an-email"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad email = %d", rec.Code)
	}

	rec = s.do(t, &adminID, http.MethodPost, "/api/admin/approvals/1/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, &adminID, http.MethodGet, "/api/admin/stats", nil)
	st := decode[admin.Stats](t, rec)
	if st.TotalCompanies != 4 || st.PendingApprovals != 0 {
		t.Errorf("stats = %+v", st)
	}

	if rec := s.do(t, &adminID, http.MethodDelete, "/api/admin/companies/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id = %d", rec.Code)
	}
	if rec := s.do(t, &adminID, http.MethodDelete, "/api/admin/companies/999", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d", rec.Code)
	}
}
