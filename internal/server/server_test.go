package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"selfaudit/internal/config"
	"selfaudit/internal/db"
	"selfaudit/internal/domain"
	"selfaudit/internal/engine"
	"selfaudit/internal/migrate"
)

const testSecret = "test-secret"

var actorHeader = map[string]string{"X-Actor-Id": "auditor-1"}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) moduleURL(subject, module string) string {
	return s.URL + "/v0/subjects/" + subject + "/modules/" + module
}

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.ImportQuestionnaire(context.Background(), cfg, "tester"); err != nil {
		t.Fatalf("import questionnaire: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func legacyAuth() AuthConfig {
	return AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %T: %v: %s", v, err, string(data))
	}
	return v
}

func TestModuleLifecycleAndCompare(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	base := srv.moduleURL("venue-1", "physical-access")

	res, body := doJSON(t, client, http.MethodPost, base+"/start", map[string]any{"review_depth": "foundation"}, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	started := decode[MutationResponse](t, body)
	if !started.Changed || started.Status != domain.StatusInProgress {
		t.Fatalf("start: %+v", started)
	}

	for qid, v := range map[string]string{"pa-entrance-step-free": "yes", "pa-accessible-toilet": "no", "pa-evacuation-plan": "partially"} {
		res, body := doJSON(t, client, http.MethodPut, base+"/responses/"+qid, map[string]any{
			"payload": map[string]any{"value": v},
		}, actorHeader)
		expectStatus(t, res, body, http.StatusOK)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{
		"summary":      "first pass",
		"completed_by": map[string]any{"name": "Sam", "role": "Facilities"},
	}, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	completed := decode[MutationResponse](t, body)
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/runs/archive", map[string]any{"type": "team", "name": "Baseline"}, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	archived := decode[MutationResponse](t, body)
	if !archived.Changed || archived.RunID == "" {
		t.Fatalf("archive: %+v", archived)
	}

	res, body = doJSON(t, client, http.MethodPut, base+"/responses/pa-accessible-toilet", map[string]any{
		"payload": map[string]any{"value": "yes"},
	}, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	if reopened := decode[MutationResponse](t, body); reopened.Status != domain.StatusInProgress {
		t.Fatalf("saving after completion should reopen the run, got %s", reopened.Status)
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/compare?run_a="+archived.RunID+"&run_b=current", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	cmp := decode[domain.RunComparison](t, body)
	if cmp.OverallTrend != domain.TrendImproving {
		t.Fatalf("trend = %s, want improving", cmp.OverallTrend)
	}
	if len(cmp.Improvements) != 1 || cmp.Improvements[0] != "pa-accessible-toilet" {
		t.Fatalf("improvements = %v", cmp.Improvements)
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/runs", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	list := decode[engine.RunList](t, body)
	if list.Active == nil || len(list.History) != 1 || list.History[0].Context.Name != "Baseline" {
		t.Fatalf("runs: %+v", list)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/subjects/venue-1/modules", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	statuses := decode[[]engine.ModuleStatus](t, body)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(statuses))
	}
	if statuses[1].Status != domain.StatusNotStarted {
		t.Fatalf("digital-access should not be started, got %s", statuses[1].Status)
	}
}

func TestRunManagementRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	base := srv.moduleURL("venue-1", "physical-access")

	res, body := doJSON(t, client, http.MethodPost, base+"/runs", map[string]any{"type": "event", "name": "Open day"}, actorHeader)
	expectStatus(t, res, body, http.StatusCreated)
	first := decode[MutationResponse](t, body)

	res, body = doJSON(t, client, http.MethodPost, base+"/runs", map[string]any{"type": "event", "name": "Gala"}, actorHeader)
	expectStatus(t, res, body, http.StatusCreated)
	second := decode[MutationResponse](t, body)
	if second.Progress.ActiveRunID != second.RunID {
		t.Fatalf("new run should be live: %+v", second.Progress)
	}

	res, body = doJSON(t, client, http.MethodPatch, base+"/runs/"+first.RunID, map[string]any{"type": "location", "name": "North wing"}, actorHeader)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodPost, base+"/runs/"+first.RunID+"/activate", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	switched := decode[MutationResponse](t, body)
	if switched.Progress.ActiveRunID != first.RunID {
		t.Fatalf("active run = %s, want %s", switched.Progress.ActiveRunID, first.RunID)
	}

	res, body = doJSON(t, client, http.MethodDelete, base+"/runs/"+second.RunID, nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodDelete, base+"/runs/"+second.RunID, nil, actorHeader)
	expectStatus(t, res, body, http.StatusNotFound)
	var errBody struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errBody.Error.Code != "not_found" {
		t.Fatalf("error code = %q", errBody.Error.Code)
	}
}

func TestQuestionNavigation(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	base := srv.moduleURL("venue-2", "physical-access")

	res, body := doJSON(t, client, http.MethodPost, base+"/start", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, client, http.MethodPut, base+"/responses/pa-entrance-step-free", map[string]any{
		"payload": map[string]any{"value": "yes"},
	}, actorHeader)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodGet, base+"/questions/pa-entrance-step-free/next", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	step := decode[StepResponse](t, body)
	if step.Question == nil || step.Question.ID != "pa-accessible-toilet" {
		t.Fatalf("step-free entrance should skip the ramp questions, got %+v", step.Question)
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/questions/pa-entrance-step-free/previous", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	if step := decode[StepResponse](t, body); !step.Done {
		t.Fatalf("expected done before the first question, got %+v", step)
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/questions?depth=foundation", nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	view := decode[engine.QuestionView](t, body)
	for _, q := range view.Questions {
		if q.ReviewDepth == domain.DepthDetailed {
			t.Fatalf("foundation view contains detailed question %s", q.ID)
		}
	}
	if view.Progress.Answered != 1 {
		t.Fatalf("answered = %d, want 1", view.Progress.Answered)
	}
}

func TestRequestErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown module", http.MethodPost, "/subjects/v/modules/nope/start", nil, http.StatusNotFound},
		{"unknown question", http.MethodPut, "/subjects/v/modules/physical-access/responses/nope", map[string]any{"payload": map[string]any{"value": "yes"}}, http.StatusNotFound},
		{"invalid answer", http.MethodPut, "/subjects/v/modules/physical-access/responses/pa-evacuation-plan", map[string]any{"payload": map[string]any{"value": "maybe"}}, http.StatusBadRequest},
		{"kind mismatch", http.MethodPut, "/subjects/v/modules/physical-access/responses/pa-evacuation-plan", map[string]any{"kind": "text", "payload": map[string]any{"value": "fine"}}, http.StatusBadRequest},
		{"compare unknown run", http.MethodGet, "/subjects/v/modules/physical-access/compare?run_a=x&run_b=y", nil, http.StatusNotFound},
		{"bad context type", http.MethodPost, "/subjects/v/modules/physical-access/runs", map[string]any{"type": "party", "name": "x"}, http.StatusBadRequest},
		{"bad cursor", http.MethodGet, "/events?cursor=abc", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := doJSON(t, client, tc.method, srv.URL+"/v0"+tc.path, tc.body, actorHeader)
			expectStatus(t, res, body, tc.want)
			if !strings.Contains(string(body), `"error"`) {
				t.Fatalf("missing error envelope: %s", string(body))
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	expectStatus(t, res, body, http.StatusUnauthorized)

	// Legacy header is ignored unless explicitly allowed.
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, actorHeader)
	expectStatus(t, res, body, http.StatusUnauthorized)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, body, http.StatusUnauthorized)

	// Dev login is not mounted without DevLogin.
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "x"}, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("dev login should be disabled: %s", string(body))
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	doc := decode[map[string]any](t, body)
	paths, _ := doc["paths"].(map[string]any)
	for _, route := range []string{"/v0/health", "/v0/subjects/{subject_id}/modules/{module_id}/compare", "/v0/events"} {
		if _, ok := paths[route]; !ok {
			t.Fatalf("openapi document misses %s", route)
		}
	}
	components, _ := doc["components"].(map[string]any)
	schemes, _ := components["securitySchemes"].(map[string]any)
	if _, ok := schemes["apiKeyAuth"]; !ok {
		t.Fatalf("api key security scheme missing: %v", schemes)
	}
}

func TestDevLoginToken(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret, DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "reviewer-7",
		"roles":    []string{"auditor"},
	}, nil)
	expectStatus(t, res, body, http.StatusOK)
	token := decode[DevLoginResponse](t, body).Token
	if token == "" {
		t.Fatalf("empty token")
	}

	authz := map[string]string{"Authorization": "Bearer " + token}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, authz)
	expectStatus(t, res, body, http.StatusOK)
	me := decode[WhoAmIResponse](t, body)
	if me.ActorID != "reviewer-7" || me.Source != "jwt" || len(me.Roles) != 1 {
		t.Fatalf("me = %+v", me)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.moduleURL("venue-1", "digital-access")+"/start", nil, authz)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=module.started", nil, authz)
	expectStatus(t, res, body, http.StatusOK)
	page := decode[paginatedEvents](t, body)
	if len(page.Items) != 1 || page.Items[0].ActorID != "reviewer-7" {
		t.Fatalf("events = %+v", page.Items)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	client := srv.Client()

	_, plain, err := srv.Engine.CreateAPIKey(context.Background(), "kiosk", "front desk")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": plain})
	expectStatus(t, res, body, http.StatusOK)
	if me := decode[WhoAmIResponse](t, body); me.ActorID != "kiosk" || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": plain + "x"})
	expectStatus(t, res, body, http.StatusUnauthorized)
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	base := srv.moduleURL("venue-3", "physical-access")

	for _, qid := range []string{"pa-entrance-step-free", "pa-accessible-toilet", "pa-evacuation-plan"} {
		res, body := doJSON(t, client, http.MethodPut, base+"/responses/"+qid, map[string]any{
			"payload": map[string]any{"value": "yes"},
		}, actorHeader)
		expectStatus(t, res, body, http.StatusOK)
	}

	url := srv.URL + "/v0/events?subject_id=venue-3&type=response.saved&limit=2"
	res, body := doJSON(t, client, http.MethodGet, url, nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	page := decode[paginatedEvents](t, body)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}
	if page.Items[0].SubjectID != "venue-3" || page.Items[0].ModuleID != "physical-access" {
		t.Fatalf("event scope: %+v", page.Items[0])
	}

	res, body = doJSON(t, client, http.MethodGet, url+"&cursor="+page.NextCursor, nil, actorHeader)
	expectStatus(t, res, body, http.StatusOK)
	next := decode[paginatedEvents](t, body)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("second page: %+v", next)
	}
}

func TestWebhookDispatcherDeliversMatchingEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []webhookEvent
		fail     bool
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("X-Selfaudit-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Selfaudit-Event") != evt.Type {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, evt)
	}))
	defer hook.Close()

	cfg := *srv.Engine.Config
	cfg.Webhooks = []config.WebhookConfig{{ID: "ops", URL: hook.URL, Events: []string{"module.*"}, Secret: "s3cret"}}
	d := NewDispatcher(srv.Engine.Repo, &cfg, nil)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	if err := d.initCursors(ctx); err != nil {
		t.Fatalf("init cursors: %v", err)
	}

	k := engine.Key{SubjectID: "venue-1", ModuleID: "physical-access"}
	if _, err := srv.Engine.StartModule(ctx, k, "", "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := srv.Engine.SaveResponse(ctx, k, domain.Response{QuestionID: "pa-evacuation-plan", Payload: domain.Answer{Value: domain.AnswerYes}}, "tester"); err != nil {
		t.Fatalf("save: %v", err)
	}
	d.DispatchOnce(ctx)

	mu.Lock()
	if len(received) != 1 || received[0].Type != "module.started" || received[0].SubjectID != "venue-1" {
		mu.Unlock()
		t.Fatalf("received = %+v", received)
	}
	fail = true
	mu.Unlock()

	if _, err := srv.Engine.CompleteModule(ctx, k, "", nil, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before, err := srv.Engine.Repo.WebhookCursor(ctx, "ops")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	d.DispatchOnce(ctx)
	after, err := srv.Engine.Repo.WebhookCursor(ctx, "ops")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if after != before {
		t.Fatalf("cursor advanced past a failed delivery: %d -> %d", before, after)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	d.DispatchOnce(ctx)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[1].Type != "module.completed" {
		t.Fatalf("received after retry = %+v", received)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("run.created") {
		t.Fatalf("empty filter should match everything")
	}
	f := newEventFilter([]string{"run.*", " module.completed "})
	for evt, want := range map[string]bool{
		"run.created":      true,
		"run.deleted":      true,
		"module.completed": true,
		"module.started":   false,
	} {
		if got := f.match(evt); got != want {
			t.Errorf("match(%q) = %v, want %v", evt, got, want)
		}
	}
}
