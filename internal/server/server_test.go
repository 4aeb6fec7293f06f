package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stepline/internal/catalog"
	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/engine"
	"stepline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		catalog.Step{ID: "create-account", Version: 1, Required: true},
		catalog.Step{
			ID: "invite-team", Version: 1, Required: true, OptIn: true,
			Args: catalog.ArgSpec{"emails": {Kind: catalog.ArgArray}},
		},
		catalog.Step{ID: "take-tour", Version: 1, OptIn: true},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, testCatalog(t))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyEntityHeader: true},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
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

func asAdmin(entityID string) map[string]string {
	return map[string]string{"X-Entity-Id": entityID}
}

func TestOnboardingLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/entities/u1"

	res, data := doJSON(t, client, http.MethodGet, base+"/steps", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var steps []StepStatusResponse
	if err := json.Unmarshal(data, &steps); err != nil {
		t.Fatalf("unmarshal steps: %v", err)
	}
	if len(steps) != 3 || steps[0].State != domain.StatePending {
		t.Fatalf("unexpected initial steps: %+v", steps)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/steps/create-account/complete", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var st StepStatusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.State != domain.StateCompleted || st.CompletedAt == nil {
		t.Fatalf("unexpected status after complete: %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/steps/invite-team/skip", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("skip status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/progress", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var p ProgressResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if !p.AllComplete || p.Completed != 1 || p.Skipped != 1 || p.Pending != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/steps/create-account/reset", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/steps/create-account", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get step status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.State != domain.StatePending {
		t.Fatalf("state after reset = %s, want pending", st.State)
	}
}

func TestSkipNonOptInIsUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/u1/steps/create-account/skip", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_allowed" {
		t.Fatalf("code = %s, want not_allowed", envelope.Error.Code)
	}
}

func TestUnknownStepIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/u1/steps/nope", nil, asAdmin("u1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(data))
	}
}

func TestOnboardArgValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/u1/steps/invite-team/onboard", map[string]any{
		"args": map[string]any{"emails": "not-an-array"},
	}, asAdmin("u1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities/u1/steps/invite-team/onboard", map[string]any{
		"args": map[string]any{"emails": []string{"a@b.c"}},
	}, asAdmin("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", res.StatusCode, string(data))
	}
	var st StepStatusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", st.State)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/u1/steps", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
}

func TestJWTEntityScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := NewToken(testJWTSecret, "u1", false)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me/steps", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/u2/steps", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-entity status %d, want 403: %s", res.StatusCode, string(data))
	}

	admin, err := NewToken(testJWTSecret, "ops", true)
	if err != nil {
		t.Fatalf("mint admin token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/u2/steps", nil, map[string]string{"Authorization": "Bearer " + admin})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin cross-entity status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
