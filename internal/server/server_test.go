package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teamgate/internal/config"
	"teamgate/internal/db"
	"teamgate/internal/domain"
	"teamgate/internal/engine"
	"teamgate/internal/ledger"
	"teamgate/internal/migrate"
	"teamgate/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	ledgerDir := filepath.Join(workspace, "data", "team_ops")
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		t.Fatal(err)
	}
	seed := map[string]string{
		ledger.HandoffFile:       "entry_id,run_id,from_team,to_team,timestamp_utc,supersedes_entry_id\n",
		ledger.DecisionFile:      "decision_id,run_id,decision_text,timestamp_utc,supersedes_decision_id\n",
		ledger.ChangeRequestFile: "request_id,run_id,source_team,status,statement,supersedes_request_id\n",
		ledger.RunRegistryFile:   "run_id,current_phase,status,pipeline_mode,created_utc\n",
	}
	for name, body := range seed {
		if err := os.WriteFile(filepath.Join(ledgerDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("content-review"), workspace)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func grantRole(t *testing.T, e engine.Engine, actorID, role string) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	r := repo.Repo{DB: e.DB}
	if err := r.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	if err := r.AssignRole(ctx, tx, actorID, role); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/gate/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestGateStatusBeforeAnyRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/gate/status", nil, asActor("ci-bot"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRunGateRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gate/runs", map[string]any{
		"scope": "tracked",
	}, asActor("ci-bot"))
	if runRes.StatusCode != http.StatusCreated {
		t.Fatalf("run gate status %d: %s", runRes.StatusCode, string(runBody))
	}
	var run GateRunResponse
	if err := json.Unmarshal(runBody, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.ID == "" || run.ActorID != "ci-bot" || len(run.Checks) != 5 {
		t.Fatalf("unexpected run %+v", run)
	}

	statusRes, statusBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/gate/status", nil, asActor("ci-bot"))
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", statusRes.StatusCode, string(statusBody))
	}
	var status GateStatusResponse
	if err := json.Unmarshal(statusBody, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.RunID != run.ID || len(status.Gates) != 5 {
		t.Fatalf("unexpected status %+v", status)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/gate/runs/"+run.ID, nil, asActor("ci-bot"))
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get run %d: %s", getRes.StatusCode, string(getBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/gate/runs", nil, asActor("ci-bot"))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list runs %d: %s", listRes.StatusCode, string(listBody))
	}
	var runs []GateRunResponse
	if err := json.Unmarshal(listBody, &runs); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected list %v", runs)
	}

	reportRes, reportBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/gate/report", nil, asActor("ci-bot"))
	if reportRes.StatusCode != http.StatusOK {
		t.Fatalf("report %d: %s", reportRes.StatusCode, string(reportBody))
	}
	var report domain.GateReport
	if err := json.Unmarshal(reportBody, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(report.Checks) != 5 {
		t.Fatalf("report checks %d", len(report.Checks))
	}

	eventsRes, eventsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=gate.completed", nil, asActor("ci-bot"))
	if eventsRes.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", eventsRes.StatusCode, string(eventsBody))
	}
	var events []EventResponse
	if err := json.Unmarshal(eventsBody, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != run.ID {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestSelfTestEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/gate/selftest", nil, asActor("ci-bot"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("selftest %d: %s", res.StatusCode, string(data))
	}
	var report domain.GateReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Overall != "pass" {
		t.Fatalf("self-test should pass on fixtures: %+v", report)
	}
}

func TestExceptionRequiresRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	body := map[string]any{
		"rule":       "phase-order",
		"scope":      "release-7",
		"reason":     "vendor fix pending",
		"owner":      "ops",
		"expires_at": time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339),
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/exceptions", body, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d: %s", res.StatusCode, string(data))
	}

	grantRole(t, srv.Engine, "alice", "white")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/exceptions", body, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with role, got %d: %s", res.StatusCode, string(data))
	}
	var ex domain.Exception
	if err := json.Unmarshal(data, &ex); err != nil {
		t.Fatalf("unmarshal exception: %v", err)
	}
	if ex.ApprovedRole != "white" {
		t.Fatalf("approved_role must be forced to the configured authority role, got %q", ex.ApprovedRole)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/exceptions?rule=phase-order", nil, asActor("alice"))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", listRes.StatusCode, string(listBody))
	}
	var listed []domain.Exception
	if err := json.Unmarshal(listBody, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != ex.ID {
		t.Fatalf("unexpected list %v", listed)
	}
}

func TestRemediationEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	grantRole(t, srv.Engine, "bob", "white")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/remediations", map[string]any{
		"rule":     "append-only",
		"evidence": "superseding row E9 restores history",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("remediation %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	r := repo.Repo{DB: srv.Engine.DB}
	secret := "tg_live_example_key"
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "ci-bot",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(secret),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/gate/status", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("valid key should authenticate (404 for missing run), got %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/gate/status", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key should be rejected, got %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/gate/selftest", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth failed %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/gate/selftest", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be rejected, got %d", res.StatusCode)
	}
}
