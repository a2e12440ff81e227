package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/govd/govd/internal/config"
	"github.com/govd/govd/internal/consent"
	"github.com/govd/govd/internal/decision"
	"github.com/govd/govd/internal/fanout"
	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/spend"
	"github.com/govd/govd/internal/storage"
	"github.com/govd/govd/internal/template"
	"github.com/govd/govd/internal/token"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.APIKeys = []string{testAPIKey}

	templates := template.NewStore(t.TempDir(), nil)
	roles := role.NewResolver(templates, nil, nil)
	tokens := token.NewStore(0, nil, nil)
	ledger := spend.NewLedger(spend.NewMemoryBackend(), nil)
	broker := consent.New(50*time.Millisecond, time.Minute, 0, nil)
	t.Cleanup(broker.Close)
	j := journal.New(journal.NewMemoryStore(), nil)
	bus := fanout.New(fanout.Options{}, nil)
	t.Cleanup(bus.Close)

	engine := decision.New(roles, tokens, ledger, broker, j, nil)
	engine.SetPublisher(bus.Publish)

	var webhooks webhookPersister // nil: not under test here
	_ = storage.Webhook{}         // keep storage imported for the webhookPersister shape

	return New(cfg, engine, broker, tokens, templates, roles, ledger, j, bus, webhooks, nil)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
}

func TestDecideRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/decide", map[string]string{"agent": "a", "intent": "llm.chat"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no auth, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDecideAllowsByDefaultWithAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/decide", map[string]string{"agent": "a", "intent": "llm.chat"}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if resp["status"] != "allow" {
		t.Fatalf("expected allow, got %+v", resp)
	}
}

func TestOtherEndpointsRejectMissingAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "GET", "/templates", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAskThenDecideTicketGrantsToken(t *testing.T) {
	s := newTestServer(t)

	if _, err := s.roles.Apply("b", "", role.Overrides{Ask: []string{"slack.post:*"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rec := doRequest(t, s, "POST", "/decide", map[string]string{"agent": "b", "intent": "slack.post", "target": "#general"}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("decide: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision map[string]interface{}
	decodeBody(t, rec, &decision)
	if decision["status"] != "ask" {
		t.Fatalf("expected ask, got %+v", decision)
	}
	id, _ := decision["id"].(string)
	if id == "" {
		t.Fatalf("expected a non-empty event id, got %+v", decision)
	}

	decideRec := doRequest(t, s, "POST", "/decide/"+id, map[string]interface{}{
		"status": "allow",
		"scopes": []string{"slack.post"},
	}, testAPIKey)
	if decideRec.Code != http.StatusOK {
		t.Fatalf("decide ticket: expected 200, got %d: %s", decideRec.Code, decideRec.Body.String())
	}
	var verdict map[string]interface{}
	decodeBody(t, decideRec, &verdict)
	if verdict["status"] != "allow" {
		t.Fatalf("expected allow verdict, got %+v", verdict)
	}
	if verdict["token"] == nil {
		t.Fatalf("expected a granted token, got %+v", verdict)
	}

	awaitRec := doRequest(t, s, "POST", "/await/"+id, nil, testAPIKey)
	if awaitRec.Code != http.StatusOK {
		t.Fatalf("await: expected 200, got %d: %s", awaitRec.Code, awaitRec.Body.String())
	}
	var awaitResp map[string]interface{}
	decodeBody(t, awaitRec, &awaitResp)
	if awaitResp["status"] != "allow" {
		t.Fatalf("expected await to observe the grant, got %+v", awaitResp)
	}
}

func TestAwaitUnknownTicketIs404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/await/does-not-exist", nil, testAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTemplatesValidateUsesSoftFailureConvention(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/templates/validate", map[string]string{"yaml": "not: [valid"}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even for invalid input, got %d", rec.Code)
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true envelope, got %+v", resp)
	}
}

func TestRolesApplyAndGet(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/roles/apply", map[string]interface{}{
		"agentId": "c",
		"overrides": map[string]interface{}{
			"allow": []string{"http.get:*"},
		},
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %+v", resp)
	}

	getRec := doRequest(t, s, "GET", "/roles/c", nil, testAPIKey)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
}

func TestTokensIssuePauseResumeRevoke(t *testing.T) {
	s := newTestServer(t)

	issueRec := doRequest(t, s, "POST", "/tokens/issue", map[string]interface{}{
		"agent": "d", "scopes": []string{"email.send"}, "durationSec": 60,
	}, testAPIKey)
	if issueRec.Code != http.StatusOK {
		t.Fatalf("issue: expected 200, got %d: %s", issueRec.Code, issueRec.Body.String())
	}
	var issueResp struct {
		Token struct {
			Token string `json:"token"`
		} `json:"token"`
	}
	decodeBody(t, issueRec, &issueResp)
	secret := issueResp.Token.Token
	if secret == "" {
		t.Fatalf("expected a token secret, got %+v", issueResp)
	}

	pauseRec := doRequest(t, s, "POST", "/tokens/pause", map[string]string{"token": secret}, testAPIKey)
	if pauseRec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", pauseRec.Code, pauseRec.Body.String())
	}

	resumeRec := doRequest(t, s, "POST", "/tokens/resume", map[string]string{"token": secret}, testAPIKey)
	if resumeRec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %s", resumeRec.Code, resumeRec.Body.String())
	}

	revokeRec := doRequest(t, s, "POST", "/tokens/revoke", map[string]string{"token": secret}, testAPIKey)
	if revokeRec.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", revokeRec.Code, revokeRec.Body.String())
	}

	unknownRec := doRequest(t, s, "POST", "/tokens/pause", map[string]string{"token": "unknown"}, testAPIKey)
	if unknownRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", unknownRec.Code)
	}
}

func TestPolicyTestIsDryRun(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/policy/test", map[string]interface{}{
		"agent": "e", "intent": "http.get", "target": "example.com",
		"policy": map[string]interface{}{"allow": []string{"http.get:*"}},
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if resp["status"] != "allow" {
		t.Fatalf("expected allow, got %+v", resp)
	}

	timelineRec := doRequest(t, s, "GET", "/timeline", nil, testAPIKey)
	var timeline map[string]interface{}
	decodeBody(t, timelineRec, &timeline)
	events, _ := timeline["events"].([]interface{})
	if len(events) != 0 {
		t.Fatalf("policy/test must not journal, got %d events", len(events))
	}
}

func TestInputFilterTest(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/input-filter/test", map[string]string{
		"content": "'; DROP TABLE users; --",
		"policy":  "strict",
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if allowed, _ := resp["allowed"].(bool); allowed {
		t.Fatalf("expected strict mode to block, got %+v", resp)
	}
}

func TestScopes(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "GET", "/scopes", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	scopes, _ := resp["scopes"].(map[string]interface{})
	if len(scopes) == 0 {
		t.Fatalf("expected a non-empty scope taxonomy")
	}
}

func TestTimelineExportFormats(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, "POST", "/decide", map[string]string{"agent": "a", "intent": "llm.chat"}, testAPIKey)

	rec := doRequest(t, s, "GET", "/timeline/export?format=csv", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("Content-Type = %q, want text/csv", ct)
	}

	bad := doRequest(t, s, "GET", "/timeline/export?format=xml", nil, testAPIKey)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", bad.Code)
	}
}

func TestMetricsChaosReportsStats(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "GET", "/metrics/chaos", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if _, ok := resp["chaosInjectionRate"]; !ok {
		t.Fatalf("expected chaosInjectionRate in response, got %+v", resp)
	}
}
