package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcnelson/stack-provisioner/internal/api"
	"github.com/bcnelson/stack-provisioner/internal/api/middleware"
	"github.com/bcnelson/stack-provisioner/internal/auth"
	"github.com/bcnelson/stack-provisioner/internal/config"
	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/logging"
	"github.com/bcnelson/stack-provisioner/internal/platform"
	"github.com/bcnelson/stack-provisioner/internal/render"
	"github.com/bcnelson/stack-provisioner/internal/service"
	"github.com/bcnelson/stack-provisioner/internal/storage/memory"
)

const (
	adminSecret = "test-admin-secret"
	jwtSecret   = "test-jwt-secret"
)

// testServer creates a test server with in-memory storage
type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, orch platform.Orchestrator) *testServer {
	t.Helper()
	logger := logging.Discard()

	if orch == nil {
		shim, err := platform.NewShim(t.TempDir(), logger)
		if err != nil {
			t.Fatalf("Failed to create shim: %v", err)
		}
		orch = shim
	}

	renderer, err := render.New(config.ProvisionerConfig{BaseDomain: "agents.example.com"})
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}

	store := memory.New()
	svc := service.NewStackService(store, orch, renderer, service.Options{
		PollInterval:    10 * time.Millisecond,
		PollMaxAttempts: 50,
		Logger:          logger,
	})
	t.Cleanup(svc.Shutdown)

	handler := api.NewRouter(store, svc, api.Options{
		Auth:   middleware.AuthConfig{AdminSecret: adminSecret, JWTSecret: jwtSecret},
		Logger: logger,
	})

	return &testServer{handler: handler, store: store}
}

func (ts *testServer) request(method, path string, body any, credential string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) deploy(t *testing.T, req domain.DeployRequest, credential string) domain.DeployResponse {
	t.Helper()
	rr := ts.request("POST", "/api/v1/stacks/deploy", req, credential)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.DeployResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	return resp
}

func (ts *testServer) waitForStatus(t *testing.T, id string, want domain.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rr := ts.request("GET", "/api/v1/stacks/"+id, nil, adminSecret)
		var stack domain.Stack
		_ = json.Unmarshal(rr.Body.Bytes(), &stack)
		if stack.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s, last %d %s", want, rr.Code, rr.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) domain.StandardError {
	t.Helper()
	var resp domain.StandardErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Expected JSON error body, got %q", rr.Body.String())
	}
	return resp.Error
}

func botRequest(tenant, name string) domain.DeployRequest {
	return domain.DeployRequest{
		TenantID: tenant,
		Template: "lightweight-bot",
		Name:     name,
		EnvVars:  map[string]string{"TELEGRAM_BOT_TOKEN": "X"},
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.request("GET", "/health", nil, "")

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	// Request without auth header
	rr := ts.request("GET", "/api/v1/stacks", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Request with invalid auth header format
	req := httptest.NewRequest("GET", "/api/v1/stacks", nil)
	req.Header.Set("Authorization", "Basic invalid")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Unknown API key
	rr = ts.request("GET", "/api/v1/stacks", nil, "invalid-key")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
	if got := errorBody(t, rr).Code; got != domain.ErrCodeUnauthorized {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeUnauthorized, got)
	}

	// Token signed with another secret
	forged, _ := auth.IssueToken("other-secret", "mallory", "acme", time.Hour)
	rr = ts.request("GET", "/api/v1/stacks", nil, forged)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for forged token, got %d", rr.Code)
	}

	rr = ts.request("GET", "/api/v1/stacks", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with admin secret, got %d", rr.Code)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	// Create API key using the admin secret
	createReq := domain.CreateAPIKeyRequest{Name: "Test Key"}
	rr := ts.request("POST", "/api/v1/keys", createReq, adminSecret)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var createResp domain.CreateAPIKeyResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &createResp)
	if createResp.Key == "" {
		t.Error("Expected key to be returned on creation")
	}
	if createResp.Name != "Test Key" {
		t.Errorf("Expected name 'Test Key', got '%s'", createResp.Name)
	}

	// Use the new API key
	rr = ts.request("GET", "/api/v1/stacks", nil, createResp.Key)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with new API key, got %d", rr.Code)
	}

	// List API keys
	rr = ts.request("GET", "/api/v1/keys", nil, createResp.Key)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var keys []*domain.APIKey
	_ = json.Unmarshal(rr.Body.Bytes(), &keys)
	if len(keys) != 1 {
		t.Errorf("Expected 1 key, got %d", len(keys))
	}

	// A tenant key cannot manage keys
	rr = ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "acme", TenantID: "acme"}, adminSecret)
	var tenantKey domain.CreateAPIKeyResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &tenantKey)
	rr = ts.request("GET", "/api/v1/keys", nil, tenantKey.Key)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for tenant key, got %d", rr.Code)
	}

	// Invalid tenant id
	rr = ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "bad", TenantID: "no spaces"}, adminSecret)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}

	// Delete API key
	rr = ts.request("DELETE", "/api/v1/keys/"+createResp.ID, nil, adminSecret)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}

	rr = ts.request("GET", "/api/v1/stacks", nil, createResp.Key)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 after delete, got %d", rr.Code)
	}
}

func TestStackLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.deploy(t, botRequest("acme", "acme-bot-01"), adminSecret)
	if resp.ExternalRef == "" || resp.ID == "" {
		t.Fatalf("Expected id and external_ref, got %+v", resp)
	}
	if resp.Status != domain.StatusDeploying {
		t.Errorf("Expected deploying, got %s", resp.Status)
	}

	ts.waitForStatus(t, resp.ID, domain.StatusRunning)

	// Status merges the live view
	rr := ts.request("GET", "/api/v1/stacks/"+resp.ID+"/status", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var report domain.StatusReport
	_ = json.Unmarshal(rr.Body.Bytes(), &report)
	if report.Stale || report.LiveStatus == nil || report.LiveStatus.Status != "running:healthy" {
		t.Errorf("Unexpected status report: %s", rr.Body.String())
	}

	// Logs
	rr = ts.request("GET", "/api/v1/stacks/"+resp.ID+"/logs?lines=5", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	var logs map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &logs)
	if logs["logs"] == "" {
		t.Error("Expected log output")
	}

	rr = ts.request("GET", "/api/v1/stacks/"+resp.ID+"/logs?lines=many", nil, adminSecret)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad lines, got %d", rr.Code)
	}

	// Stop
	rr = ts.request("POST", "/api/v1/stacks/"+resp.ID+"/stop", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var stack domain.Stack
	_ = json.Unmarshal(rr.Body.Bytes(), &stack)
	if stack.Status != domain.StatusStopped {
		t.Errorf("Expected stopped, got %s", stack.Status)
	}

	// Restart brings it back
	rr = ts.request("POST", "/api/v1/stacks/"+resp.ID+"/restart", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	ts.waitForStatus(t, resp.ID, domain.StatusRunning)

	// Events
	rr = ts.request("GET", "/api/v1/stacks/"+resp.ID+"/events", nil, adminSecret)
	var events []*domain.StackEvent
	_ = json.Unmarshal(rr.Body.Bytes(), &events)
	if len(events) < 4 {
		t.Errorf("Expected deploy, reconcile, stop and restart events, got %d", len(events))
	}

	// Delete
	rr = ts.request("DELETE", "/api/v1/stacks/"+resp.ID+"?delete_volumes=maybe", nil, adminSecret)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad delete_volumes, got %d", rr.Code)
	}

	rr = ts.request("DELETE", "/api/v1/stacks/"+resp.ID+"?delete_volumes=true", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var deleted map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &deleted)
	if deleted["status"] != "deleted" {
		t.Errorf("Expected deleted status, got %v", deleted)
	}

	// Verify deleted
	rr = ts.request("GET", "/api/v1/stacks/"+resp.ID, nil, adminSecret)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestDeployValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name      string
		req       domain.DeployRequest
		wantCode  string
		wantField string
	}{
		{"invalid name", botRequest("acme", "Acme_Bot"), domain.ErrCodeValidationError, "name"},
		{"unknown template", domain.DeployRequest{TenantID: "acme", Template: "nope", Name: "x"}, domain.ErrCodeUnknownTemplate, "template"},
		{"missing tenant", botRequest("", "bot"), domain.ErrCodeValidationError, "tenant_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.request("POST", "/api/v1/stacks/deploy", tt.req, adminSecret)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			body := errorBody(t, rr)
			if body.Code != tt.wantCode || body.Field != tt.wantField {
				t.Errorf("Expected %s on %s, got %+v", tt.wantCode, tt.wantField, body)
			}
		})
	}

	rr := ts.request("POST", "/api/v1/stacks/deploy", "not an object", adminSecret)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad body, got %d", rr.Code)
	}

	stacks, _ := ts.store.ListStacks(t.Context(), domain.StackFilter{})
	if len(stacks) != 0 {
		t.Errorf("Expected no records after rejected deploys, got %d", len(stacks))
	}
}

func TestDeployDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.deploy(t, botRequest("acme", "acme-bot-01"), adminSecret)

	rr := ts.request("POST", "/api/v1/stacks/deploy", botRequest("acme", "acme-bot-01"), adminSecret)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}
}

func TestTenantTokenIsolation(t *testing.T) {
	ts := newTestServer(t, nil)

	acme := ts.deploy(t, botRequest("acme", "acme-bot-01"), adminSecret)
	ts.deploy(t, botRequest("globex", "globex-bot-01"), adminSecret)

	token, err := auth.IssueToken(jwtSecret, "globex-ci", "globex", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	// Listing defaults to the token's tenant
	rr := ts.request("GET", "/api/v1/stacks", nil, token)
	var stacks []*domain.Stack
	_ = json.Unmarshal(rr.Body.Bytes(), &stacks)
	if len(stacks) != 1 || stacks[0].TenantID != "globex" {
		t.Errorf("Expected only globex stacks, got %s", rr.Body.String())
	}

	rr = ts.request("GET", "/api/v1/stacks?tenant_id=acme", nil, token)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 listing another tenant, got %d", rr.Code)
	}

	for _, path := range []string{"", "/status", "/logs", "/events"} {
		rr = ts.request("GET", "/api/v1/stacks/"+acme.ID+path, nil, token)
		if rr.Code != http.StatusForbidden {
			t.Errorf("GET %s: expected status 403, got %d", path, rr.Code)
		}
	}
	rr = ts.request("POST", "/api/v1/stacks/"+acme.ID+"/stop", nil, token)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 stopping another tenant's stack, got %d", rr.Code)
	}
	rr = ts.request("DELETE", "/api/v1/stacks/"+acme.ID, nil, token)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 deleting another tenant's stack, got %d", rr.Code)
	}

	rr = ts.request("POST", "/api/v1/stacks/deploy", botRequest("acme", "sneaky"), token)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 deploying into another tenant, got %d", rr.Code)
	}

	// Tenant defaults from the token
	req := botRequest("", "globex-bot-02")
	resp := ts.deploy(t, req, token)
	rr = ts.request("GET", "/api/v1/stacks/"+resp.ID, nil, token)
	var stack domain.Stack
	_ = json.Unmarshal(rr.Body.Bytes(), &stack)
	if stack.TenantID != "globex" {
		t.Errorf("Expected tenant from token, got %q", stack.TenantID)
	}
}

func TestUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"platform down"}`, http.StatusInternalServerError)
	}))
	defer upstream.Close()

	client := platform.New(config.PlatformConfig{APIURL: upstream.URL, APIToken: "t", Timeout: time.Second})
	ts := newTestServer(t, client)

	rr := ts.request("POST", "/api/v1/stacks/deploy", botRequest("acme", "acme-bot-01"), adminSecret)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := errorBody(t, rr).Code; got != domain.ErrCodeUpstreamError {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeUpstreamError, got)
	}

	stack, err := ts.store.GetStackByName(t.Context(), "acme", "acme-bot-01")
	if err != nil {
		t.Fatalf("Expected record to remain, got %v", err)
	}
	if stack.Status != domain.StatusError {
		t.Errorf("Expected error status, got %s", stack.Status)
	}

	// Never reached the platform, so there is nothing to stop
	rr = ts.request("POST", "/api/v1/stacks/"+stack.ID+"/stop", nil, adminSecret)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}
	if got := errorBody(t, rr).Code; got != domain.ErrCodeNoExternalRef {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeNoExternalRef, got)
	}

	// Delete still converges
	rr = ts.request("DELETE", "/api/v1/stacks/"+stack.ID, nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestTemplatesEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.request("GET", "/api/v1/templates", nil, adminSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var resp map[string][]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp["templates"]) != 3 {
		t.Errorf("Expected 3 templates, got %v", resp["templates"])
	}
}
