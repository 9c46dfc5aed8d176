package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockPolicyBackend simulates the entitlement backend's resolved-policy
// RPC. Per-tenant payloads are configurable, failures can be injected,
// and every request is recorded for later assertion.
type MockPolicyBackend struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	policies map[string]map[string]any
	failures int
	failCode int
	requests map[string]int
	lastAuth string
}

// NewMockPolicyBackend starts a mock backend. The server is shut down
// when the test completes.
func NewMockPolicyBackend(t *testing.T) *MockPolicyBackend {
	t.Helper()
	mb := &MockPolicyBackend{
		t:        t,
		policies: make(map[string]map[string]any),
		requests: make(map[string]int),
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handle))
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the mock backend's base URL.
func (mb *MockPolicyBackend) URL() string { return mb.server.URL }

// SetPolicy installs a wire-format payload for a tenant.
func (mb *MockPolicyBackend) SetPolicy(tenantID string, payload map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.policies[tenantID] = payload
}

// FailNext makes the next n policy requests answer with the given status.
func (mb *MockPolicyBackend) FailNext(n, status int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.failures = n
	mb.failCode = status
}

// RequestCount reports how many policy fetches a tenant has received.
func (mb *MockPolicyBackend) RequestCount(tenantID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.requests[tenantID]
}

// LastAuthorization returns the Authorization header of the most recent
// request.
func (mb *MockPolicyBackend) LastAuthorization() string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.lastAuth
}

func (mb *MockPolicyBackend) handle(w http.ResponseWriter, r *http.Request) {
	// GET /v1/tenants/{tenant}/policy
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "tenants" || parts[3] != "policy" {
		http.NotFound(w, r)
		return
	}
	tenantID := parts[2]

	mb.mu.Lock()
	mb.requests[tenantID]++
	mb.lastAuth = r.Header.Get("Authorization")
	if mb.failures > 0 {
		mb.failures--
		code := mb.failCode
		mb.mu.Unlock()
		http.Error(w, "injected failure", code)
		return
	}
	payload, ok := mb.policies[tenantID]
	mb.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// GrowthPlanPayload is a representative wire payload: a disabled base
// capability flipped on by a permanent override, a numeric seat limit,
// and a region set.
func GrowthPlanPayload() map[string]any {
	return map[string]any{
		"plan_code":    "growth",
		"plan_version": "2024-11",
		"capabilities": map[string]any{
			"exports":    false,
			"api_access": true,
			"seats":      float64(25),
			"regions":    []string{"eu-west", "us-east"},
		},
		"overrides": map[string]any{
			"exports": map[string]any{
				"enabled":    true,
				"created_at": "2024-11-01T09:00:00Z",
				"created_by": "op-9",
				"reason":     "trial extension",
			},
		},
	}
}
