// Package integration provides a reusable test harness for end-to-end
// testing of the clearance server. It starts a full HTTP server wired
// against a mock entitlement backend, an in-memory operator directory,
// and a test JWT issuer.
package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/capability"
	"github.com/pitabwire/clearance/internal/config"
	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/internal/policy"
	"github.com/pitabwire/clearance/internal/rbac"
	"github.com/pitabwire/clearance/internal/session"
	"github.com/pitabwire/clearance/internal/transport"
	"github.com/pitabwire/clearance/model"
)

// TestHarness encapsulates a fully wired clearance instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Backend  *MockPolicyBackend
	Store    *policy.Store
	Registry *session.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	roster    []model.AdminPrincipal
	freshTTL  time.Duration
	evictTTL  time.Duration
	warmCache policy.SnapshotCache
}

// WithRoster sets the static operator roster backing the directory.
func WithRoster(principals ...model.AdminPrincipal) HarnessOption {
	return func(c *harnessConfig) {
		c.roster = principals
	}
}

// WithPolicyTTLs overrides the policy store's fresh and evict windows.
func WithPolicyTTLs(fresh, evict time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.freshTTL = fresh
		c.evictTTL = evict
	}
}

// WithWarmCache attaches a snapshot cache to the policy store.
func WithWarmCache(cache policy.SnapshotCache) HarnessOption {
	return func(c *harnessConfig) {
		c.warmCache = cache
	}
}

// NewTestHarness creates and starts a full clearance test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		freshTTL: 5 * time.Minute,
		evictTTL: 10 * time.Minute,
		roster: []model.AdminPrincipal{
			{ID: "op-1", Email: "ops@example.com", Role: model.RoleStaff, IsActive: true},
			{ID: "op-2", Email: "root@example.com", Role: model.RoleSuperAdmin, IsActive: true},
			{ID: "op-3", Email: "departed@example.com", Role: model.RoleAdmin, IsActive: false},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	h.Backend = NewMockPolicyBackend(t)
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = 10 * time.Second
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Backend.BaseURL = h.Backend.URL()
	h.cfg.Backend.Retry.MaxRetries = 1
	h.cfg.Backend.Retry.BackoffInitial = time.Millisecond
	h.cfg.Policy.FreshTTL = hc.freshTTL
	h.cfg.Policy.EvictTTL = hc.evictTTL

	logger := zap.NewNop()

	client := policy.NewClient(h.cfg.Backend, logger)
	var storeOpts []policy.StoreOption
	if hc.warmCache != nil {
		storeOpts = append(storeOpts, policy.WithWarmCache(hc.warmCache))
	}
	h.Store = policy.NewStore(client, hc.freshTTL, hc.evictTTL, logger, storeOpts...)
	resolver := capability.NewResolver(h.Store)

	directory := rbac.NewMemoryDirectory(hc.roster)
	h.Registry = session.NewRegistry(h.Store, logger)

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Store:        h.Store,
		Resolver:     resolver,
		Directory:    directory,
		Registry:     h.Registry,
		Checks: observability.ReadinessChecks{
			PolicyBackend: client,
			Directory:     directory,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// Token returns a signed JWT for the given claims.
func (h *TestHarness) Token(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// DefaultClaims are the claims most flows use: a staff operator on
// tenant-1.
func DefaultClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
		Email:     "ops@example.com",
		SessionID: "sess-1",
	}
}

// Do executes a request against the harness server with the given token.
func (h *TestHarness) Do(method, path, token, body string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// DecodeJSON decodes a response body and closes it.
func DecodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
