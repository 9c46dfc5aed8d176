package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/config"
	"github.com/pitabwire/clearance/internal/rbac"
	"github.com/pitabwire/clearance/internal/session"
	"github.com/pitabwire/clearance/model"
)

func testClaimPaths() map[string]string {
	return map[string]string{
		"subject_id": "sub",
		"tenant_id":  "tenant_id",
		"email":      "email",
		"session_id": "sid",
	}
}

func authedRequest(claims map[string]any) *http.Request {
	req := httptest.NewRequest("GET", "/access/policy", nil)
	return req.WithContext(WithClaims(req.Context(), claims))
}

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRequestID_generatesWhenAbsent(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if captured == "" {
		t.Error("correlation id should be generated")
	}
	if got := w.Header().Get("X-Correlation-Id"); got != captured {
		t.Errorf("response header = %q, want %q", got, captured)
	}
}

func TestRequestID_propagatesInbound(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-inbound")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "corr-inbound" {
		t.Errorf("correlation id = %q, want corr-inbound", captured)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS_allowsConfiguredOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         300,
	}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_rejectsUnknownOrigin(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want unset for unknown origin", got)
	}
}

func TestBuildRequestContext_fromClaims(t *testing.T) {
	var rctx *model.RequestContext
	handler := BuildRequestContext(testClaimPaths())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := authedRequest(map[string]any{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"email":     "user@example.com",
		"sid":       "sess-1",
	})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rctx == nil {
		t.Fatal("request context missing")
	}
	if rctx.SubjectID != "user-1" || rctx.TenantID != "tenant-1" {
		t.Errorf("identity = %q/%q", rctx.SubjectID, rctx.TenantID)
	}
	if rctx.Email != "user@example.com" {
		t.Errorf("email = %q", rctx.Email)
	}
	if rctx.SessionID != "sess-1" {
		t.Errorf("session id = %q", rctx.SessionID)
	}
}

func TestBuildRequestContext_missingTenantRejected(t *testing.T) {
	handler := BuildRequestContext(testClaimPaths())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a tenant claim")
	}))

	req := authedRequest(map[string]any{"sub": "user-1"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestResolvePrincipal_attachesOperator(t *testing.T) {
	dir := rbac.NewMemoryDirectory([]model.AdminPrincipal{
		{ID: "op-1", Email: "ops@example.com", Role: model.RoleStaff, IsActive: true},
	})

	var rctx *model.RequestContext
	chain := BuildRequestContext(testClaimPaths())(
		ResolvePrincipal(dir, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx = model.RequestContextFrom(r.Context())
		})))

	req := authedRequest(map[string]any{
		"sub": "user-1", "tenant_id": "tenant-1", "email": "Ops@Example.COM",
	})
	chain.ServeHTTP(httptest.NewRecorder(), req)

	if rctx.Principal == nil {
		t.Fatal("principal should be resolved")
	}
	if rctx.Principal.ID != "op-1" {
		t.Errorf("principal id = %q, want op-1", rctx.Principal.ID)
	}
}

func TestResolvePrincipal_unknownEmailProceedsWithoutOperator(t *testing.T) {
	dir := rbac.NewMemoryDirectory(nil)

	var rctx *model.RequestContext
	chain := BuildRequestContext(testClaimPaths())(
		ResolvePrincipal(dir, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx = model.RequestContextFrom(r.Context())
		})))

	req := authedRequest(map[string]any{
		"sub": "user-1", "tenant_id": "tenant-1", "email": "nobody@example.com",
	})
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: tenant requests do not require an operator", w.Code)
	}
	if rctx.Principal != nil {
		t.Error("principal should be nil for unknown email")
	}
}

func TestTrackSession_attachesOnFirstSight(t *testing.T) {
	registry := session.NewRegistry(nil, zap.NewNop())

	chain := BuildRequestContext(testClaimPaths())(
		TrackSession(registry, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	claims := map[string]any{"sub": "user-1", "tenant_id": "tenant-1", "sid": "sess-1"}
	chain.ServeHTTP(httptest.NewRecorder(), authedRequest(claims))
	chain.ServeHTTP(httptest.NewRecorder(), authedRequest(claims))

	if registry.Len() != 1 {
		t.Errorf("sessions = %d, want 1 (repeat requests reuse the session)", registry.Len())
	}
	if got := registry.ActiveForTenant("tenant-1"); got != 1 {
		t.Errorf("tenant sessions = %d, want 1", got)
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	var hadDeadline bool
	handler := HandlerTimeout(5*time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !hadDeadline {
		t.Error("context should carry a deadline")
	}
}

func TestHandlerTimeout_zeroDisables(t *testing.T) {
	var hadDeadline bool
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if hadDeadline {
		t.Error("zero timeout should not set a deadline")
	}
}
