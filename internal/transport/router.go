package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/capability"
	"github.com/pitabwire/clearance/internal/config"
	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/internal/policy"
	"github.com/pitabwire/clearance/internal/rbac"
	"github.com/pitabwire/clearance/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Store        *policy.Store
	Resolver     *capability.Resolver
	Directory    rbac.Directory
	Registry     *session.Registry
	Checks       observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes — bypass authentication.
	r.Get("/access/health", observability.HandleHealth())
	r.Get("/access/ready", observability.HandleReady(deps.Checks))
	r.Handle("/metrics", observability.Handler())

	// Authenticated routes — full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(ResolvePrincipal(deps.Directory, logger))
		r.Use(TrackSession(deps.Registry, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/access/policy", handleGetPolicy(deps.Store, deps.Metrics))
		r.Post("/access/policy/refresh", handleRefreshPolicy(deps.Store))
		r.Get("/access/capabilities/{capabilityId}", handleGetCapability(deps.Resolver, deps.Metrics))
		r.Post("/access/capabilities/evaluate", handleEvaluateCapabilities(deps.Resolver, deps.Metrics))
		r.Post("/access/denials/classify", handleClassifyDenial(deps.Metrics))
		r.Get("/access/me", handleMe(deps.Resolver))
		r.Get("/access/me/permissions/{permission}", handleCheckPermission(deps.Metrics))
		r.Post("/access/logout", handleLogout(deps.Registry))
	})

	return r
}
