package transport

import (
	"net/http"

	"github.com/pitabwire/clearance/internal/session"
	"github.com/pitabwire/clearance/model"
)

// handleLogout detaches the caller's session from the registry. Detaching
// the last session for a tenant drops that tenant's cached policy, so a
// returning tenant starts from a fresh fetch. Idempotent: logging out an
// unknown or already-detached session succeeds.
func handleLogout(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		if registry != nil && rctx.SessionID != "" {
			registry.Detach(rctx.SessionID)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
