package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/clearance/internal/capability"
	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/internal/rbac"
	"github.com/pitabwire/clearance/model"
)

// operatorView is the caller's platform-operator record as seen through
// the permission gate. Permissions is empty for inactive operators even
// though the stored record still names a role.
type operatorView struct {
	ID          string     `json:"id"`
	Role        model.Role `json:"role"`
	Active      bool       `json:"active"`
	Permissions []string   `json:"permissions"`
}

type meResponse struct {
	SubjectID string        `json:"subject_id"`
	Email     string        `json:"email,omitempty"`
	TenantID  string        `json:"tenant_id"`
	Plan      *model.Plan   `json:"plan,omitempty"`
	Operator  *operatorView `json:"operator,omitempty"`
}

// handleMe describes the caller: identity, tenant plan, and the operator
// permission set when an administrative record exists.
func handleMe(resolver *capability.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		resp := meResponse{
			SubjectID: rctx.SubjectID,
			Email:     rctx.Email,
			TenantID:  rctx.TenantID,
		}
		if plan, ok := resolver.PlanInfo(r.Context(), rctx.TenantID); ok {
			resp.Plan = &plan
		}
		if rctx.Principal != nil {
			gate := rbac.NewPermissionGate(rctx.Principal)
			perms := gate.Permissions()
			if perms == nil {
				perms = []string{}
			}
			resp.Operator = &operatorView{
				ID:          rctx.Principal.ID,
				Role:        rctx.Principal.Role,
				Active:      rctx.Principal.IsActive,
				Permissions: perms,
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

type permissionCheckResponse struct {
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}

// handleCheckPermission answers a single operator permission question for
// the caller. A caller without an active operator record is denied
// everything, whatever the stored record says.
func handleCheckPermission(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		permission := chi.URLParam(r, "permission")

		gate := rbac.NewPermissionGate(rctx.Principal)
		granted := gate.Can(permission)
		if metrics != nil {
			metrics.RecordGateCheck(granted)
		}
		WriteJSON(w, http.StatusOK, permissionCheckResponse{
			Permission: permission,
			Granted:    granted,
		})
	}
}
