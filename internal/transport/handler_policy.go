package transport

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/internal/policy"
	"github.com/pitabwire/clearance/model"
)

// capabilityView is the wire form of a resolved capability value.
type capabilityView struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

// overrideView is the wire form of an operator override, including
// whether it is active at serve time. Expired records remain visible for
// diagnostics; resolution already treats them as absent.
type overrideView struct {
	Enabled   *bool           `json:"enabled,omitempty"`
	Value     *capabilityView `json:"value,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Active    bool            `json:"active"`
}

// policyResponse is the diagnostic resolved-policy view.
type policyResponse struct {
	Plan         model.Plan                `json:"plan"`
	Capabilities map[string]capabilityView `json:"capabilities"`
	Overrides    map[string]overrideView   `json:"overrides,omitempty"`
	Stale        bool                      `json:"stale,omitempty"`
	Warning      string                    `json:"warning,omitempty"`
}

func viewCapabilityValue(v model.CapabilityValue) capabilityView {
	switch v.Kind {
	case model.KindNumeric:
		return capabilityView{Kind: v.Kind.String(), Value: v.Num}
	case model.KindStringSet:
		members := v.Set
		if members == nil {
			members = []string{}
		}
		return capabilityView{Kind: v.Kind.String(), Value: members}
	default:
		return capabilityView{Kind: v.Kind.String(), Value: v.Bool}
	}
}

func viewPolicy(snapshot *model.ResolvedPolicy, now time.Time) policyResponse {
	resp := policyResponse{
		Plan:         snapshot.Plan,
		Capabilities: make(map[string]capabilityView, len(snapshot.Capabilities)),
	}
	for id, v := range snapshot.Capabilities {
		resp.Capabilities[id] = viewCapabilityValue(v)
	}
	if len(snapshot.Overrides) > 0 {
		resp.Overrides = make(map[string]overrideView, len(snapshot.Overrides))
		for id, ov := range snapshot.Overrides {
			view := overrideView{
				Enabled:   ov.Enabled,
				ExpiresAt: ov.ExpiresAt,
				CreatedAt: ov.CreatedAt,
				CreatedBy: ov.CreatedBy,
				Reason:    ov.Reason,
				Active:    !ov.Expired(now),
			}
			if ov.Value != nil {
				v := viewCapabilityValue(*ov.Value)
				view.Value = &v
			}
			resp.Overrides[id] = view
		}
	}
	return resp
}

// handleGetPolicy serves the tenant's resolved policy, refreshing it when
// stale. A stale snapshot with a failed refresh is still served, flagged
// so callers can warn.
func handleGetPolicy(store *policy.Store, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		snapshot, err := store.Fetch(r.Context(), rctx.TenantID)
		if snapshot == nil {
			WriteError(w, err)
			return
		}

		resp := viewPolicy(snapshot, time.Now())
		if err != nil {
			resp.Stale = true
			resp.Warning = "Serving the last-known policy; the entitlement backend is unreachable"
			if metrics != nil {
				metrics.RecordStaleSnapshotServed()
			}
			observability.RequestLogger(r.Context(), nil).Warn("serving stale policy",
				zap.String("tenant_id", rctx.TenantID),
				zap.Error(err),
			)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// handleRefreshPolicy forces a refetch, superseding any fetch in flight.
func handleRefreshPolicy(store *policy.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		snapshot, err := store.Refresh(r.Context(), rctx.TenantID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewPolicy(snapshot, time.Now()))
	}
}
