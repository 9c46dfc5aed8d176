package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/clearance/internal/capability"
	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/model"
)

// maxEvaluateChecks bounds a single batch evaluation request.
const maxEvaluateChecks = 50

// Check operations accepted by the evaluate endpoint.
const (
	opEnabled  = "enabled"
	opLimit    = "limit"
	opContains = "contains"
)

// capabilityResponse is the effective decision for one capability.
type capabilityResponse struct {
	CapabilityID   string          `json:"capability_id"`
	Enabled        bool            `json:"enabled"`
	Limit          float64         `json:"limit"`
	Contains       *bool           `json:"contains,omitempty"`
	Known          bool            `json:"known"`
	Base           *capabilityView `json:"base,omitempty"`
	OverrideActive bool            `json:"override_active"`
}

// handleGetCapability answers the effective decision for a single
// capability. Every decision is advisory and fails closed: an unknown id
// reports enabled=false, limit=0 rather than an error, because absence
// of a grant is a valid policy state, not a lookup failure.
func handleGetCapability(resolver *capability.Resolver, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		id := chi.URLParam(r, "capabilityId")

		resp := capabilityResponse{
			CapabilityID: id,
			Enabled:      resolver.IsEnabled(r.Context(), rctx.TenantID, id),
			Limit:        resolver.Limit(r.Context(), rctx.TenantID, id),
		}

		if base, ok := resolver.RawCapability(r.Context(), rctx.TenantID, id); ok {
			resp.Known = true
			v := viewCapabilityValue(base)
			resp.Base = &v
		}
		if ov, ok := resolver.OverrideFor(r.Context(), rctx.TenantID, id); ok {
			resp.OverrideActive = !ov.Expired(time.Now())
		}
		if member := r.URL.Query().Get("member"); member != "" {
			contains := resolver.SetContains(r.Context(), rctx.TenantID, id, member)
			resp.Contains = &contains
			if metrics != nil {
				metrics.RecordCapabilityDecision(opContains, contains)
			}
		}
		if metrics != nil {
			metrics.RecordCapabilityDecision(opEnabled, resp.Enabled)
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

type evaluateRequest struct {
	Checks []capabilityCheck `json:"checks"`
}

type capabilityCheck struct {
	CapabilityID string `json:"capability_id"`
	Operation    string `json:"operation"`
	Member       string `json:"member,omitempty"`
}

type checkResult struct {
	CapabilityID string   `json:"capability_id"`
	Operation    string   `json:"operation"`
	Enabled      *bool    `json:"enabled,omitempty"`
	Limit        *float64 `json:"limit,omitempty"`
	Contains     *bool    `json:"contains,omitempty"`
}

type evaluateResponse struct {
	Results []checkResult `json:"results"`
}

// handleEvaluateCapabilities answers a batch of capability checks in one
// round trip, so a frontend can gate a whole view without N requests.
func handleEvaluateCapabilities(resolver *capability.Resolver, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var req evaluateRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if len(req.Checks) == 0 {
			WriteValidationError(w, "checks must contain at least one entry")
			return
		}
		if len(req.Checks) > maxEvaluateChecks {
			WriteValidationError(w, fmt.Sprintf("checks must not exceed %d entries", maxEvaluateChecks))
			return
		}

		results := make([]checkResult, 0, len(req.Checks))
		for i, check := range req.Checks {
			if check.CapabilityID == "" {
				WriteValidationError(w, fmt.Sprintf("checks[%d]: capability_id is required", i))
				return
			}

			result := checkResult{CapabilityID: check.CapabilityID, Operation: check.Operation}
			switch check.Operation {
			case opEnabled:
				enabled := resolver.IsEnabled(r.Context(), rctx.TenantID, check.CapabilityID)
				result.Enabled = &enabled
				if metrics != nil {
					metrics.RecordCapabilityDecision(opEnabled, enabled)
				}
			case opLimit:
				limit := resolver.Limit(r.Context(), rctx.TenantID, check.CapabilityID)
				result.Limit = &limit
				if metrics != nil {
					metrics.RecordCapabilityDecision(opLimit, limit > 0)
				}
			case opContains:
				if check.Member == "" {
					WriteValidationError(w, fmt.Sprintf("checks[%d]: contains requires a member", i))
					return
				}
				contains := resolver.SetContains(r.Context(), rctx.TenantID, check.CapabilityID, check.Member)
				result.Contains = &contains
				if metrics != nil {
					metrics.RecordCapabilityDecision(opContains, contains)
				}
			default:
				WriteValidationError(w, fmt.Sprintf("checks[%d]: unknown operation %q", i, check.Operation))
				return
			}
			results = append(results, result)
		}

		WriteJSON(w, http.StatusOK, evaluateResponse{Results: results})
	}
}
