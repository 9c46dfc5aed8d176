// Package capability evaluates a tenant's effective entitlements against
// the current resolved-policy snapshot.
//
// Every decision made here is advisory: it gates what the UI offers, and
// the entitlement backend re-checks each mutation regardless. The one
// contract this layer must never break is failing closed — when no
// snapshot is available, every getter returns the deny/zero value rather
// than guessing open.
package capability

import (
	"context"
	"time"

	"github.com/pitabwire/clearance/model"
)

// SnapshotSource supplies the current resolved policy for a tenant.
// A nil snapshot means no policy has ever been obtained; resolution
// fails closed in that case.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tenantID string) *model.ResolvedPolicy
}

// Resolver answers capability questions for tenants. It holds no state
// of its own beyond the snapshot source and a clock; all methods are
// safe for concurrent use.
type Resolver struct {
	source SnapshotSource
	now    func() time.Time
}

// NewResolver creates a Resolver over the given snapshot source.
func NewResolver(source SnapshotSource) *Resolver {
	return &Resolver{source: source, now: time.Now}
}

// WithClock returns a copy of the resolver using the given clock.
// Override expiration is evaluated lazily at every read, so tests pin
// the clock instead of sleeping.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	return &Resolver{source: r.source, now: now}
}

// IsEnabled reports whether the boolean capability is on for the tenant.
// A non-expired override defining Enabled wins unconditionally over the
// base value, even when they disagree. Missing policy, missing id, or a
// non-boolean base value all resolve to false.
func (r *Resolver) IsEnabled(ctx context.Context, tenantID, id string) bool {
	policy := r.source.Snapshot(ctx, tenantID)
	if policy == nil {
		return false
	}
	if ov, ok := r.activeOverride(policy, id); ok {
		if ov.Enabled != nil {
			return *ov.Enabled
		}
		if ov.Value != nil && ov.Value.Kind == model.KindBoolean {
			return ov.Value.Bool
		}
	}
	if base, ok := policy.Capabilities[id]; ok && base.Kind == model.KindBoolean {
		return base.Bool
	}
	return false
}

// Limit returns the numeric limit for the capability. Missing policy,
// missing id, or a non-numeric base value all resolve to 0.
//
// 0 (or a negative grant) means "no entitlement". There is no
// unlimited-by-default convention: a plan that wants an unbounded limit
// must grant it explicitly, either as a large number or as a separate
// boolean capability.
func (r *Resolver) Limit(ctx context.Context, tenantID, id string) float64 {
	policy := r.source.Snapshot(ctx, tenantID)
	if policy == nil {
		return 0
	}
	if ov, ok := r.activeOverride(policy, id); ok {
		if ov.Value != nil && ov.Value.Kind == model.KindNumeric {
			return ov.Value.Num
		}
	}
	if base, ok := policy.Capabilities[id]; ok && base.Kind == model.KindNumeric {
		return base.Num
	}
	return 0
}

// SetContains reports whether the string-set capability contains member.
// The literal member "all" in the effective set matches any queried
// value. Missing policy, missing id, or a non-set base value resolve to
// no membership.
func (r *Resolver) SetContains(ctx context.Context, tenantID, id, member string) bool {
	policy := r.source.Snapshot(ctx, tenantID)
	if policy == nil {
		return false
	}
	if ov, ok := r.activeOverride(policy, id); ok {
		if ov.Value != nil && ov.Value.Kind == model.KindStringSet {
			return ov.Value.Contains(member)
		}
	}
	if base, ok := policy.Capabilities[id]; ok && base.Kind == model.KindStringSet {
		return base.Contains(member)
	}
	return false
}

// PlanInfo returns the tenant's subscribed plan, or false when no
// snapshot is available.
func (r *Resolver) PlanInfo(ctx context.Context, tenantID string) (model.Plan, bool) {
	policy := r.source.Snapshot(ctx, tenantID)
	if policy == nil {
		return model.Plan{}, false
	}
	return policy.Plan, true
}

// RawCapability returns the unresolved base capability value, bypassing
// overrides. Diagnostic use only.
func (r *Resolver) RawCapability(ctx context.Context, tenantID, id string) (model.CapabilityValue, bool) {
	policy := r.source.Snapshot(ctx, tenantID)
	if policy == nil {
		return model.CapabilityValue{}, false
	}
	v, ok := policy.Capabilities[id]
	return v, ok
}

// OverrideFor returns the raw override record for the capability,
// including expired records, which remain in storage until the issuing
// system removes them. Diagnostic use only; resolution filters expired
// overrides itself.
func (r *Resolver) OverrideFor(ctx context.Context, tenantID, id string) (model.Override, bool) {
	policy := r.source.Snapshot(ctx, tenantID)
	if policy == nil {
		return model.Override{}, false
	}
	ov, ok := policy.Overrides[id]
	return ov, ok
}

// activeOverride returns the override for id if one exists and has not
// expired at the current wall-clock instant. Expiration is recomputed on
// every read, so a snapshot cached within its TTL can never serve an
// expired override as still active.
func (r *Resolver) activeOverride(policy *model.ResolvedPolicy, id string) (model.Override, bool) {
	ov, ok := policy.Overrides[id]
	if !ok || ov.Expired(r.now()) {
		return model.Override{}, false
	}
	return ov, true
}
