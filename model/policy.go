// Package model holds the domain types shared across clearance: resolved
// tenant policies, capability values, operator principals, and the error
// envelope. Types here are plain values with no I/O.
package model

import "time"

// ValueKind discriminates the three capability value shapes a plan may
// grant: a feature switch, a numeric limit, or a set of string members.
type ValueKind int

const (
	// KindBoolean is an on/off feature switch.
	KindBoolean ValueKind = iota
	// KindNumeric is a numeric limit (seats, monthly documents, ...).
	KindNumeric
	// KindStringSet is a membership set (enabled regions, export formats, ...).
	KindStringSet
)

func (k ValueKind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindNumeric:
		return "numeric"
	case KindStringSet:
		return "string_set"
	default:
		return "unknown"
	}
}

// WildcardMember is the literal set member that matches any queried value
// in a string-set capability.
const WildcardMember = "all"

// CapabilityValue is a tagged union of the three value kinds. Exactly one
// of Bool, Num, or Set is meaningful, selected by Kind. Values are
// validated once at the policy-fetch boundary; resolution logic never
// type-sniffs.
type CapabilityValue struct {
	Kind ValueKind
	Bool bool
	Num  float64
	Set  []string
}

// BoolValue builds a boolean capability value.
func BoolValue(v bool) CapabilityValue {
	return CapabilityValue{Kind: KindBoolean, Bool: v}
}

// NumValue builds a numeric capability value.
func NumValue(v float64) CapabilityValue {
	return CapabilityValue{Kind: KindNumeric, Num: v}
}

// SetValue builds a string-set capability value.
func SetValue(members ...string) CapabilityValue {
	return CapabilityValue{Kind: KindStringSet, Set: members}
}

// Contains reports whether the set contains member, honoring the "all"
// wildcard. Always false for non-set kinds.
func (v CapabilityValue) Contains(member string) bool {
	if v.Kind != KindStringSet {
		return false
	}
	for _, m := range v.Set {
		if m == member || m == WildcardMember {
			return true
		}
	}
	return false
}

// CapabilitySet maps capability id → granted value. Absence of an id
// means not granted / zero limit / empty set.
type CapabilitySet map[string]CapabilityValue

// Override is a time-bounded exception to a tenant's base-plan value,
// issued out-of-band by platform operators. A nil ExpiresAt means the
// override is permanent. An override whose ExpiresAt has passed is
// logically absent at read time even though the record still exists;
// clearance never purges expired records.
type Override struct {
	// Enabled carries the override value for boolean capabilities.
	Enabled *bool
	// Value carries the override value for numeric and set capabilities.
	Value *CapabilityValue
	// ExpiresAt bounds the override in time; nil means permanent.
	ExpiresAt *time.Time
	CreatedAt time.Time
	CreatedBy string
	Reason    string
}

// Expired reports whether the override is logically absent at the given
// instant. The boundary is inclusive: an override expires exactly at
// ExpiresAt.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Plan identifies the tenant's subscribed tier. Opaque to clearance
// beyond display.
type Plan struct {
	Code    string `json:"plan_code"`
	Version string `json:"plan_version"`
}

// ResolvedPolicy is the unit fetched and cached per tenant: the plan,
// the base capability grants, and any operator overrides. Snapshots are
// immutable after construction; the policy store replaces them
// atomically.
type ResolvedPolicy struct {
	Plan         Plan
	Capabilities CapabilitySet
	Overrides    map[string]Override
}
