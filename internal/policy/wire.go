package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/clearance/model"
)

//go:embed policy_schema.yaml
var policySchemaYAML []byte

var (
	resolvedPolicySchema     *openapi3.Schema
	resolvedPolicySchemaOnce sync.Once
	resolvedPolicySchemaErr  error
)

// loadResolvedPolicySchema parses the embedded OpenAPI document and pins
// the ResolvedPolicy schema used to vet backend responses.
func loadResolvedPolicySchema() (*openapi3.Schema, error) {
	resolvedPolicySchemaOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(policySchemaYAML)
		if err != nil {
			resolvedPolicySchemaErr = fmt.Errorf("policy: load embedded schema: %w", err)
			return
		}
		ref, ok := doc.Components.Schemas["ResolvedPolicy"]
		if !ok || ref.Value == nil {
			resolvedPolicySchemaErr = fmt.Errorf("policy: embedded schema missing ResolvedPolicy")
			return
		}
		resolvedPolicySchema = ref.Value
	})
	return resolvedPolicySchema, resolvedPolicySchemaErr
}

// wirePolicy mirrors the backend's resolved-policy payload.
type wirePolicy struct {
	PlanCode     string                     `json:"plan_code"`
	PlanVersion  string                     `json:"plan_version"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
	Overrides    map[string]wireOverride    `json:"overrides"`
}

type wireOverride struct {
	Enabled   *bool           `json:"enabled,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by"`
	Reason    string          `json:"reason"`
}

// DecodePolicy validates and decodes a backend response body into a
// ResolvedPolicy. The payload is untrusted input: it is first checked
// against the embedded OpenAPI schema, then decoded into the tagged
// value union. Any failure means the whole payload is rejected — the
// caller treats that as absent policy, never as a partial grant.
func DecodePolicy(body []byte) (*model.ResolvedPolicy, error) {
	schema, err := loadResolvedPolicySchema()
	if err != nil {
		return nil, err
	}

	var shape any
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("policy: malformed payload: %w", err)
	}
	if err := schema.VisitJSON(shape); err != nil {
		return nil, fmt.Errorf("policy: payload rejected by schema: %w", err)
	}

	var wire wirePolicy
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("policy: decode payload: %w", err)
	}

	resolved := &model.ResolvedPolicy{
		Plan:         model.Plan{Code: wire.PlanCode, Version: wire.PlanVersion},
		Capabilities: make(model.CapabilitySet, len(wire.Capabilities)),
		Overrides:    make(map[string]model.Override, len(wire.Overrides)),
	}

	for id, raw := range wire.Capabilities {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("policy: capability %q: %w", id, err)
		}
		resolved.Capabilities[id] = v
	}

	for id, ov := range wire.Overrides {
		decoded := model.Override{
			Enabled:   ov.Enabled,
			ExpiresAt: ov.ExpiresAt,
			CreatedAt: ov.CreatedAt,
			CreatedBy: ov.CreatedBy,
			Reason:    ov.Reason,
		}
		if len(ov.Value) > 0 {
			v, err := decodeValue(ov.Value)
			if err != nil {
				return nil, fmt.Errorf("policy: override %q: %w", id, err)
			}
			decoded.Value = &v
		}
		resolved.Overrides[id] = decoded
	}

	return resolved, nil
}

// encodePolicy renders a snapshot back into the backend wire format, so
// warm-cached snapshots round-trip through the same validated decoder as
// live fetches.
func encodePolicy(p *model.ResolvedPolicy) (json.RawMessage, error) {
	wire := wirePolicy{
		PlanCode:     p.Plan.Code,
		PlanVersion:  p.Plan.Version,
		Capabilities: make(map[string]json.RawMessage, len(p.Capabilities)),
		Overrides:    make(map[string]wireOverride, len(p.Overrides)),
	}
	for id, v := range p.Capabilities {
		raw, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("policy: encode capability %q: %w", id, err)
		}
		wire.Capabilities[id] = raw
	}
	for id, ov := range p.Overrides {
		encoded := wireOverride{
			Enabled:   ov.Enabled,
			ExpiresAt: ov.ExpiresAt,
			CreatedAt: ov.CreatedAt,
			CreatedBy: ov.CreatedBy,
			Reason:    ov.Reason,
		}
		if ov.Value != nil {
			raw, err := encodeValue(*ov.Value)
			if err != nil {
				return nil, fmt.Errorf("policy: encode override %q: %w", id, err)
			}
			encoded.Value = raw
		}
		wire.Overrides[id] = encoded
	}
	return json.Marshal(wire)
}

func encodeValue(v model.CapabilityValue) (json.RawMessage, error) {
	switch v.Kind {
	case model.KindBoolean:
		return json.Marshal(v.Bool)
	case model.KindNumeric:
		return json.Marshal(v.Num)
	case model.KindStringSet:
		set := v.Set
		if set == nil {
			set = []string{}
		}
		return json.Marshal(set)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// decodeValue maps a raw JSON value onto the tagged union. This is the
// single place capability value shapes are inspected; everything past
// this boundary works with model.CapabilityValue kinds.
func decodeValue(raw json.RawMessage) (model.CapabilityValue, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return model.BoolValue(b), nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return model.NumValue(n), nil
	}
	var set []string
	if err := json.Unmarshal(raw, &set); err == nil {
		return model.SetValue(set...), nil
	}
	return model.CapabilityValue{}, fmt.Errorf("unsupported value shape %s", string(raw))
}
