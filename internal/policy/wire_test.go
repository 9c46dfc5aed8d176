package policy

import (
	"testing"
	"time"

	"github.com/pitabwire/clearance/model"
)

const samplePayload = `{
	"plan_code": "growth",
	"plan_version": "2026-01",
	"capabilities": {
		"purchase_orders": true,
		"max_users": 25,
		"export_formats": ["csv", "pdf"]
	},
	"overrides": {
		"purchase_orders": {
			"enabled": false,
			"expires_at": "2026-04-01T00:00:00Z",
			"created_at": "2026-03-01T09:30:00Z",
			"created_by": "ops@example.com",
			"reason": "billing dispute"
		},
		"max_users": {
			"value": 100,
			"created_at": "2026-02-15T08:00:00Z",
			"created_by": "ops@example.com",
			"reason": "pilot expansion"
		}
	}
}`

func TestDecodePolicy(t *testing.T) {
	resolved, err := DecodePolicy([]byte(samplePayload))
	if err != nil {
		t.Fatalf("DecodePolicy() error = %v", err)
	}

	if resolved.Plan.Code != "growth" || resolved.Plan.Version != "2026-01" {
		t.Errorf("Plan = %+v, want growth/2026-01", resolved.Plan)
	}

	if v := resolved.Capabilities["purchase_orders"]; v.Kind != model.KindBoolean || !v.Bool {
		t.Errorf("purchase_orders = %+v, want boolean true", v)
	}
	if v := resolved.Capabilities["max_users"]; v.Kind != model.KindNumeric || v.Num != 25 {
		t.Errorf("max_users = %+v, want numeric 25", v)
	}
	if v := resolved.Capabilities["export_formats"]; v.Kind != model.KindStringSet || !v.Contains("csv") {
		t.Errorf("export_formats = %+v, want set with csv", v)
	}

	ov, ok := resolved.Overrides["purchase_orders"]
	if !ok {
		t.Fatal("missing purchase_orders override")
	}
	if ov.Enabled == nil || *ov.Enabled {
		t.Errorf("override Enabled = %v, want false", ov.Enabled)
	}
	if ov.ExpiresAt == nil || !ov.ExpiresAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("override ExpiresAt = %v, want 2026-04-01", ov.ExpiresAt)
	}

	numOv := resolved.Overrides["max_users"]
	if numOv.Value == nil || numOv.Value.Kind != model.KindNumeric || numOv.Value.Num != 100 {
		t.Errorf("max_users override value = %+v, want numeric 100", numOv.Value)
	}
	if numOv.ExpiresAt != nil {
		t.Error("max_users override should be permanent")
	}
}

func TestDecodePolicy_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>gateway error</html>"},
		{"json scalar", `"ok"`},
		{"missing plan_code", `{"capabilities": {}}`},
		{"capabilities wrong type", `{"plan_code": "x", "capabilities": []}`},
		{"object capability value", `{"plan_code": "x", "capabilities": {"a": {"nested": true}}}`},
		{"mixed array members", `{"plan_code": "x", "capabilities": {"a": ["csv", 5]}}`},
		{"override not object", `{"plan_code": "x", "capabilities": {}, "overrides": {"a": 5}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePolicy([]byte(tt.body)); err == nil {
				t.Error("DecodePolicy() error = nil, want rejection")
			}
		})
	}
}

func TestEncodePolicy_RoundTrip(t *testing.T) {
	enabled := false
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	limit := model.NumValue(100)
	original := &model.ResolvedPolicy{
		Plan: model.Plan{Code: "growth", Version: "2026-01"},
		Capabilities: model.CapabilitySet{
			"purchase_orders": model.BoolValue(true),
			"max_users":       model.NumValue(25),
			"export_formats":  model.SetValue("csv", "pdf"),
		},
		Overrides: map[string]model.Override{
			"purchase_orders": {Enabled: &enabled, ExpiresAt: &expires, CreatedBy: "ops@example.com"},
			"max_users":       {Value: &limit, CreatedBy: "ops@example.com"},
		},
	}

	raw, err := encodePolicy(original)
	if err != nil {
		t.Fatalf("encodePolicy() error = %v", err)
	}
	decoded, err := DecodePolicy(raw)
	if err != nil {
		t.Fatalf("DecodePolicy(encoded) error = %v", err)
	}

	if decoded.Plan != original.Plan {
		t.Errorf("Plan = %+v, want %+v", decoded.Plan, original.Plan)
	}
	if v := decoded.Capabilities["export_formats"]; !v.Contains("pdf") {
		t.Errorf("export_formats lost members: %+v", v)
	}
	ov := decoded.Overrides["purchase_orders"]
	if ov.Enabled == nil || *ov.Enabled {
		t.Errorf("override Enabled = %v, want false", ov.Enabled)
	}
	if ov.ExpiresAt == nil || !ov.ExpiresAt.Equal(expires) {
		t.Errorf("override ExpiresAt = %v, want %v", ov.ExpiresAt, expires)
	}
}
