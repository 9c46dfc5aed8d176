package session

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/model"
)

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(tenantID string) {
	f.invalidated = append(f.invalidated, tenantID)
}

func newSession(id, tenant string) *Session {
	return &Session{
		ID:        id,
		SubjectID: "subj-" + id,
		Email:     id + "@example.com",
		TenantID:  tenant,
		Principal: &model.AdminPrincipal{ID: "op-" + id, Role: model.RoleStaff, IsActive: true},
		StartedAt: time.Now(),
	}
}

func TestRegistry_AttachDetach(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())

	if err := r.Attach(newSession("s1", "t1")); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, ok := r.Get("s1"); !ok {
		t.Error("Get(s1) ok = false after attach")
	}
	if got := r.ActiveForTenant("t1"); got != 1 {
		t.Errorf("ActiveForTenant(t1) = %d, want 1", got)
	}

	if err := r.Attach(newSession("s1", "t1")); err == nil {
		t.Error("Attach() error = nil for duplicate id")
	}

	r.Detach("s1")
	if _, ok := r.Get("s1"); ok {
		t.Error("Get(s1) ok = true after detach")
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}

	// Unknown ids are a no-op.
	r.Detach("s1")
	r.Detach("never-existed")
}

func TestRegistry_LastDetachInvalidatesTenantPolicy(t *testing.T) {
	inv := &fakeInvalidator{}
	r := NewRegistry(inv, zap.NewNop())

	r.Attach(newSession("s1", "t1"))
	r.Attach(newSession("s2", "t1"))

	r.Detach("s1")
	if len(inv.invalidated) != 0 {
		t.Fatalf("invalidated = %v, want none while a session remains", inv.invalidated)
	}

	r.Detach("s2")
	if len(inv.invalidated) != 1 || inv.invalidated[0] != "t1" {
		t.Errorf("invalidated = %v, want [t1] after last detach", inv.invalidated)
	}
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())

	var events []Event
	unsubscribe := r.Subscribe(func(e Event) { events = append(events, e) })

	r.Attach(newSession("s1", "t1"))
	r.Detach("s1")

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != EventAttached || events[0].Session.ID != "s1" {
		t.Errorf("events[0] = %+v, want attach of s1", events[0])
	}
	if events[1].Type != EventDetached || !events[1].LastForTenant {
		t.Errorf("events[1] = %+v, want final detach of t1", events[1])
	}

	unsubscribe()
	r.Attach(newSession("s2", "t1"))
	if len(events) != 2 {
		t.Errorf("events = %d after unsubscribe, want 2", len(events))
	}
}

func TestRegistry_TenantCountsAreIndependent(t *testing.T) {
	inv := &fakeInvalidator{}
	r := NewRegistry(inv, zap.NewNop())

	r.Attach(newSession("s1", "t1"))
	r.Attach(newSession("s2", "t2"))

	r.Detach("s1")
	if len(inv.invalidated) != 1 || inv.invalidated[0] != "t1" {
		t.Fatalf("invalidated = %v, want [t1]", inv.invalidated)
	}
	if got := r.ActiveForTenant("t2"); got != 1 {
		t.Errorf("ActiveForTenant(t2) = %d, want 1", got)
	}
}
