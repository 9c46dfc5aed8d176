// Package session tracks authenticated sessions explicitly. There is
// no ambient authentication singleton anywhere in this service: every
// consumer that cares about session lifecycle holds a Registry and
// subscribes to it.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/model"
)

// Session is one authenticated principal bound to one tenant context.
// Immutable after Attach.
type Session struct {
	ID        string
	SubjectID string
	Email     string
	TenantID  string
	Principal *model.AdminPrincipal
	StartedAt time.Time
}

// EventType distinguishes lifecycle notifications.
type EventType int

const (
	EventAttached EventType = iota
	EventDetached
)

func (t EventType) String() string {
	switch t {
	case EventAttached:
		return "attached"
	case EventDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on every attach and detach.
type Event struct {
	Type    EventType
	Session *Session
	// LastForTenant is set on a detach that removed the tenant's final
	// active session.
	LastForTenant bool
}

// PolicyInvalidator drops a tenant's cached policy. Satisfied by
// policy.Store.
type PolicyInvalidator interface {
	Invalidate(tenantID string)
}

// Registry holds active sessions and fans out lifecycle events. When a
// tenant's last session detaches, the tenant's cached policy is
// invalidated so the next session starts from a fresh fetch.
type Registry struct {
	policies PolicyInvalidator
	logger   *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	perTenant map[string]int
	listeners map[uint64]func(Event)
	nextSub   uint64
}

// NewRegistry creates a Registry. policies may be nil when no policy
// cache is wired (tests, tooling).
func NewRegistry(policies PolicyInvalidator, logger *zap.Logger) *Registry {
	return &Registry{
		policies:  policies,
		logger:    logger,
		sessions:  make(map[string]*Session),
		perTenant: make(map[string]int),
		listeners: make(map[uint64]func(Event)),
	}
}

// Attach registers a session. The session id must be unique among
// active sessions.
func (r *Registry) Attach(s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session: attach requires a session with an id")
	}

	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session: id %q already attached", s.ID)
	}
	r.sessions[s.ID] = s
	r.perTenant[s.TenantID]++
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.logger.Debug("session attached",
		zap.String("session_id", s.ID),
		zap.String("tenant_id", s.TenantID),
	)
	notify(listeners, Event{Type: EventAttached, Session: s})
	return nil
}

// Detach removes a session. Detaching the tenant's last session
// invalidates that tenant's cached policy. Unknown ids are ignored.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.perTenant[s.TenantID]--
	last := r.perTenant[s.TenantID] <= 0
	if last {
		delete(r.perTenant, s.TenantID)
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if last && r.policies != nil {
		r.policies.Invalidate(s.TenantID)
		r.logger.Debug("tenant policy invalidated on last detach",
			zap.String("tenant_id", s.TenantID),
		)
	}
	notify(listeners, Event{Type: EventDetached, Session: s, LastForTenant: last})
}

// Get returns an active session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// ActiveForTenant returns the tenant's active session count.
func (r *Registry) ActiveForTenant(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perTenant[tenantID]
}

// Len returns the total number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Subscribe registers a lifecycle listener and returns its unsubscribe
// function. Listeners are invoked synchronously, outside the registry
// lock, in unspecified order.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// snapshotListeners copies the listener set; caller must hold r.mu.
func (r *Registry) snapshotListeners() []func(Event) {
	out := make([]func(Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Event), e Event) {
	for _, fn := range listeners {
		fn(e)
	}
}
