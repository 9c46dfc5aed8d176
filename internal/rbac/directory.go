package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/clearance/model"
)

// Directory looks up operator records from external administrative
// storage. This service never writes those records; they are owned by
// the account-management system.
type Directory interface {
	// LookupByEmail returns the operator record for an email address,
	// matched case-insensitively. A missing record returns a NOT_FOUND
	// envelope; callers treat that the same as an inactive principal.
	LookupByEmail(ctx context.Context, email string) (*model.AdminPrincipal, error)
}

// --- PGDirectory ---

// PGDirectory reads operator records from PostgreSQL.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory constructs a PostgreSQL-backed directory.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// HealthCheck verifies connectivity for readiness checks.
func (d *PGDirectory) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// LookupByEmail fetches an operator record by email.
func (d *PGDirectory) LookupByEmail(ctx context.Context, email string) (*model.AdminPrincipal, error) {
	const query = `
		SELECT id, email, role, is_active
		FROM admin_principals
		WHERE lower(email) = lower($1)`

	var p model.AdminPrincipal
	var role string
	err := d.pool.QueryRow(ctx, query, email).Scan(&p.ID, &p.Email, &role, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NewNotFoundError("no operator record for identity")
		}
		return nil, fmt.Errorf("rbac: directory lookup: %w", err)
	}
	p.Role = model.Role(role)
	return &p, nil
}

// --- MemoryDirectory ---

// MemoryDirectory serves a fixed operator list. Used in tests and in
// deployments whose operator roster is declared in config.
type MemoryDirectory struct {
	byEmail map[string]model.AdminPrincipal
}

// NewMemoryDirectory builds a directory over a static roster.
func NewMemoryDirectory(principals []model.AdminPrincipal) *MemoryDirectory {
	d := &MemoryDirectory{byEmail: make(map[string]model.AdminPrincipal, len(principals))}
	for _, p := range principals {
		d.byEmail[strings.ToLower(p.Email)] = p
	}
	return d
}

// HealthCheck always succeeds; the roster is in memory.
func (d *MemoryDirectory) HealthCheck(_ context.Context) error { return nil }

// LookupByEmail returns the roster entry for an email address.
func (d *MemoryDirectory) LookupByEmail(_ context.Context, email string) (*model.AdminPrincipal, error) {
	p, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, model.NewNotFoundError("no operator record for identity")
	}
	out := p
	return &out, nil
}
