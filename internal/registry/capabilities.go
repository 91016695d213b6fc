package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCapability inserts a new capability. A missing ID is generated;
// a missing status defaults to draft.
func (s *Store) CreateCapability(ctx context.Context, c *Capability) error {
	if c.Name == "" || c.Version == "" {
		return fmt.Errorf("capability name and version are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Author == "" {
		c.Author = AuthorHuman
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	deps, err := json.Marshal(c.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	routes, err := json.Marshal(c.Routes)
	if err != nil {
		return fmt.Errorf("failed to marshal routes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capabilities
			(id, name, version, kind, status, source, author, dependencies_json, routes_json, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Version, string(c.Kind), string(c.Status), c.Source,
		string(c.Author), string(deps), string(routes), c.FailureReason,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capability: %w", err)
	}
	return nil
}

// Capability loads one capability by id.
func (s *Store) Capability(ctx context.Context, id string) (*Capability, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, kind, status, source, author,
		       dependencies_json, routes_json, failure_reason, created_at, updated_at
		FROM capabilities WHERE id = ?`, id)
	c, err := scanCapability(row)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		nf.ID = id
	}
	return c, err
}

// ListCapabilities returns capabilities filtered by status; an empty
// status returns everything.
func (s *Store) ListCapabilities(ctx context.Context, status Status) ([]*Capability, error) {
	query := `
		SELECT id, name, version, kind, status, source, author,
		       dependencies_json, routes_json, failure_reason, created_at, updated_at
		FROM capabilities`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer rows.Close()

	var out []*Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActive returns all deployed capabilities.
func (s *Store) ListActive(ctx context.Context) ([]*Capability, error) {
	return s.ListCapabilities(ctx, StatusDeployed)
}

// DeployedVersion returns the version of the deployed capability with the
// given name, if any.
func (s *Store) DeployedVersion(ctx context.Context, name string) (string, bool, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM capabilities WHERE name = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`,
		name, string(StatusDeployed)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query deployed version: %w", err)
	}
	return version, true, nil
}

// Transition moves a capability to a new status with an atomic
// compare-and-set on the current one. An illegal or raced move returns
// StateTransitionError and leaves the row untouched. The reason is stored
// in failure_reason (cleared when empty).
func (s *Store) Transition(ctx context.Context, id string, to Status, reason string) error {
	current, err := s.Capability(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, to) {
		return &StateTransitionError{CapabilityID: id, From: current.Status, To: to}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE capabilities SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), reason, time.Now().UTC(), id, string(current.Status))
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Lost the CAS to a concurrent writer.
		raced, rerr := s.Capability(ctx, id)
		if rerr != nil {
			return rerr
		}
		return &StateTransitionError{CapabilityID: id, From: raced.Status, To: to}
	}
	return nil
}

// CheckConstraints verifies every declared dependency constraint against
// currently deployed versions. The first unsatisfied constraint is
// returned as a DependencyError naming the dependency.
func (s *Store) CheckConstraints(ctx context.Context, c *Capability) error {
	for _, dep := range c.Dependencies {
		version, found, err := s.DeployedVersion(ctx, dep.Name)
		if err != nil {
			return err
		}
		if !found {
			return &DependencyError{CapabilityID: c.ID, Dependency: dep.Name, Constraint: dep.Constraint}
		}
		ok, err := Satisfies(version, dep.Constraint)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep.Name, err)
		}
		if !ok {
			return &DependencyError{CapabilityID: c.ID, Dependency: dep.Name, Constraint: dep.Constraint, Deployed: version}
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapability(row rowScanner) (*Capability, error) {
	var c Capability
	var kind, status, author, deps, routes string
	err := row.Scan(&c.ID, &c.Name, &c.Version, &kind, &status, &c.Source,
		&author, &deps, &routes, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "capability", ID: c.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan capability: %w", err)
	}
	c.Kind = Kind(kind)
	c.Status = Status(status)
	c.Author = Author(author)
	if err := json.Unmarshal([]byte(deps), &c.Dependencies); err != nil {
		return nil, fmt.Errorf("corrupt dependencies for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(routes), &c.Routes); err != nil {
		return nil, fmt.Errorf("corrupt routes for %s: %w", c.ID, err)
	}
	return &c, nil
}
