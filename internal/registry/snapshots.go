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

// SaveSnapshot persists an immutable deployment snapshot. Snapshots are
// never updated after insert.
func (s *Store) SaveSnapshot(ctx context.Context, snap *DeploymentSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	config, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	routes, err := json.Marshal(snap.Routes)
	if err != nil {
		return fmt.Errorf("failed to marshal routes: %w", err)
	}
	deps, err := json.Marshal(snap.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(id, capability_id, version, source, config_json, routes_json, dependencies_json, schema_revision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.CapabilityID, snap.Version, snap.Source, string(config),
		string(routes), string(deps), snap.SchemaRevision, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Snapshot loads one snapshot by id.
func (s *Store) Snapshot(ctx context.Context, id string) (*DeploymentSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, version, source, config_json, routes_json, dependencies_json, schema_revision, created_at
		FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "snapshot", ID: id}
	}
	return snap, err
}

// LatestSnapshot returns the most recent snapshot for a capability.
func (s *Store) LatestSnapshot(ctx context.Context, capabilityID string) (*DeploymentSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, version, source, config_json, routes_json, dependencies_json, schema_revision, created_at
		FROM snapshots WHERE capability_id = ?
		ORDER BY created_at DESC LIMIT 1`, capabilityID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "snapshot for capability", ID: capabilityID}
	}
	return snap, err
}

// SnapshotsFor returns all snapshots for a capability, newest first.
func (s *Store) SnapshotsFor(ctx context.Context, capabilityID string) ([]*DeploymentSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability_id, version, source, config_json, routes_json, dependencies_json, schema_revision, created_at
		FROM snapshots WHERE capability_id = ?
		ORDER BY created_at DESC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*DeploymentSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CountSnapshots returns the total number of snapshots for a capability.
func (s *Store) CountSnapshots(ctx context.Context, capabilityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE capability_id = ?`, capabilityID).Scan(&n)
	return n, err
}

func scanSnapshot(row rowScanner) (*DeploymentSnapshot, error) {
	var snap DeploymentSnapshot
	var config, routes, deps string
	err := row.Scan(&snap.ID, &snap.CapabilityID, &snap.Version, &snap.Source,
		&config, &routes, &deps, &snap.SchemaRevision, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(config), &snap.Config); err != nil {
		return nil, fmt.Errorf("corrupt config for snapshot %s: %w", snap.ID, err)
	}
	if err := json.Unmarshal([]byte(routes), &snap.Routes); err != nil {
		return nil, fmt.Errorf("corrupt routes for snapshot %s: %w", snap.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &snap.Dependencies); err != nil {
		return nil, fmt.Errorf("corrupt dependencies for snapshot %s: %w", snap.ID, err)
	}
	return &snap, nil
}
