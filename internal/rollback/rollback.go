// Package rollback restores capabilities to their last known-good
// deployment state. A rollback is three independently tracked
// sub-actions: code restore, database restore, and user notification.
// Code and database failures make the rollback partial; notification is
// best-effort and only ever recorded.
package rollback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"capsmith/internal/hotswap"
	"capsmith/internal/metrics"
	"capsmith/internal/migrate"
	"capsmith/internal/notify"
	"capsmith/internal/registry"
)

// PartialFailureError reports a rollback in which at least one required
// sub-action failed. The audit entry is still written.
type PartialFailureError struct {
	Entry *registry.RollbackEntry
}

func (e *PartialFailureError) Error() string {
	var failed []string
	if e.Entry.Code.Attempted && !e.Entry.Code.OK {
		failed = append(failed, "code")
	}
	if e.Entry.Database.Attempted && !e.Entry.Database.OK {
		failed = append(failed, "database")
	}
	return fmt.Sprintf("rollback of %s partially failed: %s",
		e.Entry.CapabilityID, strings.Join(failed, ", "))
}

// Request describes one rollback invocation.
type Request struct {
	CapabilityID string
	SnapshotID   string // empty means the latest snapshot for the capability
	Reason       registry.RollbackReason
	TriggeredBy  string
	NotifyUsers  bool
}

// Manager creates deployment snapshots and restores them.
type Manager struct {
	store    *registry.Store
	loader   *hotswap.Loader
	table    *hotswap.Table
	migrator *migrate.Migrator
	notifier notify.Notifier
	locks    *registry.Locks
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewManager wires a rollback manager over the shared runtime. locks
// must be the same set the deploy engine holds, so a rollback and a
// deploy of the same capability never interleave.
func NewManager(store *registry.Store, loader *hotswap.Loader, table *hotswap.Table,
	migrator *migrate.Migrator, notifier notify.Notifier, locks *registry.Locks,
	m *metrics.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		store: store, loader: loader, table: table,
		migrator: migrator, notifier: notifier, locks: locks, metrics: m, logger: logger,
	}
}

// CreateSnapshot captures pre-deployment state for a capability about to
// be deployed: the previously deployed version of the same name (empty
// when this is the first deployment), the full active route set, and
// the current schema revision. The snapshot is immutable once written.
func (m *Manager) CreateSnapshot(ctx context.Context, c *registry.Capability) (*registry.DeploymentSnapshot, error) {
	rev, err := m.migrator.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}

	snap := &registry.DeploymentSnapshot{
		ID:             uuid.New().String(),
		CapabilityID:   c.ID,
		Routes:         m.table.Snapshot(),
		SchemaRevision: rev,
		CreatedAt:      time.Now().UTC(),
	}

	// The prior deployed version of the same name is what a code
	// restore brings back.
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, prev := range active {
		if prev.Name == c.Name && prev.ID != c.ID {
			snap.Version = prev.Version
			snap.Source = prev.Source
			snap.Dependencies = prev.Dependencies
			break
		}
	}

	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Rollback restores a deployed capability to a snapshot and marks it
// rolled_back. When the snapshot holds no prior version, the
// capability's routes are simply removed from the table and no module
// is reloaded. The capability's name lock is held for the duration, so
// an in-flight deployment of the same name finishes or fails whole
// before the restore touches anything.
func (m *Manager) Rollback(ctx context.Context, req Request) (*registry.RollbackEntry, error) {
	c, err := m.store.Capability(ctx, req.CapabilityID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Acquire(c.Name)
	defer unlock()

	// Re-read under the lock; the status may have moved while we waited.
	c, err = m.store.Capability(ctx, req.CapabilityID)
	if err != nil {
		return nil, err
	}

	// An illegal transition must surface before any sub-action runs;
	// rolling back a capability that was never deployed would otherwise
	// mutate the route table and schema first and fail after.
	if !registry.CanTransition(c.Status, registry.StatusRolledBack) {
		return nil, &registry.StateTransitionError{
			CapabilityID: c.ID, From: c.Status, To: registry.StatusRolledBack,
		}
	}

	snap, err := m.resolveSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	entry, partial := m.Restore(ctx, c, snap, req)

	if err := m.store.Transition(ctx, c.ID, registry.StatusRolledBack, string(req.Reason)); err != nil {
		return entry, err
	}
	if partial {
		return entry, &PartialFailureError{Entry: entry}
	}
	return entry, nil
}

// Restore runs the three rollback sub-actions and appends the audit
// entry. It does not change the capability's status; callers own that,
// because a deployment-failure compensation and a runtime rollback land
// in different states. The second return reports partial failure.
func (m *Manager) Restore(ctx context.Context, c *registry.Capability, snap *registry.DeploymentSnapshot, req Request) (*registry.RollbackEntry, bool) {
	entry := &registry.RollbackEntry{
		ID:           uuid.New().String(),
		CapabilityID: c.ID,
		SnapshotID:   snap.ID,
		Reason:       req.Reason,
		TriggeredBy:  req.TriggeredBy,
		CreatedAt:    time.Now().UTC(),
	}

	entry.Code = m.restoreCode(ctx, c, snap)
	entry.Database = m.restoreDatabase(ctx, snap)
	entry.Notify = m.sendNotice(ctx, c, req)

	if err := m.store.AppendRollback(ctx, entry); err != nil {
		m.logger.Error("failed to append rollback audit entry",
			zap.String("capability_id", c.ID), zap.Error(err))
	}
	m.metrics.Rollbacks.WithLabelValues(string(req.Reason)).Inc()

	partial := (entry.Code.Attempted && !entry.Code.OK) ||
		(entry.Database.Attempted && !entry.Database.OK)
	m.logger.Info("rollback executed",
		zap.String("capability_id", c.ID),
		zap.String("snapshot_id", snap.ID),
		zap.String("reason", string(req.Reason)),
		zap.Bool("partial_failure", partial))
	return entry, partial
}

// restoreCode unloads the current module, reloads the prior version
// when the snapshot has one, and restores the route table to exactly
// the snapshot's set.
func (m *Manager) restoreCode(ctx context.Context, c *registry.Capability, snap *registry.DeploymentSnapshot) registry.SubActionResult {
	res := registry.SubActionResult{Attempted: true}

	m.loader.Unload(c.Name, c.Version)
	if snap.Version != "" && snap.Source != "" && !m.loader.Loaded(c.Name, snap.Version) {
		if err := m.loader.Load(ctx, c.Name, snap.Version, string(c.Kind), snap.Source); err != nil {
			res.Error = err.Error()
			return res
		}
	}
	m.table.Restore(snap.Routes)
	res.OK = true
	return res
}

// restoreDatabase reverts schema migrations down to the snapshot's
// revision. It is skipped entirely when the schema has not moved.
func (m *Manager) restoreDatabase(ctx context.Context, snap *registry.DeploymentSnapshot) registry.SubActionResult {
	var res registry.SubActionResult

	current, err := m.migrator.CurrentRevision(ctx)
	if err != nil {
		res.Attempted = true
		res.Error = err.Error()
		return res
	}
	if current <= snap.SchemaRevision {
		return res
	}

	res.Attempted = true
	if err := m.migrator.RollbackTo(ctx, snap.SchemaRevision); err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

func (m *Manager) sendNotice(ctx context.Context, c *registry.Capability, req Request) registry.SubActionResult {
	var res registry.SubActionResult
	if !req.NotifyUsers {
		return res
	}
	res.Attempted = true
	err := m.notifier.Notify(ctx, notify.Event{
		Kind:         "rollback",
		CapabilityID: c.ID,
		Message:      fmt.Sprintf("capability %s %s was rolled back (%s)", c.Name, c.Version, req.Reason),
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

func (m *Manager) resolveSnapshot(ctx context.Context, req Request) (*registry.DeploymentSnapshot, error) {
	if req.SnapshotID != "" {
		snap, err := m.store.Snapshot(ctx, req.SnapshotID)
		if err != nil {
			return nil, err
		}
		if snap.CapabilityID != req.CapabilityID {
			return nil, fmt.Errorf("snapshot %s does not belong to capability %s", req.SnapshotID, req.CapabilityID)
		}
		return snap, nil
	}
	return m.store.LatestSnapshot(ctx, req.CapabilityID)
}
