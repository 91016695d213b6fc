// Package migrate applies and reverts capability schema migrations.
// Migrations are raw SQL documents split by "-- capsmith:up" and
// "-- capsmith:down" markers; each apply records its down SQL so the
// rollback manager can restore any prior revision.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	upMarker   = "-- capsmith:up"
	downMarker = "-- capsmith:down"

	// One global lock serializes all schema mutation, across processes
	// sharing the database file.
	migrationLockID = 742001
)

// ErrNoUpSection is returned when a migration document lacks an up
// section.
var ErrNoUpSection = errors.New("migration has no up section")

// LockTimeoutError is returned when the migration lock could not be
// acquired before the deadline.
type LockTimeoutError struct {
	Holder string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("migration lock held by %s, gave up waiting", e.Holder)
}

// Migrator serializes schema changes behind a single advisory lock and
// keeps the revision ledger that snapshots reference.
type Migrator struct {
	db       *sql.DB
	logger   *zap.Logger
	holder   string
	lockWait time.Duration
}

// New creates a migrator over the registry's database handle. holder
// identifies this process in the lock table.
func New(db *sql.DB, holder string, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, logger: logger, holder: holder, lockWait: 10 * time.Second}
}

// Split divides a migration document into its up and down SQL. The down
// section may be empty; the up section may not.
func Split(doc string) (up, down string, err error) {
	upIdx := strings.Index(doc, upMarker)
	if upIdx < 0 {
		return "", "", ErrNoUpSection
	}
	rest := doc[upIdx+len(upMarker):]
	if downIdx := strings.Index(rest, downMarker); downIdx >= 0 {
		up = strings.TrimSpace(rest[:downIdx])
		down = strings.TrimSpace(rest[downIdx+len(downMarker):])
	} else {
		up = strings.TrimSpace(rest)
	}
	if up == "" {
		return "", "", ErrNoUpSection
	}
	return up, down, nil
}

// CurrentRevision returns the highest applied revision, or 0 when no
// migration has ever run.
func (m *Migrator) CurrentRevision(ctx context.Context) (int64, error) {
	var rev sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(revision) FROM schema_revisions`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to read current revision: %w", err)
	}
	return rev.Int64, nil
}

// Apply runs a migration document's up section in a single transaction
// and records the new revision. The advisory lock is always released,
// even when the migration fails.
func (m *Migrator) Apply(ctx context.Context, capabilityID, doc string) (int64, error) {
	up, down, err := Split(doc)
	if err != nil {
		return 0, err
	}

	if err := m.acquireLock(ctx); err != nil {
		return 0, err
	}
	defer m.releaseLock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(revision) FROM schema_revisions`).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read current revision: %w", err)
	}
	next := current.Int64 + 1

	if _, err := tx.ExecContext(ctx, up); err != nil {
		return 0, fmt.Errorf("migration %d failed: %w", next, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_revisions (revision, capability_id, up_sql, down_sql, applied_at) VALUES (?, ?, ?, ?, ?)`,
		next, capabilityID, up, down, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to record revision %d: %w", next, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration %d: %w", next, err)
	}

	m.logger.Info("migration applied",
		zap.Int64("revision", next),
		zap.String("capability_id", capabilityID))
	return next, nil
}

// RollbackTo reverts migrations newest-first until the schema is at the
// target revision. Each step runs its recorded down SQL and removes the
// revision row in one transaction; a revision with empty down SQL stops
// the rollback with an error.
func (m *Migrator) RollbackTo(ctx context.Context, target int64) error {
	if err := m.acquireLock(ctx); err != nil {
		return err
	}
	defer m.releaseLock()

	for {
		var rev sql.NullInt64
		var down string
		err := m.db.QueryRowContext(ctx,
			`SELECT revision, down_sql FROM schema_revisions ORDER BY revision DESC LIMIT 1`).Scan(&rev, &down)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !rev.Valid) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read revision ledger: %w", err)
		}
		if rev.Int64 <= target {
			return nil
		}
		if strings.TrimSpace(down) == "" {
			return fmt.Errorf("revision %d has no down migration, cannot revert past it", rev.Int64)
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin rollback of revision %d: %w", rev.Int64, err)
		}
		if _, err := tx.ExecContext(ctx, down); err != nil {
			tx.Rollback()
			return fmt.Errorf("down migration for revision %d failed: %w", rev.Int64, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_revisions WHERE revision = ?`, rev.Int64); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to drop revision %d: %w", rev.Int64, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit rollback of revision %d: %w", rev.Int64, err)
		}
		m.logger.Info("migration reverted", zap.Int64("revision", rev.Int64), zap.Int64("target", target))
	}
}

// acquireLock polls the lock row until it wins or the wait budget is
// spent. The INSERT on a fixed primary key makes acquisition atomic.
func (m *Migrator) acquireLock(ctx context.Context) error {
	deadline := time.Now().Add(m.lockWait)
	for {
		_, err := m.db.ExecContext(ctx,
			`INSERT INTO advisory_locks (lock_id, holder, acquired_at) VALUES (?, ?, ?)`,
			migrationLockID, m.holder, time.Now().UTC())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			var holder string
			_ = m.db.QueryRowContext(ctx,
				`SELECT holder FROM advisory_locks WHERE lock_id = ?`, migrationLockID).Scan(&holder)
			return &LockTimeoutError{Holder: holder}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *Migrator) releaseLock() {
	if _, err := m.db.Exec(`DELETE FROM advisory_locks WHERE lock_id = ? AND holder = ?`, migrationLockID, m.holder); err != nil {
		m.logger.Error("failed to release migration lock", zap.Error(err))
	}
}
