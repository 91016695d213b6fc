package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendRollback records one rollback attempt in the audit history.
func (s *Store) AppendRollback(ctx context.Context, e *RollbackEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollback_history
			(id, capability_id, snapshot_id, reason, triggered_by,
			 code_attempted, code_ok, code_err,
			 db_attempted, db_ok, db_err,
			 notify_attempted, notify_ok, notify_err, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CapabilityID, e.SnapshotID, string(e.Reason), e.TriggeredBy,
		e.Code.Attempted, e.Code.OK, e.Code.Error,
		e.Database.Attempted, e.Database.OK, e.Database.Error,
		e.Notify.Attempted, e.Notify.OK, e.Notify.Error, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append rollback history: %w", err)
	}
	return nil
}

// RollbackHistoryFor returns the full rollback audit trail for a
// capability, newest first.
func (s *Store) RollbackHistoryFor(ctx context.Context, capabilityID string) ([]*RollbackEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability_id, snapshot_id, reason, triggered_by,
		       code_attempted, code_ok, code_err,
		       db_attempted, db_ok, db_err,
		       notify_attempted, notify_ok, notify_err, created_at
		FROM rollback_history WHERE capability_id = ?
		ORDER BY created_at DESC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback history: %w", err)
	}
	defer rows.Close()

	var out []*RollbackEntry
	for rows.Next() {
		var e RollbackEntry
		var reason string
		err := rows.Scan(&e.ID, &e.CapabilityID, &e.SnapshotID, &reason, &e.TriggeredBy,
			&e.Code.Attempted, &e.Code.OK, &e.Code.Error,
			&e.Database.Attempted, &e.Database.OK, &e.Database.Error,
			&e.Notify.Attempted, &e.Notify.OK, &e.Notify.Error, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback entry: %w", err)
		}
		e.Reason = RollbackReason(reason)
		out = append(out, &e)
	}
	return out, rows.Err()
}
