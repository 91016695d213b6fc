package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveIncident inserts a new incident.
func (s *Store) SaveIncident(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if inc.FirstSeen.IsZero() {
		inc.FirstSeen = now
	}
	if inc.LastSeen.IsZero() {
		inc.LastSeen = now
	}
	if inc.OccurrenceCount == 0 {
		inc.OccurrenceCount = 1
	}
	if inc.Status == "" {
		inc.Status = IncidentOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents
			(id, severity, source, signature, occurrence_count, first_seen, last_seen, status, capability_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, string(inc.Severity), inc.Source, inc.Signature, inc.OccurrenceCount,
		inc.FirstSeen, inc.LastSeen, string(inc.Status), inc.CapabilityID)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// Incident loads one incident by id.
func (s *Store) Incident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, severity, source, signature, occurrence_count, first_seen, last_seen, status, capability_id
		FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "incident", ID: id}
	}
	return inc, err
}

// OpenIncidentBySignature finds the open incident with the given
// normalized signature, if one exists.
func (s *Store) OpenIncidentBySignature(ctx context.Context, signature string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, severity, source, signature, occurrence_count, first_seen, last_seen, status, capability_id
		FROM incidents WHERE signature = ? AND status = ?
		ORDER BY last_seen DESC LIMIT 1`, signature, string(IncidentOpen))
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "open incident with signature", ID: signature}
	}
	return inc, err
}

// BumpIncident increments the occurrence count and advances last_seen.
func (s *Store) BumpIncident(ctx context.Context, id string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET occurrence_count = occurrence_count + 1, last_seen = ?
		WHERE id = ?`, seen.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to bump incident: %w", err)
	}
	return nil
}

// SetIncidentStatus moves an incident through triage.
func (s *Store) SetIncidentStatus(ctx context.Context, id string, status IncidentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &NotFoundError{Kind: "incident", ID: id}
	}
	return nil
}

// ListIncidents returns incidents filtered by status; an empty status
// returns everything.
func (s *Store) ListIncidents(ctx context.Context, status IncidentStatus) ([]*Incident, error) {
	query := `
		SELECT id, severity, source, signature, occurrence_count, first_seen, last_seen, status, capability_id
		FROM incidents`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY last_seen DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var severity, status string
	err := row.Scan(&inc.ID, &severity, &inc.Source, &inc.Signature, &inc.OccurrenceCount,
		&inc.FirstSeen, &inc.LastSeen, &status, &inc.CapabilityID)
	if err != nil {
		return nil, err
	}
	inc.Severity = Severity(severity)
	inc.Status = IncidentStatus(status)
	return &inc, nil
}
