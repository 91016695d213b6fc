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

// SaveValidationResult persists one validation attempt.
func (s *Store) SaveValidationResult(ctx context.Context, r *ValidationResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	scan, err := json.Marshal(r.Scan)
	if err != nil {
		return fmt.Errorf("failed to marshal scan report: %w", err)
	}
	sandbox, err := json.Marshal(r.Sandbox)
	if err != nil {
		return fmt.Errorf("failed to marshal sandbox report: %w", err)
	}
	tests, err := json.Marshal(r.Tests)
	if err != nil {
		return fmt.Errorf("failed to marshal test report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validation_results
			(id, capability_id, scan_json, sandbox_json, tests_json, passed, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CapabilityID, string(scan), string(sandbox), string(tests),
		r.Passed, r.Confidence, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert validation result: %w", err)
	}
	return nil
}

// LatestValidationResult returns the most recent validation attempt for a
// capability.
func (s *Store) LatestValidationResult(ctx context.Context, capabilityID string) (*ValidationResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, scan_json, sandbox_json, tests_json, passed, confidence, created_at
		FROM validation_results WHERE capability_id = ?
		ORDER BY created_at DESC LIMIT 1`, capabilityID)
	r, err := scanValidationResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "validation result for capability", ID: capabilityID}
	}
	return r, err
}

// ValidationResultsFor returns all validation attempts for a capability,
// newest first.
func (s *Store) ValidationResultsFor(ctx context.Context, capabilityID string) ([]*ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability_id, scan_json, sandbox_json, tests_json, passed, confidence, created_at
		FROM validation_results WHERE capability_id = ?
		ORDER BY created_at DESC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation results: %w", err)
	}
	defer rows.Close()

	var out []*ValidationResult
	for rows.Next() {
		r, err := scanValidationResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanValidationResult(row rowScanner) (*ValidationResult, error) {
	var r ValidationResult
	var scan, sandbox, tests string
	err := row.Scan(&r.ID, &r.CapabilityID, &scan, &sandbox, &tests, &r.Passed, &r.Confidence, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scan), &r.Scan); err != nil {
		return nil, fmt.Errorf("corrupt scan report for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(sandbox), &r.Sandbox); err != nil {
		return nil, fmt.Errorf("corrupt sandbox report for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(tests), &r.Tests); err != nil {
		return nil, fmt.Errorf("corrupt test report for %s: %w", r.ID, err)
	}
	return &r, nil
}

// SaveReviewRecord inserts or fully replaces a review record.
func (s *Store) SaveReviewRecord(ctx context.Context, r *ReviewRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = ReviewOpen
	}

	reviewers, err := json.Marshal(r.Reviewers)
	if err != nil {
		return fmt.Errorf("failed to marshal reviewers: %w", err)
	}
	checklist, err := json.Marshal(r.Checklist)
	if err != nil {
		return fmt.Errorf("failed to marshal checklist: %w", err)
	}
	comments, err := json.Marshal(r.Comments)
	if err != nil {
		return fmt.Errorf("failed to marshal comments: %w", err)
	}

	var decidedAt any
	if !r.DecidedAt.IsZero() {
		decidedAt = r.DecidedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_records
			(id, capability_id, validation_result_id, reviewers_json, checklist_json,
			 comments_json, status, decision, decided_by, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reviewers_json = excluded.reviewers_json,
			checklist_json = excluded.checklist_json,
			comments_json = excluded.comments_json,
			status = excluded.status,
			decision = excluded.decision,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at`,
		r.ID, r.CapabilityID, r.ValidationResultID, string(reviewers), string(checklist),
		string(comments), string(r.Status), string(r.Decision), r.DecidedBy, decidedAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save review record: %w", err)
	}
	return nil
}

// ReviewRecord loads one review record by id.
func (s *Store) ReviewRecord(ctx context.Context, id string) (*ReviewRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, validation_result_id, reviewers_json, checklist_json,
		       comments_json, status, decision, decided_by, decided_at, created_at
		FROM review_records WHERE id = ?`, id)
	r, err := scanReviewRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "review record", ID: id}
	}
	return r, err
}

// ReviewRecordsFor returns all review cycles for a capability, newest
// first.
func (s *Store) ReviewRecordsFor(ctx context.Context, capabilityID string) ([]*ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability_id, validation_result_id, reviewers_json, checklist_json,
		       comments_json, status, decision, decided_by, decided_at, created_at
		FROM review_records WHERE capability_id = ?
		ORDER BY created_at DESC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review records: %w", err)
	}
	defer rows.Close()

	var out []*ReviewRecord
	for rows.Next() {
		r, err := scanReviewRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenReviewFor returns the undecided review record for a capability.
func (s *Store) OpenReviewFor(ctx context.Context, capabilityID string) (*ReviewRecord, error) {
	rows, err := s.ReviewRecordsFor(ctx, capabilityID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Status != ReviewDecided {
			return r, nil
		}
	}
	return nil, &NotFoundError{Kind: "open review for capability", ID: capabilityID}
}

func scanReviewRecord(row rowScanner) (*ReviewRecord, error) {
	var r ReviewRecord
	var reviewers, checklist, comments, status, decision string
	var decidedAt sql.NullTime
	err := row.Scan(&r.ID, &r.CapabilityID, &r.ValidationResultID, &reviewers, &checklist,
		&comments, &status, &decision, &r.DecidedBy, &decidedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = ReviewStatus(status)
	r.Decision = Decision(decision)
	if decidedAt.Valid {
		r.DecidedAt = decidedAt.Time
	}
	if err := json.Unmarshal([]byte(reviewers), &r.Reviewers); err != nil {
		return nil, fmt.Errorf("corrupt reviewers for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(checklist), &r.Checklist); err != nil {
		return nil, fmt.Errorf("corrupt checklist for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(comments), &r.Comments); err != nil {
		return nil, fmt.Errorf("corrupt comments for %s: %w", r.ID, err)
	}
	return &r, nil
}
