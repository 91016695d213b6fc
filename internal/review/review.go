// Package review implements the checklist-driven human approval gate.
// A capability cannot reach deployment without a decided review, and an
// approve decision is refused outright while any required checklist item
// is unchecked.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"capsmith/internal/registry"
)

// PolicyViolation reports an approve attempt that breaks review policy.
// No partial state change happens when this is returned.
type PolicyViolation struct {
	ReviewID string
	Reason   string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("review %s: policy violation: %s", e.ReviewID, e.Reason)
}

// Gate mediates all mutation of review records.
type Gate struct {
	store  *registry.Store
	logger *zap.Logger
}

// NewGate creates the review gate.
func NewGate(store *registry.Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Open starts a review cycle for a validated capability, seeding the
// default checklist. The capability moves to pending_review.
func (g *Gate) Open(ctx context.Context, capabilityID, validationResultID string) (*registry.ReviewRecord, error) {
	if err := g.store.Transition(ctx, capabilityID, registry.StatusPendingReview, ""); err != nil {
		return nil, err
	}

	record := &registry.ReviewRecord{
		CapabilityID:       capabilityID,
		ValidationResultID: validationResultID,
		Checklist:          DefaultChecklist(),
		Status:             registry.ReviewOpen,
	}
	if err := g.store.SaveReviewRecord(ctx, record); err != nil {
		return nil, err
	}
	g.logger.Info("review opened",
		zap.String("capability", capabilityID),
		zap.String("review", record.ID))
	return record, nil
}

// AssignReviewers sets the reviewer list on an open review.
func (g *Gate) AssignReviewers(ctx context.Context, reviewID string, reviewers []string) (*registry.ReviewRecord, error) {
	record, err := g.openRecord(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	record.Reviewers = reviewers
	if err := g.store.SaveReviewRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// AddComment appends a threaded comment, optionally anchored to file and
// line, optionally replying to a parent comment.
func (g *Gate) AddComment(ctx context.Context, reviewID string, c registry.Comment) (*registry.ReviewRecord, error) {
	record, err := g.openRecord(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if c.Text == "" {
		return nil, fmt.Errorf("comment text is required")
	}
	if c.ParentID != "" && !hasComment(record, c.ParentID) {
		return nil, fmt.Errorf("parent comment %s not found", c.ParentID)
	}
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	record.Comments = append(record.Comments, c)
	if err := g.store.SaveReviewRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ToggleItem flips a checklist item, recording who did it and when.
func (g *Gate) ToggleItem(ctx context.Context, reviewID, itemID, checker, notes string) (*registry.ReviewRecord, error) {
	record, err := g.openRecord(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	found := false
	for i := range record.Checklist {
		if record.Checklist[i].ID != itemID {
			continue
		}
		found = true
		item := &record.Checklist[i]
		item.Checked = !item.Checked
		if item.Checked {
			item.CheckedBy = checker
			item.CheckedAt = time.Now().UTC()
			item.Notes = notes
		} else {
			item.CheckedBy = ""
			item.CheckedAt = time.Time{}
			item.Notes = notes
		}
	}
	if !found {
		return nil, fmt.Errorf("checklist item %s not found", itemID)
	}
	if err := g.store.SaveReviewRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Escalate appends an audit comment and flags the review escalated. It
// neither approves nor rejects and the review stays undecided.
func (g *Gate) Escalate(ctx context.Context, reviewID, who, reason string) (*registry.ReviewRecord, error) {
	record, err := g.openRecord(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	record.Comments = append(record.Comments, registry.Comment{
		ID:        uuid.NewString(),
		Reviewer:  who,
		Text:      fmt.Sprintf("ESCALATED: %s", reason),
		CreatedAt: time.Now().UTC(),
	})
	record.Status = registry.ReviewEscalated
	if err := g.store.SaveReviewRecord(ctx, record); err != nil {
		return nil, err
	}
	g.logger.Warn("review escalated", zap.String("review", reviewID), zap.String("by", who))
	return record, nil
}

// Decide submits the terminal decision for a review record and moves the
// capability accordingly: approve -> approved, reject -> rejected,
// needs_changes -> draft (a fresh review cycle starts on the next
// validation pass).
//
// approve is validated against the checklist before anything is written:
// on violation the record and the capability are untouched.
func (g *Gate) Decide(ctx context.Context, reviewID string, decision registry.Decision, decidedBy string) (*registry.ReviewRecord, error) {
	record, err := g.openRecord(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	var target registry.Status
	switch decision {
	case registry.DecisionApprove:
		if missing := uncheckedRequired(record); len(missing) > 0 {
			return nil, &PolicyViolation{
				ReviewID: reviewID,
				Reason:   fmt.Sprintf("cannot approve with required items unchecked: %v", missing),
			}
		}
		target = registry.StatusApproved
	case registry.DecisionReject:
		target = registry.StatusRejected
	case registry.DecisionNeedsChanges:
		target = registry.StatusDraft
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	if err := g.store.Transition(ctx, record.CapabilityID, target, string(decision)); err != nil {
		return nil, err
	}

	record.Status = registry.ReviewDecided
	record.Decision = decision
	record.DecidedBy = decidedBy
	record.DecidedAt = time.Now().UTC()
	if err := g.store.SaveReviewRecord(ctx, record); err != nil {
		return nil, err
	}

	g.logger.Info("review decided",
		zap.String("review", reviewID),
		zap.String("decision", string(decision)),
		zap.String("by", decidedBy))
	return record, nil
}

// openRecord loads a review record and rejects mutation of decided ones.
func (g *Gate) openRecord(ctx context.Context, reviewID string) (*registry.ReviewRecord, error) {
	record, err := g.store.ReviewRecord(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if record.Status == registry.ReviewDecided {
		return nil, fmt.Errorf("review %s is already decided (%s)", reviewID, record.Decision)
	}
	return record, nil
}

func uncheckedRequired(record *registry.ReviewRecord) []string {
	var missing []string
	for _, item := range record.Checklist {
		if item.Required && !item.Checked {
			missing = append(missing, item.ID)
		}
	}
	return missing
}

func hasComment(record *registry.ReviewRecord, id string) bool {
	for _, c := range record.Comments {
		if c.ID == id {
			return true
		}
	}
	return false
}
