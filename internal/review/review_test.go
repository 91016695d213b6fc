package review

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"capsmith/internal/registry"
)

func newTestGate(t *testing.T) (*Gate, *registry.Store) {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGate(store, zap.NewNop()), store
}

// validatedCapability creates a capability parked in validated with one
// saved validation result, ready for review.
func validatedCapability(t *testing.T, store *registry.Store) (string, string) {
	t.Helper()
	ctx := context.Background()

	c := &registry.Capability{Name: "widgets", Version: "1.0.0", Kind: registry.KindEndpoint, Source: "package cap"}
	if err := store.CreateCapability(ctx, c); err != nil {
		t.Fatal(err)
	}
	for _, step := range []registry.Status{registry.StatusValidating, registry.StatusValidated} {
		if err := store.Transition(ctx, c.ID, step, ""); err != nil {
			t.Fatal(err)
		}
	}
	result := &registry.ValidationResult{CapabilityID: c.ID, Passed: true, Confidence: 1.0}
	if err := store.SaveValidationResult(ctx, result); err != nil {
		t.Fatal(err)
	}
	return c.ID, result.ID
}

func checkAll(t *testing.T, gate *Gate, reviewID string, requiredOnly bool) {
	t.Helper()
	for _, item := range DefaultChecklist() {
		if requiredOnly && !item.Required {
			continue
		}
		if _, err := gate.ToggleItem(context.Background(), reviewID, item.ID, "alice", ""); err != nil {
			t.Fatalf("toggle %s: %v", item.ID, err)
		}
	}
}

func TestOpenMovesCapabilityToPendingReview(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if record.Status != registry.ReviewOpen {
		t.Errorf("review status = %s", record.Status)
	}
	if len(record.Checklist) != len(DefaultChecklist()) {
		t.Errorf("checklist has %d items", len(record.Checklist))
	}

	c, err := store.Capability(ctx, capID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != registry.StatusPendingReview {
		t.Errorf("capability status = %s", c.Status)
	}
}

func TestOpenRefusesUnvalidatedCapability(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()

	c := &registry.Capability{Name: "w", Version: "1.0.0", Kind: registry.KindJob, Source: "package cap"}
	if err := store.CreateCapability(ctx, c); err != nil {
		t.Fatal(err)
	}

	_, err := gate.Open(ctx, c.ID, "vr-1")
	var ste *registry.StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("err = %v, want StateTransitionError", err)
	}
}

func TestApproveRefusedWithRequiredUnchecked(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}

	_, err = gate.Decide(ctx, record.ID, registry.DecisionApprove, "alice")
	var pv *PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("err = %v, want PolicyViolation", err)
	}

	// Neither the record nor the capability may have moved.
	got, err := store.ReviewRecord(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != registry.ReviewOpen || got.Decision != "" {
		t.Errorf("record mutated: status=%s decision=%s", got.Status, got.Decision)
	}
	c, err := store.Capability(ctx, capID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != registry.StatusPendingReview {
		t.Errorf("capability status = %s", c.Status)
	}
}

func TestApproveWithRequiredChecked(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}
	checkAll(t, gate, record.ID, true)

	decided, err := gate.Decide(ctx, record.ID, registry.DecisionApprove, "alice")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if decided.Status != registry.ReviewDecided || decided.Decision != registry.DecisionApprove {
		t.Errorf("record = %s/%s", decided.Status, decided.Decision)
	}
	if decided.DecidedBy != "alice" {
		t.Errorf("decided_by = %s", decided.DecidedBy)
	}

	c, err := store.Capability(ctx, capID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != registry.StatusApproved {
		t.Errorf("capability status = %s", c.Status)
	}
}

func TestNeedsChangesReturnsToDraft(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Decide(ctx, record.ID, registry.DecisionNeedsChanges, "bob"); err != nil {
		t.Fatal(err)
	}

	c, err := store.Capability(ctx, capID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != registry.StatusDraft {
		t.Errorf("capability status = %s, want draft", c.Status)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Decide(ctx, record.ID, registry.DecisionReject, "bob"); err != nil {
		t.Fatal(err)
	}

	// A decided record refuses further mutation.
	if _, err := gate.AddComment(ctx, record.ID, registry.Comment{Reviewer: "bob", Text: "late"}); err == nil {
		t.Error("comment accepted on a decided review")
	}
	if _, err := gate.Decide(ctx, record.ID, registry.DecisionApprove, "eve"); err == nil {
		t.Error("second decision accepted")
	}
}

func TestToggleItemRecordsChecker(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}

	updated, err := gate.ToggleItem(ctx, record.ID, "sec-secrets", "alice", "grepped for keys")
	if err != nil {
		t.Fatal(err)
	}
	var item *registry.ChecklistItem
	for i := range updated.Checklist {
		if updated.Checklist[i].ID == "sec-secrets" {
			item = &updated.Checklist[i]
		}
	}
	if item == nil || !item.Checked {
		t.Fatal("item not checked")
	}
	if item.CheckedBy != "alice" || item.Notes != "grepped for keys" || item.CheckedAt.IsZero() {
		t.Errorf("audit fields not recorded: %+v", item)
	}

	// Unchecking clears the audit fields.
	updated, err = gate.ToggleItem(ctx, record.ID, "sec-secrets", "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range updated.Checklist {
		if it.ID == "sec-secrets" && (it.Checked || it.CheckedBy != "" || !it.CheckedAt.IsZero()) {
			t.Errorf("uncheck did not clear audit fields: %+v", it)
		}
	}

	if _, err := gate.ToggleItem(ctx, record.ID, "no-such-item", "alice", ""); err == nil {
		t.Error("unknown item toggled")
	}
}

func TestCommentsThread(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}

	updated, err := gate.AddComment(ctx, record.ID, registry.Comment{
		Reviewer: "alice", Text: "bounds check is missing", File: "cap.go", Line: 12,
	})
	if err != nil {
		t.Fatal(err)
	}
	parent := updated.Comments[0]

	updated, err = gate.AddComment(ctx, record.ID, registry.Comment{
		Reviewer: "bob", Text: "fixed in the next draft", ParentID: parent.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Comments) != 2 || updated.Comments[1].ParentID != parent.ID {
		t.Errorf("thread broken: %+v", updated.Comments)
	}

	if _, err := gate.AddComment(ctx, record.ID, registry.Comment{Reviewer: "eve", Text: "?", ParentID: "ghost"}); err == nil {
		t.Error("comment accepted with missing parent")
	}
}

func TestEscalateIsNotTerminal(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	capID, vrID := validatedCapability(t, store)

	record, err := gate.Open(ctx, capID, vrID)
	if err != nil {
		t.Fatal(err)
	}

	escalated, err := gate.Escalate(ctx, record.ID, "alice", "needs a second security opinion")
	if err != nil {
		t.Fatal(err)
	}
	if escalated.Status != registry.ReviewEscalated {
		t.Errorf("status = %s", escalated.Status)
	}
	if len(escalated.Comments) != 1 {
		t.Fatalf("no audit comment: %+v", escalated.Comments)
	}

	// An escalated review can still be decided.
	checkAll(t, gate, record.ID, true)
	if _, err := gate.Decide(ctx, record.ID, registry.DecisionApprove, "carol"); err != nil {
		t.Errorf("decide after escalate failed: %v", err)
	}
}
