package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreate(t *testing.T, store *Store, c *Capability) *Capability {
	t.Helper()
	if err := store.CreateCapability(context.Background(), c); err != nil {
		t.Fatalf("failed to create capability: %v", err)
	}
	return c
}

// walkTo drives a capability along legal edges to the target status.
func walkTo(t *testing.T, store *Store, id string, target Status) {
	t.Helper()
	paths := map[Status][]Status{
		StatusValidating:    {StatusValidating},
		StatusValidated:     {StatusValidating, StatusValidated},
		StatusPendingReview: {StatusValidating, StatusValidated, StatusPendingReview},
		StatusApproved:      {StatusValidating, StatusValidated, StatusPendingReview, StatusApproved},
		StatusDeployed:      {StatusValidating, StatusValidated, StatusPendingReview, StatusApproved, StatusDeployed},
	}
	for _, step := range paths[target] {
		if err := store.Transition(context.Background(), id, step, "test walk"); err != nil {
			t.Fatalf("walk to %s: transition to %s failed: %v", target, step, err)
		}
	}
}

func TestCreateAndGetCapability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, store, &Capability{
		Name:    "widgets",
		Version: "1.0.0",
		Kind:    KindEndpoint,
		Source:  "package cap\n\nfunc Handle(input string) (string, error) { return input, nil }",
		Routes:  []Route{{Path: "/api/widgets", Methods: []string{"POST"}}},
		Dependencies: []Constraint{
			{Name: "auth", Constraint: "^1.0.0"},
		},
	})

	if c.ID == "" {
		t.Fatal("ID was not generated")
	}
	if c.Status != StatusDraft {
		t.Fatalf("status = %s, want draft", c.Status)
	}
	if c.Author != AuthorHuman {
		t.Fatalf("author = %s, want human", c.Author)
	}

	got, err := store.Capability(ctx, c.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "widgets" || got.Version != "1.0.0" || got.Kind != KindEndpoint {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.Routes) != 1 || got.Routes[0].Path != "/api/widgets" {
		t.Errorf("routes did not round-trip: %+v", got.Routes)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0].Constraint != "^1.0.0" {
		t.Errorf("dependencies did not round-trip: %+v", got.Dependencies)
	}
}

func TestCapabilityNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Capability(context.Background(), "no-such-id")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if nf.ID != "no-such-id" {
		t.Errorf("NotFoundError.ID = %q", nf.ID)
	}
}

func TestTransitionLegalPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, store, &Capability{Name: "w", Version: "1.0.0", Kind: KindEndpoint, Source: "package cap"})
	walkTo(t, store, c.ID, StatusDeployed)

	got, err := store.Capability(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDeployed {
		t.Fatalf("status = %s, want deployed", got.Status)
	}
}

// Every pair of states without an edge must fail with
// StateTransitionError and leave the stored status unchanged.
func TestTransitionRejectsNonAdjacentMoves(t *testing.T) {
	all := []Status{
		StatusDraft, StatusGenerating, StatusValidating, StatusValidated,
		StatusRejected, StatusPendingReview, StatusApproved, StatusDeployed,
		StatusDeprecated, StatusRolledBack,
	}

	store := newTestStore(t)
	ctx := context.Background()

	seq := 0
	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				continue
			}
			seq++
			c := mustCreate(t, store, &Capability{
				Name: "sm", Version: fmt.Sprintf("1.0.%d", seq), Kind: KindComponent,
				Source: "package cap", Status: from,
			})
			err := store.Transition(ctx, c.ID, to, "illegal")
			var ste *StateTransitionError
			if !errors.As(err, &ste) {
				t.Fatalf("%s -> %s: err = %v, want StateTransitionError", from, to, err)
			}
			if ste.From != from || ste.To != to {
				t.Errorf("%s -> %s: error reports %s -> %s", from, to, ste.From, ste.To)
			}
			got, gerr := store.Capability(ctx, c.ID)
			if gerr != nil {
				t.Fatal(gerr)
			}
			if got.Status != from {
				t.Errorf("%s -> %s: status mutated to %s", from, to, got.Status)
			}
		}
	}
}

func TestTransitionRecordsReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, store, &Capability{Name: "w", Version: "1.0.0", Kind: KindEndpoint, Source: "package cap"})
	if err := store.Transition(ctx, c.ID, StatusValidating, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Transition(ctx, c.ID, StatusRejected, "validation failed at scan"); err != nil {
		t.Fatal(err)
	}

	got, err := store.Capability(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailureReason != "validation failed at scan" {
		t.Errorf("failure_reason = %q", got.FailureReason)
	}
}

func TestListCapabilitiesByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, &Capability{Name: "a", Version: "1.0.0", Kind: KindJob, Source: "package cap"})
	d := mustCreate(t, store, &Capability{Name: "b", Version: "1.0.0", Kind: KindEndpoint, Source: "package cap"})
	walkTo(t, store, d.ID, StatusDeployed)

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != d.ID {
		t.Fatalf("ListActive = %+v, want only %s", active, d.ID)
	}

	drafts, err := store.ListCapabilities(ctx, StatusDraft)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 || drafts[0].Name != "a" {
		t.Fatalf("drafts = %+v", drafts)
	}
}

func TestCheckConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	auth := mustCreate(t, store, &Capability{Name: "auth", Version: "1.2.3", Kind: KindComponent, Source: "package cap"})
	walkTo(t, store, auth.ID, StatusDeployed)

	tests := []struct {
		name       string
		deps       []Constraint
		wantErr    bool
		wantDeploy string
	}{
		{name: "satisfied caret", deps: []Constraint{{Name: "auth", Constraint: "^1.0.0"}}},
		{name: "satisfied exact", deps: []Constraint{{Name: "auth", Constraint: "1.2.3"}}},
		{name: "satisfied wildcard", deps: []Constraint{{Name: "auth", Constraint: "1.x"}}},
		{name: "version too low", deps: []Constraint{{Name: "auth", Constraint: "^2.0.0"}}, wantErr: true, wantDeploy: "1.2.3"},
		{name: "not deployed", deps: []Constraint{{Name: "billing", Constraint: "1.x"}}, wantErr: true, wantDeploy: ""},
		{name: "no constraints", deps: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Capability{ID: "candidate", Dependencies: tt.deps}
			err := store.CheckConstraints(ctx, c)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var de *DependencyError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want DependencyError", err)
			}
			if de.Deployed != tt.wantDeploy {
				t.Errorf("Deployed = %q, want %q", de.Deployed, tt.wantDeploy)
			}
		})
	}
}
