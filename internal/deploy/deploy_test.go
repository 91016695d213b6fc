package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"capsmith/internal/hotswap"
	"capsmith/internal/metrics"
	"capsmith/internal/migrate"
	"capsmith/internal/notify"
	"capsmith/internal/registry"
	"capsmith/internal/rollback"
)

const echoSource = `package capability

func Handle(input string) (string, error) {
	return "echo:" + input, nil
}
`

const brokenSource = `package capability

func Handle(input string) (string, error) {
	return undefined, nil
}
`

const gadgetMigration = `-- capsmith:up
CREATE TABLE gadgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
-- capsmith:down
DROP TABLE gadgets;
`

type rig struct {
	store    *registry.Store
	loader   *hotswap.Loader
	table    *hotswap.Table
	migrator *migrate.Migrator
	engine   *Engine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	m := metrics.New()
	loader := hotswap.NewLoader(logger)
	table := hotswap.NewTable()
	migrator := migrate.New(store.DB(), "test", logger)
	locks := registry.NewLocks()
	manager := rollback.NewManager(store, loader, table, migrator, notify.Nop{}, locks, m, logger)
	engine := NewEngine(store, loader, table, migrator, manager, locks, m, logger)
	return &rig{store: store, loader: loader, table: table, migrator: migrator, engine: engine}
}

var versionSeq int

// approved creates a capability and walks it to approved, ready to deploy.
func (r *rig) approved(t *testing.T, name, source string, kind registry.Kind, routes []registry.Route) *registry.Capability {
	t.Helper()
	ctx := context.Background()
	versionSeq++
	c := &registry.Capability{
		Name:    name,
		Version: fmt.Sprintf("1.0.%d", versionSeq),
		Kind:    kind,
		Source:  source,
		Routes:  routes,
	}
	if err := r.store.CreateCapability(ctx, c); err != nil {
		t.Fatal(err)
	}
	walk := []registry.Status{
		registry.StatusValidating, registry.StatusValidated,
		registry.StatusPendingReview, registry.StatusApproved,
	}
	for _, step := range walk {
		if err := r.store.Transition(ctx, c.ID, step, ""); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func (r *rig) status(t *testing.T, id string) registry.Status {
	t.Helper()
	c, err := r.store.Capability(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c.Status
}

func TestDeployEndpoint(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	c := r.approved(t, "echo", echoSource, registry.KindEndpoint,
		[]registry.Route{{Path: "/echo", Methods: []string{"POST"}}})

	res, err := r.engine.Deploy(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	want := []string{StepPrecondition, StepSnapshot, StepLoad, StepRoutes, StepActivate}
	if diff := cmp.Diff(want, res.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	if res.SnapshotID == "" {
		t.Error("no snapshot recorded")
	}
	if got := r.status(t, c.ID); got != registry.StatusDeployed {
		t.Errorf("status = %s", got)
	}

	owned, ok := r.table.Lookup("POST", "/echo")
	if !ok || owned.CapabilityID != c.ID {
		t.Errorf("route not registered: %+v ok=%v", owned, ok)
	}
	handler, ok := r.loader.Handler(c.Name, c.Version)
	if !ok {
		t.Fatal("module not loaded")
	}
	out, err := handler("ping")
	if err != nil || out != "echo:ping" {
		t.Errorf("handler returned %q, %v", out, err)
	}

	n, err := r.store.CountSnapshots(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("snapshot count = %d, want 1", n)
	}
}

func TestDeployDryRunTouchesNothing(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	c := r.approved(t, "echo", echoSource, registry.KindEndpoint,
		[]registry.Route{{Path: "/echo", Methods: []string{"POST"}}})

	res, err := r.engine.Deploy(ctx, c.ID, true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !res.DryRun || res.SnapshotID != "" {
		t.Errorf("result = %+v", res)
	}
	want := []string{StepPrecondition, StepSnapshot, StepLoad, StepRoutes, StepActivate}
	if diff := cmp.Diff(want, res.Steps); diff != "" {
		t.Errorf("planned steps mismatch (-want +got):\n%s", diff)
	}

	if got := r.status(t, c.ID); got != registry.StatusApproved {
		t.Errorf("status = %s, want approved", got)
	}
	if n, _ := r.store.CountSnapshots(ctx, c.ID); n != 0 {
		t.Errorf("dry run wrote %d snapshots", n)
	}
	if _, ok := r.table.Lookup("POST", "/echo"); ok {
		t.Error("dry run registered a route")
	}
	if r.loader.Loaded(c.Name, c.Version) {
		t.Error("dry run loaded the module")
	}
}

func TestDeployRequiresApproval(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	c := &registry.Capability{Name: "w", Version: "1.0.0", Kind: registry.KindEndpoint, Source: echoSource}
	if err := r.store.CreateCapability(ctx, c); err != nil {
		t.Fatal(err)
	}

	_, err := r.engine.Deploy(ctx, c.ID, false)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepPrecondition {
		t.Fatalf("err = %v, want precondition StepError", err)
	}
	var ste *registry.StateTransitionError
	if !errors.As(err, &ste) {
		t.Errorf("err does not wrap StateTransitionError: %v", err)
	}
	if n, _ := r.store.CountSnapshots(ctx, c.ID); n != 0 {
		t.Error("snapshot written on precondition failure")
	}
}

func TestDeployUnmetDependency(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	dep := &registry.Capability{
		Name: "dependent", Version: "1.0.0", Kind: registry.KindJob,
		Source:       echoSource,
		Dependencies: []registry.Constraint{{Name: "missing-base", Constraint: "^1.0.0"}},
	}
	if err := r.store.CreateCapability(ctx, dep); err != nil {
		t.Fatal(err)
	}
	for _, step := range []registry.Status{
		registry.StatusValidating, registry.StatusValidated,
		registry.StatusPendingReview, registry.StatusApproved,
	} {
		if err := r.store.Transition(ctx, dep.ID, step, ""); err != nil {
			t.Fatal(err)
		}
	}

	_, err := r.engine.Deploy(ctx, dep.ID, false)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepPrecondition {
		t.Fatalf("err = %v, want precondition StepError", err)
	}
	var de *registry.DependencyError
	if !errors.As(err, &de) {
		t.Errorf("err does not wrap DependencyError: %v", err)
	}
}

func TestDeployRouteConflictCompensates(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	holder := r.approved(t, "holder", echoSource, registry.KindEndpoint,
		[]registry.Route{{Path: "/shared", Methods: []string{"GET"}}})
	if _, err := r.engine.Deploy(ctx, holder.ID, false); err != nil {
		t.Fatal(err)
	}
	before := r.table.Snapshot()

	intruder := r.approved(t, "intruder", echoSource, registry.KindEndpoint,
		[]registry.Route{{Path: "/shared", Methods: []string{"GET"}}})
	_, err := r.engine.Deploy(ctx, intruder.ID, false)

	var se *StepError
	if !errors.As(err, &se) || se.Step != StepRoutes {
		t.Fatalf("err = %v, want routes StepError", err)
	}
	var conflict *hotswap.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err does not wrap ConflictError: %v", err)
	}
	if len(conflict.Conflicts) != 1 || conflict.Conflicts[0].OwnerID != holder.ID {
		t.Errorf("conflicts = %+v", conflict.Conflicts)
	}

	// Compensation: route table unchanged, module unloaded, capability
	// back to validated, snapshot kept for the audit trail.
	if diff := cmp.Diff(before, r.table.Snapshot()); diff != "" {
		t.Errorf("route table changed (-want +got):\n%s", diff)
	}
	if r.loader.Loaded(intruder.Name, intruder.Version) {
		t.Error("failed deploy left module loaded")
	}
	if got := r.status(t, intruder.ID); got != registry.StatusValidated {
		t.Errorf("status = %s, want validated", got)
	}
	if n, _ := r.store.CountSnapshots(ctx, intruder.ID); n != 1 {
		t.Error("compensated deploy lost its snapshot")
	}
}

func TestDeployLoadFailureCompensates(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	c := r.approved(t, "broken", brokenSource, registry.KindEndpoint, nil)

	_, err := r.engine.Deploy(ctx, c.ID, false)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepLoad {
		t.Fatalf("err = %v, want load StepError", err)
	}
	if got := r.status(t, c.ID); got != registry.StatusValidated {
		t.Errorf("status = %s, want validated", got)
	}

	// The failure reason survives for the next review cycle.
	got, err := r.store.Capability(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestDeployNewVersionReplacesOld(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	routes := []registry.Route{{Path: "/echo", Methods: []string{"POST"}}}

	v1 := r.approved(t, "echo", echoSource, registry.KindEndpoint, routes)
	if _, err := r.engine.Deploy(ctx, v1.ID, false); err != nil {
		t.Fatal(err)
	}

	v2 := r.approved(t, "echo", echoSource, registry.KindEndpoint, routes)
	res, err := r.engine.Deploy(ctx, v2.ID, false)
	if err != nil {
		t.Fatalf("replacing deploy failed: %v", err)
	}
	if res.ReplacedID != v1.ID {
		t.Errorf("replaced_id = %s, want %s", res.ReplacedID, v1.ID)
	}

	if got := r.status(t, v2.ID); got != registry.StatusDeployed {
		t.Errorf("v2 status = %s", got)
	}
	if got := r.status(t, v1.ID); got != registry.StatusDeprecated {
		t.Errorf("v1 status = %s, want deprecated", got)
	}

	owned, ok := r.table.Lookup("POST", "/echo")
	if !ok || owned.CapabilityID != v2.ID {
		t.Errorf("route owner = %+v, want v2", owned)
	}
	if r.loader.Loaded(v1.Name, v1.Version) {
		t.Error("old module still loaded")
	}
	if !r.loader.Loaded(v2.Name, v2.Version) {
		t.Error("new module not loaded")
	}
}

func TestDeployMigration(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	c := r.approved(t, "gadget-schema", gadgetMigration, registry.KindMigration, nil)

	res, err := r.engine.Deploy(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("migration deploy failed: %v", err)
	}
	want := []string{StepPrecondition, StepSnapshot, StepMigration, StepActivate}
	if diff := cmp.Diff(want, res.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	rev, err := r.migrator.CurrentRevision(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rev != 1 {
		t.Errorf("schema revision = %d, want 1", rev)
	}
	if _, err := r.store.DB().ExecContext(ctx, `INSERT INTO gadgets (name) VALUES ('spanner')`); err != nil {
		t.Errorf("migrated table unusable: %v", err)
	}
}

func TestUndeploy(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	c := r.approved(t, "echo", echoSource, registry.KindEndpoint,
		[]registry.Route{{Path: "/echo", Methods: []string{"POST"}}})
	if _, err := r.engine.Deploy(ctx, c.ID, false); err != nil {
		t.Fatal(err)
	}

	if err := r.engine.Undeploy(ctx, c.ID, "retired"); err != nil {
		t.Fatalf("undeploy failed: %v", err)
	}
	if got := r.status(t, c.ID); got != registry.StatusDeprecated {
		t.Errorf("status = %s", got)
	}
	if _, ok := r.table.Lookup("POST", "/echo"); ok {
		t.Error("route survived undeploy")
	}
	if r.loader.Loaded(c.Name, c.Version) {
		t.Error("module survived undeploy")
	}
}
