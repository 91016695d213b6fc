// Package deploy promotes approved capabilities into the live runtime.
// A deployment is a fixed step sequence with compensation: any failure
// after the snapshot point restores pre-deployment state automatically
// and returns the capability to validated.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"capsmith/internal/hotswap"
	"capsmith/internal/metrics"
	"capsmith/internal/migrate"
	"capsmith/internal/registry"
	"capsmith/internal/rollback"
)

// Deployment step names, in execution order.
const (
	StepPrecondition = "precondition"
	StepSnapshot     = "snapshot"
	StepMigration    = "migration"
	StepLoad         = "load"
	StepRoutes       = "routes"
	StepActivate     = "activate"
)

// StepError identifies which deployment step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("deployment step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result reports a completed deployment or dry run.
type Result struct {
	CapabilityID string    `json:"capability_id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	DryRun       bool      `json:"dry_run"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	Steps        []string  `json:"steps"`
	ReplacedID   string    `json:"replaced_id,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Engine executes deployments. Deployments of capabilities sharing a
// name are serialized through the lock set it shares with the rollback
// manager; unrelated capabilities deploy concurrently.
type Engine struct {
	store    *registry.Store
	loader   *hotswap.Loader
	table    *hotswap.Table
	migrator *migrate.Migrator
	rollback *rollback.Manager
	locks    *registry.Locks
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewEngine wires a deployment engine over the shared runtime. locks
// must be the same set the rollback manager holds.
func NewEngine(store *registry.Store, loader *hotswap.Loader, table *hotswap.Table,
	migrator *migrate.Migrator, rb *rollback.Manager, locks *registry.Locks,
	m *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		store: store, loader: loader, table: table,
		migrator: migrator, rollback: rb, locks: locks, metrics: m, logger: logger,
	}
}

// Deploy runs the full deployment sequence for an approved capability.
// With dryRun set it verifies preconditions and reports the planned
// steps without touching any state.
func (e *Engine) Deploy(ctx context.Context, capabilityID string, dryRun bool) (*Result, error) {
	c, err := e.store.Capability(ctx, capabilityID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Acquire(c.Name)
	defer unlock()

	// Re-read under the lock; a concurrent deploy or rollback of the
	// same name may have changed the world.
	c, err = e.store.Capability(ctx, capabilityID)
	if err != nil {
		return nil, err
	}

	res := &Result{CapabilityID: c.ID, Name: c.Name, Version: c.Version, DryRun: dryRun}

	if c.Status != registry.StatusApproved {
		e.metrics.Deployments.WithLabelValues("precondition_failed").Inc()
		return nil, &StepError{Step: StepPrecondition, Err: &registry.StateTransitionError{
			CapabilityID: c.ID, From: c.Status, To: registry.StatusDeployed,
		}}
	}
	if err := e.store.CheckConstraints(ctx, c); err != nil {
		e.metrics.Deployments.WithLabelValues("precondition_failed").Inc()
		return nil, &StepError{Step: StepPrecondition, Err: err}
	}
	res.Steps = append(res.Steps, StepPrecondition)

	prior := e.priorDeployed(ctx, c)
	if prior != nil {
		res.ReplacedID = prior.ID
	}

	if dryRun {
		res.Steps = append(res.Steps, e.plannedSteps(c)...)
		res.CompletedAt = time.Now().UTC()
		return res, nil
	}

	snap, err := e.rollback.CreateSnapshot(ctx, c)
	if err != nil {
		e.metrics.Deployments.WithLabelValues("snapshot_failed").Inc()
		return nil, &StepError{Step: StepSnapshot, Err: err}
	}
	res.SnapshotID = snap.ID
	res.Steps = append(res.Steps, StepSnapshot)

	// Every failure from here on compensates back to the snapshot.
	if c.Kind == registry.KindMigration {
		if _, err := e.migrator.Apply(ctx, c.ID, c.Source); err != nil {
			return nil, e.compensate(ctx, c, snap, &StepError{Step: StepMigration, Err: err})
		}
		res.Steps = append(res.Steps, StepMigration)
	} else {
		if err := e.loader.Load(ctx, c.Name, c.Version, string(c.Kind), c.Source); err != nil {
			return nil, e.compensate(ctx, c, snap, &StepError{Step: StepLoad, Err: err})
		}
		res.Steps = append(res.Steps, StepLoad)
	}

	if len(c.Routes) > 0 {
		// The new version takes over its predecessor's paths; routes
		// owned by unrelated capabilities stay conflicts.
		if prior != nil {
			e.table.Unregister(prior.ID)
		}
		if err := e.table.Register(c.ID, c.Routes); err != nil {
			return nil, e.compensate(ctx, c, snap, &StepError{Step: StepRoutes, Err: err})
		}
		res.Steps = append(res.Steps, StepRoutes)
	}

	if err := e.store.Transition(ctx, c.ID, registry.StatusDeployed, "deployment complete"); err != nil {
		return nil, e.compensate(ctx, c, snap, &StepError{Step: StepActivate, Err: err})
	}
	if prior != nil {
		e.loader.Unload(prior.Name, prior.Version)
		if err := e.store.Transition(ctx, prior.ID, registry.StatusDeprecated, "replaced by "+c.Version); err != nil {
			e.logger.Warn("failed to deprecate replaced version",
				zap.String("capability_id", prior.ID), zap.Error(err))
		}
	}
	res.Steps = append(res.Steps, StepActivate)
	res.CompletedAt = time.Now().UTC()

	e.metrics.Deployments.WithLabelValues("success").Inc()
	e.logger.Info("capability deployed",
		zap.String("capability_id", c.ID),
		zap.String("name", c.Name),
		zap.String("version", c.Version),
		zap.String("snapshot_id", snap.ID))
	return res, nil
}

// Undeploy retires a deployed capability: routes out of the table,
// module unloaded, status deprecated. The schema is left alone.
func (e *Engine) Undeploy(ctx context.Context, capabilityID, reason string) error {
	c, err := e.store.Capability(ctx, capabilityID)
	if err != nil {
		return err
	}

	unlock := e.locks.Acquire(c.Name)
	defer unlock()

	if err := e.store.Transition(ctx, c.ID, registry.StatusDeprecated, reason); err != nil {
		return err
	}
	e.table.Unregister(c.ID)
	e.loader.Unload(c.Name, c.Version)
	e.logger.Info("capability undeployed",
		zap.String("capability_id", c.ID), zap.String("reason", reason))
	return nil
}

// compensate restores the snapshot, moves the capability back to
// validated, and returns the original step error annotated with any
// compensation failure.
func (e *Engine) compensate(ctx context.Context, c *registry.Capability, snap *registry.DeploymentSnapshot, stepErr *StepError) error {
	e.metrics.Deployments.WithLabelValues("failed").Inc()

	// Compensation must run even when the deploy failed on context
	// cancellation.
	rctx := context.WithoutCancel(ctx)
	_, partial := e.rollback.Restore(rctx, c, snap, rollback.Request{
		CapabilityID: c.ID,
		SnapshotID:   snap.ID,
		Reason:       registry.ReasonDeploymentFailure,
		TriggeredBy:  "deploy-engine",
	})
	if partial {
		e.logger.Error("deployment compensation partially failed",
			zap.String("capability_id", c.ID), zap.Error(stepErr))
	}
	if err := e.store.Transition(rctx, c.ID, registry.StatusValidated, stepErr.Error()); err != nil {
		e.logger.Error("failed to return capability to validated",
			zap.String("capability_id", c.ID), zap.Error(err))
	}

	var conflict *hotswap.ConflictError
	if errors.As(stepErr.Err, &conflict) {
		e.logger.Warn("deployment aborted on route conflict",
			zap.String("capability_id", c.ID),
			zap.Int("conflicts", len(conflict.Conflicts)))
	}
	return stepErr
}

func (e *Engine) priorDeployed(ctx context.Context, c *registry.Capability) *registry.Capability {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.Warn("failed to list deployed capabilities", zap.Error(err))
		return nil
	}
	for _, prev := range active {
		if prev.Name == c.Name && prev.ID != c.ID {
			return prev
		}
	}
	return nil
}

func (e *Engine) plannedSteps(c *registry.Capability) []string {
	steps := []string{StepSnapshot}
	if c.Kind == registry.KindMigration {
		steps = append(steps, StepMigration)
	} else {
		steps = append(steps, StepLoad)
	}
	if len(c.Routes) > 0 {
		steps = append(steps, StepRoutes)
	}
	return append(steps, StepActivate)
}
