package registry

import "fmt"

// Status is a capability lifecycle state. Transitions move only along the
// edges in transitions below; anything else is a StateTransitionError.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusGenerating    Status = "generating"
	StatusValidating    Status = "validating"
	StatusValidated     Status = "validated"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusDeployed      Status = "deployed"
	StatusDeprecated    Status = "deprecated"
	StatusRolledBack    Status = "rolled_back"
)

// transitions is the full adjacency of the lifecycle state machine.
// approved -> validated is the failed-deploy compensation edge: a
// deployment that dies after the snapshot step parks the capability back
// in validated with the failure reason attached. draft -> validating is
// the re-entry edge for human-authored source and for drafts returned by
// a needs_changes decision; generation is skipped for both.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusGenerating, StatusValidating},
	StatusGenerating:    {StatusValidating},
	StatusValidating:    {StatusValidated, StatusRejected},
	StatusValidated:     {StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusDraft, StatusRejected},
	StatusApproved:      {StatusDeployed, StatusValidated},
	StatusDeployed:      {StatusDeprecated, StatusRolledBack},
	StatusRejected:      {},
	StatusDeprecated:    {},
	StatusRolledBack:    {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateTransitionError reports an illegal lifecycle move. The capability's
// status is guaranteed unchanged when this error is returned.
type StateTransitionError struct {
	CapabilityID string
	From         Status
	To           Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("capability %s: illegal transition %s -> %s", e.CapabilityID, e.From, e.To)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DependencyError names the specific unsatisfied constraint that blocks a
// deployment. It is deliberately not a generic failure.
type DependencyError struct {
	CapabilityID string
	Dependency   string
	Constraint   string
	Deployed     string // version currently deployed, empty when none
}

func (e *DependencyError) Error() string {
	if e.Deployed == "" {
		return fmt.Sprintf("capability %s: dependency %s (%s) has no deployed version", e.CapabilityID, e.Dependency, e.Constraint)
	}
	return fmt.Sprintf("capability %s: dependency %s (%s) not satisfied by deployed version %s", e.CapabilityID, e.Dependency, e.Constraint, e.Deployed)
}
