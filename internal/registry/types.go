// Package registry owns the capability data model, the lifecycle state
// machine, and the SQLite persistence layer behind the whole pipeline.
// Capabilities are mutated only through guarded transitions; every other
// package treats registry records as values.
package registry

import (
	"time"
)

// Kind classifies what a capability deploys as.
type Kind string

const (
	KindEndpoint  Kind = "endpoint"
	KindComponent Kind = "component"
	KindMigration Kind = "migration"
	KindJob       Kind = "job"
)

// Author identifies where capability source came from.
type Author string

const (
	AuthorHuman     Author = "human"
	AuthorGenerator Author = "generator"
)

// Route is one (path, methods) binding exposed by an endpoint capability.
type Route struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
}

// Constraint declares a version requirement on another capability.
// Supported forms: exact ("1.2.3"), caret ("^1.2.3"), wildcard ("1.x").
type Constraint struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint"`
}

// Capability is a versioned, independently deployable unit of generated
// or authored code with its own lifecycle state.
type Capability struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Version       string       `json:"version"`
	Kind          Kind         `json:"kind"`
	Status        Status       `json:"status"`
	Source        string       `json:"source"`
	Author        Author       `json:"author"`
	Dependencies  []Constraint `json:"dependencies,omitempty"`
	Routes        []Route      `json:"routes,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ScanFinding is one static-analysis hit from the security scan.
type ScanFinding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"` // info | warning | high
	Location string `json:"location,omitempty"`
	Detail   string `json:"detail"`
}

// ScanReport aggregates the static security scan.
type ScanReport struct {
	Passed   bool          `json:"passed"`
	Findings []ScanFinding `json:"findings,omitempty"`
}

// SandboxReport records one isolated execution of candidate code.
type SandboxReport struct {
	Passed   bool          `json:"passed"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// TestCaseResult is one synthesized or author-supplied test outcome.
type TestCaseResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// TestReport aggregates synthesized plus author-supplied test runs.
type TestReport struct {
	Passed bool             `json:"passed"`
	Cases  []TestCaseResult `json:"cases,omitempty"`
}

// ValidationResult is the outcome of one validation attempt. There may be
// many per capability.
type ValidationResult struct {
	ID           string        `json:"id"`
	CapabilityID string        `json:"capability_id"`
	Scan         ScanReport    `json:"scan"`
	Sandbox      SandboxReport `json:"sandbox"`
	Tests        TestReport    `json:"tests"`
	Passed       bool          `json:"passed"`
	Confidence   float64       `json:"confidence"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ChecklistItem is one review checklist entry.
type ChecklistItem struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"` // security | functionality | quality | performance | testing
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Checked     bool      `json:"checked"`
	CheckedBy   string    `json:"checked_by,omitempty"`
	CheckedAt   time.Time `json:"checked_at,omitzero"`
	Notes       string    `json:"notes,omitempty"`
}

// Comment is a threaded review comment, optionally anchored to code.
type Comment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Reviewer  string    `json:"reviewer"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty"`
	Text      string    `json:"text"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the terminal verdict on a review record.
type Decision string

const (
	DecisionApprove      Decision = "approve"
	DecisionReject       Decision = "reject"
	DecisionNeedsChanges Decision = "needs_changes"
)

// ReviewStatus tracks a review record's own lifecycle.
type ReviewStatus string

const (
	ReviewOpen      ReviewStatus = "open"
	ReviewEscalated ReviewStatus = "escalated"
	ReviewDecided   ReviewStatus = "decided"
)

// ReviewRecord is one review cycle over one validation result.
type ReviewRecord struct {
	ID                 string          `json:"id"`
	CapabilityID       string          `json:"capability_id"`
	ValidationResultID string          `json:"validation_result_id"`
	Reviewers          []string        `json:"reviewers,omitempty"`
	Checklist          []ChecklistItem `json:"checklist"`
	Comments           []Comment       `json:"comments,omitempty"`
	Status             ReviewStatus    `json:"status"`
	Decision           Decision        `json:"decision,omitempty"`
	DecidedBy          string          `json:"decided_by,omitempty"`
	DecidedAt          time.Time       `json:"decided_at,omitzero"`
	CreatedAt          time.Time       `json:"created_at"`
}

// DeploymentSnapshot is an immutable pre-deployment capture used for
// rollback. Routes holds the full active route set at capture time, not
// just the capability's own routes.
type DeploymentSnapshot struct {
	ID             string            `json:"id"`
	CapabilityID   string            `json:"capability_id"`
	Version        string            `json:"version"`
	Source         string            `json:"source"`
	Config         map[string]string `json:"config,omitempty"`
	Routes         []OwnedRoute      `json:"routes"`
	Dependencies   []Constraint      `json:"dependencies,omitempty"`
	SchemaRevision int64             `json:"schema_revision"`
	CreatedAt      time.Time         `json:"created_at"`
}

// OwnedRoute pairs a route binding with the capability that owns it.
type OwnedRoute struct {
	CapabilityID string `json:"capability_id"`
	Path         string `json:"path"`
	Method       string `json:"method"`
}

// Severity ranks an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IncidentStatus tracks incident triage.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentFalsePositive IncidentStatus = "false_positive"
)

// Incident is a deduplicated error occurrence tracked by the health
// monitor. Signature is the normalized (kind + location) key.
type Incident struct {
	ID              string         `json:"id"`
	Severity        Severity       `json:"severity"`
	Source          string         `json:"source"`
	Signature       string         `json:"signature"`
	OccurrenceCount int            `json:"occurrence_count"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	Status          IncidentStatus `json:"status"`
	CapabilityID    string         `json:"capability_id,omitempty"`
}

// RollbackReason states why a rollback was triggered.
type RollbackReason string

const (
	ReasonDeploymentFailure      RollbackReason = "deployment_failure"
	ReasonRuntimeError           RollbackReason = "runtime_error"
	ReasonSecurityIssue          RollbackReason = "security_issue"
	ReasonPerformanceDegradation RollbackReason = "performance_degradation"
	ReasonUserRequest            RollbackReason = "user_request"
	ReasonManual                 RollbackReason = "manual"
)

// SubActionResult reports one independently tracked rollback sub-action.
type SubActionResult struct {
	Attempted bool   `json:"attempted"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// RollbackEntry is one audit-history row for a capability rollback.
type RollbackEntry struct {
	ID           string          `json:"id"`
	CapabilityID string          `json:"capability_id"`
	SnapshotID   string          `json:"snapshot_id"`
	Reason       RollbackReason  `json:"reason"`
	TriggeredBy  string          `json:"triggered_by"`
	Code         SubActionResult `json:"code"`
	Database     SubActionResult `json:"database"`
	Notify       SubActionResult `json:"notify"`
	CreatedAt    time.Time       `json:"created_at"`
}
