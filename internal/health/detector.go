// Package health watches deployed capabilities: it folds error reports
// into deduplicated incidents, trips per-route circuit breakers, and
// drives root-cause analysis and patch generation for open incidents.
package health

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"capsmith/internal/metrics"
	"capsmith/internal/registry"
)

// Report is one raw error observation, from the dispatcher or an
// external webhook.
type Report struct {
	Source       string // dispatcher | webhook | manual
	Message      string
	CapabilityID string
	Severity     registry.Severity // optional override; derived from the message when empty
}

var (
	hexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numbers    = regexp.MustCompile(`\b\d+\b`)
	quoted     = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	fileLine   = regexp.MustCompile(`[\w./-]+\.go:\d+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// severityRule maps message patterns to incident severity. First match
// wins; unmatched reports are medium.
type severityRule struct {
	pattern  *regexp.Regexp
	severity registry.Severity
}

var severityRules = []severityRule{
	{regexp.MustCompile(`(?i)panic|fatal|segfault|data corruption`), registry.SeverityCritical},
	{regexp.MustCompile(`(?i)security|unauthorized|forbidden|injection|leak`), registry.SeverityHigh},
	{regexp.MustCompile(`(?i)timeout|deadline exceeded|connection refused`), registry.SeverityHigh},
	{regexp.MustCompile(`(?i)deprecat|slow|degraded`), registry.SeverityLow},
}

// Signature normalizes an error message into a stable dedup key: the
// first line with addresses, numbers, and quoted values collapsed,
// keeping any file:line location intact.
func Signature(message string) string {
	line := message
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	locations := fileLine.FindAllString(line, 2)

	line = hexAddr.ReplaceAllString(line, "<addr>")
	line = quoted.ReplaceAllString(line, "<str>")
	line = numbers.ReplaceAllString(line, "<n>")
	line = whitespace.ReplaceAllString(strings.TrimSpace(line), " ")
	if len(locations) > 0 {
		line += " @ " + strings.Join(locations, ",")
	}
	return strings.ToLower(line)
}

func deriveSeverity(message string) registry.Severity {
	for _, r := range severityRules {
		if r.pattern.MatchString(message) {
			return r.severity
		}
	}
	return registry.SeverityMedium
}

// Detector folds error reports into incidents.
type Detector struct {
	store   *registry.Store
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewDetector creates an incident detector.
func NewDetector(store *registry.Store, m *metrics.Registry, logger *zap.Logger) *Detector {
	return &Detector{store: store, metrics: m, logger: logger}
}

// Ingest records an error observation. Reports sharing a signature fold
// into one incident whose occurrence count grows; the first report of a
// signature opens a new incident. Returns the incident and whether it
// was newly opened.
func (d *Detector) Ingest(ctx context.Context, r Report) (*registry.Incident, bool, error) {
	sig := Signature(r.Message)
	now := time.Now().UTC()

	existing, err := d.store.OpenIncidentBySignature(ctx, sig)
	if err != nil {
		var nf *registry.NotFoundError
		if !errors.As(err, &nf) {
			return nil, false, err
		}
		// No open incident for this signature yet; open one below.
	}
	if existing != nil {
		if err := d.store.BumpIncident(ctx, existing.ID, now); err != nil {
			return nil, false, err
		}
		existing.OccurrenceCount++
		existing.LastSeen = now
		return existing, false, nil
	}

	sev := r.Severity
	if sev == "" {
		sev = deriveSeverity(r.Message)
	}
	inc := &registry.Incident{
		ID:              uuid.New().String(),
		Severity:        sev,
		Source:          r.Source,
		Signature:       sig,
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
		Status:          registry.IncidentOpen,
		CapabilityID:    r.CapabilityID,
	}
	if err := d.store.SaveIncident(ctx, inc); err != nil {
		return nil, false, err
	}
	d.metrics.IncidentsOpen.Inc()
	d.logger.Warn("incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("severity", string(sev)),
		zap.String("signature", sig),
		zap.String("capability_id", r.CapabilityID))
	return inc, true, nil
}

// Resolve closes an incident with the given terminal status.
func (d *Detector) Resolve(ctx context.Context, id string, status registry.IncidentStatus) error {
	if err := d.store.SetIncidentStatus(ctx, id, status); err != nil {
		return err
	}
	d.metrics.IncidentsOpen.Dec()
	return nil
}

// SyncGauge resets the open-incident gauge from the store, for use at
// startup.
func (d *Detector) SyncGauge(ctx context.Context) error {
	open, err := d.store.ListIncidents(ctx, registry.IncidentOpen)
	if err != nil {
		return err
	}
	d.metrics.IncidentsOpen.Set(float64(len(open)))
	return nil
}
