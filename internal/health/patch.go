package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"capsmith/internal/oracle"
	"capsmith/internal/registry"
	"capsmith/internal/validation"
)

// PatchStatus tracks a candidate's lifecycle.
type PatchStatus string

const (
	PatchProposed PatchStatus = "proposed"
	PatchFailed   PatchStatus = "failed"
	PatchAccepted PatchStatus = "accepted"
)

// PatchCandidate is one generated fix for an incident. A candidate is
// only ever surfaced after it has passed a sandbox run; candidates that
// fail the sandbox come back marked failed with the failure output.
type PatchCandidate struct {
	ID           string      `json:"id"`
	IncidentID   string      `json:"incident_id"`
	CapabilityID string      `json:"capability_id"`
	Hypothesis   string      `json:"hypothesis"`
	Source       string      `json:"source,omitempty"`
	Status       PatchStatus `json:"status"`
	Failure      string      `json:"failure,omitempty"`
}

const patchSystemPrompt = `You repair Go capability modules. Given an incident, a root-cause
hypothesis, and the current source, produce the COMPLETE fixed source file. Keep the package
clause and all exported entrypoints unchanged. Respond with ONLY the Go source, no prose.`

// PatchGenerator turns root-cause hypotheses into sandbox-verified fix
// candidates and registers accepted ones as new draft versions.
type PatchGenerator struct {
	client  oracle.Client
	sandbox *validation.Sandbox
	store   *registry.Store
	logger  *zap.Logger
}

// NewPatchGenerator wires a patch generator.
func NewPatchGenerator(client oracle.Client, sandbox *validation.Sandbox, store *registry.Store, logger *zap.Logger) *PatchGenerator {
	return &PatchGenerator{client: client, sandbox: sandbox, store: store, logger: logger}
}

// Propose generates one candidate per hypothesis. Every candidate is
// sandbox-executed before it is returned; a candidate that fails stays
// in the result marked failed so the review trail shows what was tried.
func (g *PatchGenerator) Propose(ctx context.Context, inc *registry.Incident, c *registry.Capability, hyps []Hypothesis) ([]*PatchCandidate, error) {
	if len(hyps) == 0 {
		return nil, fmt.Errorf("no hypotheses to patch against")
	}

	var out []*PatchCandidate
	for _, h := range hyps {
		cand := &PatchCandidate{
			ID:           uuid.New().String(),
			IncidentID:   inc.ID,
			CapabilityID: c.ID,
			Hypothesis:   h.Description,
		}

		source, err := g.generate(ctx, inc, c, h)
		if err != nil {
			cand.Status = PatchFailed
			cand.Failure = err.Error()
			out = append(out, cand)
			continue
		}
		cand.Source = source

		report := g.smoke(ctx, c.Kind, source)
		if !report.Passed {
			cand.Status = PatchFailed
			cand.Failure = report.Error
			if report.TimedOut {
				cand.Failure = "sandbox run timed out"
			}
			g.logger.Info("patch candidate rejected by sandbox",
				zap.String("incident_id", inc.ID),
				zap.String("candidate_id", cand.ID))
		} else {
			cand.Status = PatchProposed
		}
		out = append(out, cand)
	}
	return out, nil
}

// Accept turns a proposed candidate into a new draft capability version
// carrying the patched source. The candidate's claimed status is not
// trusted: the source is smoke-run again here, so a candidate that
// never passed the sandbox cannot be accepted by relabeling it. The new
// version enters the normal pipeline; acceptance never deploys
// anything.
func (g *PatchGenerator) Accept(ctx context.Context, cand *PatchCandidate) (*registry.Capability, error) {
	if cand.Status != PatchProposed {
		return nil, fmt.Errorf("candidate %s is %s, only proposed candidates can be accepted", cand.ID, cand.Status)
	}

	parent, err := g.store.Capability(ctx, cand.CapabilityID)
	if err != nil {
		return nil, err
	}

	if report := g.smoke(ctx, parent.Kind, cand.Source); !report.Passed {
		cand.Status = PatchFailed
		cand.Failure = report.Error
		return nil, fmt.Errorf("candidate %s failed sandbox verification: %s", cand.ID, report.Error)
	}

	next := &registry.Capability{
		Name:         parent.Name,
		Version:      bumpPatch(parent.Version),
		Kind:         parent.Kind,
		Source:       cand.Source,
		Author:       registry.AuthorGenerator,
		Dependencies: parent.Dependencies,
		Routes:       parent.Routes,
	}
	if err := g.store.CreateCapability(ctx, next); err != nil {
		return nil, err
	}
	cand.Status = PatchAccepted
	g.logger.Info("patch accepted as new draft version",
		zap.String("incident_id", cand.IncidentID),
		zap.String("parent_id", parent.ID),
		zap.String("draft_id", next.ID),
		zap.String("version", next.Version))
	return next, nil
}

func (g *PatchGenerator) generate(ctx context.Context, inc *registry.Incident, c *registry.Capability, h Hypothesis) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Incident signature: %s\n", inc.Signature)
	fmt.Fprintf(&prompt, "Hypothesis (%s, confidence %.2f): %s\n", h.FixCategory, h.Confidence, h.Description)
	fmt.Fprintf(&prompt, "\nCurrent source of %s %s:\n```go\n%s\n```\n", c.Name, c.Version, c.Source)

	raw, err := g.client.CompleteWithSystem(ctx, patchSystemPrompt, prompt.String())
	if err != nil {
		return "", fmt.Errorf("patch generation failed: %w", err)
	}
	source := stripFences(raw)
	if source == "" {
		return "", fmt.Errorf("patch generation produced empty source")
	}
	return source, nil
}

func (g *PatchGenerator) smoke(ctx context.Context, kind registry.Kind, source string) registry.SandboxReport {
	switch kind {
	case registry.KindEndpoint:
		return g.sandbox.Execute(ctx, source, "Handle", "{}")
	case registry.KindJob:
		return g.sandbox.Execute(ctx, source, "Run", "{}")
	default:
		shim := source + "\n\nfunc __capsmithSmoke(input string) (string, error) { return \"ok\", nil }\n"
		return g.sandbox.Execute(ctx, shim, "__capsmithSmoke", "")
	}
}

// bumpPatch increments the patch component of a semantic version,
// falling back to appending ".1" for versions it cannot parse.
func bumpPatch(version string) string {
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return version + ".1"
	}
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) != 3 {
		return version + ".1"
	}
	patch := 0
	fmt.Sscanf(parts[2], "%d", &patch)
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}
