package validation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"capsmith/internal/metrics"
	"capsmith/internal/registry"
)

// FailureKind tags which sub-check sank a validation attempt.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureScan    FailureKind = "scan"
	FailureSandbox FailureKind = "sandbox"
	FailureTest    FailureKind = "test"
)

// Sub-check weights for the confidence score.
const (
	scanWeight    = 0.4
	sandboxWeight = 0.3
	testWeight    = 0.3
)

// Pipeline runs the ordered sub-checks and aggregates one
// ValidationResult per attempt.
type Pipeline struct {
	scanner *Scanner
	sandbox *Sandbox
	synth   *Synthesizer
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewPipeline assembles the validation pipeline.
func NewPipeline(scanner *Scanner, sandbox *Sandbox, synth *Synthesizer, m *metrics.Registry, logger *zap.Logger) *Pipeline {
	return &Pipeline{scanner: scanner, sandbox: sandbox, synth: synth, metrics: m, logger: logger}
}

// Run validates a capability's source. Hard failures short-circuit: a
// failed scan skips the sandbox, a failed sandbox skips the tests. The
// returned result is not yet persisted.
func (p *Pipeline) Run(ctx context.Context, c *registry.Capability) (*registry.ValidationResult, FailureKind) {
	start := time.Now()
	result := &registry.ValidationResult{CapabilityID: c.ID}

	result.Scan = p.scanner.Scan(c.Source)
	if !result.Scan.Passed {
		p.finish(result, FailureScan, start)
		return result, FailureScan
	}

	result.Sandbox = p.smokeRun(ctx, c)
	p.metrics.SandboxDuration.Observe(result.Sandbox.Duration.Seconds())
	if !result.Sandbox.Passed {
		p.finish(result, FailureSandbox, start)
		return result, FailureSandbox
	}

	result.Tests = p.synth.Run(ctx, c.Source)
	if !result.Tests.Passed {
		p.finish(result, FailureTest, start)
		return result, FailureTest
	}

	p.finish(result, FailureNone, start)
	return result, FailureNone
}

// smokeRun executes the capability once under sandbox constraints. For
// endpoint capabilities the Handle entrypoint is exercised with an empty
// input; everything else only has to evaluate cleanly, which is proven
// with a no-op entry shim.
func (p *Pipeline) smokeRun(ctx context.Context, c *registry.Capability) registry.SandboxReport {
	if c.Kind == registry.KindEndpoint {
		return p.sandbox.Execute(ctx, c.Source, "Handle", "{}")
	}
	shim := c.Source + "\n\nfunc __capsmithSmoke(input string) (string, error) { return \"ok\", nil }\n"
	return p.sandbox.Execute(ctx, shim, "__capsmithSmoke", "")
}

func (p *Pipeline) finish(result *registry.ValidationResult, kind FailureKind, start time.Time) {
	result.Passed = kind == FailureNone
	result.Confidence = confidence(result)
	outcome := "pass"
	if !result.Passed {
		outcome = string(kind) + "_fail"
	}
	p.metrics.Validations.WithLabelValues(outcome).Inc()
	p.logger.Info("validation attempt finished",
		zap.String("capability", result.CapabilityID),
		zap.Bool("passed", result.Passed),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(start)))
}

// confidence combines sub-check outcomes into a [0,1] score. Sub-checks
// that never ran contribute nothing.
func confidence(r *registry.ValidationResult) float64 {
	score := 0.0
	if r.Scan.Passed {
		scanScore := 1.0
		// Non-blocking findings still shave confidence.
		for _, f := range r.Scan.Findings {
			if f.Severity == "warning" {
				scanScore -= 0.1
			}
		}
		if scanScore < 0 {
			scanScore = 0
		}
		score += scanWeight * scanScore
	}
	if r.Sandbox.Passed {
		score += sandboxWeight
	}
	if r.Tests.Passed {
		testScore := 1.0
		if len(r.Tests.Cases) == 0 {
			// Nothing was testable; passing by absence is weaker evidence.
			testScore = 0.5
		}
		score += testWeight * testScore
	}
	return score
}
