package validation

import (
	_ "embed"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"capsmith/internal/registry"
)

//go:embed scan_policy.mg
var defaultScanPolicy string

// credentialRule matches embedded secrets in string literals.
type credentialRule struct {
	name    string
	pattern *regexp.Regexp
}

var credentialRules = []credentialRule{
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}`)},
	{"password_literal", regexp.MustCompile(`(?i)(password|passwd|secret|api_key|apikey)\s*[:=]\s*\S{6,}`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
}

// ruleSeverity maps a policy rule name to a finding severity. Anything
// unknown defaults to high so a widened policy fails closed.
var ruleSeverity = map[string]string{
	"exec":              "high",
	"dynamic_eval":      "high",
	"network":           "high",
	"filesystem_escape": "high",
	"process":           "warning",
}

// Scanner runs the static security scan: a Mangle policy over AST facts,
// plus credential regexes over string literals. The policy can be swapped
// at runtime (see PolicyWatcher).
type Scanner struct {
	mu     sync.RWMutex
	policy string
	logger *zap.Logger
}

// NewScanner creates a scanner with the embedded default policy.
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{policy: defaultScanPolicy, logger: logger}
}

// SetPolicy atomically replaces the scan policy.
func (s *Scanner) SetPolicy(policy string) {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	s.logger.Info("scan policy replaced", zap.Int("bytes", len(policy)))
}

// Scan analyzes candidate source and returns the scan report. A report
// with any high-severity finding fails; only an explicit security
// sign-off during review can override that.
func (s *Scanner) Scan(source string) registry.ScanReport {
	report := registry.ScanReport{Passed: true}

	facts, literals, err := ExtractFacts(source)
	if err != nil {
		report.Passed = false
		report.Findings = append(report.Findings, registry.ScanFinding{
			Rule:     "parse_error",
			Severity: "high",
			Detail:   err.Error(),
		})
		return report
	}

	s.mu.RLock()
	policy := s.policy
	s.mu.RUnlock()

	violations, err := evalPolicy(policy, facts)
	if err != nil {
		// A broken policy must never silently pass untrusted code.
		report.Passed = false
		report.Findings = append(report.Findings, registry.ScanFinding{
			Rule:     "policy_error",
			Severity: "high",
			Detail:   err.Error(),
		})
		return report
	}

	for _, v := range violations {
		severity := ruleSeverity[v.Rule]
		if severity == "" {
			severity = "high"
		}
		report.Findings = append(report.Findings, registry.ScanFinding{
			Rule:     v.Rule,
			Severity: severity,
			Location: v.Subject,
			Detail:   fmt.Sprintf("%s is not allowed in capability code (%s)", v.Subject, v.Rule),
		})
	}

	for _, lit := range literals {
		for _, rule := range credentialRules {
			if rule.pattern.MatchString(lit) {
				report.Findings = append(report.Findings, registry.ScanFinding{
					Rule:     "embedded_credential",
					Severity: "high",
					Location: rule.name,
					Detail:   fmt.Sprintf("string literal matches %s pattern", rule.name),
				})
			}
		}
	}

	for _, f := range report.Findings {
		if f.Severity == "high" {
			report.Passed = false
			break
		}
	}
	return report
}
