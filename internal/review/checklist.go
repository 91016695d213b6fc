package review

import "capsmith/internal/registry"

// DefaultChecklist returns the fixed review checklist: security,
// functionality, and testing items are required; quality and performance
// items are advisory.
func DefaultChecklist() []registry.ChecklistItem {
	items := []struct {
		id, category, description string
		required                  bool
	}{
		{"sec-scan-findings", "security", "Static scan findings reviewed, any high-severity hit explicitly signed off", true},
		{"sec-input-handling", "security", "All external input validated and bounded", true},
		{"sec-secrets", "security", "No credentials, tokens, or key material in source or config", true},
		{"sec-blast-radius", "security", "Failure of this capability cannot corrupt data owned by others", true},
		{"fn-spec-match", "functionality", "Behavior matches the stated intent of the capability", true},
		{"fn-edge-cases", "functionality", "Edge cases (empty input, large input, malformed input) handled", true},
		{"fn-dependencies", "functionality", "Declared dependency constraints are correct and minimal", true},
		{"ql-readability", "quality", "Code is readable and names are accurate", false},
		{"ql-error-paths", "quality", "Error paths return actionable messages", false},
		{"ql-dead-code", "quality", "No dead or commented-out code", false},
		{"pf-complexity", "performance", "No obviously superlinear work on the request path", false},
		{"pf-allocation", "performance", "No unbounded buffering or allocation", false},
		{"ts-synth-pass", "testing", "Synthesized and author tests pass in the sandbox", true},
		{"ts-coverage", "testing", "Author tests cover the main behavior, not just the happy path", true},
	}

	out := make([]registry.ChecklistItem, len(items))
	for i, it := range items {
		out[i] = registry.ChecklistItem{
			ID:          it.id,
			Category:    it.category,
			Description: it.description,
			Required:    it.required,
		}
	}
	return out
}
