package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"capsmith/internal/oracle"
	"capsmith/internal/registry"
)

// Hypothesis is one candidate explanation for an incident.
type Hypothesis struct {
	Description   string   `json:"description"`
	Confidence    float64  `json:"confidence"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	FixCategory   string   `json:"fix_category"` // code | config | dependency | schema
	Evidence      []string `json:"evidence,omitempty"`
}

// Analyzer produces root-cause hypotheses for an incident. Implementations
// must return hypotheses ordered by descending confidence.
type Analyzer interface {
	Analyze(ctx context.Context, inc *registry.Incident, source string) ([]Hypothesis, error)
}

const analyzerSystemPrompt = `You are a root-cause analyst for a capability runtime.
Given an incident and the source of the implicated capability, produce up to three
hypotheses for the underlying cause. Respond with ONLY a JSON object of the form:
{"hypotheses":[{"description":...,"confidence":0.0-1.0,"affected_files":[...],"fix_category":"code|config|dependency|schema","evidence":[...]}]}
No prose outside the JSON.`

// LLMAnalyzer asks the inference backend for hypotheses and enforces a
// strict JSON contract on the reply.
type LLMAnalyzer struct {
	client oracle.Client
	logger *zap.Logger
}

// NewLLMAnalyzer creates an analyzer over the given backend.
func NewLLMAnalyzer(client oracle.Client, logger *zap.Logger) *LLMAnalyzer {
	return &LLMAnalyzer{client: client, logger: logger}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, inc *registry.Incident, source string) ([]Hypothesis, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Incident %s (severity %s, seen %d times)\n", inc.ID, inc.Severity, inc.OccurrenceCount)
	fmt.Fprintf(&prompt, "Signature: %s\n", inc.Signature)
	if source != "" {
		fmt.Fprintf(&prompt, "\nCapability source:\n```go\n%s\n```\n", source)
	}

	raw, err := a.client.CompleteWithSystem(ctx, analyzerSystemPrompt, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("root-cause analysis failed: %w", err)
	}

	hyps, err := parseHypotheses(raw)
	if err != nil {
		a.logger.Warn("analyzer returned malformed hypotheses", zap.Error(err))
		return nil, err
	}
	return hyps, nil
}

func parseHypotheses(raw string) ([]Hypothesis, error) {
	raw = stripFences(raw)
	var wrapper struct {
		Hypotheses []Hypothesis `json:"hypotheses"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, fmt.Errorf("hypotheses are not valid JSON: %w", err)
	}
	for i, h := range wrapper.Hypotheses {
		if h.Description == "" {
			return nil, fmt.Errorf("hypothesis %d has no description", i)
		}
		if h.Confidence < 0 || h.Confidence > 1 {
			return nil, fmt.Errorf("hypothesis %d has confidence %v outside [0,1]", i, h.Confidence)
		}
	}
	return wrapper.Hypotheses, nil
}

// stripFences unwraps a fenced code block, keeping the fenced body
// verbatim; only the fence lines go. Unfenced replies are trimmed of
// surrounding whitespace.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	idx := strings.IndexByte(trimmed, '\n')
	if idx < 0 {
		return ""
	}
	body := trimmed[idx+1:]
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}
