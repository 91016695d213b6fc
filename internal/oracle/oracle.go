// Package oracle defines the inference boundary for code generation,
// root-cause analysis, and patch synthesis. The pipeline core depends only
// on the Client interface; a Gemini-backed implementation lives alongside
// it but nothing below this package may import a concrete provider.
package oracle

import (
	"context"
	"errors"
)

// Client is the minimal interface the pipeline uses to call an LLM.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ErrNotConfigured is returned by Disabled for every call.
var ErrNotConfigured = errors.New("no inference backend configured, set CAPSMITH_API_KEY")

// Disabled is the Client used when no API key is configured. Everything
// that does not need inference keeps working; analysis and patch
// generation fail with a clear error.
type Disabled struct{}

func (Disabled) Complete(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) CompleteWithSystem(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}
