package validation

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"capsmith/internal/registry"
)

// sandboxAllowedPackages is the import allowlist for interpreted code.
// Everything filesystem-, network-, and process-shaped is absent; the
// only writable location is the per-run scratch directory, reachable
// through the capsmith/scratch facade.
var sandboxAllowedPackages = map[string]bool{
	"bufio":            true,
	"bytes":            true,
	"capsmith/scratch": true,
	"context":          true,
	"encoding/base64":  true,
	"encoding/csv":     true,
	"encoding/hex":     true,
	"encoding/json":    true,
	"errors":           true,
	"fmt":              true,
	"math":             true,
	"math/big":         true,
	"math/rand":        true,
	"path":             true,
	"path/filepath":    true,
	"regexp":           true,
	"sort":             true,
	"strconv":          true,
	"strings":          true,
	"time":             true,
	"unicode":          true,
	"unicode/utf8":     true,
}

// SandboxConfig bounds a sandbox run.
type SandboxConfig struct {
	MaxConcurrent int64
	Timeout       time.Duration
	ScratchRoot   string
	MaxOutputKB   int
}

// Sandbox executes candidate code in an isolated yaegi interpreter:
// allowlisted stdlib imports only, empty environment, one scratch
// directory, and a hard wall-clock bound. Runs are admitted through a
// weighted semaphore so aggregate CPU and memory stay capped.
type Sandbox struct {
	cfg    SandboxConfig
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewSandbox creates a bounded sandbox executor.
func NewSandbox(cfg SandboxConfig, logger *zap.Logger) *Sandbox {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = filepath.Join(os.TempDir(), "capsmith-scratch")
	}
	if cfg.MaxOutputKB <= 0 {
		cfg.MaxOutputKB = 256
	}
	return &Sandbox{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}
}

// Execute runs code in the sandbox and invokes the named entrypoint,
// which must have the signature func(string) (string, error). A crash,
// timeout, or contract violation comes back as a failed report, never as
// a raw fault or a hung interpreter.
func (s *Sandbox) Execute(ctx context.Context, code, entry, input string) registry.SandboxReport {
	start := time.Now()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return registry.SandboxReport{
			Error:    fmt.Sprintf("sandbox admission cancelled: %v", err),
			Duration: time.Since(start),
		}
	}
	defer s.sem.Release(1)

	if err := validateImports(code); err != nil {
		return registry.SandboxReport{Error: err.Error(), Duration: time.Since(start)}
	}

	scratch := filepath.Join(s.cfg.ScratchRoot, uuid.NewString())
	if err := os.MkdirAll(scratch, 0700); err != nil {
		return registry.SandboxReport{
			Error:    fmt.Sprintf("failed to create scratch dir: %v", err),
			Duration: time.Since(start),
		}
	}
	defer os.RemoveAll(scratch)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, runErr, timedOut := s.run(runCtx, code, entry, input, scratch)
	report := registry.SandboxReport{
		Passed:   runErr == nil && !timedOut,
		Output:   s.truncate(output),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	if timedOut {
		report.Error = fmt.Sprintf("execution exceeded %v and was torn down", s.cfg.Timeout)
		s.logger.Warn("sandbox run timed out", zap.String("entry", entry), zap.Duration("limit", s.cfg.Timeout))
	}
	return report
}

// run evaluates the program and calls the entrypoint. Everything,
// including the entry call itself, is driven through EvalWithContext,
// which is the interpreter's cancellable path: when the context expires
// mid-call, interpreted execution is halted rather than abandoned on a
// goroutine.
func (s *Sandbox) run(ctx context.Context, code, entry, input, scratch string) (output string, err error, timedOut bool) {
	i := interp.New(interp.Options{Env: []string{}})
	if uerr := i.Use(stdlib.Symbols); uerr != nil {
		return "", fmt.Errorf("failed to load interpreter symbols: %w", uerr), false
	}
	if uerr := i.Use(scratchSymbols(scratch)); uerr != nil {
		return "", fmt.Errorf("failed to load scratch symbols: %w", uerr), false
	}

	if _, everr := i.EvalWithContext(ctx, wrapCode(code)); everr != nil {
		if ctx.Err() != nil {
			return "", nil, true
		}
		return "", fmt.Errorf("evaluation failed: %w", everr), false
	}

	entryVal, everr := i.EvalWithContext(ctx, "main."+entry)
	if everr != nil {
		if ctx.Err() != nil {
			return "", nil, true
		}
		return "", fmt.Errorf("entrypoint %s not found: %w", entry, everr), false
	}
	if _, ok := entryVal.Interface().(func(string) (string, error)); !ok {
		return "", fmt.Errorf("entrypoint %s has wrong signature (want func(string) (string, error))", entry), false
	}

	call := fmt.Sprintf("__capsmithOut, __capsmithErr := main.%s(%s)", entry, strconv.Quote(input))
	if everr := evalEntry(ctx, i, call); everr != nil {
		if ctx.Err() != nil {
			return "", nil, true
		}
		return "", everr, false
	}

	outVal, everr := i.Eval("__capsmithOut")
	if everr != nil {
		return "", fmt.Errorf("failed to read entrypoint output: %w", everr), false
	}
	out, _ := outVal.Interface().(string)

	errVal, everr := i.Eval("__capsmithErr")
	if everr != nil {
		return out, fmt.Errorf("failed to read entrypoint error: %w", everr), false
	}
	if callErr, ok := errVal.Interface().(error); ok && callErr != nil {
		return out, callErr, false
	}
	return out, nil, false
}

// evalEntry runs the entry call, converting an interpreted panic into a
// plain error.
func evalEntry(ctx context.Context, i *interp.Interpreter, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entrypoint panicked: %v", r)
		}
	}()
	if _, err = i.EvalWithContext(ctx, src); err != nil {
		var p interp.Panic
		if errors.As(err, &p) {
			return fmt.Errorf("entrypoint panicked: %v", p.Value)
		}
	}
	return err
}

func (s *Sandbox) truncate(out string) string {
	limit := s.cfg.MaxOutputKB * 1024
	if len(out) > limit {
		return out[:limit]
	}
	return out
}

// validateImports enforces the allowlist by parsing the import set
// properly rather than scraping lines.
func validateImports(code string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "sandbox.go", wrapCode(code), parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("invalid candidate source: %w", err)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !sandboxAllowedPackages[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports in sandbox: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

var packageClause = regexp.MustCompile(`(?m)^package\s+\w+`)

// wrapCode ensures the candidate evaluates as package main. Whatever
// package name the author used is rewritten; the interpreter namespace
// is always main.
func wrapCode(code string) string {
	if loc := packageClause.FindStringIndex(code); loc != nil {
		return code[:loc[0]] + "package main" + code[loc[1]:]
	}
	return "package main\n\n" + code
}
