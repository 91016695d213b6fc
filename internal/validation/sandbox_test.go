package validation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestSandbox(t *testing.T, timeout time.Duration) *Sandbox {
	t.Helper()
	return NewSandbox(SandboxConfig{
		MaxConcurrent: 2,
		Timeout:       timeout,
		ScratchRoot:   t.TempDir(),
		MaxOutputKB:   4,
	}, zap.NewNop())
}

func TestSandboxExecuteSuccess(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

import "strings"

func Handle(input string) (string, error) {
	return strings.ToUpper(input), nil
}
`, "Handle", "hello")

	if !report.Passed {
		t.Fatalf("execution failed: %s", report.Error)
	}
	if report.Output != "HELLO" {
		t.Errorf("output = %q, want HELLO", report.Output)
	}
	if report.TimedOut {
		t.Error("TimedOut set on a normal run")
	}
}

func TestSandboxHandlerError(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

import "errors"

func Handle(input string) (string, error) {
	return "", errors.New("bad input")
}
`, "Handle", "")

	if report.Passed {
		t.Fatal("failing handler reported as passed")
	}
	if !strings.Contains(report.Error, "bad input") {
		t.Errorf("error = %q", report.Error)
	}
}

func TestSandboxPanicIsRecovered(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

func Handle(input string) (string, error) {
	var m map[string]string
	m["boom"] = input
	return "", nil
}
`, "Handle", "x")

	if report.Passed {
		t.Fatal("panicking handler reported as passed")
	}
	if report.Error == "" {
		t.Error("panic produced no error detail")
	}
}

// The entry call runs through the interpreter's cancellable eval, so an
// expired context halts interpreted execution, infinite loops included.
func TestSandboxTimeoutTearsDown(t *testing.T) {
	sb := newTestSandbox(t, 200*time.Millisecond)

	start := time.Now()
	report := sb.Execute(context.Background(), `package cap

func Handle(input string) (string, error) {
	for {
	}
}
`, "Handle", "")
	elapsed := time.Since(start)

	if report.Passed {
		t.Fatal("infinite loop reported as passed")
	}
	if !report.TimedOut {
		t.Fatal("TimedOut not set")
	}
	if elapsed > 5*time.Second {
		t.Errorf("teardown took %v, hung past the limit", elapsed)
	}
}

func TestSandboxForbiddenImport(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

import "os"

func Handle(input string) (string, error) {
	return os.Getwd()
}
`, "Handle", "")

	if report.Passed {
		t.Fatal("forbidden import admitted to the sandbox")
	}
	if !strings.Contains(report.Error, "forbidden imports") || !strings.Contains(report.Error, "os") {
		t.Errorf("error = %q", report.Error)
	}
}

func TestSandboxMissingEntrypoint(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

func Other() {}
`, "Handle", "")

	if report.Passed {
		t.Fatal("missing entrypoint reported as passed")
	}
}

func TestSandboxWrongSignature(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

func Handle(n int) int { return n }
`, "Handle", "")

	if report.Passed {
		t.Fatal("wrong entrypoint signature reported as passed")
	}
	if !strings.Contains(report.Error, "wrong signature") {
		t.Errorf("error = %q", report.Error)
	}
}

func TestSandboxOutputTruncated(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

import "strings"

func Handle(input string) (string, error) {
	return strings.Repeat("a", 64*1024), nil
}
`, "Handle", "")

	if !report.Passed {
		t.Fatalf("execution failed: %s", report.Error)
	}
	if len(report.Output) != 4*1024 {
		t.Errorf("output length = %d, want %d", len(report.Output), 4*1024)
	}
}

func TestSandboxScratchDirectory(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `package cap

import "capsmith/scratch"

func Handle(input string) (string, error) {
	if err := scratch.WriteFile("note.txt", input); err != nil {
		return "", err
	}
	return scratch.ReadFile("note.txt")
}
`, "Handle", "kept")

	if !report.Passed {
		t.Fatalf("scratch round trip failed: %s", report.Error)
	}
	if report.Output != "kept" {
		t.Errorf("output = %q, want kept", report.Output)
	}
}

func TestScratchPathStaysInside(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"note.txt", "note.txt"},
		{"sub/note.txt", "sub/note.txt"},
		{"../escape.txt", "escape.txt"},
		{"../../../etc/passwd", "etc/passwd"},
		{"/abs/path.txt", "abs/path.txt"},
	}
	dir := t.TempDir()
	for _, tt := range tests {
		got := scratchPath(dir, tt.name)
		want := filepath.Join(dir, tt.want)
		if got != want {
			t.Errorf("scratchPath(%q) = %q, want %q", tt.name, got, want)
		}
	}
}

func TestSandboxLeadingCommentBeforePackage(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)

	report := sb.Execute(context.Background(), `// widget echo capability
package cap

func Handle(input string) (string, error) {
	return input, nil
}
`, "Handle", "ok")

	if !report.Passed {
		t.Fatalf("source with leading comment failed: %s", report.Error)
	}
}
