package health

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"capsmith/internal/metrics"
	"capsmith/internal/registry"
)

func newTestDetector(t *testing.T) (*Detector, *registry.Store) {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewDetector(store, metrics.New(), zap.NewNop()), store
}

func TestSignature(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "addresses and numbers collapse",
			message: "nil pointer dereference at 0xc000123456 in request 4871",
			want:    "nil pointer dereference at <addr> in request <n>",
		},
		{
			name:    "quoted values collapse",
			message: `failed to parse "user-4871@example.com" as an id`,
			want:    "failed to parse <str> as an id",
		},
		{
			name:    "file location survives as a suffix",
			message: "index out of range [5] with length 3 at handler.go:42",
			want:    "index out of range [<n>] with length <n> at handler.go:<n> @ handler.go:42",
		},
		{
			name:    "only the first line counts",
			message: "panic: runtime error\ngoroutine 17 [running]:\nmain.Handle(...)",
			want:    "panic: runtime error",
		},
		{
			name:    "whitespace collapses and case folds",
			message: "  Connection   REFUSED  ",
			want:    "connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Signature(tt.message); got != tt.want {
				t.Errorf("Signature(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}

func TestSignatureStableAcrossVaryingDetail(t *testing.T) {
	a := Signature(`timeout after 1500 ms calling "orders-v2" at client.go:88`)
	b := Signature(`timeout after 9000 ms calling "orders-v3" at client.go:88`)
	if a != b {
		t.Errorf("signatures differ:\n  %q\n  %q", a, b)
	}
}

func TestDeriveSeverity(t *testing.T) {
	tests := []struct {
		message string
		want    registry.Severity
	}{
		{"panic: nil map write", registry.SeverityCritical},
		{"FATAL: disk detached", registry.SeverityCritical},
		{"unauthorized access to admin route", registry.SeverityHigh},
		{"possible SQL injection in filter", registry.SeverityHigh},
		{"context deadline exceeded", registry.SeverityHigh},
		{"endpoint is deprecated, migrate to v2", registry.SeverityLow},
		{"response degraded under load", registry.SeverityLow},
		{"unexpected token in payload", registry.SeverityMedium},
	}
	for _, tt := range tests {
		if got := deriveSeverity(tt.message); got != tt.want {
			t.Errorf("deriveSeverity(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestIngestOpensIncidentOnFirstReport(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	inc, created, err := d.Ingest(ctx, Report{
		Source:  "dispatcher",
		Message: "timeout calling backend",
	})
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if !created {
		t.Fatal("first report did not open an incident")
	}
	if inc.OccurrenceCount != 1 || inc.Status != registry.IncidentOpen {
		t.Errorf("incident = %+v", inc)
	}

	got, err := store.Incident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("incident not persisted: %v", err)
	}
	if got.Signature != Signature("timeout calling backend") {
		t.Errorf("signature = %q", got.Signature)
	}
}

func TestIngestDeduplicates(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()

	var first *registry.Incident
	for i := range 10 {
		inc, created, err := d.Ingest(ctx, Report{
			Source:  "dispatcher",
			Message: fmt.Sprintf("timeout after %d ms calling backend", 100*(i+1)),
		})
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if i == 0 {
			if !created {
				t.Fatal("first report did not open an incident")
			}
			first = inc
			continue
		}
		if created {
			t.Errorf("report %d opened a second incident", i)
		}
		if inc.ID != first.ID {
			t.Errorf("report %d folded into %s, want %s", i, inc.ID, first.ID)
		}
	}

	inc, _, err := d.Ingest(ctx, Report{Source: "dispatcher", Message: "timeout after 50 ms calling backend"})
	if err != nil {
		t.Fatal(err)
	}
	if inc.OccurrenceCount != 11 {
		t.Errorf("occurrence count = %d, want 11", inc.OccurrenceCount)
	}
}

func TestIngestSeparateSignatures(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()

	a, created, err := d.Ingest(ctx, Report{Source: "webhook", Message: "timeout calling backend"})
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	b, created, err := d.Ingest(ctx, Report{Source: "webhook", Message: "nil pointer dereference"})
	if err != nil || !created {
		t.Fatalf("second ingest: created=%v err=%v", created, err)
	}
	if a.ID == b.ID {
		t.Error("distinct signatures folded into one incident")
	}
	if a.Severity != registry.SeverityHigh || b.Severity != registry.SeverityMedium {
		t.Errorf("severities = %s, %s", a.Severity, b.Severity)
	}
}

func TestIngestSeverityOverride(t *testing.T) {
	d, _ := newTestDetector(t)

	inc, _, err := d.Ingest(context.Background(), Report{
		Source:   "manual",
		Message:  "something looks off in the numbers",
		Severity: registry.SeverityCritical,
	})
	if err != nil {
		t.Fatal(err)
	}
	if inc.Severity != registry.SeverityCritical {
		t.Errorf("severity = %s, want critical override", inc.Severity)
	}
}

func TestResolvedIncidentDoesNotAbsorbNewReports(t *testing.T) {
	d, store := newTestDetector(t)
	ctx := context.Background()

	first, _, err := d.Ingest(ctx, Report{Source: "dispatcher", Message: "timeout calling backend"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Resolve(ctx, first.ID, registry.IncidentResolved); err != nil {
		t.Fatal(err)
	}

	second, created, err := d.Ingest(ctx, Report{Source: "dispatcher", Message: "timeout calling backend"})
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID == first.ID {
		t.Errorf("report after resolution folded into the closed incident")
	}

	got, err := store.Incident(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != registry.IncidentResolved {
		t.Errorf("resolved incident status = %s", got.Status)
	}
}
