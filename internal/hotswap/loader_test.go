package hotswap

import (
	"context"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const echoSource = `package cap

func Handle(input string) (string, error) {
	return "echo:" + input, nil
}
`

func TestLoaderLoadAndInvoke(t *testing.T) {
	defer goleak.VerifyNone(t)
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	if err := loader.Load(ctx, "widgets", "1.0.0", "endpoint", echoSource); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	handler, ok := loader.Handler("widgets", "1.0.0")
	if !ok {
		t.Fatal("handler not found after load")
	}
	out, err := handler("ping")
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if out != "echo:ping" {
		t.Errorf("handler output = %q", out)
	}
}

func TestLoaderVersionsAreIsolated(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	v2 := `package cap

func Handle(input string) (string, error) {
	return "v2:" + input, nil
}
`
	if err := loader.Load(ctx, "widgets", "1.0.0", "endpoint", echoSource); err != nil {
		t.Fatal(err)
	}
	if err := loader.Load(ctx, "widgets", "2.0.0", "endpoint", v2); err != nil {
		t.Fatalf("second version failed to load: %v", err)
	}

	h1, _ := loader.Handler("widgets", "1.0.0")
	h2, _ := loader.Handler("widgets", "2.0.0")
	out1, _ := h1("x")
	out2, _ := h2("x")
	if out1 != "echo:x" || out2 != "v2:x" {
		t.Errorf("versions bleed: %q, %q", out1, out2)
	}
}

func TestLoaderDuplicateLoad(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	if err := loader.Load(ctx, "widgets", "1.0.0", "endpoint", echoSource); err != nil {
		t.Fatal(err)
	}
	if err := loader.Load(ctx, "widgets", "1.0.0", "endpoint", echoSource); err == nil {
		t.Fatal("duplicate load succeeded")
	}
}

func TestLoaderMissingEntrypoint(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	src := `package cap

func Helper() int { return 1 }
`
	if err := loader.Load(ctx, "broken", "1.0.0", "endpoint", src); err == nil {
		t.Fatal("load succeeded without the required entrypoint")
	}
}

func TestLoaderWrongSignature(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	src := `package cap

func Handle(n int) int { return n }
`
	if err := loader.Load(ctx, "broken", "1.0.0", "endpoint", src); err == nil {
		t.Fatal("load succeeded with a wrong entrypoint signature")
	}
}

func TestLoaderUnload(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	if err := loader.Load(ctx, "widgets", "1.0.0", "endpoint", echoSource); err != nil {
		t.Fatal(err)
	}
	loader.Unload("widgets", "1.0.0")

	if loader.Loaded("widgets", "1.0.0") {
		t.Error("module still loaded after unload")
	}
	if _, ok := loader.Handler("widgets", "1.0.0"); ok {
		t.Error("handler still resolvable after unload")
	}
	// Unloading twice is a no-op.
	loader.Unload("widgets", "1.0.0")

	// The version can be loaded again after unload.
	if err := loader.Load(ctx, "widgets", "1.0.0", "endpoint", echoSource); err != nil {
		t.Errorf("reload after unload failed: %v", err)
	}
}

func TestLoaderComponentHasNoHandler(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	ctx := context.Background()

	src := `package cap

const Version = "1"
`
	if err := loader.Load(ctx, "lib", "1.0.0", "component", src); err != nil {
		t.Fatalf("component load failed: %v", err)
	}
	if !loader.Loaded("lib", "1.0.0") {
		t.Fatal("component not loaded")
	}
	if _, ok := loader.Handler("lib", "1.0.0"); ok {
		t.Error("component exposed a handler")
	}
}
