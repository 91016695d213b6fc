// Package hotswap owns the live runtime: interpreted capability modules
// and the route table that maps live traffic onto them. Both are
// explicitly constructed and injected; there is no ambient global state,
// and their lifecycle is tied to the owning process.
package hotswap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// Handler is the fixed entrypoint contract every loadable capability
// implements: func Handle(input string) (string, error) for endpoints,
// func Run(input string) (string, error) for jobs.
type Handler func(input string) (string, error)

// entrypointFor maps capability kinds to their required entry symbol.
var entrypointFor = map[string]string{
	"endpoint":  "Handle",
	"job":       "Run",
	"component": "",
}

type loadedModule struct {
	name    string
	version string
	kind    string
	handler Handler
	loaded  time.Time
}

// Loader keeps one yaegi interpreter per loaded capability version.
// Modules are keyed by name@version so two versions of the same
// capability never collide; loads for distinct capabilities only contend
// on the map lock.
//
// Only source that has passed the validation pipeline may reach Load;
// the loader checks the entry contract, not the security policy.
type Loader struct {
	mu      sync.RWMutex
	modules map[string]*loadedModule
	logger  *zap.Logger
}

// NewLoader creates an empty module loader.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{modules: make(map[string]*loadedModule), logger: logger}
}

// Key renders the namespace key for a capability version.
func Key(name, version string) string {
	return name + "@" + version
}

// Load evaluates source into a fresh interpreter namespace and resolves
// the kind's entrypoint. Loading an already-loaded version is an error;
// unload it first.
func (l *Loader) Load(ctx context.Context, name, version, kind, source string) error {
	key := Key(name, version)

	l.mu.Lock()
	if _, exists := l.modules[key]; exists {
		l.mu.Unlock()
		return fmt.Errorf("module %s is already loaded", key)
	}
	l.mu.Unlock()

	entry, ok := entrypointFor[kind]
	if !ok {
		return fmt.Errorf("kind %q is not loadable", kind)
	}

	i := interp.New(interp.Options{Env: []string{}})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("failed to load interpreter symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, wrapModule(source)); err != nil {
		return fmt.Errorf("module %s failed to evaluate: %w", key, err)
	}

	mod := &loadedModule{name: name, version: version, kind: kind, loaded: time.Now()}
	if entry != "" {
		val, err := i.EvalWithContext(ctx, "main."+entry)
		if err != nil {
			return fmt.Errorf("module %s: entrypoint %s not found: %w", key, entry, err)
		}
		fn, ok := val.Interface().(func(string) (string, error))
		if !ok {
			return fmt.Errorf("module %s: entrypoint %s has wrong signature", key, entry)
		}
		mod.handler = fn
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.modules[key]; exists {
		return fmt.Errorf("module %s is already loaded", key)
	}
	l.modules[key] = mod
	l.logger.Info("module loaded", zap.String("module", key), zap.String("kind", kind))
	return nil
}

// Unload drops a loaded module. Unloading an absent module is a no-op.
func (l *Loader) Unload(name, version string) {
	key := Key(name, version)
	l.mu.Lock()
	if _, ok := l.modules[key]; ok {
		delete(l.modules, key)
		l.logger.Info("module unloaded", zap.String("module", key))
	}
	l.mu.Unlock()
}

// Handler resolves the entry handler for a loaded module.
func (l *Loader) Handler(name, version string) (Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mod, ok := l.modules[Key(name, version)]
	if !ok || mod.handler == nil {
		return nil, false
	}
	return mod.handler, true
}

// Loaded reports whether a module version is currently loaded.
func (l *Loader) Loaded(name, version string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.modules[Key(name, version)]
	return ok
}

// List returns the keys of all loaded modules.
func (l *Loader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.modules))
	for key := range l.modules {
		out = append(out, key)
	}
	return out
}
