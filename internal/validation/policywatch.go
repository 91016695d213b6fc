package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PolicyWatcher hot-reloads an external scan policy file into the
// scanner whenever it changes, so tightening the rule set does not need a
// restart. Rapid editor saves are debounced.
type PolicyWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	scanner     *Scanner
	path        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	logger      *zap.Logger
}

// NewPolicyWatcher creates a watcher for the given policy file.
func NewPolicyWatcher(path string, scanner *Scanner, logger *zap.Logger) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		watcher:     watcher,
		scanner:     scanner,
		path:        path,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
	}, nil
}

// Start loads the policy once, then begins watching. Non-blocking.
func (pw *PolicyWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	pw.reload()

	// Watch the directory: editors replace files rather than write them
	// in place, which drops inode-level watches.
	if err := pw.watcher.Add(filepath.Dir(pw.path)); err != nil {
		pw.logger.Warn("policy watch failed, hot reload disabled", zap.Error(err))
	}

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (pw *PolicyWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh
	pw.watcher.Close()
}

func (pw *PolicyWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pw.debounced(event.Name) {
				continue
			}
			pw.reload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (pw *PolicyWatcher) debounced(name string) bool {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	now := time.Now()
	if last, ok := pw.debounceMap[name]; ok && now.Sub(last) < pw.debounceDur {
		return true
	}
	pw.debounceMap[name] = now
	return false
}

func (pw *PolicyWatcher) reload() {
	data, err := os.ReadFile(pw.path)
	if err != nil {
		pw.logger.Warn("failed to read scan policy, keeping previous", zap.String("path", pw.path), zap.Error(err))
		return
	}
	if strings.TrimSpace(string(data)) == "" {
		pw.logger.Warn("refusing to load empty scan policy", zap.String("path", pw.path))
		return
	}
	pw.scanner.SetPolicy(string(data))
}
