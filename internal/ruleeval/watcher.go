package ruleeval

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"parley/internal/logging"
)

// ScriptWatcher watches a local rules-engine script override and hot
// swaps it into a ScriptLoader on every change. Development aid only:
// production engines never configure a watch path.
type ScriptWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	loader   *ScriptLoader
	path     string
	debounce time.Duration
	lastLoad time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewScriptWatcher creates a watcher for the given script path.
func NewScriptWatcher(path string, loader *ScriptLoader) (*ScriptWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ScriptWatcher{
		watcher:  w,
		loader:   loader,
		path:     path,
		debounce: 300 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start loads the current script, begins watching its directory, and
// returns immediately; events are handled on a background goroutine.
func (sw *ScriptWatcher) Start() error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = true
	sw.mu.Unlock()

	// Watch the directory rather than the file: editors replace files
	// on save, which drops a direct file watch.
	if err := sw.watcher.Add(filepath.Dir(sw.path)); err != nil {
		return err
	}

	sw.reload()

	go func() {
		defer close(sw.doneCh)
		for {
			select {
			case <-sw.stopCh:
				return
			case event, ok := <-sw.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(sw.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				sw.mu.Lock()
				recent := time.Since(sw.lastLoad) < sw.debounce
				if !recent {
					sw.lastLoad = time.Now()
				}
				sw.mu.Unlock()
				if recent {
					continue
				}
				sw.reload()
			case err, ok := <-sw.watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryRuleEval).Warn("script watcher error: %v", err)
			}
		}
	}()
	return nil
}

// reload compiles the override script and installs it; a broken script
// leaves the previous override in place.
func (sw *ScriptWatcher) reload() {
	source, err := os.ReadFile(sw.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryRuleEval).Warn("script override read failed: %v", err)
		}
		return
	}
	ev, err := CompileScript(string(source))
	if err != nil {
		logging.Get(logging.CategoryRuleEval).Error("script override compile failed: %v", err)
		return
	}
	sw.loader.SetOverride(ev)
	logging.RuleEval("script override installed from %s", sw.path)
}

// Close stops watching and waits for the event goroutine to exit.
func (sw *ScriptWatcher) Close() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.stopCh)
	err := sw.watcher.Close()
	<-sw.doneCh
	return err
}
