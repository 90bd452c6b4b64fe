package ruleeval

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"parley/internal/logging"
)

// FetchFunc retrieves rules-engine source text for a checksum from the
// decision service.
type FetchFunc func(ctx context.Context, checksum string) (string, error)

// Loader obtains an evaluator for a rules-engine revision. Injected
// into the engine so multiple engine instances can hold independent
// loader lifecycles.
type Loader interface {
	Load(ctx context.Context, checksum string) (Evaluator, error)
}

// ScriptLoader fetches, compiles, and caches rules-engine scripts per
// checksum. Concurrent first uses of the same checksum share a single
// fetch+compile via singleflight. A development override, when set,
// short-circuits fetching entirely.
type ScriptLoader struct {
	fetch FetchFunc

	group singleflight.Group

	mu       sync.RWMutex
	cache    map[string]Evaluator
	override Evaluator
}

// NewScriptLoader returns a loader backed by the given fetcher.
func NewScriptLoader(fetch FetchFunc) *ScriptLoader {
	return &ScriptLoader{
		fetch: fetch,
		cache: make(map[string]Evaluator),
	}
}

// Load returns the evaluator for a checksum, fetching and compiling at
// most once per checksum regardless of concurrent callers.
func (l *ScriptLoader) Load(ctx context.Context, checksum string) (Evaluator, error) {
	l.mu.RLock()
	if l.override != nil {
		ev := l.override
		l.mu.RUnlock()
		return ev, nil
	}
	if ev, ok := l.cache[checksum]; ok {
		l.mu.RUnlock()
		return ev, nil
	}
	l.mu.RUnlock()

	if l.fetch == nil {
		return nil, fmt.Errorf("no rules-engine fetcher configured")
	}

	v, err, shared := l.group.Do(checksum, func() (any, error) {
		source, err := l.fetch(ctx, checksum)
		if err != nil {
			return nil, fmt.Errorf("fetch rules engine %s: %w", checksum, err)
		}
		ev, err := CompileScript(source)
		if err != nil {
			return nil, fmt.Errorf("compile rules engine %s: %w", checksum, err)
		}
		l.mu.Lock()
		l.cache[checksum] = ev
		l.mu.Unlock()
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.RuleEvalDebug("rules-engine load for %s shared with concurrent caller", checksum)
	}
	return v.(Evaluator), nil
}

// SetOverride installs (or with nil clears) a development override that
// bypasses fetching.
func (l *ScriptLoader) SetOverride(ev Evaluator) {
	l.mu.Lock()
	l.override = ev
	l.mu.Unlock()
}
