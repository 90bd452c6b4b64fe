package ruleeval

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const loaderScript = `
func Solve(input map[string]interface{}, goal, screenID string, release map[string]interface{}, state []map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"result": true}, nil
}
`

func TestLoaderSharesConcurrentFetches(t *testing.T) {
	var fetches atomic.Int32
	loader := NewScriptLoader(func(ctx context.Context, checksum string) (string, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return loaderScript, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := loader.Load(context.Background(), "abc123")
			assert.NoError(t, err)
			assert.NotNil(t, ev)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "concurrent loads must share one fetch")
}

func TestLoaderCachesPerChecksum(t *testing.T) {
	var fetches atomic.Int32
	loader := NewScriptLoader(func(ctx context.Context, checksum string) (string, error) {
		fetches.Add(1)
		return loaderScript, nil
	})

	first, err := loader.Load(context.Background(), "v1")
	require.NoError(t, err)
	second, err := loader.Load(context.Background(), "v1")
	require.NoError(t, err)
	assert.Same(t, first.(*ScriptEvaluator), second.(*ScriptEvaluator))
	assert.Equal(t, int32(1), fetches.Load())

	_, err = loader.Load(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestLoaderOverrideBypassesFetch(t *testing.T) {
	loader := NewScriptLoader(func(ctx context.Context, checksum string) (string, error) {
		t.Fatal("fetch must not run while an override is installed")
		return "", nil
	})

	ev, err := CompileScript(loaderScript)
	require.NoError(t, err)
	loader.SetOverride(ev)

	got, err := loader.Load(context.Background(), "anything")
	require.NoError(t, err)
	assert.Same(t, ev, got.(*ScriptEvaluator))
}

func TestScriptWatcherInstallsOverride(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.go.txt")
	require.NoError(t, os.WriteFile(path, []byte(loaderScript), 0o644))

	loader := NewScriptLoader(nil)
	watcher, err := NewScriptWatcher(path, loader)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Close()

	// Start loads the existing file synchronously.
	ev, err := loader.Load(context.Background(), "ignored")
	require.NoError(t, err)
	assert.NotNil(t, ev)
}
