package weblounge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReloader struct {
	mu    sync.Mutex
	ports []int
}

func (r *recordingReloader) Reload(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, cfg.Server.Port)
	return nil
}

func (r *recordingReloader) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ports...)
}

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weblounge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	target := &recordingReloader{}
	w, err := NewConfigWatcher(path, target, logr.Discard())
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// give the watcher time to register before touching files
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644))

	broken := strings.Replace(sampleConfig, "port: 9090", "port: [", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, target.seen(), "invalid and unrelated files are not applied")

	next := strings.Replace(sampleConfig, "port: 9090", "port: 9191", 1)
	require.NoError(t, os.WriteFile(path, []byte(next), 0o644))
	assert.Eventually(t, func() bool {
		seen := target.seen()
		return len(seen) > 0 && seen[len(seen)-1] == 9191
	}, 2*time.Second, 10*time.Millisecond)
}
