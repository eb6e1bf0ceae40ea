package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher("", nil)
	assert.Error(t, err)

	w, err := NewWatcher("config.yaml", nil, WithDebounceDelay(time.Second), WithWatcherLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(w.path))
	assert.Equal(t, time.Second, w.debounceDelay)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0644))

	w, err := NewWatcher(path, NewLoader(), WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		levels []string
	)
	w.OnReload(func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, cfg.Log.Level)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// 等待监听建立后再写入，重复写入直到回调触发
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644)
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 5*time.Second, 100*time.Millisecond)

	// 无效文件不触发回调
	time.Sleep(100 * time.Millisecond)
	before := w.Reloads()
	require.NoError(t, os.WriteFile(path, []byte("log: [\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, w.Reloads())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0644))

	w, err := NewWatcher(path, nil, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644))
		time.Sleep(30 * time.Millisecond)
	}
	assert.Zero(t, w.Reloads())
}
