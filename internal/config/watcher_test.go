package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Setenv("MOLTBOOK_API_KEY", "mb-test")
	t.Setenv("GEMINI_API_KEY", "gm-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "moltbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("moltbook:\n  submolt: general\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	// No debounce in tests; the two writes below are the events under test.
	w.debounce = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("moltbook:\n  submolt: aquarium\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "aquarium", cfg.Moltbook.Submolt)
	case <-time.After(5 * time.Second):
		t.Fatal("config change never triggered a reload")
	}
}

func TestWatcherKeepsOldConfigOnBadWrite(t *testing.T) {
	t.Setenv("MOLTBOOK_API_KEY", "mb-test")
	t.Setenv("GEMINI_API_KEY", "gm-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "moltbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("moltbook:\n  submolt: general\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounce = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("queue: [broken"), 0644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("broken config must not reload, got %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
