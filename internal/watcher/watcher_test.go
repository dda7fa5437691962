package watcher_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/watcher"
)

func writeSpec(t *testing.T, path, spec string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(spec), 0o644), "failed to write spec file")
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sampling")
	writeSpec(t, path, "ordered")

	w, err := watcher.New(watcher.Config{
		Path:        path,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Rapid writes should coalesce into single notification
	for i := 0; i < 10; i++ {
		writeSpec(t, path, fmt.Sprintf("random:0.%d", i+1))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sampling")
	otherPath := filepath.Join(dir, "other.txt")
	writeSpec(t, path, "ordered")
	writeSpec(t, otherPath, "initial")

	w, err := watcher.New(watcher.Config{
		Path:        path,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	writeSpec(t, otherPath, "other content")

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sampling")
	writeSpec(t, path, "ordered")

	w, err := watcher.New(watcher.Config{
		Path:        path,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w, err := watcher.New(watcher.DefaultConfig(filepath.Join(t.TempDir(), "nope", "sampling")))
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.Error(t, err)
}

func TestReadSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampling")
	writeSpec(t, path, "# sampling mode\n\n  random:0.5  \nordered\n")

	spec, err := watcher.ReadSpec(path)
	require.NoError(t, err)
	require.Equal(t, "random:0.5", spec)

	writeSpec(t, path, "# only comments\n")
	spec, err = watcher.ReadSpec(path)
	require.NoError(t, err)
	require.Empty(t, spec)

	_, err = watcher.ReadSpec(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestReload_AppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sampling")
	writeSpec(t, path, "ordered")

	var mu sync.Mutex
	var applied []string
	apply := func(spec string) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, spec)
		if spec == "bad" {
			return errors.New("rejected")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- watcher.Reload(ctx, watcher.Config{Path: path, DebounceDur: 20 * time.Millisecond}, apply)
	}()

	last := func() string {
		mu.Lock()
		defer mu.Unlock()
		if len(applied) == 0 {
			return ""
		}
		return applied[len(applied)-1]
	}

	// The watch may not be registered yet; keep writing until it is seen.
	require.Eventually(t, func() bool {
		writeSpec(t, path, "bad")
		return last() == "bad"
	}, 2*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		writeSpec(t, path, "random:0.25")
		return last() == "random:0.25"
	}, 2*time.Second, 50*time.Millisecond, "watching continues after apply error")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Reload did not return after cancel")
	}
}
