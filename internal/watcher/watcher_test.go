package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][]byte
}

func (r *recorder) handle(rel string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]byte)
	}
	r.calls[rel] = content
}

func (r *recorder) get(rel string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[rel]
	return c, ok
}

func startWatcher(t *testing.T, root string, rec *recorder) *Watcher {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := New(root, 20, rec.handle, log)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestReportsSettledWrite(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0600))

	rec := &recorder{}
	w := startWatcher(t, root, rec)
	w.SetPaths([]string{"a.go"})

	require.NoError(t, os.WriteFile(path, []byte("after"), 0600))

	require.Eventually(t, func() bool {
		_, ok := rec.get("a.go")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	content, _ := rec.get("a.go")
	assert.Equal(t, []byte("after"), content)
}

func TestIgnoresUntrackedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.go"), []byte("x"), 0600))

	rec := &recorder{}
	w := startWatcher(t, root, rec)
	w.SetPaths([]string{"a.go"})

	require.NoError(t, os.WriteFile(filepath.Join(root, "other.go"), []byte("y"), 0600))

	time.Sleep(150 * time.Millisecond)
	_, ok := rec.get("other.go")
	assert.False(t, ok)
}

func TestSetPathsReplacesWatchSet(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(sub, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.go"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("x"), 0600))

	rec := &recorder{}
	w := startWatcher(t, root, rec)

	w.SetPaths([]string{"src/a.go", "b.go"})
	assert.Equal(t, 2, w.Tracked())

	w.SetPaths([]string{"b.go"})
	assert.Equal(t, 1, w.Tracked())

	// src/a.go is no longer of interest.
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.go"), []byte("y"), 0600))
	time.Sleep(150 * time.Millisecond)
	_, ok := rec.get("src/a.go")
	assert.False(t, ok)

	// b.go still is.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("z"), 0600))
	require.Eventually(t, func() bool {
		_, ok := rec.get("b.go")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeletedFileIsNotReported(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	rec := &recorder{}
	w := startWatcher(t, root, rec)
	w.SetPaths([]string{"a.go"})

	require.NoError(t, os.Remove(path))

	time.Sleep(150 * time.Millisecond)
	_, ok := rec.get("a.go")
	assert.False(t, ok)
}

func TestStopTerminates(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := New(root, 20, rec.handle, log)
	require.NoError(t, err)
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
