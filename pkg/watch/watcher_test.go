package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recorder) NotifyAvailable(_ context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func startWatcher(t *testing.T, delay time.Duration) (string, *recorder) {
	t.Helper()
	dir := t.TempDir()
	rec := &recorder{}
	w := New(dir, rec, delay, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	return dir, rec
}

func TestWatcherReportsPackages(t *testing.T) {
	dir, rec := startWatcher(t, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "urn:preservo:1.zip"), []byte("zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hdl:1%2Fabc.zip"), []byte("zip"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"urn:preservo:1", "hdl:1/abc"}, rec.snapshot())
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir, rec := startWatcher(t, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pkg-123"), []byte("tmp"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("txt"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.zip"), []byte("zip"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"marker"}, rec.snapshot())
}

func TestWatcherDebouncesWrites(t *testing.T) {
	dir, rec := startWatcher(t, 200*time.Millisecond)
	path := filepath.Join(dir, "urn:preservo:2.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.Write([]byte("chunk"))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"urn:preservo:2"}, rec.snapshot())
}

func TestWatcherMissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), &recorder{}, 0, zerolog.Nop())
	assert.Error(t, w.Run(context.Background()))
}
