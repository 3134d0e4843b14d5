package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quiet = 50 * time.Millisecond

type recorder struct {
	mu      sync.Mutex
	handled []string
	failed  []string
	err     error
}

func (r *recorder) handle(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, filepath.Base(path))
	return r.err
}

func (r *recorder) onError(path string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, filepath.Base(path))
}

func (r *recorder) snapshot() (handled, failed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handled...), append([]string(nil), r.failed...)
}

// start runs w in the background and returns a func that stops it and
// reports Run's error.
func start(t *testing.T, w *Watcher) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// Give fsnotify time to register the directory.
	time.Sleep(20 * time.Millisecond)
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop")
			return nil
		}
	}
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestWatcher_HandlesSettledFile(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	stop := start(t, New(dir, rec.handle, WithQuietPeriod(quiet)))

	write(t, dir, "jan.pdf", "%PDF")

	assert.Eventually(t, func() bool {
		h, _ := rec.snapshot()
		return len(h) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	h, _ := rec.snapshot()
	assert.Equal(t, []string{"jan.pdf"}, h)
}

func TestWatcher_DebouncesRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(dir, rec.handle, WithQuietPeriod(4*quiet))
	stop := start(t, w)

	for i := 0; i < 5; i++ {
		write(t, dir, "feb.csv", "row\n")
		time.Sleep(quiet / 2)
	}

	assert.Eventually(t, func() bool {
		h, _ := rec.snapshot()
		return len(h) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(8 * quiet)
	require.NoError(t, stop())

	h, _ := rec.snapshot()
	assert.Equal(t, []string{"feb.csv"}, h)
	assert.Zero(t, w.pending())
}

func TestWatcher_IgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	stop := start(t, New(dir, rec.handle, WithQuietPeriod(quiet), WithExtensions([]string{".pdf"})))

	write(t, dir, "notes.docx", "x")
	write(t, dir, "mar.txt", "x")
	write(t, dir, "mar.PDF", "x")

	assert.Eventually(t, func() bool {
		h, _ := rec.snapshot()
		return len(h) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(4 * quiet)
	require.NoError(t, stop())

	h, _ := rec.snapshot()
	assert.Equal(t, []string{"mar.PDF"}, h)
}

func TestWatcher_HandlerErrorDoesNotStopLoop(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{err: errors.New("reconciliation mismatch")}
	stop := start(t, New(dir, rec.handle, WithQuietPeriod(quiet), WithOnError(rec.onError)))

	write(t, dir, "a.pdf", "x")
	assert.Eventually(t, func() bool {
		_, f := rec.snapshot()
		return len(f) == 1
	}, 2*time.Second, 10*time.Millisecond)

	write(t, dir, "b.pdf", "x")
	assert.Eventually(t, func() bool {
		_, f := rec.snapshot()
		return len(f) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	h, f := rec.snapshot()
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, h)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, f)
}

func TestWatcher_InitialScan(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "old.pdf", "x")
	write(t, dir, "skip.docx", "x")
	rec := &recorder{}
	stop := start(t, New(dir, rec.handle, WithQuietPeriod(quiet), WithInitialScan()))

	assert.Eventually(t, func() bool {
		h, _ := rec.snapshot()
		return len(h) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	h, _ := rec.snapshot()
	assert.Equal(t, []string{"old.pdf"}, h)
}

func TestWatcher_SkipsFilesGoneBeforeSettling(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	stop := start(t, New(dir, rec.handle, WithQuietPeriod(4*quiet)))

	write(t, dir, "tmp.pdf", "x")
	require.NoError(t, os.Remove(filepath.Join(dir, "tmp.pdf")))
	time.Sleep(8 * quiet)
	require.NoError(t, stop())

	h, _ := rec.snapshot()
	assert.Empty(t, h)
}

func TestWatcher_CancelStopsPendingTimers(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(dir, rec.handle, WithQuietPeriod(time.Hour))
	stop := start(t, w)

	write(t, dir, "apr.pdf", "x")
	assert.Eventually(t, func() bool { return w.pending() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Zero(t, w.pending())
	h, _ := rec.snapshot()
	assert.Empty(t, h)
}

func TestWatcher_BusyHandlerQueuesFileOnce(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, path string) error {
		if filepath.Base(path) == "may.pdf" {
			once.Do(func() { close(started) })
			<-release
		}
		return rec.handle(ctx, path)
	}
	stop := start(t, New(dir, handler, WithQuietPeriod(quiet)))

	write(t, dir, "may.pdf", "x")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first file never reached the handler")
	}

	// Settles twice while the handler is still busy with may.pdf.
	write(t, dir, "jun.pdf", "v1")
	time.Sleep(4 * quiet)
	write(t, dir, "jun.pdf", "v2")
	time.Sleep(4 * quiet)
	close(release)

	assert.Eventually(t, func() bool {
		h, _ := rec.snapshot()
		return len(h) == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(4 * quiet)
	require.NoError(t, stop())

	h, _ := rec.snapshot()
	assert.Equal(t, []string{"may.pdf", "jun.pdf"}, h)
}

func TestWatcher_MissingDir(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "nope"), func(context.Context, string) error { return nil })
	err := w.Run(context.Background())
	assert.ErrorContains(t, err, "nope")
}
