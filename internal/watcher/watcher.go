// Package watcher feeds statement documents dropped into a directory to a
// handler once they have stopped changing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cleared-dev/tally/internal/importer"
)

// DefaultQuietPeriod is how long a file must go without events before it is handled.
const DefaultQuietPeriod = 2 * time.Second

// Handler processes one settled file.
type Handler func(ctx context.Context, path string) error

// Watcher watches a single directory, non-recursively.
type Watcher struct {
	dir     string
	handler Handler
	exts    []string
	quiet   time.Duration
	scan    bool
	onError func(path string, err error)
	log     *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	queued map[string]bool // settled, waiting for the handler
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithExtensions limits the watcher to files with these extensions.
func WithExtensions(exts []string) Option {
	return func(w *Watcher) { w.exts = exts }
}

// WithQuietPeriod sets the debounce window.
func WithQuietPeriod(d time.Duration) Option {
	return func(w *Watcher) { w.quiet = d }
}

// WithInitialScan handles files already in the directory when Run starts.
func WithInitialScan() Option {
	return func(w *Watcher) { w.scan = true }
}

// WithOnError is called for every handler or fsnotify error. path is empty
// for watcher-level errors.
func WithOnError(fn func(path string, err error)) Option {
	return func(w *Watcher) { w.onError = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// New creates a Watcher for dir.
func New(dir string, handler Handler, opts ...Option) *Watcher {
	w := &Watcher{
		dir:     dir,
		handler: handler,
		exts:    importer.DefaultExtensions,
		quiet:   DefaultQuietPeriod,
		log:     zap.NewNop(),
		timers:  make(map[string]*time.Timer),
		queued:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. Handlers run one at a time; Run
// returns after the in-flight one finishes.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.log.Info("watching for statements",
		zap.String("dir", w.dir),
		zap.Strings("extensions", w.exts),
		zap.Duration("quiet_period", w.quiet))

	settled := make(chan string)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer w.stopTimers()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					return nil
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if !importer.HasExtension(ev.Name, w.exts) {
					continue
				}
				w.schedule(gctx, ev.Name, settled)
			case err, ok := <-fw.Errors:
				if !ok {
					return nil
				}
				w.fail("", err)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case path := <-settled:
				w.dequeue(path)
				w.handle(gctx, path)
			}
		}
	})

	if w.scan {
		files, err := importer.Scan(w.dir, w.exts)
		if err != nil {
			w.fail("", err)
		}
		for _, f := range files {
			w.schedule(gctx, f.Path, settled)
		}
	}

	return g.Wait()
}

// schedule (re)starts the quiet-period timer for path. A path already
// queued for the handler is not queued again.
func (w *Watcher) schedule(ctx context.Context, path string, settled chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.quiet, func() {
		w.mu.Lock()
		delete(w.timers, path)
		if w.queued[path] {
			w.mu.Unlock()
			return
		}
		w.queued[path] = true
		w.mu.Unlock()
		select {
		case settled <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	clear(w.queued)
}

func (w *Watcher) dequeue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.queued, path)
}

func (w *Watcher) handle(ctx context.Context, path string) {
	// Renamed away or already moved to processed/.
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return
	}
	w.log.Debug("file settled", zap.String("path", filepath.Base(path)))
	if err := w.handler(ctx, path); err != nil {
		w.fail(path, err)
	}
}

func (w *Watcher) fail(path string, err error) {
	w.log.Error("watch error", zap.String("path", path), zap.Error(err))
	if w.onError != nil {
		w.onError(path, err)
	}
}

func (w *Watcher) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
