// Package watcher captures read and write activity and appends one
// formatted line per event to a sink, normally a published byte log.
package watcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// excludedDirs are never descended into when adding recursive watches.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Op names an observed operation.
type Op string

const (
	OpRead   Op = "Read"
	OpWrite  Op = "Write"
	OpCreate Op = "Create"
	OpRemove Op = "Remove"
	OpRename Op = "Rename"
	OpChmod  Op = "Chmod"
)

// FormatEvent renders the line appended for op. An empty path yields the
// bare "Read operation detected" form.
func FormatEvent(op Op, path string) string {
	if path == "" {
		return fmt.Sprintf("%s operation detected\n", op)
	}
	return fmt.Sprintf("%s operation detected: %s\n", op, path)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRateLimit caps event lines per second with the given burst. A
// non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(w *Watcher) {
		if perSecond <= 0 {
			w.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHidden includes hidden files and directories.
func WithHidden() Option {
	return func(w *Watcher) { w.includeHidden = true }
}

// Watcher turns filesystem events and recorded reads/writes into log lines.
type Watcher struct {
	sink          io.Writer
	sinkMu        sync.Mutex
	logger        *zap.Logger
	limiter       *rate.Limiter
	includeHidden bool

	mu       sync.Mutex
	watchers map[string]*dirWatcher // id → watcher

	events     atomic.Uint64
	suppressed atomic.Uint64
}

type dirWatcher struct {
	id        string
	root      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a watcher appending to sink.
func New(sink io.Writer, opts ...Option) *Watcher {
	w := &Watcher{
		sink:     sink,
		logger:   zap.NewNop(),
		watchers: make(map[string]*dirWatcher),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("watcher")
	return w
}

// Record appends the line for op on path, subject to the rate limit.
func (w *Watcher) Record(op Op, path string) {
	if w.limiter != nil && !w.limiter.Allow() {
		w.suppressed.Add(1)
		return
	}
	w.sinkMu.Lock()
	_, err := io.WriteString(w.sink, FormatEvent(op, path))
	w.sinkMu.Unlock()
	if err != nil {
		w.logger.Warn("append event failed", zap.Error(err))
		return
	}
	w.events.Add(1)
}

// Events returns the number of lines appended.
func (w *Watcher) Events() uint64 { return w.events.Load() }

// Suppressed returns the number of lines dropped by the rate limit.
func (w *Watcher) Suppressed() uint64 { return w.suppressed.Load() }

// Watch starts a recursive watch of dir and returns its id.
func (w *Watcher) Watch(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("watch %s: not a directory", dir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := w.addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}

	dw := &dirWatcher{
		id:        uuid.New().String(),
		root:      dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	w.mu.Lock()
	w.watchers[dw.id] = dw
	w.mu.Unlock()

	go w.watchLoop(dw)

	w.logger.Info("watch started", zap.String("id", dw.id), zap.String("dir", dir))
	return dw.id, nil
}

// Unwatch stops the watch with the given id.
func (w *Watcher) Unwatch(id string) error {
	w.mu.Lock()
	dw, ok := w.watchers[id]
	if ok {
		delete(w.watchers, id)
	}
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("unwatch %s: unknown watch", id)
	}
	close(dw.cancel)
	err := dw.fsWatcher.Close()
	<-dw.done
	w.logger.Info("watch stopped", zap.String("id", id), zap.String("dir", dw.root))
	return err
}

// Watching returns the ids of active watches.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops all watches.
func (w *Watcher) Shutdown() error {
	var err error
	for _, id := range w.Watching() {
		err = multierr.Append(err, w.Unwatch(id))
	}
	return err
}

func (w *Watcher) watchLoop(dw *dirWatcher) {
	defer close(dw.done)

	for {
		select {
		case <-dw.cancel:
			return

		case event, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.descend(filepath.Base(event.Name)) {
					if err := dw.fsWatcher.Add(event.Name); err != nil {
						w.logger.Warn("add watch failed", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}

			if op, ok := w.classify(event); ok {
				w.Record(op, event.Name)
			}

		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.String("id", dw.id), zap.Error(err))
		}
	}
}

// classify maps an fsnotify event to one Op. Hidden paths are skipped
// unless WithHidden was given.
func (w *Watcher) classify(event fsnotify.Event) (Op, bool) {
	if !w.includeHidden && isHidden(filepath.Base(event.Name)) {
		return "", false
	}
	switch {
	case event.Has(fsnotify.Write):
		return OpWrite, true
	case event.Has(fsnotify.Create):
		return OpCreate, true
	case event.Has(fsnotify.Remove):
		return OpRemove, true
	case event.Has(fsnotify.Rename):
		return OpRename, true
	case event.Has(fsnotify.Chmod):
		return OpChmod, true
	}
	return "", false
}

func (w *Watcher) descend(name string) bool {
	if excludedDirs[name] {
		return false
	}
	return w.includeHidden || !isHidden(name)
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func (w *Watcher) addDirsRecursive(fsW *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && !w.descend(d.Name()) {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
