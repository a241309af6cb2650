// Package procfs publishes byte logs under well-known names and hands out
// file-like handles to them, standing in for the host's proc filesystem.
package procfs

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rwmonitor/internal/bytelog"
)

var (
	ErrNotFound    = errors.New("no such entry")
	ErrExists      = errors.New("entry already exists")
	ErrPermission  = errors.New("permission denied")
	ErrInvalidName = errors.New("invalid entry name")
	ErrClosed      = errors.New("registry closed")
)

// Entry describes a published log.
type Entry struct {
	Name     string `json:"name"`
	Mode     string `json:"mode"`
	Capacity int    `json:"capacity"`
	Buffered int    `json:"buffered"`
}

type entry struct {
	name string
	log  *bytelog.Log
	mode Mode
}

// Registry maps names to published logs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.Named("procfs"),
	}
}

// Publish makes log reachable under name with the given access mode.
func (r *Registry) Publish(name string, log *bytelog.Log, mode Mode) error {
	if name == "" || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if log == nil {
		return fmt.Errorf("publish %s: nil log", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("publish %s: %w", name, ErrExists)
	}
	r.entries[name] = &entry{name: name, log: log, mode: mode}
	r.logger.Info("entry published",
		zap.String("name", name),
		zap.Stringer("mode", mode),
		zap.Int("capacity", log.Cap()),
	)
	return nil
}

// Unpublish removes name. Open handles keep working against the log but
// new opens fail.
func (r *Registry) Unpublish(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("unpublish %s: %w", name, ErrNotFound)
	}
	delete(r.entries, name)
	r.logger.Info("entry unpublished", zap.String("name", name))
	return nil
}

// Open returns a handle to name if its mode allows flag.
func (r *Registry) Open(name string, flag Flag) (*File, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, ErrNotFound)
	}
	if !e.mode.Allows(flag) {
		return nil, fmt.Errorf("open %s: %w", name, ErrPermission)
	}
	return &File{name: name, log: e.log, flag: flag}, nil
}

// List returns metadata for all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Entry{
			Name:     e.name,
			Mode:     e.mode.String(),
			Capacity: e.log.Cap(),
			Buffered: e.log.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns the counters of the log published under name.
func (r *Registry) Stats(name string) (bytelog.Stats, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return bytelog.Stats{}, fmt.Errorf("stats %s: %w", name, ErrNotFound)
	}
	return e.log.Stats(), nil
}

// Close unpublishes every entry. Later Publish calls fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.entries {
		delete(r.entries, name)
		r.logger.Info("entry unpublished", zap.String("name", name))
	}
	r.closed = true
	return nil
}

// File is an open handle to a published log.
type File struct {
	name string
	log  *bytelog.Log
	flag Flag
}

// Name returns the entry name the handle was opened on.
func (f *File) Name() string { return f.name }

// Read drains up to len(p) bytes. It returns 0, io.EOF when nothing is
// buffered.
func (f *File) Read(p []byte) (int, error) {
	if f.flag&FlagRead == 0 {
		return 0, fmt.Errorf("read %s: %w", f.name, ErrPermission)
	}
	return f.log.Read(p)
}

// ReadTo delivers up to count bytes to w. Bytes w does not accept stay in
// the log and the error wraps bytelog.ErrTransferFault.
func (f *File) ReadTo(w io.Writer, count int) (int, error) {
	if f.flag&FlagRead == 0 {
		return 0, fmt.Errorf("read %s: %w", f.name, ErrPermission)
	}
	n, err := f.log.DrainTo(w, count)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", f.name, err)
	}
	return n, nil
}

// Write appends p and reports len(p) as accepted.
func (f *File) Write(p []byte) (int, error) {
	if f.flag&FlagWrite == 0 {
		return 0, fmt.Errorf("write %s: %w", f.name, ErrPermission)
	}
	return f.log.Write(p)
}

// Discard drops every unread byte and returns how many were dropped.
// It needs write access.
func (f *File) Discard() (int, error) {
	if f.flag&FlagWrite == 0 {
		return 0, fmt.Errorf("discard %s: %w", f.name, ErrPermission)
	}
	return f.log.Reset(), nil
}

// WriteFrom copies exactly count bytes from src into the log. If src cannot
// supply count bytes nothing is appended and the error wraps
// bytelog.ErrTransferFault.
func (f *File) WriteFrom(src io.Reader, count int) (int, error) {
	if f.flag&FlagWrite == 0 {
		return 0, fmt.Errorf("write %s: %w", f.name, ErrPermission)
	}
	if count <= 0 {
		return 0, nil
	}
	buf := make([]byte, count)
	if n, err := io.ReadFull(src, buf); err != nil {
		return 0, fmt.Errorf("write %s: %w: read %d of %d bytes: %w", f.name, bytelog.ErrTransferFault, n, count, err)
	}
	return f.log.Write(buf)
}
