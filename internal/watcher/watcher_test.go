package watcher

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rwmonitor/internal/bytelog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("sink closed") }

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "Read operation detected\n", FormatEvent(OpRead, ""))
	assert.Equal(t, "Write operation detected\n", FormatEvent(OpWrite, ""))
	assert.Equal(t, "Write operation detected: /tmp/x\n", FormatEvent(OpWrite, "/tmp/x"))
}

func TestRecord_AppendsToLog(t *testing.T) {
	log := bytelog.New(bytelog.DefaultCapacity)
	w := New(log)

	w.Record(OpRead, "android_rw_monitor")
	w.Record(OpWrite, "android_rw_monitor")

	assert.Equal(t,
		"Read operation detected: android_rw_monitor\nWrite operation detected: android_rw_monitor\n",
		string(log.Drain(1024)))
	assert.Equal(t, uint64(2), w.Events())
}

func TestRecord_RateLimited(t *testing.T) {
	sink := &syncBuffer{}
	w := New(sink, WithRateLimit(0.001, 2))

	for i := 0; i < 5; i++ {
		w.Record(OpWrite, "")
	}

	assert.Equal(t, uint64(2), w.Events())
	assert.Equal(t, uint64(3), w.Suppressed())
	assert.Equal(t, 2, strings.Count(sink.String(), "\n"))
}

func TestRecord_SinkError(t *testing.T) {
	w := New(errWriter{}, WithLogger(zaptest.NewLogger(t)))
	w.Record(OpWrite, "")
	assert.Equal(t, uint64(0), w.Events())
}

func TestWatch_RecordsFileWrites(t *testing.T) {
	dir := t.TempDir()
	sink := &syncBuffer{}
	w := New(sink, WithLogger(zaptest.NewLogger(t)))
	defer w.Shutdown()

	id, err := w.Watch(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0644))

	assert.Eventually(t, func() bool {
		return strings.Contains(sink.String(), path)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatch_NewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	sink := &syncBuffer{}
	w := New(sink)
	defer w.Shutdown()

	_, err := w.Watch(dir)
	require.NoError(t, err)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	assert.Eventually(t, func() bool {
		return strings.Contains(sink.String(), "Create operation detected: "+sub)
	}, 2*time.Second, 20*time.Millisecond)

	// Give the loop a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)
	nested := filepath.Join(sub, "nested.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0644))
	assert.Eventually(t, func() bool {
		return strings.Contains(sink.String(), nested)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatch_SkipsHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &syncBuffer{}
	w := New(sink)
	defer w.Shutdown()

	_, err := w.Watch(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET"), 0644))
	visible := filepath.Join(dir, "visible.txt")
	require.NoError(t, os.WriteFile(visible, []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		return strings.Contains(sink.String(), visible)
	}, 2*time.Second, 20*time.Millisecond)
	assert.NotContains(t, sink.String(), ".env")
}

func TestWatch_Errors(t *testing.T) {
	w := New(&syncBuffer{})

	_, err := w.Watch(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = w.Watch(file)
	assert.Error(t, err)

	assert.Error(t, w.Unwatch("nope"))
}

func TestUnwatchAndShutdown(t *testing.T) {
	w := New(&syncBuffer{})
	a, err := w.Watch(t.TempDir())
	require.NoError(t, err)
	_, err = w.Watch(t.TempDir())
	require.NoError(t, err)
	assert.Len(t, w.Watching(), 2)

	require.NoError(t, w.Unwatch(a))
	assert.Len(t, w.Watching(), 1)

	require.NoError(t, w.Shutdown())
	assert.Empty(t, w.Watching())
}

func TestClassify(t *testing.T) {
	w := New(&syncBuffer{})
	tests := []struct {
		event fsnotify.Event
		want  Op
		ok    bool
	}{
		{fsnotify.Event{Name: "/a/b.txt", Op: fsnotify.Write}, OpWrite, true},
		{fsnotify.Event{Name: "/a/b.txt", Op: fsnotify.Create}, OpCreate, true},
		{fsnotify.Event{Name: "/a/b.txt", Op: fsnotify.Remove}, OpRemove, true},
		{fsnotify.Event{Name: "/a/b.txt", Op: fsnotify.Rename}, OpRename, true},
		{fsnotify.Event{Name: "/a/b.txt", Op: fsnotify.Chmod}, OpChmod, true},
		{fsnotify.Event{Name: "/a/.hidden", Op: fsnotify.Write}, "", false},
	}
	for _, tt := range tests {
		got, ok := w.classify(tt.event)
		assert.Equal(t, tt.ok, ok, tt.event.String())
		assert.Equal(t, tt.want, got, tt.event.String())
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".env", true},
		{"main.go", false},
		{"", false},
	}

	for _, tt := range tests {
		got := isHidden(tt.name)
		if got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
