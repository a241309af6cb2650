// Package bytelog implements a fixed-capacity circular byte log.
//
// A Log holds at most Cap()-1 unread bytes. One slot is always kept free so
// that equal read and write cursors unambiguously mean "empty". When an
// append would run the write cursor into the read cursor, the oldest unread
// byte is discarded first.
package bytelog

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultCapacity is the log size used when none is configured.
const DefaultCapacity = 1024

// ErrTransferFault is returned when a destination or source fails mid-copy.
var ErrTransferFault = errors.New("transfer fault")

// Stats is a point-in-time view of a log's counters.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Buffered    int    `json:"buffered"`
	Appended    uint64 `json:"appended"`
	Drained     uint64 `json:"drained"`
	Overwritten uint64 `json:"overwritten"`
	Truncated   uint64 `json:"truncated"`
	Discarded   uint64 `json:"discarded"`
}

// Log is a bounded byte queue with an overwrite-oldest policy.
// All methods are goroutine-safe.
type Log struct {
	mu       sync.Mutex
	storage  []byte
	capacity int
	wpos     int // next write position
	rpos     int // next read position

	// consumed is the absolute offset of rpos. DrainTo uses it to commit
	// staged bytes after delivery without double-counting overwrites.
	consumed uint64

	appended    uint64
	drained     uint64
	overwritten uint64
	truncated   uint64
	discarded   uint64

	// readMu serializes drainers so two readers never stage the same bytes.
	readMu sync.Mutex
}

// New creates a log with the given capacity. Capacities below 2 cannot hold
// any data under the reserved-slot rule and fall back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	return &Log{
		storage:  make([]byte, capacity),
		capacity: capacity,
	}
}

// Append copies p into the log and returns the number of bytes stored.
// A single append keeps at most Cap()-1 bytes; the remainder is dropped.
// Unread bytes are overwritten oldest first when the log is full.
func (l *Log) Append(p []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if max := l.capacity - 1; len(p) > max {
		l.truncated += uint64(len(p) - max)
		p = p[:max]
	}
	for _, b := range p {
		l.storage[l.wpos] = b
		l.wpos = (l.wpos + 1) % l.capacity
		if l.wpos == l.rpos {
			l.rpos = (l.rpos + 1) % l.capacity
			l.consumed++
			l.overwritten++
		}
	}
	l.appended += uint64(len(p))
	return len(p)
}

// Write implements io.Writer. It always reports the full length of p as
// accepted, even when the append was truncated.
func (l *Log) Write(p []byte) (int, error) {
	l.Append(p)
	return len(p), nil
}

// Drain removes and returns up to max bytes. An empty log or a non-positive
// max yields nil.
func (l *Log) Drain(max int) []byte {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	out, _ := l.peekLocked(max)
	l.advanceLocked(len(out))
	l.drained += uint64(len(out))
	return out
}

// Read implements io.Reader. It returns 0, io.EOF when the log is empty.
func (l *Log) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	out := l.Drain(len(p))
	if len(out) == 0 {
		return 0, io.EOF
	}
	return copy(p, out), nil
}

// DrainTo delivers up to max bytes to w. The read cursor only moves past
// bytes that w accepted, so a failing destination loses nothing. A short or
// failed write is reported as ErrTransferFault.
func (l *Log) DrainTo(w io.Writer, max int) (int, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	l.mu.Lock()
	staged, start := l.peekLocked(max)
	l.mu.Unlock()

	if len(staged) == 0 {
		return 0, nil
	}

	n, err := w.Write(staged)
	if n < 0 || n > len(staged) {
		n = 0
	}

	// Staged bytes overwritten during delivery were already counted as
	// overwritten; only what the commit advances past counts as drained.
	l.mu.Lock()
	l.drained += uint64(l.commitLocked(start + uint64(n)))
	l.mu.Unlock()

	if err == nil && n < len(staged) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, fmt.Errorf("%w: delivered %d of %d bytes: %w", ErrTransferFault, n, len(staged), err)
	}
	return n, nil
}

// Len returns the number of unread bytes.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lenLocked()
}

// Cap returns the fixed capacity, including the reserved slot.
func (l *Log) Cap() int {
	return l.capacity
}

// Reset discards all unread bytes and returns how many were dropped.
func (l *Log) Reset() int {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.lenLocked()
	l.advanceLocked(n)
	l.discarded += uint64(n)
	return n
}

// Stats returns a snapshot of the log's counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Capacity:    l.capacity,
		Buffered:    l.lenLocked(),
		Appended:    l.appended,
		Drained:     l.drained,
		Overwritten: l.overwritten,
		Truncated:   l.truncated,
		Discarded:   l.discarded,
	}
}

func (l *Log) lenLocked() int {
	return (l.wpos - l.rpos + l.capacity) % l.capacity
}

// peekLocked copies up to max unread bytes without consuming them and
// returns the absolute offset of the first one.
func (l *Log) peekLocked(max int) ([]byte, uint64) {
	n := l.lenLocked()
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil, l.consumed
	}
	out := make([]byte, n)
	first := copy(out, l.storage[l.rpos:min(l.rpos+n, l.capacity)])
	copy(out[first:], l.storage[:n-first])
	return out, l.consumed
}

func (l *Log) advanceLocked(n int) {
	l.rpos = (l.rpos + n) % l.capacity
	l.consumed += uint64(n)
}

// commitLocked moves the read cursor up to the absolute offset target and
// returns how far it moved. If appends overwrote the staged bytes meanwhile,
// the cursor is already past them and nothing moves.
func (l *Log) commitLocked(target uint64) int {
	if target <= l.consumed {
		return 0
	}
	n := int(target - l.consumed)
	if buffered := l.lenLocked(); n > buffered {
		n = buffered
	}
	l.advanceLocked(n)
	return n
}
