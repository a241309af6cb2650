package bytelog

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	accept int
	err    error
}

func (w *failingWriter) Write(p []byte) (int, error) {
	n := w.accept
	if n > len(p) {
		n = len(p)
	}
	return n, w.err
}

func TestLog_EmptyDrain(t *testing.T) {
	l := New(8)
	assert.Empty(t, l.Drain(10))
	assert.Equal(t, 0, l.Len())
}

func TestLog_AppendThenDrain(t *testing.T) {
	l := New(8)
	l.Append([]byte("AB"))
	l.Append([]byte("CD"))

	assert.Equal(t, []byte("ABCD"), l.Drain(10))
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Drain(10))
}

func TestLog_OverwriteOldest(t *testing.T) {
	l := New(8)
	l.Append([]byte("ABCDEFG"))
	l.Append([]byte("XY"))

	assert.Equal(t, 7, l.Len())
	assert.Equal(t, []byte("CDEFGXY"), l.Drain(10))

	st := l.Stats()
	assert.Equal(t, uint64(2), st.Overwritten)
	assert.Equal(t, uint64(9), st.Appended)
}

func TestLog_TruncatesSingleAppend(t *testing.T) {
	l := New(8)
	n := l.Append([]byte("0123456789"))

	assert.Equal(t, 7, n)
	assert.Equal(t, []byte("0123456"), l.Drain(10))
	assert.Equal(t, uint64(3), l.Stats().Truncated)
}

func TestLog_DrainRespectsMax(t *testing.T) {
	l := New(16)
	l.Append([]byte("hello world"))

	assert.Equal(t, []byte("hel"), l.Drain(3))
	assert.Equal(t, []byte("lo w"), l.Drain(4))
	assert.Equal(t, []byte("orld"), l.Drain(100))
	assert.Nil(t, l.Drain(0))
	assert.Nil(t, l.Drain(-1))
}

func TestLog_RepeatedDrainAfterEmpty(t *testing.T) {
	l := New(8)
	l.Append([]byte("abc"))
	l.Drain(3)

	for i := 0; i < 5; i++ {
		assert.Empty(t, l.Drain(8))
	}

	l.Append([]byte("z"))
	assert.Equal(t, []byte("z"), l.Drain(8))
}

func TestLog_WrapAroundPreservesOrder(t *testing.T) {
	l := New(8)
	l.Append([]byte("12345"))
	require.Equal(t, []byte("1234"), l.Drain(4))

	// Cursors now at 5/4; the next append wraps the write cursor.
	l.Append([]byte("6789"))
	assert.Equal(t, []byte("56789"), l.Drain(10))
}

func TestLog_ManyAppendsKeepMostRecent(t *testing.T) {
	l := New(8)
	for _, s := range []string{"ab", "cd", "ef", "gh", "ij"} {
		l.Append([]byte(s))
	}

	got := l.Drain(100)
	assert.Len(t, got, 7)
	assert.Equal(t, []byte("defghij"), got)
}

func TestLog_ReadWriteInterfaces(t *testing.T) {
	l := New(32)
	n, err := io.WriteString(l, "line one\n")
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	buf := make([]byte, 4)
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "line", string(buf[:n]))

	rest, err := io.ReadAll(l)
	require.NoError(t, err)
	assert.Equal(t, " one\n", string(rest))

	n, err = l.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLog_WriteReportsFullLength(t *testing.T) {
	l := New(4)
	n, err := l.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("abc"), l.Drain(10))
}

func TestLog_DrainTo(t *testing.T) {
	l := New(16)
	l.Append([]byte("payload"))

	var out bytes.Buffer
	n, err := l.DrainTo(&out, 100)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", out.String())
	assert.Equal(t, 0, l.Len())
}

func TestLog_DrainToEmpty(t *testing.T) {
	l := New(16)
	var out bytes.Buffer
	n, err := l.DrainTo(&out, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLog_DrainToFaultKeepsUndelivered(t *testing.T) {
	l := New(16)
	l.Append([]byte("abcdef"))

	destErr := errors.New("destination gone")
	n, err := l.DrainTo(&failingWriter{accept: 2, err: destErr}, 10)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFault)
	assert.ErrorIs(t, err, destErr)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("cdef"), l.Drain(10))
}

func TestLog_DrainToShortWrite(t *testing.T) {
	l := New(16)
	l.Append([]byte("abcdef"))

	_, err := l.DrainTo(&failingWriter{accept: 3}, 10)
	assert.ErrorIs(t, err, ErrTransferFault)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, []byte("def"), l.Drain(10))
}

func TestLog_CommitSkipsOverwrittenBytes(t *testing.T) {
	l := New(8)
	l.Append([]byte("abc"))

	l.mu.Lock()
	staged, start := l.peekLocked(10)
	l.mu.Unlock()
	require.Equal(t, []byte("abc"), staged)

	// Overwrite everything that was staged while "delivery" is in flight.
	l.Append([]byte("1234567"))

	l.mu.Lock()
	l.commitLocked(start + uint64(len(staged)))
	l.mu.Unlock()

	assert.Equal(t, []byte("1234567"), l.Drain(10))
}

// appendingWriter appends to its log during delivery, overwriting the bytes
// being delivered.
type appendingWriter struct {
	log  *Log
	data []byte
}

func (w *appendingWriter) Write(p []byte) (int, error) {
	w.log.Append(w.data)
	return len(p), nil
}

func TestLog_DrainToOverwrittenDuringDelivery(t *testing.T) {
	l := New(8)
	l.Append([]byte("abc"))

	n, err := l.DrainTo(&appendingWriter{log: l, data: []byte("1234567")}, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	st := l.Stats()
	assert.Equal(t, uint64(10), st.Appended)
	assert.Equal(t, uint64(0), st.Drained)
	assert.Equal(t, uint64(3), st.Overwritten)
	assert.Equal(t, 7, st.Buffered)
	assert.Equal(t, st.Appended, st.Drained+st.Overwritten+uint64(st.Buffered))
	assert.Equal(t, []byte("1234567"), l.Drain(10))
}

func TestLog_DrainToPartlyOverwrittenDuringDelivery(t *testing.T) {
	l := New(8)
	l.Append([]byte("abcde"))

	// Four new bytes push out "ab"; "cde" is still unread at commit time.
	_, err := l.DrainTo(&appendingWriter{log: l, data: []byte("WXYZ")}, 10)
	require.NoError(t, err)

	st := l.Stats()
	assert.Equal(t, uint64(2), st.Overwritten)
	assert.Equal(t, uint64(3), st.Drained)
	assert.Equal(t, st.Appended, st.Drained+st.Overwritten+uint64(st.Buffered))
	assert.Equal(t, []byte("WXYZ"), l.Drain(10))
}

func TestLog_Reset(t *testing.T) {
	l := New(8)
	l.Append([]byte("abc"))
	assert.Equal(t, 3, l.Reset())
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Reset())

	st := l.Stats()
	assert.Equal(t, uint64(3), st.Appended)
	assert.Equal(t, uint64(3), st.Discarded)

	l.Append([]byte("de"))
	assert.Equal(t, []byte("de"), l.Drain(10))
}

func TestNew_SmallCapacityFallsBack(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(1).Cap())
	assert.Equal(t, 2, New(2).Cap())
}

func TestLog_ConcurrentAppendDrain(t *testing.T) {
	l := New(64)
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Append([]byte("x"))
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			l.Drain(16)
		}
	}()
	wg.Wait()
	close(done)

	st := l.Stats()
	assert.Equal(t, uint64(800), st.Appended)
	assert.LessOrEqual(t, st.Buffered, 63)
	assert.Equal(t, st.Appended, st.Drained+st.Overwritten+uint64(st.Buffered))
}
