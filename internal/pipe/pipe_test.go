package pipe

import (
	"context"
	"testing"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/stretchr/testify/require"
)

func TestPipeSimpleRoundTrip(t *testing.T) {
	r, w := Create()
	n, err := w.Write(context.Background(), []byte("hello"), false)
	require.Zero(t, int(err))
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = r.Read(context.Background(), buf, false)
	require.Zero(t, int(err))
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestPipeChunkedLargerThanSize(t *testing.T) {
	r, w := Create()
	data := make([]byte, Size*3+17)
	for i := range data {
		data[i] = byte(i)
	}
	done := make(chan struct{})
	go func() {
		n, err := w.Write(context.Background(), data, false)
		require.Zero(t, int(err))
		require.Equal(t, len(data), n)
		close(done)
	}()

	got := make([]byte, len(data))
	n, err := r.Read(context.Background(), got, false)
	require.Zero(t, int(err))
	<-done
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)
}

func TestPipeWriteEndCloseYieldsEOF(t *testing.T) {
	r, w := Create()
	_, err := w.Write(context.Background(), []byte("abc"), false)
	require.Zero(t, int(err))
	require.Zero(t, int(w.Close()))

	buf := make([]byte, 3)
	n, err := r.Read(context.Background(), buf, false)
	require.Zero(t, int(err))
	require.Equal(t, 3, n)

	n, err = r.Read(context.Background(), buf, false)
	require.Zero(t, int(err))
	require.Equal(t, 0, n)
}

func TestPipeReadEndCloseRejectsWrite(t *testing.T) {
	r, w := Create()
	require.Zero(t, int(r.Close()))
	_, err := w.Write(context.Background(), []byte("x"), false)
	require.Equal(t, defs.PIPE_CLOSED, err)
}

func TestPipeNonblockWouldBlock(t *testing.T) {
	r, w := Create()
	buf := make([]byte, 1)
	n, err := r.Read(context.Background(), buf, true)
	require.Equal(t, 0, n)
	require.NotZero(t, int(err))
	_ = w
}

func TestPipeAtomicWritesDoNotInterleave(t *testing.T) {
	r, w1 := Create()
	w2 := &File{p: w1.p, end: WriteEnd}

	a := make([]byte, Size)
	b := make([]byte, Size)
	for i := range a {
		a[i] = 'A'
		b[i] = 'B'
	}

	results := make(chan struct{}, 2)
	go func() {
		_, _ = w1.Write(context.Background(), a, false)
		results <- struct{}{}
	}()
	go func() {
		_, _ = w2.Write(context.Background(), b, false)
		results <- struct{}{}
	}()

	first := make([]byte, Size)
	n, err := r.Read(context.Background(), first, false)
	require.Zero(t, int(err))
	require.Equal(t, Size, n)
	require.True(t, allSame(first, 'A') || allSame(first, 'B'))

	second := make([]byte, Size)
	n, err = r.Read(context.Background(), second, false)
	require.Zero(t, int(err))
	require.Equal(t, Size, n)
	require.True(t, allSame(second, 'A') || allSame(second, 'B'))

	<-results
	<-results
}

func allSame(b []byte, c byte) bool {
	for _, v := range b {
		if v != c {
			return false
		}
	}
	return true
}
