// Package pipe implements the unidirectional, buffered data pipe of
// spec.md §3 "Pipe" / §4.7: a fixed-size ring buffer shared by a
// read-only and a write-only file, with atomic-below-threshold
// transfer semantics and notifier-based readiness.
//
// Grounded on biscuit/src/circbuf (Circbuf_t), generalized from a
// single-daemon, non-concurrent ring buffer into one safe for a
// blocked reader and writer running on different goroutines, per
// spec §4.7's blocking/notifier rules.
package pipe

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/notify"
)

// Size is the ring buffer capacity in bytes (spec §4.7 "PIPE_SIZE"),
// matching the single backing page the teacher's Circbuf_t allocates
// per buffer (mem.PGSIZE in biscuit/src/circbuf/circbuf.go).
const Size = 4096

// Pipe is the shared ring buffer backing a read/write file pair (spec
// §3 "Pipe").
type Pipe struct {
	mu sync.Mutex

	buf   [Size]byte
	start int
	count int

	readOpen  bool
	writeOpen bool

	spaceNotifier *notify.Notifier
	dataNotifier  *notify.Notifier
}

func newPipe() *Pipe {
	return &Pipe{
		readOpen:      true,
		writeOpen:     true,
		spaceNotifier: notify.New(),
		dataNotifier:  notify.New(),
	}
}

// End identifies which side of the pipe a File refers to.
type End int

const (
	ReadEnd End = iota
	WriteEnd
)

// File is one of the two file objects pipe_create produces (spec §3
// "Pipe": "Exposed as a file with operations: close, wait, unwait,
// io.").
type File struct {
	p      *Pipe
	end    End
	mu     sync.Mutex
	closed bool
}

// Create returns the (read, write) file pair for a fresh pipe (spec
// §4.7 "pipe_create").
func Create() (*File, *File) {
	p := newPipe()
	return &File{p: p, end: ReadEnd}, &File{p: p, end: WriteEnd}
}

// free reports the total number of free bytes in the ring. That space
// may be split into two runs by wraparound; writeChunk copies in at
// most two memcpys (see copyRing), so it needs no single contiguous
// window.
func (p *Pipe) free() int { return Size - p.count }

// waitFor blocks on cond's notifier until ready() is true or ctx is
// done, re-checking ready() under p.mu each time the notifier fires
// (spec §5 "Cancellation & timeouts": timeout + INTERRUPTIBLE wait).
// Caller holds p.mu on entry and exit.
func (p *Pipe) waitFor(ctx context.Context, n *notify.Notifier, ready func() bool) defs.Err_t {
	for !ready() {
		id, ch := n.Register()
		p.mu.Unlock()
		select {
		case <-ch:
			p.mu.Lock()
		case <-ctx.Done():
			p.mu.Lock()
			n.Unregister(id)
			if ctx.Err() == context.DeadlineExceeded {
				return defs.TIMED_OUT
			}
			return defs.INTERRUPTED
		}
	}
	return defs.SUCCESS
}

// Close closes this end of the pipe. Closing the last handle of
// either side flips the corresponding open flag and wakes the
// opposite side (spec §4.7).
func (f *File) Close() defs.Err_t {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return defs.SUCCESS
	}
	f.closed = true
	f.mu.Unlock()

	p := f.p
	p.mu.Lock()
	switch f.end {
	case ReadEnd:
		p.readOpen = false
		p.spaceNotifier.Fire() // writers blocked on space must see EOF-ish closed read end
	case WriteEnd:
		p.writeOpen = false
		p.dataNotifier.Fire() // readers blocked on data must see EOF
	}
	p.mu.Unlock()
	return defs.SUCCESS
}

// Wait reports whether the pipe is immediately ready for I/O in the
// direction this file was opened for (spec §4.7 "Readiness"). It only
// polls: it registers nothing on a notifier and returns no channel to
// wait on. Read and Write do their own waiting.
func (f *File) Wait(write bool) bool {
	p := f.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if write {
		return p.count < Size && p.readOpen
	}
	return p.count > 0 || !p.writeOpen
}

// Read transfers up to len(buf) bytes, following the atomicity rule:
// requests of at most Size bytes are atomic (block until at least one
// byte is available, then transfer as much as both sides currently
// permit); longer requests are split into Size-sized atomic chunks
// (spec §4.7 "Atomicity rule").
func (f *File) Read(ctx context.Context, buf []byte, nonblock bool) (int, defs.Err_t) {
	if f.end != ReadEnd {
		return 0, defs.INVALID_HANDLE
	}
	total := 0
	for total < len(buf) {
		chunk := len(buf) - total
		if chunk > Size {
			chunk = Size
		}
		n, err := f.p.readChunk(ctx, buf[total:total+chunk], nonblock)
		total += n
		if err != defs.SUCCESS {
			return total, err
		}
		if n == 0 {
			// EOF (write end closed) or a sub-chunk transferred less
			// than requested; either way stop here rather than loop.
			break
		}
		if n < chunk {
			break
		}
	}
	return total, defs.SUCCESS
}

func (p *Pipe) readChunk(ctx context.Context, buf []byte, nonblock bool) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := func() bool { return p.count > 0 || !p.writeOpen }
	if !ready() {
		if nonblock {
			return 0, defs.WOULD_BLOCK
		}
		if err := p.waitFor(ctx, p.dataNotifier, ready); err != 0 {
			return 0, err
		}
	}
	if p.count == 0 {
		return 0, defs.SUCCESS // write end closed, nothing left: EOF
	}

	n := len(buf)
	if n > p.count {
		n = p.count
	}
	copyRing(buf[:n], p.buf[:], p.start, n, false)
	p.start = (p.start + n) % Size
	p.count -= n
	p.spaceNotifier.Fire()
	return n, defs.SUCCESS
}

// Write transfers len(buf) bytes, chunked and made atomic the same
// way as Read (spec §4.7). Writing to a closed read end returns
// PIPE_CLOSED (spec §4.7 "Blocking").
func (f *File) Write(ctx context.Context, buf []byte, nonblock bool) (int, defs.Err_t) {
	if f.end != WriteEnd {
		return 0, defs.INVALID_HANDLE
	}
	total := 0
	for total < len(buf) {
		chunk := len(buf) - total
		if chunk > Size {
			chunk = Size
		}
		n, err := f.p.writeChunk(ctx, buf[total:total+chunk], nonblock)
		total += n
		if err != defs.SUCCESS {
			return total, err
		}
	}
	return total, defs.SUCCESS
}

func (p *Pipe) writeChunk(ctx context.Context, buf []byte, nonblock bool) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.readOpen {
		return 0, defs.PIPE_CLOSED
	}

	// an atomic chunk blocks until the ring has at least len(buf) free
	// bytes, so the whole chunk goes in at once (possibly split across
	// the wrap by copyRing).
	ready := func() bool { return p.free() >= len(buf) || !p.readOpen }
	if !ready() {
		if nonblock {
			return 0, defs.WOULD_BLOCK
		}
		if err := p.waitFor(ctx, p.spaceNotifier, ready); err != 0 {
			return 0, err
		}
	}
	if !p.readOpen {
		return 0, defs.PIPE_CLOSED
	}

	n := len(buf)
	end := (p.start + p.count) % Size
	copyRing(p.buf[:], buf[:n], end, n, true)
	p.count += n
	p.dataNotifier.Fire()
	return n, defs.SUCCESS
}

// copyRing copies n bytes either into ring starting at ringPos (a
// write, toRing true) or out of ring starting at ringPos into dst (a
// read, toRing false). The direction can't be inferred from slice
// length: a full-ring read of exactly Size bytes makes len(dst) ==
// Size too, which would be indistinguishable from a write of a
// Size-byte buffer. It splits into two memcpys when the run wraps past
// the end of the ring (spec §4.7: "Inside a chunk copy-in may split
// into two memcpys because of buffer wrap").
func copyRing(dst, src []byte, ringPos, n int, toRing bool) {
	if toRing {
		// dst is the ring buffer: this is a write (buf -> ring)
		first := Size - ringPos
		if first > n {
			first = n
		}
		copy(dst[ringPos:ringPos+first], src[:first])
		if rem := n - first; rem > 0 {
			copy(dst[:rem], src[first:first+rem])
		}
		return
	}
	// src is the ring buffer: this is a read (ring -> buf)
	first := Size - ringPos
	if first > n {
		first = n
	}
	copy(dst[:first], src[ringPos:ringPos+first])
	if rem := n - first; rem > 0 {
		copy(dst[first:first+rem], src[:rem])
	}
}
