package ipc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/notify"
	"golang.org/x/sync/semaphore"
)

// drainedSemaphore creates a counting semaphore with capacity max that
// starts empty (available == 0), the shape spec §4.8's data_sem and
// conn_sem need ("a semaphore counting waiting attempts" / "queued
// data", both zero until something is posted). golang.org/x/sync's
// Weighted otherwise starts fully available, so the semaphore is
// drained once at construction time.
func drainedSemaphore(max int64) *semaphore.Weighted {
	s := semaphore.NewWeighted(max)
	if max > 0 && !s.TryAcquire(max) {
		panic("drainedSemaphore: unexpected contention at construction")
	}
	return s
}

// acquireGated blocks on sem like sem.Acquire(ctx, 1), but also wakes
// (returning DEST_UNREACHABLE) if gone is canceled first — used so a
// blocked Send/Peek/Receive notices the peer hanging up instead of
// waiting on a semaphore nothing will ever post to again (spec §4.8
// "If the peer has hung up before or during the wait, return
// DEST_UNREACHABLE").
func acquireGated(ctx context.Context, sem *semaphore.Weighted, gone context.Context) defs.Err_t {
	if sem.TryAcquire(1) {
		return defs.SUCCESS
	}
	combined, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gone.Done():
			cancel()
		case <-stop:
		}
	}()

	err := sem.Acquire(combined, 1)
	if err == nil {
		return defs.SUCCESS
	}
	if gone.Err() != nil {
		return defs.DEST_UNREACHABLE
	}
	if ctx.Err() == context.DeadlineExceeded {
		return defs.TIMED_OUT
	}
	return defs.INTERRUPTED
}

// Endpoint is one side of an IPC connection (spec §3 "IPC connection":
// "each endpoint has a message queue, a semaphore for queue space ...
// a semaphore for queued data, notifier lists for message arrival and
// hang-up, and a pointer to its peer endpoint").
type Endpoint struct {
	queue    []*Message
	spaceSem *semaphore.Weighted // starts at QueueMax: room for QueueMax messages
	dataSem  *semaphore.Weighted // starts at 0: nothing queued yet

	msgNotifier    *notify.Notifier
	hangupNotifier *notify.Notifier

	// gone is canceled the moment this endpoint's handle closes, so a
	// peer blocked sending into (or, via the peer link, receiving
	// from) this endpoint wakes immediately instead of waiting out a
	// semaphore nothing will post to again.
	gone       context.Context
	goneCancel context.CancelFunc

	peer *Endpoint
	conn *Connection
}

func newEndpoint(c *Connection) *Endpoint {
	gone, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		spaceSem:       semaphore.NewWeighted(QueueMax),
		dataSem:        drainedSemaphore(QueueMax),
		msgNotifier:    notify.New(),
		hangupNotifier: notify.New(),
		gone:           gone,
		goneCancel:     cancel,
		conn:           c,
	}
}

// Connection is a bidirectional channel between two endpoints,
// established by a successful port handshake (spec §3 "IPC
// connection"). "One shared mutex covers both endpoints."
type Connection struct {
	mu     sync.Mutex
	client Endpoint
	server Endpoint
	refcnt int // number of open handles: 0, 1, or 2
	port   *Port
}

func newConnection(port *Port) *Connection {
	c := &Connection{port: port}
	c.client = *newEndpoint(c)
	c.server = *newEndpoint(c)
	c.client.peer = &c.server
	c.server.peer = &c.client
	return c
}

// Handle is an open reference to one endpoint of a connection — the
// IPC analogue of the opaque object handles spec §1 treats as an
// external collaborator, scoped down to exactly what this package
// needs: a pointer to "my" endpoint plus a close-once guard.
type Handle struct {
	conn   *Connection
	end    *Endpoint
	mu     sync.Mutex
	closed bool
}

// Send copies buf into a new message and delivers it to the peer
// endpoint, blocking for queue space (spec §4.8 "send"). Returns
// DEST_UNREACHABLE if the peer has hung up before or during the wait.
func (h *Handle) Send(ctx context.Context, typ int32, buf []byte) defs.Err_t {
	if err := validateSize(len(buf)); err != 0 {
		return err
	}
	msg := &Message{Type: typ, Data: append([]byte(nil), buf...)}

	h.conn.mu.Lock()
	peer := h.end.peer
	h.conn.mu.Unlock()
	if peer == nil {
		return defs.DEST_UNREACHABLE
	}

	if err := acquireGated(ctx, peer.spaceSem, peer.gone); err != 0 {
		return err
	}

	h.conn.mu.Lock()
	if h.end.peer == nil {
		h.conn.mu.Unlock()
		peer.spaceSem.Release(1) // undo: nothing delivered
		return defs.DEST_UNREACHABLE
	}
	peer.queue = append(peer.queue, msg)
	h.conn.mu.Unlock()

	peer.dataSem.Release(1)
	peer.msgNotifier.Fire()
	return defs.SUCCESS
}

// Peek blocks until at least one message is queued, then copies its
// type and size to the caller without removing it (spec §4.8 "peek").
func (h *Handle) Peek(ctx context.Context) (int32, int, defs.Err_t) {
	h.conn.mu.Lock()
	peer := h.end.peer
	empty := len(h.end.queue) == 0
	h.conn.mu.Unlock()
	if peer == nil && empty {
		// The peer has already hung up and nothing more will ever be
		// queued: waiting would block forever since there is no more
		// "gone" context left to fire (spec §4.8 "If the peer has hung
		// up before or during the wait, return DEST_UNREACHABLE").
		return 0, 0, defs.DEST_UNREACHABLE
	}
	gone := context.Background()
	if peer != nil {
		gone = peer.gone
	}
	if err := acquireGated(ctx, h.end.dataSem, gone); err != 0 {
		return 0, 0, err
	}
	h.end.dataSem.Release(1) // peek does not consume

	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	if len(h.end.queue) == 0 {
		return 0, 0, defs.DEST_UNREACHABLE
	}
	m := h.end.queue[0]
	return m.Type, len(m.Data), defs.SUCCESS
}

// Receive blocks the same way Peek does, then copies up to len(buf)
// bytes of payload (extra bytes discarded) and pops the message (spec
// §4.8 "receive").
func (h *Handle) Receive(ctx context.Context, buf []byte) (int32, int, defs.Err_t) {
	h.conn.mu.Lock()
	peer := h.end.peer
	empty := len(h.end.queue) == 0
	h.conn.mu.Unlock()
	if peer == nil && empty {
		// See Peek: the peer is gone and the queue is drained, so no
		// "gone" context will ever fire to wake a gated wait.
		return 0, 0, defs.DEST_UNREACHABLE
	}
	gone := context.Background()
	if peer != nil {
		gone = peer.gone
	}
	if err := acquireGated(ctx, h.end.dataSem, gone); err != 0 {
		return 0, 0, err
	}

	h.conn.mu.Lock()
	if len(h.end.queue) == 0 {
		h.conn.mu.Unlock()
		return 0, 0, defs.DEST_UNREACHABLE
	}
	m := h.end.queue[0]
	h.end.queue = h.end.queue[1:]
	h.conn.mu.Unlock()

	n := copy(buf, m.Data)
	h.end.spaceSem.Release(1)
	return m.Type, n, defs.SUCCESS
}

// Close half-closes this handle's endpoint (spec §4.8 "Half-close"):
// clears the peer pointer on both sides, cancels this endpoint's gone
// context (waking a peer blocked sending into this endpoint or waiting
// for data from it), fires the peer's hangup notifier, and discards
// this endpoint's queued messages without releasing their space-semaphore
// units. The connection detaches from its port once both ends are closed.
func (h *Handle) Close() defs.Err_t {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return defs.SUCCESS
	}
	h.closed = true
	h.mu.Unlock()

	c := h.conn
	c.mu.Lock()
	peer := h.end.peer
	h.end.peer = nil
	if peer != nil {
		peer.peer = nil
	}
	h.end.queue = nil
	c.refcnt--
	refcnt := c.refcnt
	c.mu.Unlock()

	h.end.goneCancel()
	if peer != nil {
		peer.hangupNotifier.Fire()
	}

	if refcnt == 0 && c.port != nil {
		c.port.detachConnection(c)
	}
	return defs.SUCCESS
}
