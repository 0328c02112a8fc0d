package ipc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/notify"
	"golang.org/x/sync/semaphore"
)

// Right is the ACL permission bit checked against a port (spec §4.8
// "Port lifecycle": "The default ACL grants LISTEN+CONNECT to the
// owner and CONNECT to others").
type Right uint

const (
	RightListen Right = 1 << iota
	RightConnect
)

// Identity is the caller identity copied to a listener on accept
// (spec §4.8 "port_listen": "Optionally copy client identity (pid,
// session id) to the caller").
type Identity struct {
	PID       int
	SessionID int
}

// PortID identifies a port in the registry (spec §3 "IPC port").
type PortID uint32

type attempt struct {
	conn     *Connection
	identity Identity
	gate     *semaphore.Weighted // capacity 1, drained: listener Releases, opener Acquires
	detached bool
}

// Port is a rendezvous point for connection handshakes (spec §3 "IPC
// port"). "Lives in a process-global registry keyed by port id" — that
// registry is Registry, not a package-level singleton (spec §9
// "Global mutable state → registries").
type Port struct {
	mu sync.Mutex

	id     PortID
	owner  Identity
	refcnt int

	waiting     []*attempt
	connSem     *semaphore.Weighted // counts waiting attempts
	connections []*Connection

	connNotifier *notify.Notifier

	// gone is canceled once the port tears down, so a Listen blocked
	// on an empty conn_sem wakes instead of waiting forever for a
	// connection attempt that will never come.
	gone       context.Context
	goneCancel context.CancelFunc

	registry *Registry
	closed   bool
}

func (p *Port) checkRight(caller Identity, r Right) bool {
	if caller == p.owner {
		return true
	}
	return r == RightConnect
}

// Create allocates a port id from the registry's bounded pool (spec
// §4.8 "port_create": "max 65535. If exhausted, NO_PORTS").
func (reg *Registry) Create(owner Identity) (*Port, defs.Err_t) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	id, ok := reg.allocID()
	if !ok {
		return nil, defs.NO_PORTS
	}
	gone, cancel := context.WithCancel(context.Background())
	p := &Port{
		id:           id,
		owner:        owner,
		refcnt:       1, // the creator's own handle on the port
		connSem:      drainedSemaphore(1 << 30),
		connNotifier: notify.New(),
		gone:         gone,
		goneCancel:   cancel,
		registry:     reg,
	}
	reg.ports[id] = p
	return p, defs.SUCCESS
}

// ID returns the port's id.
func (p *Port) ID() PortID { return p.id }

// Close drops the creator's reference to the port, tearing it down
// once nothing else references it.
func (p *Port) Close() defs.Err_t {
	p.unref()
	return defs.SUCCESS
}

func (p *Port) ref() {
	p.mu.Lock()
	p.refcnt++
	p.mu.Unlock()
}

// unref drops a reference (a handle or a connection); when it reaches
// zero the port tears down (spec §4.8 "Port lifecycle", steps 1-3).
func (p *Port) unref() {
	p.mu.Lock()
	p.refcnt--
	dead := p.refcnt == 0 && !p.closed
	if dead {
		p.closed = true
	}
	p.mu.Unlock()
	if !dead {
		return
	}

	p.mu.Lock()
	waiting := p.waiting
	p.waiting = nil
	conns := p.connections
	p.connections = nil
	p.mu.Unlock()

	p.goneCancel()

	for _, a := range waiting {
		a.detached = true
		a.gate.Release(1) // wake connection_open, which will observe NOT_FOUND
	}
	for _, c := range conns {
		disconnect(c)
	}

	if p.registry != nil {
		p.registry.release(p.id)
	}
}

// detachConnection removes a fully-closed connection from the port's
// live list and drops the port reference it held (spec §4.8
// "Connection ... removes itself from its port only when both ends
// are closed").
func (p *Port) detachConnection(c *Connection) {
	p.mu.Lock()
	for i, cc := range p.connections {
		if cc == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.unref()
}

// Open performs the client half of the handshake (spec §4.8
// "connection_open"): check CONNECT, enqueue a waiting attempt, post
// conn_sem, then block for a listener to accept.
func (p *Port) Open(ctx context.Context, caller Identity) (*Handle, defs.Err_t) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, defs.NOT_FOUND
	}
	if !p.checkRight(caller, RightConnect) {
		p.mu.Unlock()
		return nil, defs.PERM_DENIED
	}
	conn := newConnection(p)
	conn.refcnt = 1 // client end open
	a := &attempt{conn: conn, identity: caller, gate: drainedSemaphore(1)}
	p.waiting = append(p.waiting, a)
	p.mu.Unlock()

	p.connSem.Release(1)
	p.connNotifier.Fire()

	if err := a.gate.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		if !a.detached {
			for i, w := range p.waiting {
				if w == a {
					p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
					break
				}
			}
		}
		p.mu.Unlock()
		return nil, defs.INTERRUPTED
	}
	if a.detached {
		return nil, defs.NOT_FOUND
	}
	// A pending attempt does not keep the port alive; only the accepted
	// connection references it, released again by detachConnection.
	p.ref()
	return &Handle{conn: conn, end: &conn.client}, defs.SUCCESS
}

// Listen performs the server half (spec §4.8 "port_listen"): caller
// must have LISTEN, acquire one unit of conn_sem, pop the first
// waiting attempt, and hand back a server handle.
func (p *Port) Listen(ctx context.Context, caller Identity, identOut *Identity) (*Handle, defs.Err_t) {
	p.mu.Lock()
	if !p.checkOwnerRight(caller, RightListen) {
		p.mu.Unlock()
		return nil, defs.PERM_DENIED
	}
	p.mu.Unlock()

	if err := acquireGated(ctx, p.connSem, p.gone); err != 0 {
		return nil, err
	}

	p.mu.Lock()
	if len(p.waiting) == 0 {
		p.mu.Unlock()
		return nil, defs.NOT_FOUND
	}
	a := p.waiting[0]
	p.waiting = p.waiting[1:]
	conn := a.conn
	conn.refcnt++ // server end open
	p.connections = append(p.connections, conn)
	p.mu.Unlock()

	if identOut != nil {
		*identOut = a.identity
	}
	a.gate.Release(1)
	return &Handle{conn: conn, end: &conn.server}, defs.SUCCESS
}

// checkOwnerRight differs from checkRight only in that LISTEN is never
// granted to non-owners by the default ACL (spec §4.8: "The default
// ACL grants LISTEN+CONNECT to the owner and CONNECT to others").
func (p *Port) checkOwnerRight(caller Identity, r Right) bool {
	if r == RightListen {
		return caller == p.owner
	}
	return p.checkRight(caller, r)
}

// Loopback atomically creates a connection with both endpoints
// attached to the caller, requiring both LISTEN and CONNECT (spec
// §4.8 "port_loopback").
func (p *Port) Loopback(caller Identity) (client, server *Handle, err defs.Err_t) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, defs.NOT_FOUND
	}
	if caller != p.owner {
		p.mu.Unlock()
		return nil, nil, defs.PERM_DENIED
	}
	conn := newConnection(p)
	conn.refcnt = 2
	p.connections = append(p.connections, conn)
	p.mu.Unlock()

	p.ref()
	return &Handle{conn: conn, end: &conn.client}, &Handle{conn: conn, end: &conn.server}, defs.SUCCESS
}

// disconnect mutually severs both endpoints of a connection when its
// port is torn down out from under it (spec §4.8 "Port lifecycle"
// step 2: "All established connections have their endpoints mutually
// disconnected").
func disconnect(c *Connection) {
	c.mu.Lock()
	c.client.peer = nil
	c.server.peer = nil
	c.mu.Unlock()
	c.client.goneCancel()
	c.server.goneCancel()
	c.client.hangupNotifier.Fire()
	c.server.hangupNotifier.Fire()
}

// Registry is the process-global (but explicit, not a package-level
// singleton — spec §9) table of live ports.
type Registry struct {
	mu     sync.Mutex
	ports  map[PortID]*Port
	nextID PortID
	inUse  int
}

// NewRegistry creates an empty port registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[PortID]*Port)}
}

// Lookup returns the live port for id, if any.
func (reg *Registry) Lookup(id PortID) (*Port, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	p, ok := reg.ports[id]
	return p, ok
}

// allocID finds a free id in [1, MaxPorts]. Caller holds reg.mu.
func (reg *Registry) allocID() (PortID, bool) {
	if reg.inUse >= MaxPorts {
		return 0, false
	}
	for i := 0; i < MaxPorts; i++ {
		reg.nextID++
		if reg.nextID == 0 || reg.nextID > MaxPorts {
			reg.nextID = 1
		}
		if _, taken := reg.ports[reg.nextID]; !taken {
			reg.inUse++
			return reg.nextID, true
		}
	}
	return 0, false
}

// release returns an id to the pool once its port has fully torn down
// (spec §4.8 "Port lifecycle" step 3).
func (reg *Registry) release(id PortID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.ports[id]; ok {
		delete(reg.ports, id)
		reg.inUse--
	}
}
