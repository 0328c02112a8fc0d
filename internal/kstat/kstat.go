// Package kstat is the ambient logging and profiling surface shared
// by every kernel subsystem package: structured logging in the
// teacher's own idiom, plus a counters dump exportable as a pprof
// profile for `go tool pprof`.
//
// Grounded on ffromani-dra-driver-memory's cmd/dramemory/main.go,
// which wires github.com/go-logr/logr through github.com/go-logr/stdr
// the same way (stdr.New(log.New(...))) rather than calling the
// standard library's log package directly, and on the teacher's own
// go.mod direct dependency on github.com/google/pprof, which this
// package is the first thing in the tree to actually import and
// exercise (see DESIGN.md).
package kstat

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/pprof/profile"
)

// NewLogger returns a named logr.Logger backed by the standard
// library's log package through stdr, matching the teacher's own
// setup-logger construction.
func NewLogger(name string) logr.Logger {
	return stdr.New(log.New(os.Stderr, "", log.Lshortfile)).WithName(name)
}

// Counters holds the free-running event counters every subsystem
// package bumps on its hot paths (page faults, COW copies, block I/O,
// pipe bytes, IPC messages). A single Counters value is shared by a
// simulated machine the way a real kernel's per-CPU stat block is
// aggregated for `/proc`-style introspection.
type Counters struct {
	PageFaults        atomic.Int64
	COWCopies         atomic.Int64
	ZeroFills         atomic.Int64
	ObjectFaults      atomic.Int64
	Ext2BlockReads    atomic.Int64
	Ext2BlocksWritten atomic.Int64
	Ext2BlockAllocs   atomic.Int64
	Ext2BlockFrees    atomic.Int64
	PipeBytesRead     atomic.Int64
	PipeBytesWritten  atomic.Int64
	IPCMessagesSent   atomic.Int64
}

// entries pairs each counter with a stable metric name, used both by
// String and by the pprof sample labels in Profile.
func (c *Counters) entries() []struct {
	name string
	val  int64
} {
	return []struct {
		name string
		val  int64
	}{
		{"page_faults", c.PageFaults.Load()},
		{"cow_copies", c.COWCopies.Load()},
		{"zero_fills", c.ZeroFills.Load()},
		{"object_faults", c.ObjectFaults.Load()},
		{"ext2_block_reads", c.Ext2BlockReads.Load()},
		{"ext2_blocks_written", c.Ext2BlocksWritten.Load()},
		{"ext2_block_allocs", c.Ext2BlockAllocs.Load()},
		{"ext2_block_frees", c.Ext2BlockFrees.Load()},
		{"pipe_bytes_read", c.PipeBytesRead.Load()},
		{"pipe_bytes_written", c.PipeBytesWritten.Load()},
		{"ipc_messages_sent", c.IPCMessagesSent.Load()},
	}
}

// String renders the counters for plain-text display (cmd/kiwyctl
// `stats` subcommand).
func (c *Counters) String() string {
	s := ""
	for _, e := range c.entries() {
		s += fmt.Sprintf("%-22s %d\n", e.name, e.val)
	}
	return s
}

// Profile builds a minimal pprof Profile with one sample per counter,
// so the running totals can be inspected with `go tool pprof` the same
// as a CPU or heap profile, and written with WriteProfile.
func (c *Counters) Profile() *profile.Profile {
	vt := &profile.ValueType{Type: "count", Unit: "count"}
	p := &profile.Profile{
		SampleType:        []*profile.ValueType{vt},
		DefaultSampleType: "count",
		PeriodType:        vt,
		Period:            1,
	}
	for _, e := range c.entries() {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{e.val},
			Label: map[string][]string{"counter": {e.name}},
		})
	}
	return p
}

// WriteProfile serializes the current counters as a gzip-compressed
// pprof profile to w.
func (c *Counters) WriteProfile(w io.Writer) error {
	return c.Profile().Write(w)
}
