// Package vm implements per-process address spaces: ranged regions,
// anonymous copy-on-write memory, object-backed mappings, and the
// demand-paging page-fault handler (spec §3 "VM address space",
// §4.1-4.3).
//
// Grounded on biscuit/src/vm/as.go (Vm_t) and biscuit/src/vm/userbuf.go,
// generalized from the teacher's single flat-range x86 pmap model to
// the region/freelist/amap model spec.md §3-§4.1 describes.
package vm

import (
	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// State is a region's allocation state (spec §3 "Region").
type State int

const (
	StateFree State = iota
	StateAllocated
	StateReserved
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateReserved:
		return "reserved"
	default:
		return "?"
	}
}

// Mtype tags what backs an allocated region's pages — the "tagged
// variant instead of null-pointer testing" design note in spec §9.
type Mtype int

const (
	// MNone backs a RESERVED region: neither object nor amap.
	MNone Mtype = iota
	MAnon
	MObject
	MHybrid // both an object and an amap (private file mapping, COW over file pages)
)

// Object is the external collaborator behind an object-backed mapping
// (spec GLOSSARY "Object-backed mapping"): the Ext2 page cache, in
// practice.
type Object interface {
	// GetPage returns the frame backing byte offset off, refcounted
	// for the caller.
	GetPage(off int64) (mem.PFN, defs.Err_t)
}

// ReleasePager describes an object with a release callback for a
// fetched page (spec §4.2 "Object-backed fault"). No code in this
// package calls ReleasePage: the fault paths keep GetPage's reference.
type ReleasePager interface {
	ReleasePage(mem.PFN)
}

// Region is a contiguous subrange of an address space with uniform
// protection and state (spec §3 "Region").
type Region struct {
	Start uintptr
	Size  uintptr
	Prot  defs.Prot
	Flags defs.MapFlags
	State State
	Name  string

	Mtype     Mtype
	Obj       Object
	ObjOffset int64
	Amp       *Amap
	AmapOff   int // slot offset into Amp where this region begins

	// ordered sequence links (spec §3: "doubly-ordered sequence of
	// regions covering the entire range")
	prev, next *Region

	// freelist links, valid only while State == StateFree
	flPrev, flNext *Region
	flIndex        int
}

// end returns the address one past the region.
func (r *Region) end() uintptr { return r.Start + r.Size }

// overlaps reports whether [start, start+size) intersects the region.
func (r *Region) overlaps(start, size uintptr) bool {
	return start < r.end() && start+size > r.Start
}

// canMergeWith reports whether two adjacent unused regions of the
// same state should be coalesced (spec §3 Region invariants).
func canMergeWith(a, b *Region) bool {
	if a == nil || b == nil {
		return false
	}
	if a.State != b.State {
		return false
	}
	return a.State == StateFree || a.State == StateReserved
}
