package vm

import (
	"math/bits"
	"sync"

	"github.com/aejsmith/kiwi/internal/mem"
	"github.com/google/btree"
)

// numFreelists bounds the power-of-two freelist array (spec §3: "An
// array of power-of-two free lists"). 64 lists covers address-space
// sizes up to 2^(64+log2(PageSize)), far beyond anything this package
// is exercised with.
const numFreelists = 64

func freelistIndex(size uintptr) int {
	// floor(log2(size)) - log2(page_size)
	idx := bits.Len64(uint64(size)) - 1 - (bits.Len64(uint64(mem.PageSize)) - 1)
	if idx < 0 {
		idx = 0
	}
	return idx
}

func isPow2(v uintptr) bool { return v != 0 && v&(v-1) == 0 }

// AddrSpace is a per-process virtual address space: a contiguous
// range of regions, a power-of-two freelist set for ANY allocation, an
// ordered tree for address lookup, and an MMU context (spec §3
// "VM address space"). Grounded on biscuit/src/vm/as.go's Vm_t, split
// out into the region/freelist machinery the teacher's flat x86 pmap
// model didn't need.
type AddrSpace struct {
	mu sync.Mutex

	// faultHolder is the goroutine ID currently holding mu on behalf of
	// PageFault, or 0. It lets PageFault recognize a thread re-entering
	// the fault handler while it already holds mu (e.g. a UserBuf copy
	// called from within a fault handler) and fail with INVALID_ADDR
	// instead of deadlocking on sync.Mutex, which is not reentrant.
	faultHolder uint64

	base uintptr
	size uintptr

	// Mlock marks the kernel address space: every page of a new
	// mapping is eagerly faulted in and never paged (spec §4.3).
	Mlock bool

	head *Region // ordered sequence, sorted by Start, covers [base,base+size)

	tree *btree.BTreeG[*Region] // ALLOCATED regions keyed by Start

	free    [numFreelists]*Region // doubly linked freelists (flPrev/flNext)
	freeSet uint64                // bitmap of non-empty freelists (numFreelists<=64)

	findCache *Region

	MMU *MMUContext

	cpuRefs int32

	alloc *mem.Allocator
}

func regionLess(a, b *Region) bool { return a.Start < b.Start }

// New creates an address space covering [base, base+size), initially
// one giant FREE region (spec §3: the sequence "covers the entire
// range with no gaps and no overlap").
func New(base, size uintptr, kernel bool, alloc *mem.Allocator) *AddrSpace {
	if size%uintptr(mem.PageSize) != 0 {
		panic("size must be page aligned")
	}
	as := &AddrSpace{
		base:  base,
		size:  size,
		Mlock: kernel,
		MMU:   NewMMUContext(),
		tree:  btree.NewG(32, regionLess),
		alloc: alloc,
	}
	whole := &Region{Start: base, Size: size, State: StateFree}
	as.head = whole
	as.freelistInsert(whole)
	return as
}

// freelistInsert pushes r onto its power-of-two freelist.
func (as *AddrSpace) freelistInsert(r *Region) {
	idx := freelistIndex(r.Size)
	r.flIndex = idx
	r.flPrev = nil
	r.flNext = as.free[idx]
	if as.free[idx] != nil {
		as.free[idx].flPrev = r
	}
	as.free[idx] = r
	as.freeSet |= 1 << uint(idx)
}

func (as *AddrSpace) freelistRemove(r *Region) {
	idx := r.flIndex
	if r.flPrev != nil {
		r.flPrev.flNext = r.flNext
	} else {
		as.free[idx] = r.flNext
	}
	if r.flNext != nil {
		r.flNext.flPrev = r.flPrev
	}
	r.flPrev, r.flNext = nil, nil
	if as.free[idx] == nil {
		as.freeSet &^= 1 << uint(idx)
	}
}

// insertSeq splices newR into the ordered sequence immediately after
// prevR (prevR == nil means newR becomes the head).
func (as *AddrSpace) insertSeq(prevR, newR *Region) {
	if prevR == nil {
		newR.next = as.head
		if as.head != nil {
			as.head.prev = newR
		}
		as.head = newR
		return
	}
	newR.next = prevR.next
	newR.prev = prevR
	if prevR.next != nil {
		prevR.next.prev = newR
	}
	prevR.next = newR
}

func (as *AddrSpace) removeSeq(r *Region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		as.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	if as.findCache == r {
		as.findCache = nil
	}
}

// findContaining walks the ordered sequence to find the region
// covering addr. Lookup (the public, cached version) is preferred on
// hot paths; this is the linear fallback used by mutation code that
// must see every region, not just ALLOCATED ones.
func (as *AddrSpace) findContaining(addr uintptr) *Region {
	for r := as.head; r != nil; r = r.next {
		if addr >= r.Start && addr < r.end() {
			return r
		}
	}
	return nil
}

// Lookup returns the ALLOCATED region covering addr, if any (spec §3:
// "ordered map keyed by region start, for O(log n) address→region
// lookup"). The single-region find cache fast-paths repeated faults in
// the same region (spec §3 "find cache").
func (as *AddrSpace) Lookup(addr uintptr) (*Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lookupLocked(addr)
}

func (as *AddrSpace) lookupLocked(addr uintptr) (*Region, bool) {
	if c := as.findCache; c != nil && addr >= c.Start && addr < c.end() {
		return c, true
	}
	var found *Region
	as.tree.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || addr >= found.end() {
		return nil, false
	}
	as.findCache = found
	return found, true
}

// Lock/Unlock expose the address-space mutex (spec §5 locking
// discipline: "Address-space mutex is the outer lock").
func (as *AddrSpace) Lock()   { as.mu.Lock() }
func (as *AddrSpace) Unlock() { as.mu.Unlock() }

// Base/Size report the address space's range.
func (as *AddrSpace) Base() uintptr { return as.base }
func (as *AddrSpace) Size() uintptr { return as.size }

func inRange(as *AddrSpace, start, size uintptr) bool {
	if size == 0 {
		return false
	}
	end := start + size
	if end < start { // overflow
		return false
	}
	return start >= as.base && end <= as.base+as.size
}
