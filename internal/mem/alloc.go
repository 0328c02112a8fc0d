// Package mem implements the physical page allocator and the page
// cache that sits above the Ext2 file-map and VM object-backed
// mappings (spec §2, §3 "Page cache").
//
// The teacher (biscuit/src/mem) allocates physical frames by carving
// them out of a direct-mapped region of kernel virtual memory reached
// through unsafe.Pointer arithmetic — a technique that only makes
// sense with a patched runtime that owns the machine's physical
// memory. Hosted in an ordinary Go process we have no physical memory
// to carve up, so Allocator instead owns a single contiguous byte
// arena and hands out fixed-size slices of it; everything about the
// teacher's refcount/freelist discipline (Physmem_t in mem/mem.go)
// carries over unchanged.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/aejsmith/kiwi/internal/defs"
)

// PageSize is the size of a single page in bytes (teacher's PGSIZE).
const PageSize = 4096

// PFN identifies a physical page frame (teacher's Pa_t, minus the
// low-order page-table flag bits: there is no MMU here, so a PFN is
// just an index).
type PFN uint32

// NoFrame is the invalid/sentinel PFN value, used the way the teacher
// uses physical address 0 for "no page" (e.g. a sparse amap slot).
const NoFrame PFN = 0xffffffff

type frame struct {
	refcnt int32
	nexti  uint32 // index of next free frame, or sentinel
}

const freeSentinel = ^uint32(0)

// Allocator is the physical page allocator. One Allocator instance
// backs an entire simulated machine; address spaces, amaps, and the
// Ext2 page cache all allocate frames from it and refcount them the
// same way (spec §5 "Shared-resource policy").
type Allocator struct {
	mu       sync.Mutex
	arena    []byte
	frames   []frame
	freei    uint32
	freen    int
	zeroOnce sync.Once
	zero     PFN
}

// NewAllocator creates an allocator with npages zeroed frames
// available, mirroring the teacher's Phys_init reservation step.
func NewAllocator(npages int) *Allocator {
	if npages <= 0 {
		panic("bad npages")
	}
	a := &Allocator{
		arena:  make([]byte, npages*PageSize),
		frames: make([]frame, npages),
	}
	for i := range a.frames {
		if i == npages-1 {
			a.frames[i].nexti = freeSentinel
		} else {
			a.frames[i].nexti = uint32(i + 1)
		}
	}
	a.freen = npages
	return a
}

// Bytes returns the byte slice backing a frame. Analogous to the
// teacher's Physmem.Dmap, minus the direct-map indirection.
func (a *Allocator) Bytes(p PFN) []byte {
	off := int(p) * PageSize
	return a.arena[off : off+PageSize]
}

// Alloc allocates a zeroed frame with refcount 0, the caller is
// expected to Refup it (teacher's Refpg_new, which returns an
// un-referenced page for the caller to install and then count).
func (a *Allocator) Alloc() (PFN, bool) {
	p, ok := a.allocRaw()
	if !ok {
		return 0, false
	}
	b := a.Bytes(p)
	for i := range b {
		b[i] = 0
	}
	return p, true
}

// AllocNoZero allocates a frame without clearing it, mirroring
// Refpg_new_nozero — used on the COW copy path where the caller
// immediately overwrites every byte.
func (a *Allocator) AllocNoZero() (PFN, bool) {
	return a.allocRaw()
}

func (a *Allocator) allocRaw() (PFN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freei == freeSentinel {
		return 0, false
	}
	idx := a.freei
	a.freei = a.frames[idx].nexti
	a.freen--
	if a.frames[idx].refcnt != 0 {
		panic("allocating referenced frame")
	}
	return PFN(idx), true
}

// Refup increments a frame's reference count (teacher's Physmem.Refup).
func (a *Allocator) Refup(p PFN) {
	c := atomic.AddInt32(&a.frames[p].refcnt, 1)
	if c <= 0 {
		panic("refup of freed frame")
	}
}

// Refcnt reports the current reference count.
func (a *Allocator) Refcnt(p PFN) int {
	return int(atomic.LoadInt32(&a.frames[p].refcnt))
}

// Refdown decrements a frame's reference count, returning the frame to
// the free list once it drops to zero (teacher's Physmem.Refdown).
func (a *Allocator) Refdown(p PFN) bool {
	c := atomic.AddInt32(&a.frames[p].refcnt, -1)
	if c < 0 {
		panic("refdown below zero")
	}
	if c != 0 {
		return false
	}
	a.mu.Lock()
	a.frames[p].nexti = a.freei
	a.freei = uint32(p)
	a.freen++
	a.mu.Unlock()
	return true
}

// Free releases a freshly allocated (refcount-0) frame directly,
// for allocate-then-fail rollback paths.
func (a *Allocator) Free(p PFN) {
	if a.Refcnt(p) != 0 {
		panic("freeing referenced frame")
	}
	a.mu.Lock()
	a.frames[p].nexti = a.freei
	a.freei = uint32(p)
	a.freen++
	a.mu.Unlock()
}

// FreeCount reports the number of unallocated frames.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freen
}

// Copy duplicates the contents of src into a freshly allocated frame,
// used by the COW fault path (spec §4.2).
func (a *Allocator) Copy(src PFN) (PFN, defs.Err_t) {
	dst, ok := a.AllocNoZero()
	if !ok {
		return 0, defs.NO_MEMORY
	}
	copy(a.Bytes(dst), a.Bytes(src))
	return dst, defs.SUCCESS
}

// ZeroFrame lazily allocates and caches a shared all-zero frame used
// for demand-zero anonymous pages before the first write (teacher's
// mem.Zeropg); it is never mutated and is mapped read-only everywhere
// it appears. Every Allocator owns its own, since frame indices are
// allocator-local.
func (a *Allocator) ZeroFrame() PFN {
	a.zeroOnce.Do(func() {
		p, ok := a.Alloc()
		if !ok {
			panic("no memory for zero frame")
		}
		a.Refup(p)
		a.zero = p
	})
	return a.zero
}
