package vm

import (
	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
	"github.com/google/btree"
)

// Clone duplicates an address space for fork-like process creation
// (spec §4.1 "Clone"). A non-PRIVATE region shares its amap with the
// parent, bumping the amap's refcount and each populated slot's rref.
// A PRIVATE region gets its own freshly allocated amap sized to the
// region: every non-null source page has its physical refcount bumped
// and is installed into the child's amap with rref = 1, and the
// source mapping is write-protected through the MMU so either side
// copies on its next write.
func (as *AddrSpace) Clone() *AddrSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := &AddrSpace{
		base:  as.base,
		size:  as.size,
		Mlock: as.Mlock,
		MMU:   NewMMUContext(),
		tree:  btree.NewG(32, regionLess),
		alloc: as.alloc,
	}

	var prev *Region
	for r := as.head; r != nil; r = r.next {
		cr := &Region{
			Start: r.Start, Size: r.Size, Prot: r.Prot, Flags: r.Flags,
			State: r.State, Name: r.Name, Mtype: r.Mtype,
			Obj: r.Obj, ObjOffset: r.ObjOffset, AmapOff: r.AmapOff,
		}
		child.insertSeq(prev, cr)
		prev = cr

		switch r.State {
		case StateFree:
			child.freelistInsert(cr)
		case StateAllocated:
			if r.Amp != nil {
				if r.Flags&defs.MapPrivate != 0 {
					cr.Amp = NewAmap(r.Amp.Size())
					as.clonePrivate(child, r, cr)
				} else {
					r.Amp.Ref()
					cr.Amp = r.Amp
					as.shareCOW(child, r, cr)
				}
			}
			child.tree.ReplaceOrInsert(cr)
		case StateReserved:
			// nothing further to share
		}
	}

	return child
}

// clonePrivate gives cr its own amap (already allocated by the
// caller) populated from r's currently-mapped pages: each page's
// physical refcount is bumped and it is installed into the child's
// amap with rref = 1 (spec §4.1 "Clone": "PRIVATE mappings allocate a
// fresh amap... installed in the destination's amap with rref = 1").
// Both sides are left write-protected so the next write on either one
// triggers a copy.
func (as *AddrSpace) clonePrivate(child *AddrSpace, r, cr *Region) {
	npages := int(r.Size) / mem.PageSize
	for i := 0; i < npages; i++ {
		va := r.Start + uintptr(i*mem.PageSize)
		slot := r.AmapOff + i
		pte, ok := as.MMU.Query(va)
		if !ok {
			continue
		}

		as.alloc.Refup(pte.Frame) // child amap's own reference
		cr.Amp.Install(slot, pte.Frame, as.alloc)
		cr.Amp.IncRref(slot)

		as.MMU.Protect(va, r.Prot&^defs.ProtWrite, true)
		as.alloc.Refup(pte.Frame) // the child PTE's reference
		child.MMU.Map(va, pte.Frame, cr.Prot&^defs.ProtWrite, true)
	}
}

// shareCOW handles a non-PRIVATE (shared) region: the child's region
// points at the same amap as the parent, so the same physical page
// simply gains another rref in that one shared amap and another
// mapping in the child's MMU context. Unlike clonePrivate, neither side
// is write-protected or COW-tagged here: a shared mapping's writes are
// meant to be visible to every other mapper immediately, not trigger a
// private copy, so resolveCOW must never see a fault on this region
// (it panics if it does).
func (as *AddrSpace) shareCOW(child *AddrSpace, r, cr *Region) {
	npages := int(r.Size) / mem.PageSize
	for i := 0; i < npages; i++ {
		va := r.Start + uintptr(i*mem.PageSize)
		slot := r.AmapOff + i
		pte, ok := as.MMU.Query(va)
		if !ok {
			continue
		}
		r.Amp.IncRref(slot)
		as.alloc.Refup(pte.Frame) // the child PTE's new reference
		child.MMU.Map(va, pte.Frame, cr.Prot, false)
	}
}

// Destroy tears down every region, releasing all pages and the MMU
// context (spec §4.1 "Destroy").
func (as *AddrSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for r := as.head; r != nil; r = r.next {
		if r.State != StateAllocated {
			continue
		}
		for va := r.Start; va < r.end(); va += uintptr(mem.PageSize) {
			if frame, ok := as.MMU.Unmap(va); ok {
				as.alloc.Refdown(frame)
			}
		}
		if r.Amp != nil {
			r.Amp.Unref(as.alloc)
		}
	}
	as.head = nil
	as.tree = btree.NewG(32, regionLess)
	for i := range as.free {
		as.free[i] = nil
	}
	as.freeSet = 0
	as.findCache = nil
}

// Switch is a hook point for loading this address space's MMU context
// onto the running CPU. Hosted in an ordinary process there is no real
// MMU to program; it exists so callers written against the teacher's
// As_t.Switch (biscuit/src/vm/as.go) have a direct analogue.
func (as *AddrSpace) Switch() defs.Err_t {
	return defs.SUCCESS
}
