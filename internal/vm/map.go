package vm

import (
	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

func pageAligned(v uintptr) bool { return v%uintptr(mem.PageSize) == 0 }

// Map creates an ALLOCATED region (spec §4.1 "map").
func (as *AddrSpace) Map(spec defs.AddrSpec, addr, size uintptr, prot defs.Prot,
	flags defs.MapFlags, obj Object, offset int64, name string) (uintptr, defs.Err_t) {

	if size == 0 || !pageAligned(size) || prot == 0 {
		return 0, defs.INVALID_ARG
	}
	if obj != nil && (offset < 0 || offset%int64(mem.PageSize) != 0) {
		return 0, defs.INVALID_ARG
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	var target *Region
	var err defs.Err_t
	switch spec {
	case defs.AddrAny:
		if !pageAligned(addr) {
			return 0, defs.INVALID_ARG
		}
		target, err = as.allocAny(size)
	case defs.AddrExact:
		if !pageAligned(addr) || !inRange(as, addr, size) {
			return 0, defs.INVALID_ARG
		}
		target, err = as.allocExact(addr, size)
	default:
		return 0, defs.INVALID_ARG
	}
	if err != 0 {
		return 0, err
	}

	target.Prot = prot
	target.Flags = flags
	target.Name = name
	target.State = StateAllocated
	if obj != nil {
		target.Obj = obj
		target.ObjOffset = offset
		target.Mtype = MObject
	}
	if flags&defs.MapPrivate != 0 || obj == nil {
		npages := int(size) / mem.PageSize
		target.Amp = NewAmap(npages)
		if target.Mtype == MObject {
			target.Mtype = MHybrid
		} else {
			target.Mtype = MAnon
		}
	}
	as.tree.ReplaceOrInsert(target)

	if as.Mlock {
		if e := as.eagerMap(target); e != 0 {
			as.unmapLocked(target.Start, target.Size)
			return 0, e
		}
	}

	return target.Start, defs.SUCCESS
}

// eagerMap immediately faults in every page of an eager (kernel,
// Mlock) region, rolling back nothing itself — the caller unmaps on
// failure (spec §4.3 "kernel eager mapping").
func (as *AddrSpace) eagerMap(r *Region) defs.Err_t {
	npages := int(r.Size) / mem.PageSize
	for i := 0; i < npages; i++ {
		va := r.Start + uintptr(i*mem.PageSize)
		frame, err := as.resolvePage(r, i)
		if err != 0 {
			return err
		}
		if r.Amp != nil {
			// the amap already owns a reference distinct from the
			// one the page table is about to hold
			as.alloc.Refup(frame)
		}
		as.MMU.Map(va, frame, r.Prot, false)
	}
	return defs.SUCCESS
}

// resolvePage returns the frame backing slot i of region r, allocating
// a fresh zeroed anonymous page or fetching one from the backing
// object as needed. It does not install anything into the amap for
// object-backed, non-private regions (there is nothing to own).
func (as *AddrSpace) resolvePage(r *Region, i int) (mem.PFN, defs.Err_t) {
	if r.Amp != nil {
		slot := r.AmapOff + i
		if p, ok := r.Amp.Lookup(slot); ok {
			return p, defs.SUCCESS
		}
		if r.Obj != nil {
			p, err := r.Obj.GetPage(r.ObjOffset + int64(i*mem.PageSize))
			if err != 0 {
				return 0, err
			}
			r.Amp.Install(slot, p, as.alloc)
			return p, defs.SUCCESS
		}
		p, ok := as.alloc.Alloc()
		if !ok {
			return 0, defs.NO_MEMORY
		}
		as.alloc.Refup(p)
		r.Amp.Install(slot, p, as.alloc)
		return p, defs.SUCCESS
	}
	if r.Obj != nil {
		return r.Obj.GetPage(r.ObjOffset + int64(i*mem.PageSize))
	}
	return 0, defs.INVALID_ARG
}

// allocAny implements spec §4.1 "Region allocation — ANY".
func (as *AddrSpace) allocAny(size uintptr) (*Region, defs.Err_t) {
	k := freelistIndex(size)
	for idx := k; idx < numFreelists; idx++ {
		if as.freeSet&(1<<uint(idx)) == 0 {
			continue
		}
		for r := as.free[idx]; r != nil; r = r.flNext {
			if r.Size >= size {
				return as.splitFree(r, size), defs.SUCCESS
			}
		}
	}
	return nil, defs.NO_MEMORY
}

// splitFree carves a size-byte region off the front of r (a FREE
// region), returning the carved-off piece and reinserting the
// remaining tail onto its own freelist.
func (as *AddrSpace) splitFree(r *Region, size uintptr) *Region {
	as.freelistRemove(r)
	if r.Size == size {
		return r
	}
	tail := &Region{Start: r.Start + size, Size: r.Size - size, State: StateFree}
	r.Size = size
	as.insertSeq(r, tail)
	as.freelistInsert(tail)
	return r
}

// allocExact implements spec §4.1 "Region allocation — EXACT".
func (as *AddrSpace) allocExact(start, size uintptr) (*Region, defs.Err_t) {
	if err := as.trimRegions(start, size); err != 0 {
		return nil, err
	}
	hole := as.findContaining(start)
	if hole == nil || hole.Start > start || hole.end() < start+size {
		// trimRegions guarantees an unused region covering the range;
		// anything else is a bug
		panic("trim_regions did not leave a hole covering the range")
	}
	// trimRegions may have merged the hole with free neighbours: cut it
	// back to exactly [start, start+size) and reuse it in place
	if hole.Start < start {
		as.shrinkFront(hole, start-hole.Start)
	}
	if hole.end() > start+size {
		as.shrinkBack(hole, hole.end()-(start+size))
	}
	if hole.State == StateFree {
		as.freelistRemove(hole)
	}
	return hole, defs.SUCCESS
}

// trimRegions walks forward from the region containing start, cutting,
// splitting, or destroying each overlapping region until [start,
// start+size) is all FREE, then merges that space with any free
// neighbours, so the FREE region left there may be larger than the
// range (spec §4.1 "trim_regions details").
func (as *AddrSpace) trimRegions(start, size uintptr) defs.Err_t {
	end := start + size
	r := as.findContaining(start)
	if r == nil {
		return defs.INVALID_ARG
	}
	for r != nil && r.Start < end {
		next := r.next
		ov0, ov1 := maxU(r.Start, start), minU(r.end(), end)
		if ov0 >= ov1 {
			r = next
			continue
		}
		whole := ov0 == r.Start && ov1 == r.end()
		front := ov0 == r.Start && ov1 < r.end()
		back := ov0 > r.Start && ov1 == r.end()

		switch {
		case whole:
			as.clearToFree(r)
		case front:
			// shrink from the front: advance Start, adjust
			// amap/object offsets by the advance
			adv := ov1 - r.Start
			as.shrinkFront(r, adv)
		case back:
			// shrink from the back
			adv := r.end() - ov0
			as.shrinkBack(r, adv)
		default:
			// split into head (kept) + tail (reinserted)
			headSize := ov0 - r.Start
			tailStart := ov1
			tailSize := r.end() - ov1
			as.splitMiddle(r, headSize, tailStart, tailSize)
		}
		r = next
	}
	// now [start,end) is all FREE; merge its pieces with each other and
	// with free neighbours so findContaining(start) returns one FREE
	// region covering the whole range
	as.coalesceAround(start, end)
	return defs.SUCCESS
}

func maxU(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
func minU(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// shrinkFront advances r.Start by adv, adjusting amap/object offsets,
// and inserts a new FREE region covering the vacated front.
func (as *AddrSpace) shrinkFront(r *Region, adv uintptr) {
	wasAllocated := r.State == StateAllocated
	if wasAllocated {
		as.tree.Delete(r)
	} else if r.State == StateFree {
		as.freelistRemove(r)
	}

	before := r.prev
	r.Start += adv
	r.Size -= adv
	if r.Mtype != MNone {
		r.ObjOffset += int64(adv)
		r.AmapOff += int(adv) / mem.PageSize
	}

	front := &Region{Start: r.Start - adv, Size: adv, State: StateFree}
	as.insertSeq(before, front)
	as.freelistInsert(front)

	if wasAllocated {
		as.tree.ReplaceOrInsert(r)
	} else if r.State == StateFree {
		as.freelistInsert(r)
	}
}

// shrinkBack truncates r by adv bytes from the end and inserts a new
// FREE region covering the vacated back.
func (as *AddrSpace) shrinkBack(r *Region, adv uintptr) {
	if r.State == StateAllocated {
		as.tree.Delete(r)
	} else if r.State == StateFree {
		as.freelistRemove(r)
	}
	newTailStart := r.end() - adv
	r.Size -= adv
	tail := &Region{Start: newTailStart, Size: adv, State: StateFree}
	as.insertSeq(r, tail)
	as.freelistInsert(tail)
	if r.State == StateAllocated {
		as.tree.ReplaceOrInsert(r)
	} else if r.State == StateFree {
		as.freelistInsert(r)
	}
}

// splitMiddle replaces r with head (same identity, shrunk) + a
// punched-out FREE hole + tail; the hole goes on its freelist like any
// other FREE region, since Unmap leaves it FREE.
func (as *AddrSpace) splitMiddle(r *Region, headSize, tailStart, tailSize uintptr) {
	orig := *r
	if r.State == StateAllocated {
		as.tree.Delete(r)
	} else if r.State == StateFree {
		as.freelistRemove(r)
	}
	holeStart := r.Start + headSize
	holeSize := tailStart - holeStart

	r.Size = headSize
	hole := &Region{Start: holeStart, Size: holeSize, State: StateFree}
	tail := &Region{
		Start: tailStart, Size: tailSize, State: orig.State,
		Prot: orig.Prot, Flags: orig.Flags, Name: orig.Name,
		Mtype: orig.Mtype, Obj: orig.Obj, Amp: orig.Amp,
	}
	if orig.Mtype != MNone {
		adv := int64(tailStart - orig.Start)
		tail.ObjOffset = orig.ObjOffset + adv
		tail.AmapOff = orig.AmapOff + int(tailStart-orig.Start)/mem.PageSize
	}
	if orig.Amp != nil {
		orig.Amp.Ref()
	}

	as.insertSeq(r, hole)
	as.insertSeq(hole, tail)
	as.freelistInsert(hole)

	if r.State == StateAllocated {
		as.tree.ReplaceOrInsert(r)
	} else if r.State == StateFree {
		as.freelistInsert(r)
	}
	if tail.State == StateAllocated {
		as.tree.ReplaceOrInsert(tail)
	} else if tail.State == StateFree {
		as.freelistInsert(tail)
	}
}

// coalesceAround merges the FREE/RESERVED region covering [start,end)
// with either neighbor if both are unused and in the same state (spec
// §4.1 "merge with either neighbor").
func (as *AddrSpace) coalesceAround(start, end uintptr) {
	r := as.findContaining(start)
	if r == nil {
		return
	}
	if r.prev != nil && canMergeWith(r.prev, r) {
		r = r.prev
	}
	for r.next != nil && r.Start < end {
		if canMergeWith(r, r.next) {
			as.mergeWithNext(r)
			continue
		}
		r = r.next
	}
}

// clearToFree destroys a region that lies entirely within the trimmed
// range, converting it in place to an empty FREE region rather than
// unlinking it from the ordered sequence (the sequence must always
// cover the whole address space with no gaps). Subsequent adjacent
// FREE/RESERVED pieces produced by sibling overlaps are merged back
// together by coalesceAround once trimRegions finishes (spec §4.1
// "if the overlap is the whole region, destroy it").
func (as *AddrSpace) clearToFree(r *Region) {
	switch r.State {
	case StateAllocated:
		for va := r.Start; va < r.end(); va += uintptr(mem.PageSize) {
			if frame, ok := as.MMU.Unmap(va); ok {
				as.alloc.Refdown(frame)
			}
		}
		if r.Amp != nil {
			r.Amp.Unref(as.alloc)
		}
		as.tree.Delete(r)
	case StateFree:
		as.freelistRemove(r)
	case StateReserved:
		// nothing to release
	}
	r.State = StateFree
	r.Mtype = MNone
	r.Amp = nil
	r.Obj = nil
	r.ObjOffset = 0
	r.AmapOff = 0
	r.Prot = 0
	r.Flags = 0
	r.Name = ""
	as.freelistInsert(r)
}

func (as *AddrSpace) mergeWithNext(r *Region) {
	n := r.next
	if !canMergeWith(r, n) {
		return
	}
	if r.State == StateFree {
		as.freelistRemove(r)
		as.freelistRemove(n)
	}
	r.Size += n.Size
	as.removeSeq(n)
	if r.State == StateFree {
		as.freelistInsert(r)
	}
}

// Unmap marks [start,size) FREE, coalescing on both sides (spec
// §4.1 "unmap").
func (as *AddrSpace) Unmap(start, size uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmapLocked(start, size)
}

func (as *AddrSpace) unmapLocked(start, size uintptr) defs.Err_t {
	if size == 0 || !pageAligned(start) || !pageAligned(size) || !inRange(as, start, size) {
		return defs.INVALID_ARG
	}
	if err := as.trimRegions(start, size); err != 0 {
		return err
	}
	hole := as.findContaining(start)
	if hole.State == StateAllocated {
		panic("trim_regions left an allocated hole")
	}
	if hole.State != StateFree {
		hole.State = StateFree
		as.freelistInsert(hole)
		as.coalesceAround(hole.Start, hole.end())
	}
	return defs.SUCCESS
}

// Reserve marks [start,size) RESERVED: never handed out by ANY, but
// still replaceable by EXACT or removable by unmap (spec §4.1
// "reserve").
func (as *AddrSpace) Reserve(start, size uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	if size == 0 || !pageAligned(start) || !pageAligned(size) || !inRange(as, start, size) {
		return defs.INVALID_ARG
	}
	if err := as.trimRegions(start, size); err != 0 {
		return err
	}
	hole := as.findContaining(start)
	// cut the FREE region trimRegions left back to exactly the range and
	// take it off its freelist, so ANY can no longer hand it out
	if hole.Start < start {
		as.shrinkFront(hole, start-hole.Start)
	}
	if hole.end() > start+size {
		as.shrinkBack(hole, hole.end()-(start+size))
	}
	as.freelistRemove(hole)
	hole.State = StateReserved
	as.coalesceAround(hole.Start, hole.end())
	return defs.SUCCESS
}

// Protect recomputes the permissions of an existing ALLOCATED region
// and downgrades any already-mapped PTEs to match, without touching
// the backing frames (§4.1 expansion: the teacher's PROTECTION-fault
// path in vm/as.go assumes an upstream mprotect already updated the
// region and PTEs before the fault handler ever runs).
func (as *AddrSpace) Protect(start, size uintptr, prot defs.Prot) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	if size == 0 || !pageAligned(start) || !pageAligned(size) || !inRange(as, start, size) || prot == 0 {
		return defs.INVALID_ARG
	}

	r, ok := as.lookupLocked(start)
	if !ok || r.end() < start+size {
		return defs.INVALID_ARG
	}

	r.Prot = prot

	for va := start; va < start+size; va += uintptr(mem.PageSize) {
		pte, present := as.MMU.Query(va)
		if !present {
			continue
		}
		newProt := prot
		if pte.COW {
			newProt &^= defs.ProtWrite
		}
		as.MMU.Protect(va, newProt, pte.COW)
	}
	return defs.SUCCESS
}

// destroyRegionLocked tears down an ALLOCATED region's pages and
// releases its amap/object, or simply dequeues a FREE region (spec
// §4.1 "Region destruction").
func (as *AddrSpace) destroyRegionLocked(r *Region) {
	switch r.State {
	case StateAllocated:
		for va := r.Start; va < r.end(); va += uintptr(mem.PageSize) {
			if frame, ok := as.MMU.Unmap(va); ok {
				as.alloc.Refdown(frame)
			}
		}
		if r.Amp != nil {
			r.Amp.Unref(as.alloc)
		}
		as.tree.Delete(r)
	case StateFree:
		as.freelistRemove(r)
	case StateReserved:
		// nothing to release
	}
	as.removeSeq(r)
}
