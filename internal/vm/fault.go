package vm

import (
	"runtime"
	"sync/atomic"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// goroutineID extracts the calling goroutine's ID from its stack trace
// header ("goroutine 123 [running]:"). sync.Mutex tracks no owner, so
// this is what lets PageFault tell a genuine same-thread recursive
// fault apart from ordinary cross-goroutine contention on as.mu, which
// must still block rather than fail.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = "goroutine "
	s := buf[:n]
	if len(s) <= len(prefix) {
		return 0
	}
	s = s[len(prefix):]
	var id uint64
	for _, b := range s {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + uint64(b-'0')
	}
	return id
}

// PageFault resolves a hardware fault at addr (spec §4.2 "Page fault
// handler"). access tells whether the faulting instruction was a
// read, write, or execute, and is used to distinguish a legitimate
// demand-page fault from a genuine protection violation.
//
// Grounded on biscuit/src/vm/as.go's Vm_t.pgfault, generalized from the
// teacher's single anonymous-COW case to the full anonymous / object /
// hybrid matrix spec §4.2 describes.
func (as *AddrSpace) PageFault(addr uintptr, access defs.AccessType) defs.Err_t {
	gid := goroutineID()
	if gid != 0 && atomic.LoadUint64(&as.faultHolder) == gid {
		// This goroutine already holds as.mu (it faulted again from
		// inside its own fault handling, e.g. via UserBuf). Locking
		// again would deadlock against ourselves; nothing about the
		// fault can be resolved differently by waiting.
		return defs.INVALID_ADDR
	}

	as.mu.Lock()
	atomic.StoreUint64(&as.faultHolder, gid)
	defer func() {
		atomic.StoreUint64(&as.faultHolder, 0)
		as.mu.Unlock()
	}()

	r, ok := as.lookupLocked(addr)
	if !ok || r.State != StateAllocated {
		return defs.INVALID_ADDR
	}

	if access == defs.AccessWrite && r.Prot&defs.ProtWrite == 0 {
		return defs.PERM_DENIED
	}
	if access == defs.AccessExec && r.Prot&defs.ProtExec == 0 {
		return defs.PERM_DENIED
	}
	if access == defs.AccessRead && r.Prot&defs.ProtRead == 0 {
		return defs.PERM_DENIED
	}

	va := addr &^ uintptr(mem.PageSize-1)

	if r.Flags&defs.MapStack != 0 && va == r.Start {
		// The first page of a STACK region is a permanent guard page
		// (spec §3 GLOSSARY "guard page"): it must never be faulted
		// in, so overflow traps instead of silently growing into
		// whatever precedes the stack.
		return defs.INVALID_ADDR
	}

	slot := r.AmapOff + int(va-r.Start)/mem.PageSize

	// Query takes the MMU lock itself, so it runs before the lock is
	// held for the install below.
	pte, present := as.MMU.Query(va)

	as.MMU.Lock()
	defer as.MMU.Unlock()

	// A present, non-COW mapping faulting again means the access type
	// genuinely isn't permitted by the hardware entry either — a
	// recursive fault the outer Prot check above should already have
	// caught. Treat it as a protection fault rather than loop.
	if present && !pte.COW {
		return defs.PERM_DENIED
	}

	if present && pte.COW {
		return as.resolveCOW(r, slot, va, pte, access)
	}

	return as.resolveMissing(r, slot, va, access)
}

// resolveCOW services a fault on a copy-on-write page. Per spec §4.2's
// anonymous fault matrix, a READ/EXEC fault never copies — it just
// installs the existing frame read-only — and only a WRITE fault with
// the frame's own reference count above one forces a copy. The copy
// decision turns on the physical page's own reference count, not the
// amap's per-slot rref (two independent amaps, one per address space
// after Clone, can each hold rref == 1 for a slot while still sharing
// the same physical page with another address space). Either branch
// that can fire requires a PRIVATE region per spec; a shared region
// reaching a COW-tagged PTE is a bug in the caller, not a recoverable
// condition.
func (as *AddrSpace) resolveCOW(r *Region, slot int, va uintptr, pte PTE, access defs.AccessType) defs.Err_t {
	if r.Amp == nil {
		return defs.INVALID_ADDR
	}
	if r.Flags&defs.MapPrivate == 0 {
		panic("COW fault on a non-PRIVATE region")
	}

	// The shared zero frame is never writable in place, however its
	// refcount reads: every demand-zero page in the system maps it, so
	// a write here must always copy regardless of Refcnt.
	isZero := pte.Frame == as.alloc.ZeroFrame()
	shared := isZero || as.alloc.Refcnt(pte.Frame) > 1

	if access != defs.AccessWrite {
		as.MMU.mapLocked(va, pte.Frame, r.Prot&^defs.ProtWrite, shared)
		return defs.SUCCESS
	}

	if !shared {
		as.MMU.mapLocked(va, pte.Frame, r.Prot, false)
		return defs.SUCCESS
	}

	newFrame, err := as.alloc.Copy(pte.Frame)
	if err != 0 {
		return err
	}
	as.alloc.Refup(newFrame) // amap's own reference
	r.Amp.Install(slot, newFrame, as.alloc)
	as.alloc.Refdown(pte.Frame) // drop the PTE's old reference
	as.alloc.Refup(newFrame)    // the PTE's new reference
	as.MMU.mapLocked(va, newFrame, r.Prot, false)
	return defs.SUCCESS
}

// resolveMissing services a not-present fault: demand-zero anonymous
// page, fetch from a backing object, or a hybrid of both (spec §4.2
// "Object-backed fault", "Anonymous fault").
func (as *AddrSpace) resolveMissing(r *Region, slot int, va uintptr, access defs.AccessType) defs.Err_t {
	switch r.Mtype {
	case MAnon:
		return as.faultAnon(r, slot, va)
	case MObject:
		return as.faultObject(r, va)
	case MHybrid:
		return as.faultHybrid(r, slot, va)
	default:
		return defs.INVALID_ADDR
	}
}

func (as *AddrSpace) faultAnon(r *Region, slot int, va uintptr) defs.Err_t {
	if p, ok := r.Amp.Lookup(slot); ok {
		// page exists in the amap (e.g. installed by a sibling after
		// fork) but was never mapped in this context
		as.alloc.Refup(p)
		as.MMU.mapLocked(va, p, r.Prot, false)
		return defs.SUCCESS
	}

	if r.Flags&defs.MapPrivate == 0 {
		// A shared region never takes a COW fault (see shareCOW), so its
		// first touch gets a real zeroed page, writable per r.Prot.
		p, ok := as.alloc.Alloc()
		if !ok {
			return defs.NO_MEMORY
		}
		as.alloc.Refup(p) // amap's own reference
		r.Amp.Install(slot, p, as.alloc)
		as.alloc.Refup(p) // the PTE's reference
		as.MMU.mapLocked(va, p, r.Prot, false)
		return defs.SUCCESS
	}

	zero := as.alloc.ZeroFrame()
	as.alloc.Refup(zero)
	as.MMU.mapLocked(va, zero, defs.ProtRead, true)
	return defs.SUCCESS
}

func (as *AddrSpace) faultObject(r *Region, va uintptr) defs.Err_t {
	off := r.ObjOffset + int64(va-r.Start)
	p, err := r.Obj.GetPage(off)
	if err != 0 {
		return err
	}
	as.MMU.mapLocked(va, p, r.Prot, false)
	return defs.SUCCESS
}

func (as *AddrSpace) faultHybrid(r *Region, slot int, va uintptr) defs.Err_t {
	if p, ok := r.Amp.Lookup(slot); ok {
		as.alloc.Refup(p)
		as.MMU.mapLocked(va, p, r.Prot, false)
		return defs.SUCCESS
	}

	off := r.ObjOffset + int64(va-r.Start)
	p, err := r.Obj.GetPage(off)
	if err != 0 {
		return err
	}
	r.Amp.Install(slot, p, as.alloc) // absorbs GetPage's reference as the amap's own
	as.alloc.Refup(p)                // the PTE's reference
	as.MMU.mapLocked(va, p, r.Prot, false)
	return defs.SUCCESS
}
