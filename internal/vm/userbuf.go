package vm

import (
	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// UserBuf assists copying bytes between kernel buffers and a region of
// an address space, one page at a time, faulting pages in as it goes
// so the caller never has to pre-populate a mapping (§4.1 expansion).
//
// Grounded on biscuit/src/vm/userbuf.go's Userbuf_t: the teacher reads
// user memory by repeatedly resolving one page via Userdmap8_inner and
// copying the overlap, restarting on a fault. There is no real
// user/kernel address split in this hosted reimplementation (both ends
// of a copy are ordinary Go byte slices), so UserBuf plays the role of
// Userdmap8/Userreadn/Userwriten collectively: it is the one place
// that walks page-at-a-time across a ranged copy against the fault
// handler and MMU context instead of letting a caller reach into
// Allocator.Bytes directly.
type UserBuf struct {
	as  *AddrSpace
	va  uintptr
	off int
	len int
}

// NewUserBuf describes a copy of len bytes starting at virtual address
// va within as (teacher's Userbuf_t.ub_init).
func NewUserBuf(as *AddrSpace, va uintptr, length int) *UserBuf {
	return &UserBuf{as: as, va: va, len: length}
}

// Remain reports the number of bytes not yet transferred.
func (ub *UserBuf) Remain() int { return ub.len - ub.off }

// CopyOut copies from the address space into dst (teacher's Uioread),
// returning the number of bytes actually copied and stopping at the
// first fault that cannot be resolved (e.g. an unmapped hole, a
// protection violation). Partial progress is always returned even on
// error, per spec §7 tier 3.
func (ub *UserBuf) CopyOut(dst []byte) (int, defs.Err_t) {
	return ub.tx(dst, defs.AccessRead, false)
}

// CopyIn copies src into the address space (teacher's Uiowrite).
func (ub *UserBuf) CopyIn(src []byte) (int, defs.Err_t) {
	return ub.tx(src, defs.AccessWrite, true)
}

func (ub *UserBuf) tx(buf []byte, access defs.AccessType, write bool) (int, defs.Err_t) {
	done := 0
	for len(buf) > 0 && ub.off != ub.len {
		va := ub.va + uintptr(ub.off)
		page := va &^ uintptr(mem.PageSize-1)
		pageOff := int(va - page)

		if err := ub.as.faultIfNeeded(page, access); err != 0 {
			return done, err
		}

		frame, err := ub.as.frameAt(page)
		if err != 0 {
			return done, err
		}
		chunk := ub.as.alloc.Bytes(frame)[pageOff:]
		if n := ub.len - ub.off; len(chunk) > n {
			chunk = chunk[:n]
		}
		if len(chunk) > len(buf) {
			chunk = chunk[:len(buf)]
		}

		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += c
		done += c
		if c == 0 {
			break
		}
	}
	return done, defs.SUCCESS
}

// faultIfNeeded ensures page is present with at least access
// permission, invoking the ordinary page-fault path if not.
// A write to a hole takes two faults: the first installs the shared
// zero frame read-only, the second copies it.
func (as *AddrSpace) faultIfNeeded(page uintptr, access defs.AccessType) defs.Err_t {
	for {
		pte, present := as.MMU.Query(page)
		if present && (access != defs.AccessWrite || (pte.Prot&defs.ProtWrite != 0 && !pte.COW)) {
			return defs.SUCCESS
		}
		// PageFault takes as.mu itself; callers of UserBuf must not already
		// hold it, mirroring the teacher's Uioread/Uiowrite taking
		// Lock_pmap around a call chain that does not already hold it.
		if err := as.PageFault(page, access); err != 0 {
			return err
		}
	}
}

func (as *AddrSpace) frameAt(page uintptr) (mem.PFN, defs.Err_t) {
	pte, present := as.MMU.Query(page)
	if !present {
		return 0, defs.INVALID_ADDR
	}
	return pte.Frame, defs.SUCCESS
}
