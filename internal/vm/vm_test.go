package vm

import (
	"testing"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T, npages int) (*AddrSpace, *mem.Allocator) {
	t.Helper()
	alloc := mem.NewAllocator(npages)
	as := New(0, 256*mem.PageSize, false, alloc)
	return as, alloc
}

// coverage walks the ordered region sequence and checks it covers
// [base, base+size) with no gaps and no overlaps, as spec §3 requires.
func coverage(t *testing.T, as *AddrSpace) {
	t.Helper()
	prevEnd := as.Base()
	for r := as.head; r != nil; r = r.next {
		require.Equal(t, prevEnd, r.Start, "gap or overlap before region at %#x", r.Start)
		prevEnd = r.end()
	}
	require.Equal(t, as.Base()+as.Size(), prevEnd)
}

func TestNewAddrSpaceIsOneFreeRegion(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	coverage(t, as)
	require.Equal(t, StateFree, as.head.State)
	require.Nil(t, as.head.next)
}

func TestMapAnyThenUnmapRestoresSingleFreeRegion(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, 4*mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "r1")
	require.Zero(t, int(err))
	coverage(t, as)

	require.Zero(t, int(as.Unmap(addr, 4*mem.PageSize)))
	coverage(t, as)

	require.Equal(t, as.Base(), as.head.Start)
	require.Nil(t, as.head.next)
	require.Equal(t, StateFree, as.head.State)
	require.Equal(t, as.Size(), as.head.Size)
}

func TestMapExactOverlappingTrimsAndCoalesces(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	base := as.Base()

	_, err := as.Map(defs.AddrExact, base, 8*mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "a")
	require.Zero(t, int(err))
	coverage(t, as)

	// carve an exact region out of the middle of the existing mapping,
	// then unmap it again: trimRegions must split cleanly and
	// coalesceAround must re-merge all the way back to one free region.
	mid := base + 2*mem.PageSize
	_, err = as.Map(defs.AddrExact, mid, 2*mem.PageSize, defs.ProtRead, defs.MapPrivate, nil, 0, "b")
	require.Zero(t, int(err))
	coverage(t, as)

	require.Zero(t, int(as.Unmap(base, 8*mem.PageSize)))
	coverage(t, as)
	require.Equal(t, StateFree, as.head.State)
	require.Nil(t, as.head.next)
}

func TestReadFaultInstallsZeroFrameCOW(t *testing.T) {
	as, alloc := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "anon")
	require.Zero(t, int(err))

	require.Zero(t, int(as.PageFault(addr, defs.AccessRead)))

	pte, ok := as.MMU.Query(addr)
	require.True(t, ok)
	require.Equal(t, alloc.ZeroFrame(), pte.Frame)
	require.True(t, pte.COW)
	require.EqualValues(t, 0, pte.Prot&defs.ProtWrite)
}

func TestWriteFaultOnZeroFrameCopiesRatherThanSharing(t *testing.T) {
	as, alloc := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "anon")
	require.Zero(t, int(err))

	// a read first, to install the shared zero frame COW, then a write:
	// this must allocate a private copy rather than mutating the
	// globally shared zero frame in place.
	require.Zero(t, int(as.PageFault(addr, defs.AccessRead)))
	require.Zero(t, int(as.PageFault(addr, defs.AccessWrite)))

	pte, ok := as.MMU.Query(addr)
	require.True(t, ok)
	require.NotEqual(t, alloc.ZeroFrame(), pte.Frame)
	require.False(t, pte.COW)
	require.NotZero(t, pte.Prot&defs.ProtWrite)

	// the zero frame itself must still read as all-zero afterward
	for _, b := range alloc.Bytes(alloc.ZeroFrame()) {
		require.EqualValues(t, 0, b)
	}
}

func TestFirstWriteFaultOnHoleInstallsZeroFrameReadOnly(t *testing.T) {
	as, alloc := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "anon")
	require.Zero(t, int(err))

	// a not-present fault always goes through faultAnon regardless of
	// access type, which installs the shared zero frame read-only and
	// COW-tagged; the actual copy only happens on the next fault, once
	// the hardware re-faults against a read-only PTE on a real write.
	require.Zero(t, int(as.PageFault(addr, defs.AccessWrite)))
	pte, ok := as.MMU.Query(addr)
	require.True(t, ok)
	require.True(t, pte.COW)
	require.Equal(t, alloc.ZeroFrame(), pte.Frame)

	require.Zero(t, int(as.PageFault(addr, defs.AccessWrite)))
	pte2, ok := as.MMU.Query(addr)
	require.True(t, ok)
	require.False(t, pte2.COW)
	require.NotEqual(t, alloc.ZeroFrame(), pte2.Frame)
}

func TestClonePrivateCOWThenWriteDiverges(t *testing.T) {
	as, alloc := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "anon")
	require.Zero(t, int(err))

	// populate a real (non-zero) page before cloning: the first write
	// fault only installs the shared zero frame COW, the second forces
	// the actual copy away from it.
	require.Zero(t, int(as.PageFault(addr, defs.AccessWrite)))
	require.Zero(t, int(as.PageFault(addr, defs.AccessWrite)))
	pte, _ := as.MMU.Query(addr)
	parentFrame := pte.Frame
	require.NotEqual(t, alloc.ZeroFrame(), parentFrame)
	alloc.Bytes(parentFrame)[0] = 0x42

	child := as.Clone()

	pPte, ok := as.MMU.Query(addr)
	require.True(t, ok)
	require.True(t, pPte.COW)
	cPte, ok := child.MMU.Query(addr)
	require.True(t, ok)
	require.True(t, cPte.COW)
	require.Equal(t, parentFrame, cPte.Frame)
	require.GreaterOrEqual(t, alloc.Refcnt(parentFrame), 2)

	// writing through the child must copy, leaving the parent's page
	// (and byte) untouched.
	require.Zero(t, int(child.PageFault(addr, defs.AccessWrite)))
	cPte2, _ := child.MMU.Query(addr)
	require.NotEqual(t, parentFrame, cPte2.Frame)
	require.False(t, cPte2.COW)

	require.EqualValues(t, 0x42, alloc.Bytes(parentFrame)[0])

	// a read through the parent must still see the original page,
	// un-copied, since read faults on a shared COW page never copy.
	require.Zero(t, int(as.PageFault(addr, defs.AccessRead)))
	pPte2, _ := as.MMU.Query(addr)
	require.Equal(t, parentFrame, pPte2.Frame)
}

func TestFaultOnUnmappedAddressIsInvalid(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	require.Equal(t, defs.INVALID_ADDR, as.PageFault(as.Base(), defs.AccessRead))
}

func TestWriteFaultOnReadOnlyRegionIsDenied(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead, defs.MapPrivate, nil, 0, "ro")
	require.Zero(t, int(err))
	require.Equal(t, defs.PERM_DENIED, as.PageFault(addr, defs.AccessWrite))
}

func TestUserBufRoundTripsThroughFaultHandler(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "buf")
	require.Zero(t, int(err))

	in := []byte("hello, userbuf")
	n, uerr := NewUserBuf(as, addr, len(in)).CopyIn(in)
	require.Zero(t, int(uerr))
	require.Equal(t, len(in), n)

	out := make([]byte, len(in))
	n, uerr = NewUserBuf(as, addr, len(out)).CopyOut(out)
	require.Zero(t, int(uerr))
	require.Equal(t, len(in), n)
	require.Equal(t, in, out)
}

func TestUserBufSpanningTwoPagesFaultsBothIn(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, 2*mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "buf2")
	require.Zero(t, int(err))

	in := make([]byte, mem.PageSize+16)
	for i := range in {
		in[i] = byte(i)
	}
	n, uerr := NewUserBuf(as, addr, len(in)).CopyIn(in)
	require.Zero(t, int(uerr))
	require.Equal(t, len(in), n)

	out := make([]byte, len(in))
	n, uerr = NewUserBuf(as, addr, len(out)).CopyOut(out)
	require.Zero(t, int(uerr))
	require.Equal(t, len(in), n)
	require.Equal(t, in, out)
}

func TestProtectDowngradesMappedPTEs(t *testing.T) {
	as, _ := newTestSpace(t, 64)
	addr, err := as.Map(defs.AddrAny, 0, mem.PageSize, defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "rw")
	require.Zero(t, int(err))
	require.Zero(t, int(as.PageFault(addr, defs.AccessWrite)))

	require.Zero(t, int(as.Protect(addr, mem.PageSize, defs.ProtRead)))

	pte, ok := as.MMU.Query(addr)
	require.True(t, ok)
	require.EqualValues(t, 0, pte.Prot&defs.ProtWrite)
	require.Equal(t, defs.PERM_DENIED, as.PageFault(addr, defs.AccessWrite))
}
