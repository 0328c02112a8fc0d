package ext2

import (
	"math/bits"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// FsckReport summarizes the consistency checks Fsck performs: a
// read-only walk that cross-checks the bitmap/counter bookkeeping
// blockio.go and inode.go maintain incrementally, the way a real fsck
// double-checks a filesystem it does not trust (§4.4/4.5 expansion:
// the distilled spec only ever updates these counters, it never
// verifies them against each other).
type FsckReport struct {
	// BadGroupBlockCounts lists group indices where the block bitmap's
	// popcount disagrees with the group descriptor's FreeBlocksCount.
	BadGroupBlockCounts []int
	// BadGroupInodeCounts lists group indices where the inode bitmap's
	// popcount disagrees with the group descriptor's FreeInodesCount.
	BadGroupInodeCounts []int
	// SuperblockBlockMismatch is true if the sum of per-group free
	// block counts disagrees with the superblock total.
	SuperblockBlockMismatch bool
	// SuperblockInodeMismatch is true if the sum of per-group free
	// inode counts disagrees with the superblock total.
	SuperblockInodeMismatch bool
	// Unreachable lists inode numbers the inode bitmap marks in use
	// that the directory walk from RootIno never reached.
	Unreachable []uint32
}

// Clean reports whether every check in the report passed.
func (r *FsckReport) Clean() bool {
	return len(r.BadGroupBlockCounts) == 0 && len(r.BadGroupInodeCounts) == 0 &&
		!r.SuperblockBlockMismatch && !r.SuperblockInodeMismatch && len(r.Unreachable) == 0
}

// Fsck performs a read-only consistency check of m, independent of and
// in addition to the bookkeeping block_alloc/block_free/AllocInode/
// FreeInode already do inline (spec §8 testable properties give the
// bitmap/counter invariant for blocks; this extends the same check to
// inodes and adds directory reachability, grounded on the "fsck-lite"
// tooling SPEC_FULL.md §4.4-4.6 calls for).
func (m *Mount) Fsck(alloc *mem.Allocator) (*FsckReport, defs.Err_t) {
	m.mu.Lock()
	report := &FsckReport{}

	var blockTotal, inodeTotal uint32
	for gi := range m.groups {
		gd := &m.groups[gi]

		nblocks := remainingInGroup(gi, len(m.groups), m.sb.BlocksPerGroup(), m.sb.BlocksCount())
		bbuf := make([]byte, m.blockSize())
		if err := m.readBlock(uint32(gd.BlockBitmap()), bbuf); err != defs.SUCCESS {
			m.mu.Unlock()
			return nil, err
		}
		if popcountZero(bbuf, nblocks) != int(gd.FreeBlocksCount()) {
			report.BadGroupBlockCounts = append(report.BadGroupBlockCounts, gi)
		}
		blockTotal += gd.FreeBlocksCount()

		ibuf := make([]byte, m.blockSize())
		if err := m.readBlock(uint32(gd.InodeBitmap()), ibuf); err != defs.SUCCESS {
			m.mu.Unlock()
			return nil, err
		}
		if popcountZero(ibuf, int(m.sb.InodesPerGroup())) != int(gd.FreeInodesCount()) {
			report.BadGroupInodeCounts = append(report.BadGroupInodeCounts, gi)
		}
		inodeTotal += gd.FreeInodesCount()
	}

	if uint64(blockTotal) != m.sb.FreeBlocksCount() {
		report.SuperblockBlockMismatch = true
	}
	if inodeTotal != m.sb.FreeInodesCount() {
		report.SuperblockInodeMismatch = true
	}
	m.mu.Unlock()

	used, err := m.usedInodes()
	if err != defs.SUCCESS {
		return nil, err
	}
	reached, err := m.reachableInodes(alloc)
	if err != defs.SUCCESS {
		return nil, err
	}
	for ino := range used {
		if ino < m.sb.FirstIno() && ino != RootIno {
			continue // reserved inodes are never directory-reachable
		}
		if !reached[ino] {
			report.Unreachable = append(report.Unreachable, ino)
		}
	}

	return report, defs.SUCCESS
}

// usedInodes returns the set of inode numbers the inode bitmaps mark
// allocated, 1-based per Ext2 convention (bit 0 of group 0 is inode 1).
func (m *Mount) usedInodes() (map[uint32]bool, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := make(map[uint32]bool)
	perGroup := m.sb.InodesPerGroup()
	for gi := range m.groups {
		gd := &m.groups[gi]
		buf := make([]byte, m.blockSize())
		if err := m.readBlock(uint32(gd.InodeBitmap()), buf); err != defs.SUCCESS {
			return nil, err
		}
		for bit := 0; bit < int(perGroup); bit++ {
			if buf[bit/8]&(1<<uint(bit%8)) != 0 {
				used[uint32(gi)*perGroup+uint32(bit)+1] = true
			}
		}
	}
	return used, defs.SUCCESS
}

// reachableInodes walks every directory transitively reachable from
// RootIno, collecting every inode number named by a live dirent
// (including RootIno itself).
func (m *Mount) reachableInodes(alloc *mem.Allocator) (map[uint32]bool, defs.Err_t) {
	reached := map[uint32]bool{RootIno: true}
	queue := []uint32{RootIno}

	for len(queue) > 0 {
		ino := queue[0]
		queue = queue[1:]

		f, err := m.OpenFile(ino, alloc)
		if err != defs.SUCCESS {
			return nil, err
		}
		isDir := f.In.IsDir()
		if !isDir {
			f.Cache.Destroy()
			continue
		}
		ents, err := m.ReadDir(f)
		f.Cache.Destroy()
		if err != defs.SUCCESS {
			return nil, err
		}
		for _, d := range ents {
			if d.Name == "." || d.Name == ".." {
				continue
			}
			if !reached[d.Inode] {
				reached[d.Inode] = true
				queue = append(queue, d.Inode)
			}
		}
	}
	return reached, defs.SUCCESS
}

// popcountZero counts zero bits among the first n bits of buf (a free
// bitmap entry is a zero bit; spec §4.4 "find the first zero bit").
func popcountZero(buf []byte, n int) int {
	free := 0
	full := n / 8
	for i := 0; i < full; i++ {
		free += 8 - bits.OnesCount8(buf[i])
	}
	for bit := full * 8; bit < n; bit++ {
		if buf[bit/8]&(1<<uint(bit%8)) == 0 {
			free++
		}
	}
	return free
}

// remainingInGroup returns how many of a group's BlocksPerGroup slots
// are backed by a real block, accounting for the last group being
// short when the device size isn't an exact multiple.
func remainingInGroup(gi, ngroups int, perGroup uint32, totalBlocks uint64) int {
	if gi != ngroups-1 {
		return int(perGroup)
	}
	rem := totalBlocks % uint64(perGroup)
	if rem == 0 {
		return int(perGroup)
	}
	return int(rem)
}
