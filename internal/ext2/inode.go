package ext2

import (
	"encoding/binary"
	"time"

	"github.com/aejsmith/kiwi/internal/defs"
)

// Inode on-disk size constants and field offsets for the 128-byte
// base inode layout (spec §6 "Ext4 extents"/"classic block map").
const (
	inoModeOff       = 0
	inoSizeLoOff     = 4
	inoMtimeOff      = 16
	inoLinksCountOff = 26
	inoBlocksOff     = 28
	inoFlagsOff      = 32
	inoBlockOff      = 40 // 15 * 4 bytes: 12 direct, indirect, bi-indirect, tri-indirect
	inoSizeHiOff     = 108
)

const (
	numDirect = 12
	indIdx    = 12
	dindIdx   = 13
	tindIdx   = 14
	numBlockPtrs = 15
)

// FlagExtents marks an inode as using the Ext4 extent tree instead of
// the classic block pointer layout (spec §6 "EXT4_EXTENTS_FL").
const FlagExtents = 0x00080000

// Inode is the in-memory view of one on-disk Ext2/Ext4 inode plus the
// mount it belongs to, analogous to the teacher's Inode_t but backed
// by the real Ext2 layout instead of the teacher's own format.
type Inode struct {
	m      *Mount
	num    uint32
	blkNum uint32
	offset int
	raw    [128]byte
}

// GetInode loads inode number ino (1-based) from its inode-table
// block (spec §4.5 "inode_get").
func (m *Mount) GetInode(ino uint32) (*Inode, defs.Err_t) {
	if ino == 0 {
		return nil, defs.INVALID_ARG
	}
	gi := int((ino - 1) / m.sb.InodesPerGroup())
	if gi < 0 || gi >= len(m.groups) {
		return nil, defs.INVALID_ARG
	}
	idx := int((ino - 1) % m.sb.InodesPerGroup())
	inodeSize := int(m.sb.InodeSize())
	perBlock := int(m.sb.BlockSize()) / inodeSize
	blk := uint32(m.groups[gi].InodeTable()) + uint32(idx/perBlock)
	offInBlock := (idx % perBlock) * inodeSize

	buf := make([]byte, m.blockSize())
	if err := m.readBlock(blk, buf); err != defs.SUCCESS {
		return nil, err
	}

	in := &Inode{m: m, num: ino, blkNum: blk, offset: offInBlock}
	copy(in.raw[:], buf[offInBlock:offInBlock+128])
	return in, defs.SUCCESS
}

// Put writes the inode back to its table block.
func (in *Inode) Put() defs.Err_t {
	buf := make([]byte, in.m.blockSize())
	if err := in.m.readBlock(in.blkNum, buf); err != defs.SUCCESS {
		return err
	}
	copy(buf[in.offset:in.offset+128], in.raw[:])
	return in.m.writeBlock(in.blkNum, buf)
}

func (in *Inode) Mode() uint16 { return le16(in.raw[:], inoModeOff) }
func (in *Inode) SetMode(v uint16) { setLe16(in.raw[:], inoModeOff, v) }

func (in *Inode) Flags() uint32 { return le32(in.raw[:], inoFlagsOff) }

// LinksCount is the on-disk i_links_count: the number of directory
// entries referring to this inode (spec §3 "Ext2 in-memory inode",
// §4.6 "Insert"/"Remove" bump/decrement it).
func (in *Inode) LinksCount() uint16     { return le16(in.raw[:], inoLinksCountOff) }
func (in *Inode) SetLinksCount(v uint16) { setLe16(in.raw[:], inoLinksCountOff, v) }

// Mtime returns i_mtime as a Unix timestamp.
func (in *Inode) Mtime() uint32 { return le32(in.raw[:], inoMtimeOff) }

// TouchMtime stamps i_mtime with the current time, called after every
// successful write or truncate (spec §4.5 "Inode read/write":
// "Successful writes update i_mtime"; "Truncate ... update i_mtime").
func (in *Inode) TouchMtime() { setLe32(in.raw[:], inoMtimeOff, uint32(time.Now().Unix())) }

// Blocks returns i_blocks, the 512-byte-sector count of allocated
// device blocks regardless of filesystem block size (spec §4.5 "bump
// i_blocks by block_size/512 for each new block").
func (in *Inode) Blocks() uint32     { return le32(in.raw[:], inoBlocksOff) }
func (in *Inode) SetBlocks(v uint32) { setLe32(in.raw[:], inoBlocksOff, v) }

// addBlocks bumps i_blocks by the number of 512-byte sectors one
// newly allocated filesystem block represents.
func (in *Inode) addBlocks(n int) {
	per := uint32(in.m.blockSize() / 512)
	in.SetBlocks(in.Blocks() + uint32(n)*per)
}

func (in *Inode) Size() uint64 {
	lo := uint64(le32(in.raw[:], inoSizeLoOff))
	hi := uint64(le32(in.raw[:], inoSizeHiOff))
	return lo | hi<<32
}

func (in *Inode) SetSize(v uint64) {
	setLe32(in.raw[:], inoSizeLoOff, uint32(v))
	setLe32(in.raw[:], inoSizeHiOff, uint32(v>>32))
}

func (in *Inode) blockPtr(i int) uint32 {
	return le32(in.raw[:], inoBlockOff+i*4)
}

func (in *Inode) setBlockPtr(i int, v uint32) {
	setLe32(in.raw[:], inoBlockOff+i*4, v)
}

func (in *Inode) IsDir() bool  { return in.Mode()&0xF000 == 0x4000 }
func (in *Inode) IsLink() bool { return in.Mode()&0xF000 == 0xA000 }

// ptrsPerBlock is the fan-out of one indirect block.
func (m *Mount) ptrsPerBlock() int { return int(m.blockSize()) / 4 }

// resolveClassic walks the classic direct/indirect/bi-indirect/
// tri-indirect block-pointer tree to translate a logical block index
// to a physical block number, per spec §4.5 "classic block map". A
// zero return with SUCCESS means a sparse hole. Tri-indirect lookups
// are rejected with NOT_IMPLEMENTED (see DESIGN.md Open Questions).
func (in *Inode) resolveClassic(logical uint32, alloc bool) (uint32, defs.Err_t) {
	ppb := uint32(in.m.ptrsPerBlock())

	if logical < numDirect {
		p := in.blockPtr(int(logical))
		if p == 0 && alloc {
			nb, err := in.m.allocBlock(in.blkNum)
			if err != defs.SUCCESS {
				return 0, err
			}
			in.setBlockPtr(int(logical), nb)
			in.addBlocks(1)
			p = nb
		}
		return p, defs.SUCCESS
	}
	logical -= numDirect

	if logical < ppb {
		return in.resolveIndirect(indIdx, logical, 1, alloc)
	}
	logical -= ppb

	if logical < ppb*ppb {
		return in.resolveIndirect(dindIdx, logical, 2, alloc)
	}
	logical -= ppb * ppb

	if logical < ppb*ppb*ppb {
		return 0, defs.NOT_IMPLEMENTED
	}
	return 0, defs.INVALID_ARG
}

// resolveIndirect walks depth levels of indirect blocks rooted at
// in.blockPtr(rootIdx) to find the physical block for the (already
// offset-adjusted) logical index.
func (in *Inode) resolveIndirect(rootIdx int, logical uint32, depth int, alloc bool) (uint32, defs.Err_t) {
	ppb := uint32(in.m.ptrsPerBlock())

	root := in.blockPtr(rootIdx)
	if root == 0 {
		if !alloc {
			return 0, defs.SUCCESS
		}
		nb, err := in.m.allocBlock(in.blkNum)
		if err != defs.SUCCESS {
			return 0, err
		}
		if err := in.m.zeroBlock(nb); err != defs.SUCCESS {
			return 0, err
		}
		in.setBlockPtr(rootIdx, nb)
		in.addBlocks(1)
		root = nb
	}

	cur := root
	for d := depth; d > 1; d-- {
		step := ppow(ppb, d-1)
		idx := logical / step
		logical %= step

		buf := make([]byte, in.m.blockSize())
		if err := in.m.readBlock(cur, buf); err != defs.SUCCESS {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(buf[idx*4:])
		if next == 0 {
			if !alloc {
				return 0, defs.SUCCESS
			}
			nb, err := in.m.allocBlock(cur)
			if err != defs.SUCCESS {
				return 0, err
			}
			if err := in.m.zeroBlock(nb); err != defs.SUCCESS {
				return 0, err
			}
			binary.LittleEndian.PutUint32(buf[idx*4:], nb)
			if err := in.m.writeBlock(cur, buf); err != defs.SUCCESS {
				return 0, err
			}
			in.addBlocks(1)
			next = nb
		}
		cur = next
	}

	buf := make([]byte, in.m.blockSize())
	if err := in.m.readBlock(cur, buf); err != defs.SUCCESS {
		return 0, err
	}
	p := binary.LittleEndian.Uint32(buf[logical*4:])
	if p == 0 && alloc {
		nb, err := in.m.allocBlock(cur)
		if err != defs.SUCCESS {
			return 0, err
		}
		binary.LittleEndian.PutUint32(buf[logical*4:], nb)
		if err := in.m.writeBlock(cur, buf); err != defs.SUCCESS {
			return 0, err
		}
		in.addBlocks(1)
		p = nb
	}
	return p, defs.SUCCESS
}

func ppow(base uint32, exp int) uint32 {
	v := uint32(1)
	for i := 0; i < exp; i++ {
		v *= base
	}
	return v
}

// AllocInode finds a free inode number in the inode bitmap, marks it
// used, and initializes it as either a directory or a regular file
// (spec §4.5, the inode-allocation half of creating a new directory
// entry). The inode is not yet linked into any directory; the caller
// does that with Mount.Insert.
func (m *Mount) AllocInode(dir bool) (uint32, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return 0, defs.READ_ONLY
	}

	for gi := range m.groups {
		gd := &m.groups[gi]
		if gd.FreeInodesCount() == 0 {
			continue
		}
		bitmap := make([]byte, m.blockSize())
		if err := m.readBlock(uint32(gd.InodeBitmap()), bitmap); err != defs.SUCCESS {
			return 0, err
		}
		bit := findZeroBit(bitmap, int(m.sb.InodesPerGroup()))
		if bit < 0 {
			continue
		}
		setBit(bitmap, bit)
		if err := m.writeBlock(uint32(gd.InodeBitmap()), bitmap); err != defs.SUCCESS {
			return 0, err
		}
		gd.SetFreeInodesCount(gd.FreeInodesCount() - 1)
		if err := m.writeGroupDesc(gi); err != defs.SUCCESS {
			return 0, err
		}
		m.sb.SetFreeInodesCount(m.sb.FreeInodesCount() - 1)
		if err := m.writeSuperblock(); err != defs.SUCCESS {
			return 0, err
		}

		ino := uint32(gi)*m.sb.InodesPerGroup() + uint32(bit) + 1
		in, err := m.GetInode(ino)
		if err != defs.SUCCESS {
			return 0, err
		}
		mode := uint16(0644)
		if dir {
			mode = 0755 | 0x4000
			gd.SetUsedDirsCount(gd.UsedDirsCount() + 1)
			if err := m.writeGroupDesc(gi); err != defs.SUCCESS {
				return 0, err
			}
		} else {
			mode |= 0x8000
		}
		in.SetMode(mode)
		in.SetSize(0)
		in.SetLinksCount(0)
		in.SetBlocks(0)
		if err := in.Put(); err != defs.SUCCESS {
			return 0, err
		}
		return ino, defs.SUCCESS
	}

	return 0, defs.FS_FULL
}

// FreeInode clears ino's bit in its group's inode bitmap and restores
// the group/superblock free-inode counts, decrementing the group's
// used-directory count if the freed inode was a directory (spec §4.5
// "inode_put": "free the inode bitmap bit and decrement group/
// superblock inode counters and the group's used-dirs count if the
// inode was a directory").
func (m *Mount) FreeInode(ino uint32, isDir bool) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return defs.READ_ONLY
	}
	if ino == 0 {
		return defs.INVALID_ARG
	}

	gi := int((ino - 1) / m.sb.InodesPerGroup())
	if gi < 0 || gi >= len(m.groups) {
		return defs.INVALID_ARG
	}
	bit := int((ino - 1) % m.sb.InodesPerGroup())
	gd := &m.groups[gi]

	bitmap := make([]byte, m.blockSize())
	if err := m.readBlock(uint32(gd.InodeBitmap()), bitmap); err != defs.SUCCESS {
		return err
	}
	clearBit(bitmap, bit)
	if err := m.writeBlock(uint32(gd.InodeBitmap()), bitmap); err != defs.SUCCESS {
		return err
	}

	gd.SetFreeInodesCount(gd.FreeInodesCount() + 1)
	if isDir && gd.UsedDirsCount() > 0 {
		gd.SetUsedDirsCount(gd.UsedDirsCount() - 1)
	}
	if err := m.writeGroupDesc(gi); err != defs.SUCCESS {
		return err
	}
	m.sb.SetFreeInodesCount(m.sb.FreeInodesCount() + 1)
	return m.writeSuperblock()
}

// bumpLinks adjusts ino's on-disk link count by delta, used by Insert
// and Remove (spec §4.6 "Insert": "bump the target inode's link
// count"; "Remove": "Decrement the target inode's link count").
func (m *Mount) bumpLinks(ino uint32, delta int) defs.Err_t {
	in, err := m.GetInode(ino)
	if err != defs.SUCCESS {
		return err
	}
	v := int(in.LinksCount()) + delta
	if v < 0 {
		v = 0
	}
	in.SetLinksCount(uint16(v))
	return in.Put()
}

// Resolve translates logical block index to a physical block,
// dispatching to the Ext4 extent walker or the classic block-pointer
// tree depending on FlagExtents (spec §4.5).
func (in *Inode) Resolve(logical uint32, alloc bool) (uint32, defs.Err_t) {
	if in.Flags()&FlagExtents != 0 {
		return in.resolveExtent(logical, alloc)
	}
	return in.resolveClassic(logical, alloc)
}

// freeAllBlocks frees every block reachable from the classic direct/
// indirect/bi-indirect pointers, refusing with NOT_IMPLEMENTED if the
// tri-indirect pointer is set so the file is never left half-freed
// (spec §4.5 "Truncate": "Before starting, confirm i_block[TIND] is
// zero; otherwise return NOT_IMPLEMENTED"). Extent-mapped inodes are
// rejected the same way: this driver never allocates extents, so it
// has no machinery to walk one for teardown either.
func (in *Inode) freeAllBlocks() defs.Err_t {
	if in.Flags()&FlagExtents != 0 {
		return defs.NOT_IMPLEMENTED
	}
	if in.blockPtr(tindIdx) != 0 {
		return defs.NOT_IMPLEMENTED
	}

	for i := 0; i < numDirect; i++ {
		if p := in.blockPtr(i); p != 0 {
			if err := in.m.freeBlock(p); err != defs.SUCCESS {
				return err
			}
			in.setBlockPtr(i, 0)
		}
	}
	if err := in.freeIndirectSubtree(indIdx, 1); err != defs.SUCCESS {
		return err
	}
	if err := in.freeIndirectSubtree(dindIdx, 2); err != defs.SUCCESS {
		return err
	}
	in.SetBlocks(0)
	return defs.SUCCESS
}

// freeIndirectSubtree frees the indirect block tree of the given
// depth rooted at blockPtr(rootIdx) (1 = a plain indirect block, 2 =
// bi-indirect), then the root block itself and clears the pointer.
func (in *Inode) freeIndirectSubtree(rootIdx int, depth int) defs.Err_t {
	root := in.blockPtr(rootIdx)
	if root == 0 {
		return defs.SUCCESS
	}
	if err := in.freeIndirectBlock(root, depth); err != defs.SUCCESS {
		return err
	}
	if err := in.m.freeBlock(root); err != defs.SUCCESS {
		return err
	}
	in.setBlockPtr(rootIdx, 0)
	return defs.SUCCESS
}

// freeIndirectBlock recursively frees every block an indirect block
// (or, at depth>1, a bi-indirect block's children) points to, but not
// the block itself — the caller frees the root.
func (in *Inode) freeIndirectBlock(block uint32, depth int) defs.Err_t {
	ppb := in.m.ptrsPerBlock()
	buf := make([]byte, in.m.blockSize())
	if err := in.m.readBlock(block, buf); err != defs.SUCCESS {
		return err
	}
	for i := 0; i < ppb; i++ {
		child := binary.LittleEndian.Uint32(buf[i*4:])
		if child == 0 {
			continue
		}
		if depth > 1 {
			if err := in.freeIndirectBlock(child, depth-1); err != defs.SUCCESS {
				return err
			}
		}
		if err := in.m.freeBlock(child); err != defs.SUCCESS {
			return err
		}
	}
	return defs.SUCCESS
}
