package ext2

import (
	"encoding/binary"

	"github.com/aejsmith/kiwi/internal/defs"
)

// extentMagic is the signature at the start of every extent header
// (spec §6: "Ext4 extents" walk validates magic 0xF30A).
const extentMagic = 0xF30A

const extentHeaderSize = 12
const extentEntrySize = 12

// extentHeader is the 12-byte header at the start of an inode's
// i_block array (in extent mode) or of an extent index block.
type extentHeader struct {
	magic    uint16
	entries  uint16
	max      uint16
	depth    uint16
}

func parseExtentHeader(buf []byte) (extentHeader, defs.Err_t) {
	h := extentHeader{
		magic:   binary.LittleEndian.Uint16(buf[0:]),
		entries: binary.LittleEndian.Uint16(buf[2:]),
		max:     binary.LittleEndian.Uint16(buf[4:]),
		depth:   binary.LittleEndian.Uint16(buf[6:]),
	}
	if h.magic != extentMagic {
		return h, defs.CORRUPT_FS
	}
	return h, defs.SUCCESS
}

// extentLeaf is one leaf extent: a contiguous run of `count` physical
// blocks starting at `start`, covering logical blocks
// [block, block+count).
type extentLeaf struct {
	block uint32
	count uint16
	start uint64
}

func parseExtentLeaf(buf []byte) extentLeaf {
	block := binary.LittleEndian.Uint32(buf[0:])
	count := binary.LittleEndian.Uint16(buf[4:])
	hi := binary.LittleEndian.Uint16(buf[6:])
	lo := binary.LittleEndian.Uint32(buf[8:])
	return extentLeaf{block: block, count: count, start: uint64(lo) | uint64(hi)<<32}
}

// extentIndex is one index (interior) node entry: logical block plus
// the physical block of the child node.
type extentIndex struct {
	block uint32
	leaf  uint64
}

func parseExtentIndex(buf []byte) extentIndex {
	block := binary.LittleEndian.Uint32(buf[0:])
	lo := binary.LittleEndian.Uint32(buf[4:])
	hi := binary.LittleEndian.Uint16(buf[8:])
	return extentIndex{block: block, leaf: uint64(lo) | uint64(hi)<<32}
}

// resolveExtent translates a logical block index by walking the Ext4
// extent tree rooted in the inode's i_block array (spec §4.5 "Ext4
// extents"). Allocation of new extents is not supported; only reads
// of existing mappings and appends within an already-allocated extent
// are (see DESIGN.md Open Questions for why extent allocation is out
// of scope).
func (in *Inode) resolveExtent(logical uint32, alloc bool) (uint32, defs.Err_t) {
	root := in.raw[inoBlockOff : inoBlockOff+numBlockPtrs*4]
	hdr, err := parseExtentHeader(root)
	if err != defs.SUCCESS {
		return 0, err
	}

	buf := root
	for {
		// find the largest entry whose block <= logical; entries are
		// stored in ascending block order (spec §4.5 "Ext4 extents"):
		// "find the largest entry whose block ≤ L (if none, CORRUPT_FS)"
		if hdr.depth == 0 {
			var found *extentLeaf
			for i := 0; i < int(hdr.entries); i++ {
				off := extentHeaderSize + i*extentEntrySize
				leaf := parseExtentLeaf(buf[off : off+extentEntrySize])
				if leaf.block > logical {
					break
				}
				l := leaf
				found = &l
			}
			if found == nil {
				return 0, defs.CORRUPT_FS
			}
			if logical-found.block < uint32(found.count) {
				return uint32(found.start) + (logical - found.block), defs.SUCCESS
			}
			if alloc {
				return 0, defs.NOT_IMPLEMENTED
			}
			return 0, defs.SUCCESS // sparse: past this extent's run
		}

		var next *extentIndex
		for i := 0; i < int(hdr.entries); i++ {
			off := extentHeaderSize + i*extentEntrySize
			idx := parseExtentIndex(buf[off : off+extentEntrySize])
			if idx.block > logical {
				break
			}
			n := idx
			next = &n
		}
		if next == nil {
			return 0, defs.CORRUPT_FS
		}

		nb := make([]byte, in.m.blockSize())
		if err := in.m.readBlock(uint32(next.leaf), nb); err != defs.SUCCESS {
			return 0, err
		}
		hdr, err = parseExtentHeader(nb)
		if err != defs.SUCCESS {
			return 0, err
		}
		buf = nb
	}
}
