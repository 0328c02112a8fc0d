package ext2

import "encoding/binary"

// Magic is the Ext2 superblock signature (spec §6: "magic 0xEF53").
const Magic = 0xEF53

// SuperblockOffset is the fixed byte offset of the superblock on
// every Ext2 device (spec §6: "superblock at byte offset 1024").
const SuperblockOffset = 1024

// SuperblockSize is the size of the region read/written as the
// superblock; the on-disk structure is smaller but is always padded
// out to this by convention.
const SuperblockSize = 1024

// Filesystem state values (spec §6 "On mount with read-write, s_state
// is set to ERROR_FS ... a clean unmount writes VALID_FS").
const (
	StateValid = 1
	StateError = 2
)

// Incompat feature bits this driver understands (spec §6 "Readable
// features").
const (
	FeatureIncompatFiletype = 0x0002
	FeatureIncompatMetaBG   = 0x0010
	FeatureIncompat64Bit    = 0x0080
	FeatureIncompatExtents  = 0x0040
)
const (
	FeatureRoCompatSparseSuper = 0x0001
	FeatureRoCompatLargeFile   = 0x0002
	FeatureRoCompatBTreeDir    = 0x0004
)

// superblock wraps the raw on-disk buffer with named-field accessors,
// in the style of the teacher's Superblock_t (biscuit/src/fs/super.go,
// fieldr/fieldw) adapted to Ext2's real, variably-sized field layout
// instead of the teacher's uniform 8-byte slots.
type superblock struct {
	raw [SuperblockSize]byte
}

func le32(b []byte, off int) uint32       { return binary.LittleEndian.Uint32(b[off:]) }
func setLe32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func le16(b []byte, off int) uint16       { return binary.LittleEndian.Uint16(b[off:]) }
func setLe16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }

// Field offsets per the standard Ext2 superblock layout.
const (
	offInodesCount      = 0
	offBlocksCountLo    = 4
	offRBlocksCountLo   = 8
	offFreeBlocksLo     = 12
	offFreeInodesCount  = 16
	offFirstDataBlock   = 20
	offLogBlockSize     = 24
	offBlocksPerGroup   = 32
	offInodesPerGroup   = 40
	offMtime            = 44
	offWtime            = 48
	offMntCount         = 52
	offMaxMntCount      = 54
	offMagic            = 56
	offState            = 58
	offErrors           = 60
	offMinorRevLevel    = 62
	offRevLevel         = 76
	offFirstIno         = 84
	offInodeSize        = 88
	offFeatureCompat    = 92
	offFeatureIncompat  = 96
	offFeatureRoCompat  = 100
	offBlocksCountHi    = 336
	offFreeBlocksHi     = 340
)

func (s *superblock) InodesCount() uint32   { return le32(s.raw[:], offInodesCount) }
func (s *superblock) FreeInodesCount() uint32 { return le32(s.raw[:], offFreeInodesCount) }
func (s *superblock) FirstDataBlock() uint32 { return le32(s.raw[:], offFirstDataBlock) }
func (s *superblock) LogBlockSize() uint32   { return le32(s.raw[:], offLogBlockSize) }
func (s *superblock) BlockSize() uint32      { return 1024 << s.LogBlockSize() }
func (s *superblock) BlocksPerGroup() uint32 { return le32(s.raw[:], offBlocksPerGroup) }
func (s *superblock) InodesPerGroup() uint32 { return le32(s.raw[:], offInodesPerGroup) }
func (s *superblock) Magic() uint16          { return le16(s.raw[:], offMagic) }
func (s *superblock) State() uint16          { return le16(s.raw[:], offState) }
func (s *superblock) RevLevel() uint32       { return le32(s.raw[:], offRevLevel) }
func (s *superblock) FirstIno() uint32 {
	if s.RevLevel() == 0 {
		return 11
	}
	return le32(s.raw[:], offFirstIno)
}
func (s *superblock) InodeSize() uint16 {
	if s.RevLevel() == 0 {
		return 128
	}
	return le16(s.raw[:], offInodeSize)
}
func (s *superblock) FeatureIncompat() uint32 { return le32(s.raw[:], offFeatureIncompat) }
func (s *superblock) FeatureRoCompat() uint32 { return le32(s.raw[:], offFeatureRoCompat) }

func (s *superblock) Is64Bit() bool {
	return s.FeatureIncompat()&FeatureIncompat64Bit != 0
}

func (s *superblock) BlocksCount() uint64 {
	lo := uint64(le32(s.raw[:], offBlocksCountLo))
	if s.Is64Bit() {
		return lo | uint64(le32(s.raw[:], offBlocksCountHi))<<32
	}
	return lo
}

func (s *superblock) FreeBlocksCount() uint64 {
	lo := uint64(le32(s.raw[:], offFreeBlocksLo))
	if s.Is64Bit() {
		return lo | uint64(le32(s.raw[:], offFreeBlocksHi))<<32
	}
	return lo
}

func (s *superblock) SetFreeBlocksCount(v uint64) {
	setLe32(s.raw[:], offFreeBlocksLo, uint32(v))
	if s.Is64Bit() {
		setLe32(s.raw[:], offFreeBlocksHi, uint32(v>>32))
	}
}

func (s *superblock) SetFreeInodesCount(v uint32) { setLe32(s.raw[:], offFreeInodesCount, v) }

func (s *superblock) GroupCount() uint32 {
	n := s.BlocksCount() / uint64(s.BlocksPerGroup())
	if s.BlocksCount()%uint64(s.BlocksPerGroup()) != 0 {
		n++
	}
	return uint32(n)
}

func (s *superblock) SetState(v uint16) { setLe16(s.raw[:], offState, v) }

func (s *superblock) SetMntCount(v uint16) { setLe16(s.raw[:], offMntCount, v) }
func (s *superblock) MntCount() uint16     { return le16(s.raw[:], offMntCount) }

// groupDescSize is 32 bytes, or 64 whenever the 64BIT incompat feature
// is set; s_desc_size is not consulted (spec §6: "group descriptors may be
// 32- or 64-byte variant depending on INCOMPAT_64BIT").
func (s *superblock) groupDescSize() int {
	if s.Is64Bit() {
		return 64
	}
	return 32
}
