package ext2

import (
	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// RootIno is the well-known inode number of the filesystem root
// directory (spec §6, standard Ext2 convention).
const RootIno = 2

// mkfsParams bundles the handful of knobs Mkfs needs; every volume
// built this way uses a single block group, matching the small images
// the test suite and cmd/kiwyctl exercise.
type mkfsParams struct {
	blockSize   uint32
	totalBlocks uint32
	totalInodes uint32
}

// Mkfs formats dev as a fresh single-block-group Ext2 filesystem with
// a populated root directory, in the spirit of the teacher's
// mkfs/mkfs.go image builder, generalized to lay out the real Ext2
// on-disk structures this package reads instead of the teacher's
// scratch format. sizeBytes must be large enough for the superblock,
// one group descriptor, the block/inode bitmaps, the inode table, and
// a handful of data blocks.
func Mkfs(dev BlockDevice, sizeBytes int64) defs.Err_t {
	const blockSize = uint32(mem.PageSize)
	totalBlocks := uint32(sizeBytes / int64(blockSize))
	if totalBlocks < 32 {
		return defs.INVALID_ARG
	}
	totalInodes := totalBlocks / 4
	if totalInodes < 16 {
		totalInodes = 16
	}

	inodeSize := uint16(128)
	inodesPerBlock := blockSize / uint32(inodeSize)
	inodeTableBlocks := totalInodes/inodesPerBlock + 1
	inodeTableBlocks = max32(inodeTableBlocks, 1)

	// Single-group layout: [superblock+pad][group desc][block bitmap]
	// [inode bitmap][inode table][data...].
	firstData := uint32(1)
	if blockSize == 1024 {
		firstData = 1
	} else {
		firstData = 0
	}
	gdtBlock := firstData + 1
	blockBitmapBlock := gdtBlock + 1
	inodeBitmapBlock := blockBitmapBlock + 1
	inodeTableBlock := inodeBitmapBlock + 1
	firstFreeBlock := inodeTableBlock + inodeTableBlocks

	if firstFreeBlock >= totalBlocks {
		return defs.INVALID_ARG
	}

	var sb superblock
	setLe32(sb.raw[:], offInodesCount, totalInodes)
	setLe32(sb.raw[:], offBlocksCountLo, totalBlocks)
	setLe32(sb.raw[:], offFreeInodesCount, totalInodes-2) // inodes 1 and 2 (root) are marked used
	setLe32(sb.raw[:], offFirstDataBlock, firstData)
	logBlockSize := uint32(0)
	for (1024 << logBlockSize) < blockSize {
		logBlockSize++
	}
	setLe32(sb.raw[:], offLogBlockSize, logBlockSize)
	setLe32(sb.raw[:], offBlocksPerGroup, totalBlocks) // one group
	setLe32(sb.raw[:], offInodesPerGroup, totalInodes)
	setLe16(sb.raw[:], offMagic, Magic)
	sb.SetState(StateValid)
	setLe32(sb.raw[:], offRevLevel, 1)
	setLe32(sb.raw[:], offFirstIno, 11)
	setLe16(sb.raw[:], offInodeSize, inodeSize)
	setLe32(sb.raw[:], offFeatureIncompat, FeatureIncompatFiletype)

	freeBlocks := totalBlocks - firstFreeBlock
	sb.SetFreeBlocksCount(uint64(freeBlocks - 1)) // root dir consumes one data block

	gd := groupDesc{raw: make([]byte, 32), wide: false}
	setLe32(gd.raw, gdBlockBitmapLo, blockBitmapBlock)
	setLe32(gd.raw, gdInodeBitmapLo, inodeBitmapBlock)
	setLe32(gd.raw, gdInodeTableLo, inodeTableBlock)
	gd.SetFreeBlocksCount(freeBlocks - 1)
	gd.SetFreeInodesCount(totalInodes - 2)
	setLe16(gd.raw, gdUsedDirsLo, 1)

	if err := deviceWriteFull(dev, sb.raw[:], SuperblockOffset); err != defs.SUCCESS {
		return err
	}
	if err := deviceWriteFull(dev, gd.raw, int64(gdtBlock)*int64(blockSize)); err != defs.SUCCESS {
		return err
	}

	blockBitmap := make([]byte, blockSize)
	for i := uint32(0); i < firstFreeBlock+1; i++ { // +1 reserves root's data block
		setBit(blockBitmap, int(i))
	}
	if err := deviceWriteFull(dev, blockBitmap, int64(blockBitmapBlock)*int64(blockSize)); err != defs.SUCCESS {
		return err
	}

	inodeBitmap := make([]byte, blockSize)
	setBit(inodeBitmap, 0) // inode 1
	setBit(inodeBitmap, 1) // inode 2 (root)
	if err := deviceWriteFull(dev, inodeBitmap, int64(inodeBitmapBlock)*int64(blockSize)); err != defs.SUCCESS {
		return err
	}

	inodeTable := make([]byte, int64(inodeTableBlocks)*int64(blockSize))
	rootOff := (RootIno - 1) * uint32(inodeSize)
	setLe16(inodeTable, int(rootOff)+inoModeOff, 0x4000|0755)
	setLe32(inodeTable, int(rootOff)+inoSizeLoOff, blockSize)
	setLe16(inodeTable, int(rootOff)+inoLinksCountOff, 2) // "." and its own parent entry in itself
	setLe32(inodeTable, int(rootOff)+inoBlocksOff, blockSize/512)
	setLe32(inodeTable, int(rootOff)+inoBlockOff, firstFreeBlock)
	if err := deviceWriteFull(dev, inodeTable, int64(inodeTableBlock)*int64(blockSize)); err != defs.SUCCESS {
		return err
	}

	rootData := make([]byte, blockSize)
	dotSpace := direntSpace(".")
	encodeDirent(rootData, 0, Dirent{Inode: RootIno, Name: ".", Type: FTDir, recLen: uint16(dotSpace)})
	encodeDirent(rootData, dotSpace, Dirent{Inode: RootIno, Name: "..", Type: FTDir, recLen: uint16(int(blockSize) - dotSpace)})
	return deviceWriteFull(dev, rootData, int64(firstFreeBlock)*int64(blockSize))
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
