package ext2

import "github.com/aejsmith/kiwi/internal/defs"

// readBlock reads logical block num into buf, which must be exactly
// BlockSize() long (spec §4.4 "block_read").
func (m *Mount) readBlock(num uint32, buf []byte) defs.Err_t {
	if int64(len(buf)) != m.blockSize() {
		return defs.INVALID_ARG
	}
	err := deviceReadFull(m.dev, buf, int64(num)*m.blockSize())
	if err == defs.SUCCESS && m.stats != nil {
		m.stats.Ext2BlockReads.Add(1)
	}
	return err
}

// writeBlock writes buf (exactly BlockSize() bytes) to logical block
// num (spec §4.4 "block_write").
func (m *Mount) writeBlock(num uint32, buf []byte) defs.Err_t {
	if int64(len(buf)) != m.blockSize() {
		return defs.INVALID_ARG
	}
	if m.readonly {
		return defs.READ_ONLY
	}
	err := deviceWriteFull(m.dev, buf, int64(num)*m.blockSize())
	if err == defs.SUCCESS && m.stats != nil {
		m.stats.Ext2BlocksWritten.Add(1)
	}
	return err
}

// zeroBlock writes a zero-filled block, used when extending a file
// with a sparse hole that must nonetheless back real storage.
func (m *Mount) zeroBlock(num uint32) defs.Err_t {
	buf := make([]byte, m.blockSize())
	return m.writeBlock(num, buf)
}

// allocBlock finds a free block in the group preferred by pref (the
// group containing the inode, or the previous block allocated for the
// same file) and marks it used, decrementing the superblock and group
// free-block counts (spec §4.4 "block_alloc": "Preference: same group
// as inode; falls back to any group with a free block").
func (m *Mount) allocBlock(pref uint32) (uint32, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return 0, defs.READ_ONLY
	}

	order := make([]int, 0, len(m.groups))
	g0 := m.groupOf(pref)
	if g0 >= 0 && g0 < len(m.groups) {
		order = append(order, g0)
	}
	for i := range m.groups {
		if i != g0 {
			order = append(order, i)
		}
	}

	for _, gi := range order {
		gd := &m.groups[gi]
		if gd.FreeBlocksCount() == 0 {
			continue
		}
		bitmap := make([]byte, m.blockSize())
		if err := m.readBlock(uint32(gd.BlockBitmap()), bitmap); err != defs.SUCCESS {
			return 0, err
		}
		bit := findZeroBit(bitmap, int(m.sb.BlocksPerGroup()))
		if bit < 0 {
			continue
		}
		setBit(bitmap, bit)
		if err := m.writeBlock(uint32(gd.BlockBitmap()), bitmap); err != defs.SUCCESS {
			return 0, err
		}
		gd.SetFreeBlocksCount(gd.FreeBlocksCount() - 1)
		if err := m.writeGroupDesc(gi); err != defs.SUCCESS {
			return 0, err
		}
		m.sb.SetFreeBlocksCount(m.sb.FreeBlocksCount() - 1)
		if err := m.writeSuperblock(); err != defs.SUCCESS {
			return 0, err
		}
		if m.stats != nil {
			m.stats.Ext2BlockAllocs.Add(1)
		}
		block := m.sb.FirstDataBlock() + uint32(gi)*m.sb.BlocksPerGroup() + uint32(bit)
		return block, defs.SUCCESS
	}

	return 0, defs.FS_FULL
}

// freeBlock clears block's bit in its group's bitmap and bumps the
// free-block counts back up (spec §4.4 "block_free").
func (m *Mount) freeBlock(block uint32) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return defs.READ_ONLY
	}

	gi := m.groupOf(block)
	if gi < 0 || gi >= len(m.groups) {
		return defs.INVALID_ARG
	}
	gd := &m.groups[gi]
	bit := int((block - m.sb.FirstDataBlock()) % m.sb.BlocksPerGroup())

	bitmap := make([]byte, m.blockSize())
	if err := m.readBlock(uint32(gd.BlockBitmap()), bitmap); err != defs.SUCCESS {
		return err
	}
	clearBit(bitmap, bit)
	if err := m.writeBlock(uint32(gd.BlockBitmap()), bitmap); err != defs.SUCCESS {
		return err
	}

	gd.SetFreeBlocksCount(gd.FreeBlocksCount() + 1)
	if err := m.writeGroupDesc(gi); err != defs.SUCCESS {
		return err
	}
	m.sb.SetFreeBlocksCount(m.sb.FreeBlocksCount() + 1)
	if err := m.writeSuperblock(); err != defs.SUCCESS {
		return err
	}
	if m.stats != nil {
		m.stats.Ext2BlockFrees.Add(1)
	}
	return defs.SUCCESS
}

func findZeroBit(bitmap []byte, limit int) int {
	for i := 0; i < limit; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) == 0 {
			return i
		}
	}
	return -1
}

func setBit(bitmap []byte, bit int)   { bitmap[bit/8] |= 1 << uint(bit%8) }
func clearBit(bitmap []byte, bit int) { bitmap[bit/8] &^= 1 << uint(bit%8) }
