package ext2

import (
	"sync"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/kstat"
)

// Mount is a mounted Ext2 filesystem: the decoded superblock, the
// group descriptor table, and the device it was read from. It is the
// analogue of the teacher's Fs_t (biscuit/src/fs), generalized to
// Ext2's on-disk layout rather than the teacher's own scratch format.
type Mount struct {
	mu       sync.Mutex
	dev      BlockDevice
	sb       superblock
	groups   []groupDesc
	readonly bool
	stats    *kstat.Counters
}

// Mount reads the superblock and group descriptor table from dev and
// validates the magic number (spec §6 "Mount"). stats may be
// nil, in which case counters are simply not recorded.
func Mount(dev BlockDevice, readonly bool, stats *kstat.Counters) (*Mount, defs.Err_t) {
	m := &Mount{dev: dev, readonly: readonly, stats: stats}

	if err := deviceReadFull(dev, m.sb.raw[:], SuperblockOffset); err != defs.SUCCESS {
		return nil, err
	}
	if m.sb.Magic() != Magic {
		return nil, defs.CORRUPT_FS
	}

	descSize := m.sb.groupDescSize()
	ngroups := int(m.sb.GroupCount())
	gdtBlock := m.sb.FirstDataBlock() + 1
	if m.sb.BlockSize() == 1024 {
		gdtBlock = m.sb.FirstDataBlock() + 1
	}
	buf := make([]byte, ngroups*descSize)
	if err := deviceReadFull(dev, buf, int64(gdtBlock)*int64(m.sb.BlockSize())); err != defs.SUCCESS {
		return nil, err
	}
	m.groups = make([]groupDesc, ngroups)
	for i := 0; i < ngroups; i++ {
		m.groups[i] = groupDesc{raw: buf[i*descSize : (i+1)*descSize], wide: descSize == 64}
	}

	if !readonly {
		m.sb.SetState(StateError)
		m.sb.SetMntCount(m.sb.MntCount() + 1)
		if err := m.writeSuperblock(); err != defs.SUCCESS {
			return nil, err
		}
	}

	return m, defs.SUCCESS
}

func (m *Mount) writeSuperblock() defs.Err_t {
	return deviceWriteFull(m.dev, m.sb.raw[:], SuperblockOffset)
}

func (m *Mount) writeGroupDesc(i int) defs.Err_t {
	descSize := m.sb.groupDescSize()
	gdtBlock := int64(m.sb.FirstDataBlock() + 1)
	off := gdtBlock*int64(m.sb.BlockSize()) + int64(i*descSize)
	return deviceWriteFull(m.dev, m.groups[i].raw, off)
}

// Unmount marks the superblock clean (spec §6 "a clean unmount writes
// VALID_FS"). It is a no-op on a readonly mount.
func (m *Mount) Unmount() defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return defs.SUCCESS
	}
	m.sb.SetState(StateValid)
	return m.writeSuperblock()
}

func (m *Mount) blockSize() int64 { return int64(m.sb.BlockSize()) }

func (m *Mount) groupOf(block uint32) int {
	return int((block - m.sb.FirstDataBlock()) / m.sb.BlocksPerGroup())
}
