package ext2

import (
	"testing"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
	"github.com/stretchr/testify/require"
)

func newTestVolume(t *testing.T) (*Mount, *mem.Allocator) {
	t.Helper()
	dev := NewMemDevice(4 * 1024 * 1024)
	require.Zero(t, int(Mkfs(dev, 4*1024*1024)))
	m, err := Mount(dev, false, nil)
	require.Zero(t, int(err))
	alloc := mem.NewAllocator(1024)
	return m, alloc
}

func TestMountReadsFormattedSuperblock(t *testing.T) {
	m, _ := newTestVolume(t)
	require.EqualValues(t, Magic, m.sb.Magic())
	require.EqualValues(t, StateError, m.sb.State())
	require.EqualValues(t, 1, m.sb.MntCount())
}

func TestRootDirectoryHasDotEntries(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	ents, err := m.ReadDir(root)
	require.Zero(t, int(err))
	require.Len(t, ents, 2)
	require.Equal(t, ".", ents[0].Name)
	require.Equal(t, "..", ents[1].Name)
	require.EqualValues(t, RootIno, ents[0].Inode)
}

func TestCreateFileWriteReadRoundTrip(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	fileIno, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "hello.txt", fileIno, FTRegular)))

	f, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))

	data := []byte("hello, ext2 world")
	n, err := f.Write(0, data)
	require.Zero(t, int(err))
	require.Equal(t, len(data), n)
	require.Zero(t, int(f.Close()))

	f2, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	buf := make([]byte, len(data))
	n, err = f2.Read(0, buf)
	require.Zero(t, int(err))
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)

	got, err := m.Lookup(root, "hello.txt")
	require.Zero(t, int(err))
	require.Equal(t, fileIno, got)
}

func TestSparseReadReturnsZeros(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))
	fileIno, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "sparse", fileIno, FTRegular)))

	f, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))

	// Extend the file's logical size without writing anything, leaving
	// it entirely a hole (spec §8 "Sparse read").
	f.In.SetSize(mem.PageSize * 3)
	f.Cache.Resize(mem.PageSize * 3)
	require.Zero(t, int(f.In.Put()))

	f2, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	buf := make([]byte, 512)
	n, err := f2.Read(mem.PageSize, buf)
	require.Zero(t, int(err))
	require.Equal(t, 512, n)
	for _, b := range buf {
		require.EqualValues(t, 0, b)
	}
}

func TestDirectoryRemoveAndEmptyCheck(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	dirIno, err := m.AllocInode(true)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "subdir", dirIno, FTDir)))

	dir, err := m.OpenFile(dirIno, alloc)
	require.Zero(t, int(err))
	require.Zero(t, int(m.InitDir(dir, dirIno, RootIno)))

	empty, err := m.IsEmpty(dir)
	require.Zero(t, int(err))
	require.True(t, empty)

	require.Zero(t, int(m.Remove(root, "subdir")))
	_, err = m.Lookup(root, "subdir")
	require.Equal(t, defs.NOT_FOUND, err)
}

func TestInsertDuplicateNameRejected(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))
	ino, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "dup", ino, FTRegular)))
	err = m.Insert(root, "dup", ino, FTRegular)
	require.Equal(t, defs.ALREADY_EXISTS, err)
}

func TestWriteUpdatesMtime(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))
	fileIno, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "stamped", fileIno, FTRegular)))

	f, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	require.Zero(t, f.In.Mtime())

	_, err = f.Write(0, []byte("x"))
	require.Zero(t, int(err))
	require.NotZero(t, f.In.Mtime())
}

func TestUnlinkFreesBlocksAndInode(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	fileIno, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "doomed", fileIno, FTRegular)))

	f, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	_, err = f.Write(0, []byte("some data that needs a block"))
	require.Zero(t, int(err))
	require.Zero(t, int(f.Close()))

	freeBlocksBefore := m.sb.FreeBlocksCount()
	freeInodesBefore := m.sb.FreeInodesCount()

	require.Zero(t, int(m.Remove(root, "doomed")))

	f2, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	require.EqualValues(t, 0, f2.In.LinksCount())
	require.Zero(t, int(f2.Close()))

	require.Greater(t, m.sb.FreeBlocksCount(), freeBlocksBefore)
	require.Greater(t, m.sb.FreeInodesCount(), freeInodesBefore)

	// The inode bitmap bit is clear, so a fresh allocation can reclaim it.
	reused, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.EqualValues(t, fileIno, reused)
}

func TestTruncateResetsFileToZero(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	fileIno, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "shrinking", fileIno, FTRegular)))

	f, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	_, err = f.Write(0, []byte("plenty of bytes here"))
	require.Zero(t, int(err))
	require.NotZero(t, f.In.Blocks())

	require.Zero(t, int(f.Truncate()))
	require.EqualValues(t, 0, f.In.Size())
	require.EqualValues(t, 0, f.In.Blocks())

	f2, err := m.OpenFile(fileIno, alloc)
	require.Zero(t, int(err))
	require.EqualValues(t, 0, f2.In.Size())
}

func TestUnmountWritesValidState(t *testing.T) {
	m, _ := newTestVolume(t)
	require.Zero(t, int(m.Unmount()))
	require.EqualValues(t, StateValid, m.sb.State())
}

func TestFsckCleanOnFreshlyFormattedVolume(t *testing.T) {
	m, alloc := newTestVolume(t)
	report, err := m.Fsck(alloc)
	require.Zero(t, int(err))
	require.True(t, report.Clean(), "%+v", *report)
}

func TestFsckCleanAfterWritesAndUnlinks(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	var inos []uint32
	for i := 0; i < 4; i++ {
		ino, err := m.AllocInode(false)
		require.Zero(t, int(err))
		require.Zero(t, int(m.Insert(root, string(rune('a'+i)), ino, FTRegular)))
		f, err := m.OpenFile(ino, alloc)
		require.Zero(t, int(err))
		_, err = f.Write(0, []byte("some bytes"))
		require.Zero(t, int(err))
		require.Zero(t, int(f.Close()))
		inos = append(inos, ino)
	}

	require.Zero(t, int(m.Remove(root, "b")))
	f, err := m.OpenFile(inos[1], alloc)
	require.Zero(t, int(err))
	require.Zero(t, int(f.Close()))

	report, err := m.Fsck(alloc)
	require.Zero(t, int(err))
	require.True(t, report.Clean(), "%+v", *report)
}

func TestFsckFlagsUnreachableInode(t *testing.T) {
	m, alloc := newTestVolume(t)
	root, err := m.OpenFile(RootIno, alloc)
	require.Zero(t, int(err))

	ino, err := m.AllocInode(false)
	require.Zero(t, int(err))
	require.Zero(t, int(m.Insert(root, "orphan", ino, FTRegular)))

	// Remove the directory entry without closing the inode through the
	// normal unlink path, leaving the inode bitmap bit set but nothing
	// pointing at it: a real orphan, same as a crash mid-unlink.
	require.Zero(t, int(m.Remove(root, "orphan")))

	report, err := m.Fsck(alloc)
	require.Zero(t, int(err))
	require.Contains(t, report.Unreachable, ino)
}
