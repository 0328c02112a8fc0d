package ext2

import (
	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// FileMap adapts an Inode to the mem.FileMap interface the page cache
// uses (spec §3 "File map"). Device block numbers are surfaced
// through Lookup/ReadBlock/WriteBlock as opaque ints so the cache
// layer never has to know about the on-disk block-pointer tree.
//
// The cache's logical page size (mem.PageSize, 4096) is assumed equal
// to the filesystem block size; volumes formatted with a different
// block size are out of scope (see DESIGN.md Open Questions).
type FileMap struct {
	in *Inode
}

// NewFileMap wraps in for use as a mem.PageCache backing store.
func NewFileMap(in *Inode) *FileMap { return &FileMap{in: in} }

var _ mem.FileMap = (*FileMap)(nil)

func (f *FileMap) Lookup(logical int) (int, bool, defs.Err_t) {
	p, err := f.in.Resolve(uint32(logical), false)
	if err != defs.SUCCESS {
		return 0, false, err
	}
	if p == 0 {
		return 0, true, defs.SUCCESS
	}
	return int(p), false, defs.SUCCESS
}

func (f *FileMap) ReadBlock(device int, buf []byte) defs.Err_t {
	return f.in.m.readBlock(uint32(device), buf)
}

func (f *FileMap) WriteBlock(device int, buf []byte) defs.Err_t {
	return f.in.m.writeBlock(uint32(device), buf)
}

// invalidateAll drops every cached translation, used by Truncate once
// the on-disk block tree has been freed out from under the cache
// (spec §3 "File map" invalidate contract).
func (f *FileMap) invalidateAll() {
	f.in.Cache.Invalidate(0, int(f.in.Size()/mem.PageSize)+1)
}

// Reserve ensures a physical block is allocated for logical block idx,
// allocating and installing one in the inode's block tree if the
// range is currently sparse. Callers extending a file must call this
// before a PageCache.Write on the same block can be Flush()ed (spec
// §4.5 "Inode read/write": writes reserve blocks before the page cache
// marks them dirty).
func (f *FileMap) Reserve(idx int) defs.Err_t {
	_, err := f.in.Resolve(uint32(idx), true)
	return err
}

// File is a convenience pairing of an Inode with the PageCache over
// its data, the unit cmd/kiwyctl and tests operate on for read/write.
type File struct {
	In    *Inode
	FMap  *FileMap
	Cache *mem.PageCache
}

// OpenFile loads inode ino and builds its page cache.
func (m *Mount) OpenFile(ino uint32, alloc *mem.Allocator) (*File, defs.Err_t) {
	in, err := m.GetInode(ino)
	if err != defs.SUCCESS {
		return nil, err
	}
	fm := NewFileMap(in)
	return &File{In: in, FMap: fm, Cache: mem.NewPageCache(alloc, fm, int64(in.Size()))}, defs.SUCCESS
}

// Read reads len(buf) bytes from the file at byte offset off.
func (f *File) Read(off int64, buf []byte) (int, defs.Err_t) {
	return f.Cache.Read(off, buf)
}

// Write writes buf to the file at byte offset off, extending the file
// and reserving device blocks for any newly-covered page as needed,
// then flushing so the write is durable (spec §4.5 "Inode read/write").
func (f *File) Write(off int64, buf []byte) (int, defs.Err_t) {
	end := off + int64(len(buf))
	if end > int64(f.In.Size()) {
		f.In.SetSize(uint64(end))
		f.Cache.Resize(end)
	}

	firstPage := int(off / mem.PageSize)
	lastPage := int((end - 1) / mem.PageSize)
	for idx := firstPage; idx <= lastPage; idx++ {
		if err := f.FMap.Reserve(idx); err != defs.SUCCESS {
			return 0, err
		}
	}

	n, err := f.Cache.Write(off, buf)
	if err != defs.SUCCESS {
		return n, err
	}
	if err := f.Cache.Flush(); err != defs.SUCCESS {
		return n, err
	}
	f.In.TouchMtime()
	return n, f.In.Put()
}

// Truncate implements the only truncate mode this driver supports:
// discarding all data and resetting the file to zero length (spec
// §4.5 "Truncate": "Only full-zero truncate is implemented"). Returns
// NOT_IMPLEMENTED without freeing anything if the inode uses extents
// or has a non-zero tri-indirect pointer, so the file is never left
// half-freed.
func (f *File) Truncate() defs.Err_t {
	if err := f.In.freeAllBlocks(); err != defs.SUCCESS {
		return err
	}
	f.FMap.invalidateAll()
	f.In.SetSize(0)
	f.Cache.Resize(0)
	f.In.TouchMtime()
	return f.In.Put()
}

// Close flushes dirty pages and writes the inode back, freeing its
// blocks and the inode itself once its link count has dropped to zero
// (spec §4.5 "inode_put": "If writable and i_links_count == 0,
// schedule block release... then free the inode bitmap bit"). Write
// errors encountered while tearing down a doomed inode are reported
// to the caller but do not stop teardown from proceeding (spec §7
// tier 3: partial progress / best-effort cleanup on expected
// failures).
func (f *File) Close() defs.Err_t {
	destroyErr := f.Cache.Destroy()
	putErr := f.In.Put()

	if f.In.LinksCount() != 0 {
		if destroyErr != defs.SUCCESS {
			return destroyErr
		}
		return putErr
	}

	isDir := f.In.IsDir()
	freeErr := f.In.freeAllBlocks()
	if freeErr == defs.SUCCESS {
		freeErr = f.In.m.FreeInode(f.In.num, isDir)
	}
	if destroyErr != defs.SUCCESS {
		return destroyErr
	}
	if putErr != defs.SUCCESS {
		return putErr
	}
	return freeErr
}
