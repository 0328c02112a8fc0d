package mem

import (
	"sync"

	"github.com/aejsmith/kiwi/internal/defs"
)

// FileMap is the translator from logical file-block numbers to device
// blocks that Ext2 provides to the page cache (spec §3 "File map").
// PageCache is written against this interface rather than against
// ext2 directly so the same cache implementation also backs
// object-backed VM mappings in front of other kinds of files.
type FileMap interface {
	// Lookup returns the device block for a logical block, or
	// sparse=true if no block is allocated yet.
	Lookup(logical int) (device int, sparse bool, err defs.Err_t)
	ReadBlock(device int, buf []byte) defs.Err_t
	WriteBlock(device int, buf []byte) defs.Err_t
}

type cachedPage struct {
	frame PFN
	valid bool
	dirty bool
}

// PageCache maps a file's byte range onto physical frames through a
// FileMap (spec §3 "Page cache"). One PageCache instance backs exactly
// one Ext2 inode or one shared file-backed VM mapping.
type PageCache struct {
	mu    sync.Mutex
	alloc *Allocator
	fmap  FileMap
	size  int64 // logical file size in bytes
	pages map[int]*cachedPage
}

// NewPageCache creates a cache over a file of the given logical size,
// driven by fmap, pulling frames from alloc.
func NewPageCache(alloc *Allocator, fmap FileMap, size int64) *PageCache {
	return &PageCache{
		alloc: alloc,
		fmap:  fmap,
		size:  size,
		pages: make(map[int]*cachedPage),
	}
}

// Resize changes the logical size tracked by the cache (Ext2 truncate
// and write-extends both call this before touching pages past the old
// size, per spec §4.5 "Inode read/write").
func (pc *PageCache) Resize(size int64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.size = size
}

func (pc *PageCache) Size() int64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.size
}

// page returns the cached page for logical block idx, faulting it in
// via the file map on first touch. The returned page is zero-filled
// when idx is sparse.
func (pc *PageCache) page(idx int) (*cachedPage, defs.Err_t) {
	if cp, ok := pc.pages[idx]; ok {
		return cp, defs.SUCCESS
	}
	frame, ok := pc.alloc.Alloc()
	if !ok {
		return nil, defs.NO_MEMORY
	}
	dev, sparse, err := pc.fmap.Lookup(idx)
	if err != 0 {
		pc.alloc.Free(frame)
		return nil, err
	}
	if !sparse {
		if err := pc.fmap.ReadBlock(dev, pc.alloc.Bytes(frame)); err != 0 {
			pc.alloc.Free(frame)
			return nil, err
		}
	}
	pc.alloc.Refup(frame)
	cp := &cachedPage{frame: frame, valid: true}
	pc.pages[idx] = cp
	return cp, defs.SUCCESS
}

// GetPage returns the physical frame backing logical block idx,
// suitable for direct installation by the VM object-backed fault path
// (spec §4.2 "Object-backed fault"). The frame's reference count is
// bumped for the caller.
func (pc *PageCache) GetPage(idx int) (PFN, defs.Err_t) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	cp, err := pc.page(idx)
	if err != 0 {
		return 0, err
	}
	pc.alloc.Refup(cp.frame)
	return cp.frame, defs.SUCCESS
}

// ReleasePage drops the reference GetPage added, for callers that
// implement an object's release_page hook (spec §4.2).
func (pc *PageCache) ReleasePage(p PFN) {
	pc.alloc.Refdown(p)
}

// Read copies min(len(buf), size-off) bytes starting at byte offset
// off into buf and returns the count. Reads past a sparse hole return
// zeros without allocating a device block (spec §8 "Sparse read").
func (pc *PageCache) Read(off int64, buf []byte) (int, defs.Err_t) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if off >= pc.size {
		return 0, defs.SUCCESS
	}
	n := int64(len(buf))
	if off+n > pc.size {
		n = pc.size - off
	}
	total := 0
	for total < int(n) {
		idx := int((off + int64(total)) / PageSize)
		pgoff := int((off + int64(total)) % PageSize)
		cp, err := pc.page(idx)
		if err != 0 {
			return total, err
		}
		chunk := PageSize - pgoff
		if rem := int(n) - total; chunk > rem {
			chunk = rem
		}
		copy(buf[total:total+chunk], pc.alloc.Bytes(cp.frame)[pgoff:pgoff+chunk])
		total += chunk
	}
	return total, defs.SUCCESS
}

// Write copies buf into the cache starting at byte offset off,
// allocating cache pages (but not device blocks — the caller is
// responsible for reserving device blocks first, per spec §4.5) and
// marking them dirty. The caller must have already grown Size() to
// cover off+len(buf) if this is an extending write.
func (pc *PageCache) Write(off int64, buf []byte) (int, defs.Err_t) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if off+int64(len(buf)) > pc.size {
		return 0, defs.INVALID_ARG
	}
	total := 0
	for total < len(buf) {
		idx := int((off + int64(total)) / PageSize)
		pgoff := int((off + int64(total)) % PageSize)
		cp, err := pc.page(idx)
		if err != 0 {
			return total, err
		}
		chunk := PageSize - pgoff
		if rem := len(buf) - total; chunk > rem {
			chunk = rem
		}
		copy(pc.alloc.Bytes(cp.frame)[pgoff:pgoff+chunk], buf[total:total+chunk])
		cp.dirty = true
		total += chunk
	}
	return total, defs.SUCCESS
}

// Flush writes every dirty page back through the file map
// (write-through policy, see SPEC_FULL.md / DESIGN.md open-question
// decision) and clears the dirty bit.
func (pc *PageCache) Flush() defs.Err_t {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for idx, cp := range pc.pages {
		if !cp.dirty {
			continue
		}
		dev, sparse, err := pc.fmap.Lookup(idx)
		if err != 0 {
			return err
		}
		if sparse {
			// caller must reserve a block before a dirty page can exist
			return defs.CORRUPT_FS
		}
		if err := pc.fmap.WriteBlock(dev, pc.alloc.Bytes(cp.frame)); err != 0 {
			return err
		}
		cp.dirty = false
	}
	return defs.SUCCESS
}

// Invalidate drops any cached pages in [start, start+count) so a
// subsequent access re-resolves them through the file map — used
// after the block tree changes shape (new indirect block allocated,
// truncate), per spec §3 "File map" invalidate contract.
func (pc *PageCache) Invalidate(start, count int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for idx := start; idx < start+count; idx++ {
		if cp, ok := pc.pages[idx]; ok {
			pc.alloc.Refdown(cp.frame)
			delete(pc.pages, idx)
		}
	}
}

// Destroy flushes and releases every page, used when an inode is put
// or a file-backed VM mapping unmaps (spec §4.5 "inode_put").
func (pc *PageCache) Destroy() defs.Err_t {
	err := pc.Flush()
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for idx, cp := range pc.pages {
		pc.alloc.Refdown(cp.frame)
		delete(pc.pages, idx)
	}
	return err
}
