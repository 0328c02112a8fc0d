package ext2

import (
	"encoding/binary"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// Directory entry field offsets, per the standard layout: inode (4),
// rec_len (2), name_len (1), file_type (1), name (name_len bytes),
// padded so rec_len is always a multiple of 4 (spec §4.6 "Directory
// entries").
const (
	deInodeOff   = 0
	deRecLenOff  = 4
	deNameLenOff = 6
	deTypeOff    = 7
	deNameOff    = 8
	deMinLen     = 8
)

// File type tags stored in a dirent when FeatureIncompatFiletype is
// set.
const (
	FTUnknown = 0
	FTRegular = 1
	FTDir     = 2
)

// Dirent is one decoded directory entry.
type Dirent struct {
	Inode  uint32
	Name   string
	Type   uint8
	recLen uint16
	offset int // byte offset within the directory data this entry starts at
}

func decodeDirent(buf []byte, off int) Dirent {
	ino := binary.LittleEndian.Uint32(buf[off+deInodeOff:])
	recLen := binary.LittleEndian.Uint16(buf[off+deRecLenOff:])
	nameLen := buf[off+deNameLenOff]
	typ := buf[off+deTypeOff]
	name := string(buf[off+deNameOff : off+deNameOff+int(nameLen)])
	return Dirent{Inode: ino, Name: name, Type: typ, recLen: recLen, offset: off}
}

func encodeDirent(buf []byte, off int, d Dirent) {
	binary.LittleEndian.PutUint32(buf[off+deInodeOff:], d.Inode)
	binary.LittleEndian.PutUint16(buf[off+deRecLenOff:], d.recLen)
	buf[off+deNameLenOff] = byte(len(d.Name))
	buf[off+deTypeOff] = d.Type
	copy(buf[off+deNameOff:], d.Name)
}

// direntSpace returns the space in bytes a dirent with the given name
// needs, rounded up to a 4-byte boundary (spec §4.6 "variable-length,
// 4-byte aligned").
func direntSpace(name string) int {
	n := deMinLen + len(name)
	return (n + 3) &^ 3
}

// ReadDir returns every live entry (non-zero inode, known file type,
// non-empty name) in directory inode dir, reading it one logical block
// at a time through its page cache, and fails with CORRUPT_FS on a
// record shorter than its header (spec §4.6 "iterate").
func (m *Mount) ReadDir(dir *File) ([]Dirent, defs.Err_t) {
	var out []Dirent
	size := dir.In.Size()
	blockSize := int64(mem.PageSize)

	for base := int64(0); base < int64(size); base += blockSize {
		buf := make([]byte, blockSize)
		if _, err := dir.Read(base, buf); err != defs.SUCCESS {
			return nil, err
		}
		off := 0
		for off < len(buf) {
			d := decodeDirent(buf, off)
			if d.recLen < deMinLen {
				return nil, defs.CORRUPT_FS
			}
			if d.Inode != 0 && d.Type != FTUnknown && len(d.Name) != 0 {
				d.offset = int(base) + off
				out = append(out, d)
			}
			off += int(d.recLen)
		}
	}
	return out, defs.SUCCESS
}

// Lookup finds name within directory dir, returning NOT_FOUND if
// absent (spec §4.6).
func (m *Mount) Lookup(dir *File, name string) (uint32, defs.Err_t) {
	ents, err := m.ReadDir(dir)
	if err != defs.SUCCESS {
		return 0, err
	}
	for _, d := range ents {
		if d.Name == name {
			return d.Inode, defs.SUCCESS
		}
	}
	return 0, defs.NOT_FOUND
}

// Insert adds a new entry for name -> ino into directory dir,
// splitting an oversized free record to make room, or appending a new
// block if none has enough free space (spec §4.6 "insert").
func (m *Mount) Insert(dir *File, name string, ino uint32, typ uint8) defs.Err_t {
	if len(name) == 0 || len(name) > 255 {
		return defs.INVALID_ARG
	}
	if existing, _ := m.Lookup(dir, name); existing != 0 {
		return defs.ALREADY_EXISTS
	}

	need := direntSpace(name)
	blockSize := int64(mem.PageSize)
	size := dir.In.Size()

	for base := int64(0); base < int64(size); base += blockSize {
		buf := make([]byte, blockSize)
		if _, err := dir.Read(base, buf); err != defs.SUCCESS {
			return err
		}
		off := 0
		for off < len(buf) {
			d := decodeDirent(buf, off)
			if d.recLen == 0 {
				break
			}
			used := 0
			if d.Inode != 0 {
				used = direntSpace(d.Name)
			}
			free := int(d.recLen) - used
			if free >= need {
				if d.Inode != 0 {
					d.recLen = uint16(used)
					encodeDirent(buf, off, d)
					newOff := off + used
					nd := Dirent{Inode: ino, Name: name, Type: typ, recLen: uint16(free)}
					encodeDirent(buf, newOff, nd)
				} else {
					nd := Dirent{Inode: ino, Name: name, Type: typ, recLen: d.recLen}
					encodeDirent(buf, off, nd)
				}
				if _, werr := dir.Write(base, buf); werr != defs.SUCCESS {
					return werr
				}
				return m.bumpLinks(ino, 1)
			}
			off += int(d.recLen)
		}
	}

	// No existing block had room: append a fresh block-sized entry.
	newBlock := make([]byte, blockSize)
	nd := Dirent{Inode: ino, Name: name, Type: typ, recLen: uint16(blockSize)}
	encodeDirent(newBlock, 0, nd)
	if _, werr := dir.Write(size, newBlock); werr != defs.SUCCESS {
		return werr
	}
	return m.bumpLinks(ino, 1)
}

// Remove deletes name from directory dir by merging its record into
// the previous entry's rec_len (spec §4.6 "remove").
func (m *Mount) Remove(dir *File, name string) defs.Err_t {
	blockSize := int64(mem.PageSize)
	size := dir.In.Size()

	for base := int64(0); base < int64(size); base += blockSize {
		buf := make([]byte, blockSize)
		if _, err := dir.Read(base, buf); err != defs.SUCCESS {
			return err
		}
		off := 0
		prevOff := -1
		for off < len(buf) {
			d := decodeDirent(buf, off)
			if d.recLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name == name {
				removed := d.Inode
				if prevOff >= 0 {
					pd := decodeDirent(buf, prevOff)
					pd.recLen += d.recLen
					encodeDirent(buf, prevOff, pd)
				} else {
					d.Inode = 0
					encodeDirent(buf, off, d)
				}
				if _, werr := dir.Write(base, buf); werr != defs.SUCCESS {
					return werr
				}
				return m.bumpLinks(removed, -1)
			}
			prevOff = off
			off += int(d.recLen)
		}
	}
	return defs.NOT_FOUND
}

// IsEmpty reports whether dir contains only "." and ".." (spec §4.6
// "empty-check", a precondition for rmdir).
func (m *Mount) IsEmpty(dir *File) (bool, defs.Err_t) {
	ents, err := m.ReadDir(dir)
	if err != defs.SUCCESS {
		return false, err
	}
	for _, d := range ents {
		if d.Name != "." && d.Name != ".." {
			return false, defs.SUCCESS
		}
	}
	return true, defs.SUCCESS
}

// InitDir writes the initial "." and ".." entries into a freshly
// allocated directory inode.
func (m *Mount) InitDir(dir *File, self, parent uint32) defs.Err_t {
	blockSize := int64(mem.PageSize)
	dir.In.SetSize(uint64(blockSize))
	dir.Cache.Resize(blockSize)
	if err := dir.FMap.Reserve(0); err != defs.SUCCESS {
		return err
	}

	buf := make([]byte, blockSize)
	dotSpace := direntSpace(".")
	encodeDirent(buf, 0, Dirent{Inode: self, Name: ".", Type: FTDir, recLen: uint16(dotSpace)})
	encodeDirent(buf, dotSpace, Dirent{Inode: parent, Name: "..", Type: FTDir, recLen: uint16(int(blockSize) - dotSpace)})

	_, werr := dir.Write(0, buf)
	if werr != defs.SUCCESS {
		return werr
	}
	// "." references self, ".." references parent: each is a hard link
	// the usual Insert-driven bump never sees, since both entries are
	// written directly into this freshly allocated block. self is
	// bumped on dir.In directly rather than through bumpLinks, since
	// bumpLinks would reload it from disk and the later dir.In.Put()
	// below would then clobber that update with dir.In's stale copy.
	dir.In.SetLinksCount(dir.In.LinksCount() + 1)
	if err := m.bumpLinks(parent, 1); err != defs.SUCCESS {
		return err
	}
	return dir.In.Put()
}
