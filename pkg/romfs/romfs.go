// Package romfs implements the RomFS view (spec §3/§4.3): the
// file-system-shaped section inside a Program or Data NCA, as well as the
// shared table-parsing code the BKTR overlay (pkg/bktr) reuses for its
// base view.
//
// Per the Design Notes, the directory/file tables are kept as an arena (a
// parsed map keyed by typed byte-offset) instead of a pointer graph: the
// next-sibling/first-child chain, not array order, defines the tree, and
// traversal walks that chain top-down with no cycles.
package romfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ndump/core/pkg/errs"
)

// Empty terminates a next-sibling/first-child chain (spec §3 ROMFS_EMPTY).
const Empty uint32 = 0xFFFFFFFF

type DirOffset uint32
type FileOffset uint32

const RootDir DirOffset = 0

// Reader is the minimal section-relative read contract this package
// needs. *nca.SectionCipher satisfies it structurally, with no import
// cycle between nca and romfs.
type Reader interface {
	ReadAt(dst []byte, sectionOffset uint64) (int, error)
}

const headerSize = 0x50

type header struct {
	dirHashOffset, dirHashSize     uint64
	dirTableOffset, dirTableSize   uint64
	fileHashOffset, fileHashSize   uint64
	fileTableOffset, fileTableSize uint64
	fileDataOffset                 uint64
}

// DirEntry is one directory entry (spec §3).
type DirEntry struct {
	Parent         DirOffset
	NextSibling    DirOffset
	FirstChildDir  DirOffset
	FirstChildFile FileOffset
	HashNext       DirOffset
	Name           string
}

// FileEntry is one file entry (spec §3).
type FileEntry struct {
	Parent      DirOffset
	NextSibling FileOffset
	DataOffset  uint64
	DataSize    uint64
	HashNext    FileOffset
	Name        string
}

// Child is a directory or file entry as returned by IterChildren.
type Child struct {
	Name   string
	IsDir  bool
	Dir    DirOffset
	File   FileOffset
}

// View is a parsed RomFS section: a header plus the directory/file table
// arena. It implements the read contract the BKTR overlay composes over.
type View struct {
	r              Reader
	base           uint64 // section-relative offset this RomFS starts at
	fileDataOffset uint64 // section-relative offset of the file data region

	dirs  map[DirOffset]DirEntry
	files map[FileOffset]FileEntry
}

// Open parses a RomFS view starting at a section-relative offset (spec
// §4.3 open_romfs).
func Open(r Reader, base uint64) (*View, error) {
	const op = "romfs.Open"

	buf := make([]byte, headerSize)
	if _, err := r.ReadAt(buf, base); err != nil {
		return nil, err
	}

	h := header{
		dirHashOffset:   binary.LittleEndian.Uint64(buf[0x08:0x10]),
		dirHashSize:     binary.LittleEndian.Uint64(buf[0x10:0x18]),
		dirTableOffset:  binary.LittleEndian.Uint64(buf[0x18:0x20]),
		dirTableSize:    binary.LittleEndian.Uint64(buf[0x20:0x28]),
		fileHashOffset:  binary.LittleEndian.Uint64(buf[0x28:0x30]),
		fileHashSize:    binary.LittleEndian.Uint64(buf[0x30:0x38]),
		fileTableOffset: binary.LittleEndian.Uint64(buf[0x38:0x40]),
		fileTableSize:   binary.LittleEndian.Uint64(buf[0x40:0x48]),
		fileDataOffset:  binary.LittleEndian.Uint64(buf[0x48:0x50]),
	}
	_ = h.dirHashOffset
	_ = h.dirHashSize
	_ = h.fileHashOffset
	_ = h.fileHashSize

	v := &View{r: r, base: base, fileDataOffset: base + h.fileDataOffset}

	dirTable := make([]byte, h.dirTableSize)
	if h.dirTableSize > 0 {
		if _, err := r.ReadAt(dirTable, base+h.dirTableOffset); err != nil {
			return nil, err
		}
	}
	dirs, err := parseDirTable(dirTable)
	if err != nil {
		return nil, errs.New(errs.KindBadSectionTable, op, err)
	}
	v.dirs = dirs

	fileTable := make([]byte, h.fileTableSize)
	if h.fileTableSize > 0 {
		if _, err := r.ReadAt(fileTable, base+h.fileTableOffset); err != nil {
			return nil, err
		}
	}
	files, err := parseFileTable(fileTable)
	if err != nil {
		return nil, errs.New(errs.KindBadSectionTable, op, err)
	}
	v.files = files

	if _, ok := v.dirs[RootDir]; !ok {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("missing root directory entry"))
	}

	return v, nil
}

func align4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

func parseDirTable(table []byte) (map[DirOffset]DirEntry, error) {
	dirs := make(map[DirOffset]DirEntry)
	pos := 0
	for pos+0x18 <= len(table) {
		nameLen := int(binary.LittleEndian.Uint32(table[pos+0x14 : pos+0x18]))
		end := pos + 0x18 + nameLen
		if end > len(table) {
			return nil, fmt.Errorf("directory entry at %#x overruns table", pos)
		}
		e := DirEntry{
			Parent:         DirOffset(binary.LittleEndian.Uint32(table[pos+0x00 : pos+0x04])),
			NextSibling:    DirOffset(binary.LittleEndian.Uint32(table[pos+0x04 : pos+0x08])),
			FirstChildDir:  DirOffset(binary.LittleEndian.Uint32(table[pos+0x08 : pos+0x0C])),
			FirstChildFile: FileOffset(binary.LittleEndian.Uint32(table[pos+0x0C : pos+0x10])),
			HashNext:       DirOffset(binary.LittleEndian.Uint32(table[pos+0x10 : pos+0x14])),
			Name:           string(table[pos+0x18 : end]),
		}
		dirs[DirOffset(pos)] = e

		entrySize := align4(0x18 + nameLen)
		if entrySize <= 0 {
			break
		}
		pos += entrySize
	}
	return dirs, nil
}

func parseFileTable(table []byte) (map[FileOffset]FileEntry, error) {
	files := make(map[FileOffset]FileEntry)
	pos := 0
	for pos+0x20 <= len(table) {
		nameLen := int(binary.LittleEndian.Uint32(table[pos+0x1C : pos+0x20]))
		end := pos + 0x20 + nameLen
		if end > len(table) {
			return nil, fmt.Errorf("file entry at %#x overruns table", pos)
		}
		e := FileEntry{
			Parent:      DirOffset(binary.LittleEndian.Uint32(table[pos+0x00 : pos+0x04])),
			NextSibling: FileOffset(binary.LittleEndian.Uint32(table[pos+0x04 : pos+0x08])),
			DataOffset:  binary.LittleEndian.Uint64(table[pos+0x08 : pos+0x10]),
			DataSize:    binary.LittleEndian.Uint64(table[pos+0x10 : pos+0x18]),
			HashNext:    FileOffset(binary.LittleEndian.Uint32(table[pos+0x18 : pos+0x1C])),
			Name:        string(table[pos+0x20 : end]),
		}
		files[FileOffset(pos)] = e

		entrySize := align4(0x20 + nameLen)
		if entrySize <= 0 {
			break
		}
		pos += entrySize
	}
	return files, nil
}

func (v *View) Dir(off DirOffset) (DirEntry, bool) {
	e, ok := v.dirs[off]
	return e, ok
}

func (v *View) File(off FileOffset) (FileEntry, bool) {
	e, ok := v.files[off]
	return e, ok
}

// IterDir returns the immediate children of a directory, in on-disk
// sibling-chain order: subdirectories first, then files, matching the
// console's own traversal order.
func (v *View) IterDir(dir DirOffset) ([]Child, error) {
	const op = "romfs.View.IterDir"
	e, ok := v.dirs[dir]
	if !ok {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("no such directory %#x", dir))
	}

	var children []Child
	for d := e.FirstChildDir; uint32(d) != Empty; {
		child, ok := v.dirs[d]
		if !ok {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("dangling child dir %#x", d))
		}
		children = append(children, Child{Name: child.Name, IsDir: true, Dir: d})
		d = child.NextSibling
	}
	for f := e.FirstChildFile; uint32(f) != Empty; {
		child, ok := v.files[f]
		if !ok {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("dangling child file %#x", f))
		}
		children = append(children, Child{Name: child.Name, IsDir: false, File: f})
		f = child.NextSibling
	}
	return children, nil
}

// IterChildren is an alias for IterDir kept for symmetry with spec §4.3's
// naming (iter_children(dir_offset)); IterDir matches iter_dir(offset).
func (v *View) IterChildren(dir DirOffset) ([]Child, error) { return v.IterDir(dir) }

// Lookup resolves a '/'-separated path from the root directory.
func (v *View) Lookup(path string) (Child, error) {
	const op = "romfs.View.Lookup"
	path = strings.Trim(path, "/")
	cur := RootDir
	if path == "" {
		return Child{Name: "", IsDir: true, Dir: RootDir}, nil
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		children, err := v.IterDir(cur)
		if err != nil {
			return Child{}, err
		}
		var found *Child
		for _, c := range children {
			if c.Name == part {
				found = &c
				break
			}
		}
		if found == nil {
			return Child{}, errs.Named(errs.KindShortRead, op, path, fmt.Errorf("no such entry %q", part))
		}
		if i == len(parts)-1 {
			return *found, nil
		}
		if !found.IsDir {
			return Child{}, errs.Named(errs.KindShortRead, op, path, fmt.Errorf("%q is not a directory", part))
		}
		cur = found.Dir
	}
	return Child{}, errs.Named(errs.KindShortRead, op, path, fmt.Errorf("empty path"))
}

// ReadFile reads length bytes at a byte offset within a file's data.
func (v *View) ReadFile(f FileEntry, offset, length uint64) ([]byte, error) {
	if offset+length > f.DataSize {
		return nil, errs.New(errs.KindShortRead, "romfs.View.ReadFile", fmt.Errorf("read past end of file %q", f.Name))
	}
	buf := make([]byte, length)
	if _, err := v.r.ReadAt(buf, v.fileDataOffset+f.DataOffset+offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// IsEmptyDir reports whether a directory has no children at all (spec §8
// boundary: empty RomFS directory extracts to an empty directory, zero
// bytes).
func (v *View) IsEmptyDir(dir DirOffset) bool {
	children, err := v.IterDir(dir)
	return err == nil && len(children) == 0
}
