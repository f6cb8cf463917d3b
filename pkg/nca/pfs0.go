package nca

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ndump/core/pkg/errs"
)

// PFS0FileEntry is one 0x18-byte entry in a PFS0 header (spec §6).
type PFS0FileEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	_          uint32
}

// HFS0FileEntry is one 0x40-byte entry in an HFS0 header (spec §6); like
// PFS0FileEntry but with a per-file SHA-256 over the hashed region.
type HFS0FileEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	HashedSize uint32
	Hash       [32]byte
}

// PartitionFile is a named entry inside a PFS0/HFS0 view.
type PartitionFile struct {
	Name       string
	DataOffset uint64 // relative to the view's data region start
	DataSize   uint64
	HashedSize uint32 // 0 for PFS0 entries
	Hash       [32]byte
}

// PartitionView is the common shape of PFS0 and HFS0 (spec §3): a flat,
// ordered archive with a fixed header, entry table, name table, and a
// concatenated data region. Entries are sorted by data offset and never
// overlap.
type PartitionView struct {
	magic      string
	files      []PartitionFile
	headerSize int64 // size of header+entries+string table; data starts here
	cipher     *SectionCipher
}

const (
	pfs0Magic        = "PFS0"
	hfs0Magic        = "HFS0"
	pfs0EntrySize    = 0x18
	hfs0EntrySize    = 0x40
	partitionHdrSize = 0x10
)

// OpenPfs parses a PFS0 view starting at the given section-relative offset
// of a decrypted section (spec §4.3 open_pfs).
func OpenPfs(cipher *SectionCipher, offset uint64) (*PartitionView, error) {
	return openPartition(cipher, offset, pfs0Magic, pfs0EntrySize)
}

// OpenHfs0 parses an HFS0 view (spec §3 HFS0 view), e.g. the gamecard's
// root container or one of its partitions.
func OpenHfs0(cipher *SectionCipher, offset uint64) (*PartitionView, error) {
	return openPartition(cipher, offset, hfs0Magic, hfs0EntrySize)
}

func openPartition(cipher *SectionCipher, offset uint64, magic string, entrySize int) (*PartitionView, error) {
	const op = "nca.openPartition"

	hdr := make([]byte, partitionHdrSize)
	if _, err := cipher.ReadAt(hdr, offset); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != magic {
		return nil, errs.Named(errs.KindBadMagic, op, string(hdr[0:4]), nil)
	}
	numFiles := binary.LittleEndian.Uint32(hdr[4:8])
	strTableSize := binary.LittleEndian.Uint32(hdr[8:12])

	entryTableSize := int(numFiles) * entrySize
	entries := make([]byte, entryTableSize)
	if numFiles > 0 {
		if _, err := cipher.ReadAt(entries, offset+partitionHdrSize); err != nil {
			return nil, err
		}
	}

	strTable := make([]byte, strTableSize)
	if strTableSize > 0 {
		if _, err := cipher.ReadAt(strTable, offset+partitionHdrSize+uint64(entryTableSize)); err != nil {
			return nil, err
		}
	}

	files := make([]PartitionFile, numFiles)
	var prevEnd uint64
	for i := 0; i < int(numFiles); i++ {
		e := entries[i*entrySize : (i+1)*entrySize]
		f := PartitionFile{
			DataOffset: binary.LittleEndian.Uint64(e[0:8]),
			DataSize:   binary.LittleEndian.Uint64(e[8:16]),
		}
		nameOffset := binary.LittleEndian.Uint32(e[16:20])
		if entrySize == hfs0EntrySize {
			f.HashedSize = binary.LittleEndian.Uint32(e[20:24])
			copy(f.Hash[:], e[32:64])
		}
		name, err := readCString(strTable, nameOffset)
		if err != nil {
			return nil, errs.New(errs.KindBadSectionTable, op, err)
		}
		f.Name = name

		if f.DataOffset < prevEnd {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("entry %d out of order", i))
		}
		prevEnd = f.DataOffset + f.DataSize
		files[i] = f
	}

	headerSize := int64(partitionHdrSize + entryTableSize + int(strTableSize))
	dataStart := align16(headerSize)

	return &PartitionView{
		magic:      magic,
		files:      files,
		headerSize: dataStart,
		cipher: &SectionCipher{
			reader:     cipher.reader,
			start:      cipher.start + offset,
			end:        cipher.end,
			cryptoType: cipher.cryptoType,
			key:        cipher.key,
			iv:         cipher.iv,
		},
	}, nil
}

func align16(n int64) int64 {
	if n%0x10 == 0 {
		return n
	}
	return n + (0x10 - n%0x10)
}

func readCString(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("name offset %d out of bounds (table size %d)", offset, len(table))
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}

// Files returns the ordered file entries (spec §4.3 files() iterator).
func (v *PartitionView) Files() []PartitionFile { return v.files }

// DataRegionOffset returns the section-relative offset (relative to the
// section this view was opened from) where the data region begins, i.e.
// just past the header, entry table, and string table. The Package
// Builder uses this to locate a single file's ciphertext for in-place
// splicing (pkg/build's CNMT/NPDM patches) without re-deriving the
// header layout itself.
func (v *PartitionView) DataRegionOffset() uint64 { return uint64(v.headerSize) }

// SectionStart returns the NCA-absolute byte offset of the section this
// view was opened from.
func (v *PartitionView) SectionStart() uint64 { return v.cipher.start }

// Cipher exposes the view's underlying section cipher, for callers that
// need to re-encrypt a patched file's bytes in place (pkg/build).
func (v *PartitionView) Cipher() *SectionCipher { return v.cipher }

// ReadFile reads length bytes at a byte offset within a file's data.
func (v *PartitionView) ReadFile(f PartitionFile, offset, length uint64) ([]byte, error) {
	if offset+length > f.DataSize {
		return nil, errs.New(errs.KindShortRead, "nca.PartitionView.ReadFile", fmt.Errorf("read past end of file %q", f.Name))
	}
	buf := make([]byte, length)
	absolute := uint64(v.headerSize) + f.DataOffset + offset
	if _, err := v.cipher.ReadAt(buf, absolute); err != nil {
		return nil, err
	}
	return buf, nil
}

// VerifyHash checks an HFS0 entry's declared SHA-256 over its hashed
// region against the actual bytes, reporting IntegrityMismatch rather than
// failing the read outright (spec §4.3 "reported but reads still
// proceed").
func (v *PartitionView) VerifyHash(f PartitionFile) error {
	if f.HashedSize == 0 {
		return nil
	}
	n := uint64(f.HashedSize)
	if n > f.DataSize {
		n = f.DataSize
	}
	data, err := v.ReadFile(f, 0, n)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if sum != f.Hash {
		return errs.Named(errs.KindIntegrityMismatch, "nca.PartitionView.VerifyHash", f.Name, nil)
	}
	return nil
}
