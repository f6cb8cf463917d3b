package nsz

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ndump/core/pkg/errs"
)

// MagicNCZSECTN / MagicNCZBLOCK are the two fixed tags CompressStream
// writes ahead of, respectively, the crypto-section table and the
// block-compression table. DecompressStream (compress.go) rejects
// anything that doesn't carry these exactly, via ReadNczSectionTable /
// ReadNczBlockHeader below — the same "reject foreign magic outright"
// posture pkg/nca.ParseHeader takes for NCA3/NCA2.
const (
	MagicNCZSECTN = "NCZSECTN"
	MagicNCZBLOCK = "NCZBLOCK"

	// maxSectionCount bounds how many NczSectionEntry records
	// ReadNczSectionTable will allocate for, so a corrupt or truncated
	// member fails fast instead of trying to read gigabytes of entries.
	maxSectionCount = 64
)

// NczSectionHeader precedes the crypto-section table. CompressStream
// always writes exactly one section spanning the whole member (its own
// doc comment explains why: this engine compresses the NCA's on-disk
// ciphertext verbatim rather than re-deriving per-region keys the way the
// reference NSZ tool does), but the table is still read back in full so a
// member produced by another NSZ-format writer — one that did split the
// content into several crypto regions — parses without special-casing.
type NczSectionHeader struct {
	Magic        [8]byte // NCZSECTN
	SectionCount uint64
}

// NczSectionEntry describes one crypto region of the original NCA.
// CryptoType/CryptoKey/CryptoCounter are carried through for format
// compatibility; this engine's own CompressStream never populates them
// (CryptoType 0, "none") since it compresses the NCA's on-disk ciphertext
// unchanged rather than re-encrypting per region.
type NczSectionEntry struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// NczBlockHeader precedes the per-block compressed-size table that lets
// DecompressStream walk block boundaries without re-decompressing
// earlier blocks first.
type NczBlockHeader struct {
	Magic            [8]byte // NCZBLOCK
	Version          uint8   // 2
	Type             uint8   // 1
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

// WriteNczHeader writes the section-table header CompressStream always
// emits first, ahead of the block-compression table.
func WriteNczHeader(w io.Writer, sections []NczSectionEntry) error {
	var h NczSectionHeader
	copy(h.Magic[:], MagicNCZSECTN)
	h.SectionCount = uint64(len(sections))

	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	for _, s := range sections {
		if err := binary.Write(w, binary.LittleEndian, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadNczSectionTable reads and validates the section header/entries
// CompressStream wrote, returning the entries. DecompressStream used to
// inline this loop with no magic check at all; folding it in here means
// a truncated or non-NCZ member now fails with BadMagic/BadSectionTable
// instead of silently misreading arbitrary bytes as a section count.
func ReadNczSectionTable(r io.Reader) ([]NczSectionEntry, error) {
	const op = "nsz.ReadNczSectionTable"

	var h NczSectionHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, errs.New(errs.KindBadSectionTable, op, err)
	}
	if string(h.Magic[:]) != MagicNCZSECTN {
		return nil, errs.Named(errs.KindBadMagic, op, string(h.Magic[:]), nil)
	}
	if h.SectionCount > maxSectionCount {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("implausible section count %d", h.SectionCount))
	}

	entries := make([]NczSectionEntry, h.SectionCount)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, errs.New(errs.KindBadSectionTable, op, err)
		}
	}
	return entries, nil
}

// ReadNczBlockHeader reads and validates the block-compression table
// header that follows the section table.
func ReadNczBlockHeader(r io.Reader) (NczBlockHeader, error) {
	const op = "nsz.ReadNczBlockHeader"

	var h NczBlockHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, errs.New(errs.KindBadSectionTable, op, err)
	}
	if string(h.Magic[:]) != MagicNCZBLOCK {
		return h, errs.Named(errs.KindBadMagic, op, string(h.Magic[:]), nil)
	}
	return h, nil
}
