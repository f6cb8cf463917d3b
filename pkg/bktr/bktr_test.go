package bktr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ndump/core/pkg/crypto"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/nca"
)

// byteReaderAt is a flat in-memory NCA-absolute backing store.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(dst []byte, off int64) (int, error) {
	return copy(dst, b[off:]), nil
}

func TestFindEntryBinarySearch(t *testing.T) {
	entries := []indirectEntry{
		{virtualOffset: 0},
		{virtualOffset: 0x100},
		{virtualOffset: 0x200},
	}

	if _, ok := findEntry(entries, 0); !ok {
		t.Fatal("expected a match at the first entry's own offset")
	}
	if idx, ok := findEntry(entries, 0x150); !ok || idx != 1 {
		t.Fatalf("findEntry(0x150) = (%d, %v), want (1, true)", idx, ok)
	}
	if idx, ok := findEntry(entries, 0xFFFF); !ok || idx != 2 {
		t.Fatalf("findEntry(0xFFFF) = (%d, %v), want (2, true)", idx, ok)
	}
	if _, ok := findEntry([]indirectEntry{}, 0); ok {
		t.Fatal("findEntry over an empty slice should report no match")
	}
}

// buildBucketTree assembles a single-bucket bucket-tree image (header +
// offset index padding, one bucket header, then the raw entry records
// packed back to back), matching what readBucketTree expects.
func buildBucketTree(records [][]byte) []byte {
	var entrySize int
	if len(records) > 0 {
		entrySize = len(records[0])
	}
	buf := make([]byte, bucketTreeHeaderSize+16+len(records)*entrySize)
	binary.LittleEndian.PutUint32(buf[4:8], 1) // bucket count

	pos := bucketTreeHeaderSize
	binary.LittleEndian.PutUint32(buf[pos+4:pos+8], uint32(len(records)))
	pos += 16
	for _, rec := range records {
		copy(buf[pos:], rec)
		pos += entrySize
	}
	return buf
}

func indirectRecord(virtualOffset, physicalOffset uint64, fromPatch bool) []byte {
	rec := make([]byte, 20)
	binary.LittleEndian.PutUint64(rec[0:8], virtualOffset)
	binary.LittleEndian.PutUint64(rec[8:16], physicalOffset)
	if fromPatch {
		binary.LittleEndian.PutUint32(rec[16:20], 1)
	}
	return rec
}

func subsectionRecord(virtualOffset uint64, generation uint32) []byte {
	rec := make([]byte, 16)
	binary.LittleEndian.PutUint64(rec[0:8], virtualOffset)
	binary.LittleEndian.PutUint32(rec[12:16], generation)
	return rec
}

func TestParseIndirectTable(t *testing.T) {
	records := [][]byte{
		indirectRecord(0, 0x1000, false),
		indirectRecord(0x4000, 0x20, true),
	}
	image := buildBucketTree(records)

	patch := nca.NewSectionCipher(byteReaderAt(image), 0, uint64(len(image)), nca.CryptoTypeNone, [0x10]byte{}, [8]byte{})
	hdr := &nca.BktrHeader{Offset: 0, Size: uint64(len(image))}

	entries, err := parseIndirectTable(patch, hdr)
	if err != nil {
		t.Fatalf("parseIndirectTable: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].virtualOffset != 0 || entries[0].physicalOffset != 0x1000 || entries[0].fromPatch {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].virtualOffset != 0x4000 || entries[1].physicalOffset != 0x20 || !entries[1].fromPatch {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestParseSubsectionTable(t *testing.T) {
	records := [][]byte{
		subsectionRecord(0, 5),
		subsectionRecord(0x2000, 6),
	}
	image := buildBucketTree(records)

	patch := nca.NewSectionCipher(byteReaderAt(image), 0, uint64(len(image)), nca.CryptoTypeNone, [0x10]byte{}, [8]byte{})
	hdr := &nca.BktrHeader{Offset: 0, Size: uint64(len(image))}

	entries, err := parseSubsectionTable(patch, hdr)
	if err != nil {
		t.Fatalf("parseSubsectionTable: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].generation != 5 || entries[1].generation != 6 {
		t.Errorf("unexpected generations: %+v", entries)
	}
}

func TestReadBucketTreeEmptyHeaderSize(t *testing.T) {
	patch := nca.NewSectionCipher(byteReaderAt(nil), 0, 0, nca.CryptoTypeNone, [0x10]byte{}, [8]byte{})
	hdr := &nca.BktrHeader{Offset: 0, Size: 0}
	recs, err := readBucketTree(patch, hdr, 20, "test")
	if err != nil {
		t.Fatalf("readBucketTree: %v", err)
	}
	if recs != nil {
		t.Fatal("expected no records for a zero-size bucket tree")
	}
}

func TestOverlayReadAtFromPatch(t *testing.T) {
	var key [0x10]byte
	for i := range key {
		key[i] = byte(0x40 + i)
	}
	baseIV := nca.BuildBaseIV([8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	const gen = 7
	const patchStart = 0x10
	const physOff = 0x20 // 16-aligned, so no leading pad
	absolute := uint64(patchStart) + uint64(physOff)

	plain := []byte("BKTR-PATCH-DATA!")
	if len(plain) != 16 {
		t.Fatalf("test fixture must be exactly 16 bytes, got %d", len(plain))
	}

	iv := nca.SetBktrCounter(baseIV, gen)
	stream, err := crypto.NewCTRStream(key[:], iv[:], int64(absolute))
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	cipherText := make([]byte, len(plain))
	stream.XORKeyStream(cipherText, plain)

	backing := make([]byte, absolute+uint64(len(plain)))
	copy(backing[absolute:], cipherText)

	patch := nca.NewSectionCipherWithIV(byteReaderAt(backing), patchStart, patchStart+0x100, key, baseIV)

	ov := &Overlay{
		patch:      patch,
		indirect:   []indirectEntry{{virtualOffset: 0, physicalOffset: physOff, fromPatch: true}},
		subsection: []subsectionEntry{{virtualOffset: 0, generation: gen}},
		logicalEnd: uint64(len(plain)),
	}

	got := make([]byte, len(plain))
	n, err := ov.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(plain) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(plain))
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestOverlayReadAtFromBase(t *testing.T) {
	baseData := []byte("base-content-romfs-bytes")
	base := nca.NewSectionCipher(byteReaderAt(baseData), 0, uint64(len(baseData)), nca.CryptoTypeNone, [0x10]byte{}, [8]byte{})

	ov := &Overlay{
		base:       base,
		indirect:   []indirectEntry{{virtualOffset: 0, physicalOffset: 5, fromPatch: false}},
		subsection: []subsectionEntry{{virtualOffset: 0, generation: 0}},
		logicalEnd: uint64(len(baseData)),
	}

	got := make([]byte, 7)
	if _, err := ov.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("got %q, want %q", got, "content")
	}
}

func TestOverlayReadAtBaseUnavailable(t *testing.T) {
	ov := &Overlay{
		base:       nil,
		indirect:   []indirectEntry{{virtualOffset: 0, physicalOffset: 0, fromPatch: false}},
		subsection: []subsectionEntry{{virtualOffset: 0, generation: 0}},
		logicalEnd: 16,
	}

	_, err := ov.ReadAt(make([]byte, 4), 0)
	if err == nil {
		t.Fatal("expected an error when the base content is unavailable")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindBaseUnavailable {
		t.Fatalf("expected KindBaseUnavailable, got %v", err)
	}
}

func TestOverlayReadAtNoIndirectEntryIsHole(t *testing.T) {
	ov := &Overlay{
		indirect:   nil,
		logicalEnd: 16,
	}

	_, err := ov.ReadAt(make([]byte, 4), 0)
	if err == nil {
		t.Fatal("expected an error when no indirect entry covers the offset")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindBktrHole {
		t.Fatalf("expected KindBktrHole, got %v", err)
	}
}
