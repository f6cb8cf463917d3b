package nsz

import (
	"bytes"
	"testing"

	"github.com/ndump/core/pkg/ids"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	// Span more than one block so the block table actually exercises more
	// than a single entry.
	data := bytes.Repeat([]byte("pretend-this-is-nca-ciphertext."), 1<<16)

	compressed, err := CompressStream(bytes.NewReader(data), int64(len(data)), 3, ids.ContentTypeProgram)
	if err != nil {
		t.Fatalf("CompressStream: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatal("CompressStream produced no output")
	}

	got, err := DecompressStream(compressed)
	if err != nil {
		t.Fatalf("DecompressStream: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decompressed output does not match the original bytes")
	}
}

func TestCompressSmallInputSingleBlock(t *testing.T) {
	data := []byte("small member, fits in one block")
	compressed, err := CompressStream(bytes.NewReader(data), int64(len(data)), 0, ids.ContentTypeData)
	if err != nil {
		t.Fatalf("CompressStream: %v", err)
	}
	got, err := DecompressStream(compressed)
	if err != nil {
		t.Fatalf("DecompressStream: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestDecompressRejectsTruncatedHeader(t *testing.T) {
	if _, err := DecompressStream([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error decompressing a buffer too short for even the section header")
	}
}

func TestDecompressRejectsBadSectionMagic(t *testing.T) {
	data := []byte("round-trip-me")
	compressed, err := CompressStream(bytes.NewReader(data), int64(len(data)), 3, ids.ContentTypeData)
	if err != nil {
		t.Fatalf("CompressStream: %v", err)
	}
	corrupt := append([]byte(nil), compressed...)
	copy(corrupt[0:8], "XXXXXXXX")
	if _, err := DecompressStream(corrupt); err == nil {
		t.Fatal("expected an error decompressing a member with a corrupted NCZSECTN magic")
	}
}

func TestDecompressRejectsBadBlockMagic(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 64)
	compressed, err := CompressStream(bytes.NewReader(data), int64(len(data)), 3, ids.ContentTypeData)
	if err != nil {
		t.Fatalf("CompressStream: %v", err)
	}
	// The block header immediately follows the fixed 16-byte section
	// header (magic + SectionCount) plus one NczSectionEntry (0x40 bytes:
	// two uint64 offsets, CryptoType, Padding, then a 16-byte key and a
	// 16-byte counter).
	blockHdrOffset := 16 + 0x40
	corrupt := append([]byte(nil), compressed...)
	copy(corrupt[blockHdrOffset:blockHdrOffset+8], "XXXXXXXX")
	if _, err := DecompressStream(corrupt); err == nil {
		t.Fatal("expected an error decompressing a member with a corrupted NCZBLOCK magic")
	}
}
