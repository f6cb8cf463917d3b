package build

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/nca"
)

func TestXCICheckpointRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cp := XCICheckpoint{
		KeepCert:        true,
		Trim:            true,
		CalcCRC:         true,
		ChunkIndex:      3,
		PartitionIndex:  1,
		PartitionOffset: 0xDEADBEEF,
		CertCRC32:       0x12345678,
		CertlessCRC32:   0x9ABCDEF0,
	}
	if err := WriteXCICheckpoint(fs, "out.xci", cp); err != nil {
		t.Fatalf("WriteXCICheckpoint: %v", err)
	}
	got, err := ReadXCICheckpoint(fs, "out.xci")
	if err != nil {
		t.Fatalf("ReadXCICheckpoint: %v", err)
	}
	if got != cp {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cp)
	}
}

func TestXCICheckpointMissingIsInvalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := ReadXCICheckpoint(fs, "nope.xci"); !errors.Is(err, errs.ErrCheckpointInvalid) {
		t.Fatalf("expected CheckpointInvalid, got %v", err)
	}
}

func TestXCICheckpointTruncatedIsInvalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "out.xci.seq", []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadXCICheckpoint(fs, "out.xci"); !errors.Is(err, errs.ErrCheckpointInvalid) {
		t.Fatalf("expected CheckpointInvalid, got %v", err)
	}
}

func TestNSPCheckpointRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	hdr := make([]byte, nca.HeaderStructSize)
	for i := range hdr {
		hdr[i] = byte(i)
	}
	cp := NSPCheckpoint{
		StorageID:          1,
		RemoveConsoleData:  true,
		Tikless:            false,
		NpdmPatch:          true,
		Preinstall:         false,
		ChunkIndex:         7,
		PfsFileCount:       5,
		PfsFileIndex:       2,
		PfsFileOffset:      0x1234,
		NcaCount:           2,
		ProgramNcaModCount: 1,
		ShaContext:         []byte{9, 8, 7, 6},
		FinalizedHashes:    [][32]byte{{1}, {2}},
		ProgramHeaders:     [][]byte{hdr},
	}
	if err := WriteNSPCheckpoint(fs, "out.nsp", cp); err != nil {
		t.Fatalf("WriteNSPCheckpoint: %v", err)
	}
	got, err := ReadNSPCheckpoint(fs, "out.nsp")
	if err != nil {
		t.Fatalf("ReadNSPCheckpoint: %v", err)
	}
	if got.StorageID != cp.StorageID || got.RemoveConsoleData != cp.RemoveConsoleData ||
		got.Tikless != cp.Tikless || got.NpdmPatch != cp.NpdmPatch ||
		got.Preinstall != cp.Preinstall || got.ChunkIndex != cp.ChunkIndex ||
		got.PfsFileCount != cp.PfsFileCount || got.PfsFileIndex != cp.PfsFileIndex ||
		got.PfsFileOffset != cp.PfsFileOffset || got.NcaCount != cp.NcaCount ||
		got.ProgramNcaModCount != cp.ProgramNcaModCount {
		t.Fatalf("header round trip mismatch: got %+v", got)
	}
	if !bytes.Equal(got.ShaContext, cp.ShaContext) {
		t.Error("sha context mismatch")
	}
	if len(got.FinalizedHashes) != 2 || got.FinalizedHashes[0] != cp.FinalizedHashes[0] || got.FinalizedHashes[1] != cp.FinalizedHashes[1] {
		t.Error("finalized hashes mismatch")
	}
	if len(got.ProgramHeaders) != 1 || !bytes.Equal(got.ProgramHeaders[0], hdr) {
		t.Error("program headers mismatch")
	}
}

func TestNSPCheckpointRejectsWrongHeaderSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	cp := NSPCheckpoint{ProgramNcaModCount: 1, ProgramHeaders: [][]byte{{1, 2, 3}}}
	if err := WriteNSPCheckpoint(fs, "out.nsp", cp); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected Configuration error for short program header, got %v", err)
	}
}

func TestDeleteCheckpointIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := WriteNSPCheckpoint(fs, "out.nsp", NSPCheckpoint{}); err != nil {
		t.Fatal(err)
	}
	if err := DeleteNSPCheckpoint(fs, "out.nsp"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := DeleteNSPCheckpoint(fs, "out.nsp"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestWriteHeaderSidecar(t *testing.T) {
	fs := afero.NewMemMapFs()
	header := []byte("PFS0....")
	if err := WriteHeaderSidecar(fs, "out", header); err != nil {
		t.Fatalf("WriteHeaderSidecar: %v", err)
	}
	got, err := afero.ReadFile(fs, "out.hdr")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, header) {
		t.Fatal("sidecar bytes mismatch")
	}
}
