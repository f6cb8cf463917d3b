package build

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/nca"
)

// Sequential dumps (spec §4.7.4) checkpoint their progress to a sidecar
// file next to the output so a dump can resume across process exits when
// the output medium can't hold the whole package at once. The layouts
// below are spec §6's fixed-size records, read/written with encoding/binary
// the same way pkg/nca/pkg/cnmt decode their own on-disk structures.

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// --- XCI sidecar (<name>.xci.seq) ---

// XCICheckpoint mirrors spec §6's XCI sidecar record.
type XCICheckpoint struct {
	KeepCert        bool
	Trim            bool
	CalcCRC         bool
	ChunkIndex      uint8
	PartitionIndex  uint8
	PartitionOffset uint64
	CertCRC32       uint32
	CertlessCRC32   uint32
}

func xciCheckpointPath(outPath string) string { return outPath + ".seq" }

// WriteXCICheckpoint serializes an XCI sidecar (spec §6 "fixed-size
// record").
func WriteXCICheckpoint(fs afero.Fs, outPath string, cp XCICheckpoint) error {
	const op = "build.WriteXCICheckpoint"
	var buf bytes.Buffer
	fields := []any{
		boolByte(cp.KeepCert), boolByte(cp.Trim), boolByte(cp.CalcCRC),
		cp.ChunkIndex, cp.PartitionIndex, cp.PartitionOffset,
		cp.CertCRC32, cp.CertlessCRC32,
	}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return errs.New(errs.KindBackend, op, err)
		}
	}
	if err := afero.WriteFile(fs, xciCheckpointPath(outPath), buf.Bytes(), 0o644); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}
	return nil
}

// ReadXCICheckpoint restores an XCI sidecar, failing with
// CheckpointInvalid if it's missing or truncated (spec §4.7.4 "if the
// user has removed any already-written chunk, the resume fails with
// CheckpointInvalid").
func ReadXCICheckpoint(fs afero.Fs, outPath string) (XCICheckpoint, error) {
	const op = "build.ReadXCICheckpoint"
	raw, err := afero.ReadFile(fs, xciCheckpointPath(outPath))
	if err != nil {
		return XCICheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
	}
	r := bytes.NewReader(raw)
	var keepCert, trim, calcCRC uint8
	var cp XCICheckpoint
	fields := []any{
		&keepCert, &trim, &calcCRC,
		&cp.ChunkIndex, &cp.PartitionIndex, &cp.PartitionOffset,
		&cp.CertCRC32, &cp.CertlessCRC32,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return XCICheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
		}
	}
	cp.KeepCert, cp.Trim, cp.CalcCRC = keepCert != 0, trim != 0, calcCRC != 0
	return cp, nil
}

// DeleteXCICheckpoint removes the sidecar on final completion (spec
// §4.7.4 "on final completion, the sidecar is deleted").
func DeleteXCICheckpoint(fs afero.Fs, outPath string) error {
	return removeIfExists(fs, xciCheckpointPath(outPath))
}

// --- NSP sidecar (<name>.nsp.seq) ---

// NSPCheckpoint mirrors spec §6's NSP sidecar record: a fixed header plus
// the two variable-length trailers it names (finalized per-NCA hashes,
// and the full modified Program-NCA headers needed because ACID
// signatures can be random across runs unless DeterministicNpdmSigning is
// set).
type NSPCheckpoint struct {
	StorageID          uint8
	RemoveConsoleData  bool
	Tikless            bool
	NpdmPatch          bool
	Preinstall         bool
	ChunkIndex         uint8
	PfsFileCount       uint32
	PfsFileIndex       uint32
	PfsFileOffset      uint64
	NcaCount           uint32
	ProgramNcaModCount uint32
	ShaContext         []byte     // current streaming NCA's marshaled SHA-256 state
	FinalizedHashes    [][32]byte // one per already-completed NCA, nca_count entries once done
	ProgramHeaders     [][]byte   // modified Program-NCA headers, nca.HeaderStructSize bytes apiece
}

func nspCheckpointPath(outPath string) string { return outPath + ".seq" }

// WriteNSPCheckpoint serializes an NSP sidecar.
func WriteNSPCheckpoint(fs afero.Fs, outPath string, cp NSPCheckpoint) error {
	const op = "build.WriteNSPCheckpoint"
	var buf bytes.Buffer

	header := []any{
		cp.StorageID,
		boolByte(cp.RemoveConsoleData), boolByte(cp.Tikless), boolByte(cp.NpdmPatch), boolByte(cp.Preinstall),
		cp.ChunkIndex,
		cp.PfsFileCount, cp.PfsFileIndex, cp.PfsFileOffset,
		cp.NcaCount, cp.ProgramNcaModCount,
		uint32(len(cp.ShaContext)),
	}
	for _, f := range header {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return errs.New(errs.KindBackend, op, err)
		}
	}
	buf.Write(cp.ShaContext)

	for _, h := range cp.FinalizedHashes {
		buf.Write(h[:])
	}
	for _, h := range cp.ProgramHeaders {
		if len(h) != nca.HeaderStructSize {
			return errs.New(errs.KindConfiguration, op, nil)
		}
		buf.Write(h)
	}

	if err := afero.WriteFile(fs, nspCheckpointPath(outPath), buf.Bytes(), 0o644); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}
	return nil
}

// ReadNSPCheckpoint restores an NSP sidecar.
func ReadNSPCheckpoint(fs afero.Fs, outPath string) (NSPCheckpoint, error) {
	const op = "build.ReadNSPCheckpoint"
	raw, err := afero.ReadFile(fs, nspCheckpointPath(outPath))
	if err != nil {
		return NSPCheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
	}
	r := bytes.NewReader(raw)

	var storageID, removeConsoleData, tikless, npdmPatch, preinstall, chunkIndex uint8
	var pfsFileCount, pfsFileIndex, ncaCount, programNcaModCount, shaLen uint32
	var pfsFileOffset uint64
	header := []any{
		&storageID,
		&removeConsoleData, &tikless, &npdmPatch, &preinstall,
		&chunkIndex,
		&pfsFileCount, &pfsFileIndex, &pfsFileOffset,
		&ncaCount, &programNcaModCount,
		&shaLen,
	}
	for _, f := range header {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return NSPCheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
		}
	}

	shaContext := make([]byte, shaLen)
	if _, err := io.ReadFull(r, shaContext); err != nil {
		return NSPCheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
	}

	hashes := make([][32]byte, ncaCount)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return NSPCheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
		}
	}

	headers := make([][]byte, programNcaModCount)
	for i := range headers {
		h := make([]byte, nca.HeaderStructSize)
		if _, err := io.ReadFull(r, h); err != nil {
			return NSPCheckpoint{}, errs.New(errs.KindCheckpointInvalid, op, err)
		}
		headers[i] = h
	}

	return NSPCheckpoint{
		StorageID:          storageID,
		RemoveConsoleData:  removeConsoleData != 0,
		Tikless:            tikless != 0,
		NpdmPatch:          npdmPatch != 0,
		Preinstall:         preinstall != 0,
		ChunkIndex:         chunkIndex,
		PfsFileCount:       pfsFileCount,
		PfsFileIndex:       pfsFileIndex,
		PfsFileOffset:      pfsFileOffset,
		NcaCount:           ncaCount,
		ProgramNcaModCount: programNcaModCount,
		ShaContext:         shaContext,
		FinalizedHashes:    hashes,
		ProgramHeaders:     headers,
	}, nil
}

// DeleteNSPCheckpoint removes the sidecar on final completion.
func DeleteNSPCheckpoint(fs afero.Fs, outPath string) error {
	return removeIfExists(fs, nspCheckpointPath(outPath))
}

// headerSidecarPath is the `.hdr` companion file the PFS0 header is
// written to when a sequential dump skipped chunk 0 (spec §4.7.4 "the
// PFS0 header is written to a separate .hdr companion file").
func headerSidecarPath(outPath string) string { return outPath + ".hdr" }

// WriteHeaderSidecar writes a finished PFS0 header to its `.hdr`
// companion file.
func WriteHeaderSidecar(fs afero.Fs, outPath string, header []byte) error {
	const op = "build.WriteHeaderSidecar"
	if err := afero.WriteFile(fs, headerSidecarPath(outPath), header, 0o644); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}
	return nil
}

func removeIfExists(fs afero.Fs, path string) error {
	const op = "build.removeIfExists"
	if err := fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindBackend, op, err)
	}
	return nil
}
