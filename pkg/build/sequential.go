package build

import (
	"fmt"
	"hash/crc32"
	"io"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/cnmt"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/keys"
	"github.com/ndump/core/pkg/nca"
	"github.com/ndump/core/pkg/stream"
	"github.com/ndump/core/pkg/ticket"
)

// Sequential builders (spec §4.7.4): the same producers as BuildNSP and
// DumpXCI, but writing SequentialChunks output with a sidecar checkpoint
// after every unit of progress, so a dump interrupted by cancellation or
// a process exit resumes on the next invocation instead of starting
// over. Chunk granularity is one content record for NSP (the SHA-256
// identity of each NCA finalizes at its end, which is the natural
// byte-stable resume point) and one streaming block for XCI (whose CRC32
// running state is a plain uint32 and checkpoints for free).

// chunkExists reports whether chunk index i of a chunked output is still
// on disk; a resume over a directory the user has deleted chunks from
// fails CheckpointInvalid (spec §4.7.4).
func chunkExists(fs afero.Fs, outPath string, i int) bool {
	_, err := fs.Stat(fmt.Sprintf("%s/%02d", outPath, i))
	return err == nil
}

func verifyChunks(fs afero.Fs, outPath string, through int, op string) error {
	for i := 0; i <= through; i++ {
		if !chunkExists(fs, outPath, i) {
			return errs.Named(errs.KindCheckpointInvalid, op, fmt.Sprintf("%02d", i), fmt.Errorf("already-written chunk missing"))
		}
	}
	return nil
}

// BuildNSPSequential is BuildNSP in sequential mode: the data region is
// streamed into numbered chunks of chunkSize bytes, the PFS0 header goes
// to a separate .hdr companion (chunk 0 holds data, not the header), and
// an .nsp.seq sidecar tracks per-NCA progress. Re-invoking with the same
// arguments after an interruption resumes from the sidecar and yields
// the same final byte set as a non-sequential dump (spec §8 scenario 6).
//
// Compression is rejected here because resuming needs each member's
// output size to be knowable without re-streaming it; an ACID patch is
// accepted only with DeterministicNpdmSigning, which makes the re-signed
// Program NCA byte-stable across sessions without persisting whole
// modified headers (spec §9 Open Question — the sidecar format keeps its
// header-storage fields for compatibility, but this builder never needs
// them).
func BuildNSPSequential(fs afero.Fs, ks *keys.KeySet, src ContentOpener, metaID ids.ContentID, resolver nca.TitleKeyResolver, tikSrc ticket.Source, outPath string, cfg NSPConfig, chunkSize int64, obs Observer, cancel *atomic.Bool) (*NSPResult, error) {
	const op = "build.BuildNSPSequential"
	if obs == nil {
		obs = NullObserver{}
	}
	if cfg.Compress {
		return nil, errs.New(errs.KindConfiguration, op, fmt.Errorf("compression is not supported in sequential mode"))
	}
	if cfg.NpdmAcidPatch && !cfg.DeterministicNpdmSigning {
		return nil, errs.New(errs.KindConfiguration, op, fmt.Errorf("sequential ACID patching requires deterministic NPDM signing"))
	}
	if chunkSize <= 0 {
		return nil, errs.New(errs.KindConfiguration, op, fmt.Errorf("chunk size must be positive"))
	}

	meta, err := loadMeta(src, ks, metaID, resolver)
	if err != nil {
		return nil, err
	}
	records := meta.FilterDeltaFragments(cfg.IncludeDeltaFragments)
	var nonMeta []cnmt.ContentRecord
	for _, r := range records {
		if r.Type != ids.ContentTypeMeta {
			nonMeta = append(nonMeta, r)
		}
	}
	sortContentRecords(nonMeta)

	aux, err := peekAuxTicket(src, ks, nonMeta, cfg, tikSrc, obs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(nonMeta)+3)
	for range nonMeta {
		names = append(names, placeholderContentIDHex+".nca")
	}
	names = append(names, placeholderContentIDHex+".cnmt.nca")
	if aux.include {
		names = append(names, placeholderContentIDHex+".tik", placeholderContentIDHex+".cert")
	}
	headerSize := pfs0HeaderSize(names)
	fileCount := len(names)

	resumeFrom := 0
	var hashes [][32]byte
	if cp, err := ReadNSPCheckpoint(fs, outPath); err == nil {
		if cp.RemoveConsoleData != cfg.RemoveConsoleData || cp.Tikless != cfg.Tikless || cp.NpdmPatch != cfg.NpdmAcidPatch {
			return nil, errs.New(errs.KindCheckpointInvalid, op, fmt.Errorf("checkpoint was written with a different configuration"))
		}
		if cp.PfsFileCount != uint32(fileCount) || int(cp.PfsFileIndex) > len(nonMeta) || int(cp.NcaCount) != int(cp.PfsFileIndex) {
			return nil, errs.New(errs.KindCheckpointInvalid, op, fmt.Errorf("checkpoint does not match this title"))
		}
		if err := verifyChunks(fs, outPath, int(cp.ChunkIndex), op); err != nil {
			return nil, err
		}
		resumeFrom = int(cp.PfsFileIndex)
		hashes = cp.FinalizedHashes
	}

	s, err := stream.Open(fs, outPath, stream.Config{Mode: stream.SequentialChunks, ChunkSize: chunkSize})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	result := &NSPResult{ContentIDs: make(map[ids.ContentID]ids.ContentID), State: StateStreamingNca}
	var written []pfs0Entry
	streamPos := headerSize

	var titleKey [0x10]byte
	var haveTitleKey bool

	// Fast-forward over the records a previous session already finished:
	// their identities come from the checkpoint's finalized hashes, their
	// sizes are re-derived from the (unchanged) source content.
	for i := 0; i < resumeFrom; i++ {
		rec := nonMeta[i]
		r, size, err := src.OpenContent(rec.ID)
		if err != nil {
			return nil, err
		}
		if n, err := nca.Open(r, ks, resolver); err == nil && n.Header.HasRightsID() && !haveTitleKey {
			titleKey = n.Header.SectionKey
			haveTitleKey = true
		}
		newID := ids.ContentIDFromHash(hashes[i])
		result.ContentIDs[rec.ID] = newID
		meta.SetContentID(rec.ID, newID, uint64(size))
		meta.SetHash(newID, hashes[i])
		written = append(written, pfs0Entry{name: newID.Hex() + ".nca", off: streamPos, size: size})
		streamPos += size
	}
	if resumeFrom > 0 {
		if err := s.ResumeAt(streamPos - headerSize); err != nil {
			return nil, err
		}
	}

	for i := resumeFrom; i < len(nonMeta); i++ {
		rec := nonMeta[i]
		if cancel != nil && cancel.Load() {
			s.Cancel(true)
			return nil, errs.New(errs.KindCancelled, op, nil)
		}

		r, size, err := src.OpenContent(rec.ID)
		if err != nil {
			return nil, err
		}
		n, err := nca.Open(r, ks, resolver)
		if err != nil {
			if asErr, ok := err.(*errs.Error); ok && asErr.Kind == errs.KindTicketNotFound {
				obs.OnWarning(err)
				n = nil
			} else {
				return nil, err
			}
		}
		if n != nil && n.Header.HasRightsID() && !haveTitleKey {
			titleKey = n.Header.SectionKey
			haveTitleKey = true
		}

		newID, newSize, newHash, err := streamOneNCA(s, ks, r, size, n, rec, cfg)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, newHash)
		result.ContentIDs[rec.ID] = newID
		meta.SetContentID(rec.ID, newID, newSize)
		meta.SetHash(newID, newHash)
		written = append(written, pfs0Entry{name: newID.Hex() + ".nca", off: streamPos, size: int64(newSize)})
		streamPos += int64(newSize)
		obs.OnProgress("nsp", streamPos, 0, 0)

		cp := NSPCheckpoint{
			RemoveConsoleData: cfg.RemoveConsoleData,
			Tikless:           cfg.Tikless,
			NpdmPatch:         cfg.NpdmAcidPatch,
			Preinstall:        !aux.include && !aux.rightsID.IsZero(),
			ChunkIndex:        uint8(s.ChunkIndex()),
			PfsFileCount:      uint32(fileCount),
			PfsFileIndex:      uint32(i + 1),
			NcaCount:          uint32(i + 1),
			FinalizedHashes:   hashes,
		}
		if err := WriteNSPCheckpoint(fs, outPath, cp); err != nil {
			return nil, err
		}
	}

	metaBody := meta.Serialize()
	metaNcaBytes, newMetaID, err := rewriteMetaNCA(src, ks, metaID, resolver, metaBody)
	if err != nil {
		return nil, err
	}
	result.NewMetaID = newMetaID
	result.State = StateStreamingMeta
	if err := s.Write(metaNcaBytes); err != nil {
		return nil, err
	}
	written = append(written, pfs0Entry{name: newMetaID.Hex() + ".cnmt.nca", off: streamPos, size: int64(len(metaNcaBytes))})
	streamPos += int64(len(metaNcaBytes))

	result.State = StateStreamingAux
	if aux.include {
		tikRaw := aux.tik
		if cfg.RemoveConsoleData {
			tikRaw, err = ticket.Scrub(aux.tik, titleKey)
			if err != nil {
				return nil, err
			}
		}
		if err := s.Write(tikRaw); err != nil {
			return nil, err
		}
		written = append(written, pfs0Entry{name: aux.rightsID.Hex() + ".tik", off: streamPos, size: int64(len(tikRaw))})
		streamPos += int64(len(tikRaw))

		if err := s.Write(aux.cert); err != nil {
			return nil, err
		}
		written = append(written, pfs0Entry{name: aux.rightsID.Hex() + ".cert", off: streamPos, size: int64(len(aux.cert))})
		streamPos += int64(len(aux.cert))
	}

	// Chunk 0 starts with the first data byte, so the finished header
	// goes to a .hdr companion instead of a placeholder (spec §4.7.4).
	realHeader := composePfs0Header(written, headerSize)
	if err := WriteHeaderSidecar(fs, outPath, realHeader); err != nil {
		return nil, err
	}
	if err := DeleteNSPCheckpoint(fs, outPath); err != nil {
		return nil, err
	}

	result.State = StateDone
	result.TotalBytes = streamPos
	return result, nil
}

// DumpXCISequential is DumpXCI in sequential mode: chunked output plus an
// .xci.seq sidecar updated after every streamed block, carrying the
// partition cursor and both running CRC32 values (CRC32 running state is
// just the value itself, so the sidecar restores it exactly).
func DumpXCISequential(fs afero.Fs, src GamecardSource, outPath string, cfg XCIConfig, chunkSize int64, obs Observer, cancel *atomic.Bool) (certCRC, certlessCRC uint32, err error) {
	const op = "build.DumpXCISequential"
	if obs == nil {
		obs = NullObserver{}
	}
	if chunkSize <= 0 {
		return 0, 0, errs.New(errs.KindConfiguration, op, fmt.Errorf("chunk size must be positive"))
	}

	partitions := []storagePartition{}
	var totalSize int64
	for _, id := range partitionOrder {
		r, size, ok := src.Partition(id)
		if !ok {
			continue
		}
		if id == securePartitionID && cfg.Trim {
			size = trimmedSize(r, size)
		}
		partitions = append(partitions, storagePartition{id: id, r: r, size: size})
		totalSize += size
	}

	startPartition, startOffset := 0, int64(0)
	if cp, err := ReadXCICheckpoint(fs, outPath); err == nil {
		if cp.KeepCert != cfg.KeepCert || cp.Trim != cfg.Trim || cp.CalcCRC != cfg.CalcCRC {
			return 0, 0, errs.New(errs.KindCheckpointInvalid, op, fmt.Errorf("checkpoint was written with a different configuration"))
		}
		if int(cp.PartitionIndex) > len(partitions) {
			return 0, 0, errs.New(errs.KindCheckpointInvalid, op, fmt.Errorf("checkpoint partition index out of range"))
		}
		if err := verifyChunks(fs, outPath, int(cp.ChunkIndex), op); err != nil {
			return 0, 0, err
		}
		startPartition = int(cp.PartitionIndex)
		startOffset = int64(cp.PartitionOffset)
		certCRC = cp.CertCRC32
		certlessCRC = cp.CertlessCRC32
	}

	s, err := stream.Open(fs, outPath, stream.Config{Mode: stream.SequentialChunks, ChunkSize: chunkSize, TotalSize: totalSize})
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()

	var absolute int64
	for _, p := range partitions[:startPartition] {
		absolute += p.size
	}
	absolute += startOffset
	if absolute > 0 {
		if err := s.ResumeAt(absolute); err != nil {
			return 0, 0, err
		}
	}

	const blockSize = 1 << 20
	buf := make([]byte, blockSize)

	for pi := startPartition; pi < len(partitions); pi++ {
		p := partitions[pi]
		off := int64(0)
		if pi == startPartition {
			off = startOffset
		}
		for off < p.size {
			if cancel != nil && cancel.Load() {
				s.Cancel(true)
				return 0, 0, errs.New(errs.KindCancelled, op, nil)
			}
			n := int64(blockSize)
			if p.size-off < n {
				n = p.size - off
			}
			chunk := buf[:n]
			if _, err := p.r.ReadAt(chunk, off); err != nil && err != io.EOF {
				return 0, 0, errs.New(errs.KindShortRead, op, err)
			}

			if !cfg.KeepCert {
				maskCertRegion(chunk, absolute, CertOffset, certSize)
			}
			if err := s.Write(chunk); err != nil {
				return 0, 0, err
			}

			if cfg.CalcCRC {
				certCRC = crc32.Update(certCRC, crc32.IEEETable, chunk)
				if cfg.KeepCert && absolute < CertOffset+certSize && absolute+n > CertOffset {
					masked := append([]byte(nil), chunk...)
					maskCertRegion(masked, absolute, CertOffset, certSize)
					certlessCRC = crc32.Update(certlessCRC, crc32.IEEETable, masked)
				} else {
					certlessCRC = crc32.Update(certlessCRC, crc32.IEEETable, chunk)
				}
			}

			off += n
			absolute += n
			obs.OnProgress("xci", absolute, totalSize, 0)

			cp := XCICheckpoint{
				KeepCert:        cfg.KeepCert,
				Trim:            cfg.Trim,
				CalcCRC:         cfg.CalcCRC,
				ChunkIndex:      uint8(s.ChunkIndex()),
				PartitionIndex:  uint8(pi),
				PartitionOffset: uint64(off),
				CertCRC32:       certCRC,
				CertlessCRC32:   certlessCRC,
			}
			if err := WriteXCICheckpoint(fs, outPath, cp); err != nil {
				return 0, 0, err
			}
		}
	}

	if err := DeleteXCICheckpoint(fs, outPath); err != nil {
		return 0, 0, err
	}
	if !cfg.CalcCRC {
		return 0, 0, nil
	}
	if !cfg.KeepCert {
		certlessCRC = certCRC
	}
	return certCRC, certlessCRC, nil
}
