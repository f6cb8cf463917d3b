package build

import (
	"hash/crc32"
	"io"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/storage"
	"github.com/ndump/core/pkg/stream"
)

// CertOffset is the absolute byte offset of the 0x200-byte certificate
// region in the XCI output (spec §4.7.1); masking applies at this output
// offset whichever partition's bytes land there.
const CertOffset = 0x7000

const certSize = 0x200

// GamecardSource exposes the gamecard's partitions as plain ReaderAt/size
// pairs, decoupling the XCI producer from pkg/storage's hot-plug/sector
// alignment concerns (those live below, inside whatever ReaderAt this
// caller hands in — typically a *storage.GamecardPartition).
type GamecardSource interface {
	Partition(id storage.PartitionID) (r io.ReaderAt, size int64, ok bool)
}

// partitionOrder is the read order of an XCI dump (spec §4.7.1: normal,
// [logo,] secure); absent partitions are skipped.
var partitionOrder = []storage.PartitionID{storage.PartitionNormal, storage.PartitionLogo, storage.PartitionSecure}

const securePartitionID = storage.PartitionSecure

// storagePartition is one present partition resolved from a
// GamecardSource, with trim already applied to its size where requested.
type storagePartition struct {
	id   storage.PartitionID
	r    io.ReaderAt
	size int64
}

// DumpXCI implements the XCI producer (spec §4.7.1): concatenates the
// gamecard's Normal, [Logo,] and Secure partitions, optionally trims the
// trailing 0xFF run of the Secure partition, optionally masks the
// certificate region, and computes one or two CRC32 variants.
func DumpXCI(fs afero.Fs, src GamecardSource, outPath string, cfg XCIConfig, obs Observer, cancel *atomic.Bool) (certCRC, certlessCRC uint32, err error) {
	const op = "build.DumpXCI"
	if obs == nil {
		obs = NullObserver{}
	}

	var present []storagePartition
	var totalSize int64
	for _, id := range partitionOrder {
		r, size, ok := src.Partition(id)
		if !ok {
			continue
		}
		present = append(present, storagePartition{id, r, size})
		totalSize += size
	}

	mode := stream.Single
	chunkSize := int64(0)
	if cfg.FatSplit {
		mode = stream.FatSplit
		chunkSize = stream.FatSplitSize
	}
	s, err := stream.Open(fs, outPath, stream.Config{Mode: mode, ChunkSize: chunkSize, ArchiveBit: cfg.ArchiveBit, TotalSize: totalSize})
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()
	if cfg.CalcCRC {
		s.EnableCRC32()
	}

	certlessHash := crc32.NewIEEE()
	var absolute int64
	const blockSize = 1 << 20
	buf := make([]byte, blockSize)

	for _, p := range present {
		secureSize := p.size
		if p.id == storage.PartitionSecure && cfg.Trim {
			secureSize = trimmedSize(p.r, p.size)
		}

		var off int64
		for off < secureSize {
			if cancel != nil && cancel.Load() {
				s.Cancel(false)
				return 0, 0, errs.New(errs.KindCancelled, op, nil)
			}
			n := int64(blockSize)
			if secureSize-off < n {
				n = secureSize - off
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
				if cfg.KeepCert && absolute < CertOffset+certSize && absolute+n > CertOffset {
					masked := append([]byte(nil), chunk...)
					maskCertRegion(masked, absolute, CertOffset, certSize)
					certlessHash.Write(masked)
				} else {
					certlessHash.Write(chunk)
				}
			}

			off += n
			absolute += n
			obs.OnProgress("xci", absolute, totalSize, 0)
		}
	}

	if cfg.CalcCRC {
		certCRC = s.CRC32()
		if cfg.KeepCert {
			certlessCRC = certlessHash.Sum32()
		} else {
			certlessCRC = certCRC
		}
	}
	return certCRC, certlessCRC, nil
}

// trimmedSize returns the offset of the start of the trailing run of
// 0xFF bytes in r (spec §4.7.1 "the terminal run of 0xFF bytes... is
// elided"), scanning backward in blocks.
func trimmedSize(r io.ReaderAt, size int64) int64 {
	const block = 1 << 16
	buf := make([]byte, block)
	end := size
	for end > 0 {
		start := end - block
		if start < 0 {
			start = 0
		}
		n, err := r.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return end
		}
		chunk := buf[:n]
		i := len(chunk)
		for i > 0 && chunk[i-1] == 0xFF {
			i--
		}
		if i > 0 {
			return start + int64(i)
		}
		end = start
	}
	return 0
}

// maskCertRegion overwrites the certificate region with 0xFF wherever
// [absoluteOffset, absoluteOffset+len(chunk)) overlaps
// [certOffset, certOffset+certSize) (spec §4.7.1).
func maskCertRegion(chunk []byte, absoluteOffset, certOffset int64, certSize int) {
	regionEnd := certOffset + int64(certSize)
	chunkEnd := absoluteOffset + int64(len(chunk))
	if chunkEnd <= certOffset || absoluteOffset >= regionEnd {
		return
	}
	start := certOffset
	if absoluteOffset > start {
		start = absoluteOffset
	}
	end := regionEnd
	if chunkEnd < end {
		end = chunkEnd
	}
	for i := start; i < end; i++ {
		chunk[i-absoluteOffset] = 0xFF
	}
}
