package build

import (
	"hash/crc32"
	"io"
	"path"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/nca"
)

// Standalone gamecard partition dumps: the raw image of a single HFS0
// partition, the extracted files of one, or just the 0x200-byte
// certificate region. All three operate below the XCI/NSP producers —
// no CNMT, no re-identification — and share their Observer/cancellation
// contract.

// DumpRawHFS0Partition streams one gamecard partition's bytes verbatim,
// from offset 0 to its size, optionally FAT-split. The partition is not
// parsed; this is the byte-exact companion to DumpHFS0Files for
// consumers that want the container rather than its contents.
func DumpRawHFS0Partition(fs afero.Fs, r io.ReaderAt, size int64, outPath string, cfg TreeConfig, obs Observer, cancel *atomic.Bool) error {
	const op = "build.DumpRawHFS0Partition"
	if obs == nil {
		obs = NullObserver{}
	}

	s, err := openTreeOutput(fs, outPath, size, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	const block = 1 << 20
	buf := make([]byte, block)
	var off int64
	for off < size {
		if cancel != nil && cancel.Load() {
			s.Cancel(false)
			return errs.New(errs.KindCancelled, op, nil)
		}
		n := int64(block)
		if size-off < n {
			n = size - off
		}
		chunk := buf[:n]
		if _, err := r.ReadAt(chunk, off); err != nil && err != io.EOF {
			return errs.New(errs.KindShortRead, op, err)
		}
		if err := s.Write(chunk); err != nil {
			return err
		}
		off += n
		obs.OnProgress("hfs0", off, size, 0)
	}
	return nil
}

// DumpHFS0Files extracts every entry of an HFS0 partition view into a
// directory, streaming each file through the Output Streamer. Each
// entry's declared SHA-256 is checked over its hashed region; a mismatch
// is reported through the Observer and the extraction proceeds (spec §7
// IntegrityMismatch is non-fatal).
func DumpHFS0Files(fs afero.Fs, view *nca.PartitionView, outDir string, cfg TreeConfig, obs Observer, cancel *atomic.Bool) error {
	const op = "build.DumpHFS0Files"
	if obs == nil {
		obs = NullObserver{}
	}
	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}

	for _, f := range view.Files() {
		if cancel != nil && cancel.Load() {
			return errs.New(errs.KindCancelled, op, nil)
		}
		if err := view.VerifyHash(f); err != nil {
			obs.OnWarning(err)
		}
		if err := streamPartitionFile(fs, view, f, path.Join(outDir, f.Name), "hfs0", cfg, obs); err != nil {
			return err
		}
	}
	return nil
}

// ExtractCert reads the gamecard certificate — the certSize bytes at
// absolute offset CertOffset of the card image's first partition — and
// writes it to outPath, returning the certificate bytes and their CRC32
// so a caller can report it the way the XCI producer reports its
// payload CRCs.
func ExtractCert(fs afero.Fs, r io.ReaderAt, outPath string) ([]byte, uint32, error) {
	const op = "build.ExtractCert"

	cert := make([]byte, certSize)
	if _, err := r.ReadAt(cert, CertOffset); err != nil && err != io.EOF {
		return nil, 0, errs.New(errs.KindShortRead, op, err)
	}
	if err := afero.WriteFile(fs, outPath, cert, 0o644); err != nil {
		return nil, 0, errs.New(errs.KindBackend, op, err)
	}
	return cert, crc32.ChecksumIEEE(cert), nil
}

// OpenHFS0Partition parses a partition image as an HFS0 view, the entry
// point dump-hfs0 uses over a raw partition read (gamecard hardware or
// an already-dumped partition file).
func OpenHFS0Partition(r io.ReaderAt, size int64) (*nca.PartitionView, error) {
	cipher := nca.NewSectionCipher(r, 0, uint64(size), nca.CryptoTypeNone, [0x10]byte{}, [8]byte{})
	return nca.OpenHfs0(cipher, 0)
}
