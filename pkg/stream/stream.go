// Package stream implements the Output Streamer (spec §4.6): a write-only
// sink over a single file or a directory of FAT32-sized chunk files, with
// a placeholder/write-at mechanism for headers whose contents aren't known
// until everything after them has been written, scoped running hashes that
// feed back into the Package Builder's content-identity invariant, and a
// checkpoint/resume mechanism for sequential dumps (spec §4.7.4).
//
// The teacher never split output at all (NCZ files are written whole with
// a single *os.File); this package is grounded on the general shape of the
// pack's split/seek writers (go-gameid's archive readers use afero.File
// for random access) generalized to a write path, backed by the same
// afero.Fs the Block Reader reads through (pkg/storage), so a dump can
// target a real directory or, in tests, an in-memory afero.MemMapFs.
package stream

import (
	"crypto/sha256"
	"encoding"
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
)

// FatSplitSize is the FAT32 file-size ceiling the XCI/NSP split policy
// targets (spec §4.6 "S = 4 GiB − 1").
const FatSplitSize int64 = 4*1024*1024*1024 - 1

// SplitMode selects how the logical stream is laid out on disk (spec
// §4.6 open(target, split_mode)).
type SplitMode int

const (
	Single SplitMode = iota
	FatSplit
	SequentialChunks
)

// Platform is the collaborator that applies a platform-specific
// "treat this directory as one split file" attribute (spec §4.6 "archive
// bit"; Design Note "the platform call becomes a collaborator"). A nil
// Platform is a no-op, matching non-Switch hosts.
type Platform interface {
	SetConcatenationAttr(dir string) error
}

// Token is returned by WritePlaceholder and consumed exactly once by
// WriteAt (spec §4.6 "no other random-access writes are permitted").
type Token struct {
	offset int64
	length int64
	filled bool
}

// Streamer is the Output Streamer itself.
type Streamer struct {
	fs   afero.Fs
	mode SplitMode

	chunkSize  int64
	single     string // Single mode: the one output path
	dir        string // split modes: the chunk directory
	archiveBit bool
	platform   Platform

	chunks []afero.File
	pos    int64 // total logical bytes written so far
	total  int64 // declared total size, 0 if unknown

	cancelled atomic.Bool
	resumable bool // if cancelled while resumable, chunks are preserved

	crcEnabled bool
	crc        hash.Hash32

	activeSha hash.Hash

	placeholder *Token
}

// Config bundles the construction-time parameters for Open.
type Config struct {
	Mode       SplitMode
	ChunkSize  int64 // required for FatSplit/SequentialChunks
	ArchiveBit bool  // directory-as-single-file trick, FatSplit only
	Platform   Platform
	TotalSize  int64 // advisory, for NoSpace checks; 0 if unknown
}

// Open prepares the target to receive writes (spec §4.6 open). Single
// mode creates (or truncates) the target file; the split modes create the
// chunk directory and open chunk files lazily without truncating them,
// which is what lets ResumeAt continue an interrupted sequential dump.
func Open(fs afero.Fs, target string, cfg Config) (*Streamer, error) {
	const op = "stream.Open"
	s := &Streamer{fs: fs, mode: cfg.Mode, chunkSize: cfg.ChunkSize, archiveBit: cfg.ArchiveBit, platform: cfg.Platform, total: cfg.TotalSize}

	switch cfg.Mode {
	case Single:
		s.single = target
		f, err := fs.Create(target)
		if err != nil {
			return nil, errs.New(errs.KindBackend, op, err)
		}
		s.chunks = []afero.File{f}
	case FatSplit, SequentialChunks:
		if cfg.ChunkSize <= 0 {
			return nil, errs.New(errs.KindConfiguration, op, fmt.Errorf("chunk size must be positive"))
		}
		s.dir = target
		if err := fs.MkdirAll(target, 0o755); err != nil {
			return nil, errs.New(errs.KindBackend, op, err)
		}
		if cfg.ArchiveBit && s.platform != nil {
			if err := s.platform.SetConcatenationAttr(target); err != nil {
				return nil, errs.New(errs.KindBackend, op, err)
			}
		}
	default:
		return nil, errs.New(errs.KindConfiguration, op, fmt.Errorf("unknown split mode %d", cfg.Mode))
	}
	return s, nil
}

func (s *Streamer) chunkName(index int) string {
	return fmt.Sprintf("%02d", index)
}

// chunkFile returns (opening if necessary) the afero.File for a chunk
// index, growing s.chunks as needed. Chunks are opened read-write so
// WriteAt can later fill a placeholder.
func (s *Streamer) chunkFile(index int) (afero.File, error) {
	if s.mode == Single {
		return s.chunks[0], nil
	}
	for len(s.chunks) <= index {
		path := s.dir + "/" + s.chunkName(len(s.chunks))
		f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errs.New(errs.KindBackend, "stream.Streamer.chunkFile", err)
		}
		s.chunks = append(s.chunks, f)
	}
	return s.chunks[index], nil
}

func (s *Streamer) chunkOf(logicalOffset int64) (index int, offsetInChunk int64) {
	if s.mode == Single {
		return 0, logicalOffset
	}
	return int(logicalOffset / s.chunkSize), logicalOffset % s.chunkSize
}

// Write appends bytes at the current logical position, splitting across
// chunk boundaries transparently (spec §4.6 write). It polls the
// cancellation flag once per call, matching the Builder's per-block
// cancellation granularity (spec §5).
func (s *Streamer) Write(data []byte) error {
	const op = "stream.Streamer.Write"
	if s.cancelled.Load() {
		return errs.New(errs.KindCancelled, op, nil)
	}

	if err := s.writeAtLogical(s.pos, data); err != nil {
		return err
	}
	s.pos += int64(len(data))

	if s.crcEnabled {
		s.crc.Write(data)
	}
	if s.activeSha != nil {
		s.activeSha.Write(data)
	}
	return nil
}

func (s *Streamer) writeAtLogical(offset int64, data []byte) error {
	const op = "stream.Streamer.writeAtLogical"
	remaining := data
	pos := offset
	for len(remaining) > 0 {
		idx, inChunk := s.chunkOf(pos)
		f, err := s.chunkFile(idx)
		if err != nil {
			return err
		}
		chunkCap := int64(len(remaining))
		if s.mode != Single {
			chunkCap = s.chunkSize - inChunk
		}
		n := int64(len(remaining))
		if n > chunkCap {
			n = chunkCap
		}
		if _, err := f.WriteAt(remaining[:n], inChunk); err != nil {
			return errs.New(errs.KindBackend, op, err)
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

// WritePlaceholder reserves length bytes at the current logical position
// (typically the not-yet-knowable NSP header) and advances past them
// without touching the hashes or CRC (spec §4.6 write_placeholder).
func (s *Streamer) WritePlaceholder(length int64) (Token, error) {
	const op = "stream.Streamer.WritePlaceholder"
	if s.placeholder != nil {
		return Token{}, errs.New(errs.KindConfiguration, op, fmt.Errorf("only one placeholder is supported"))
	}
	if err := s.writeAtLogical(s.pos, make([]byte, length)); err != nil {
		return Token{}, err
	}
	tok := Token{offset: s.pos, length: length}
	s.pos += length
	s.placeholder = &tok
	return tok, nil
}

// WriteAt fills a placeholder exactly once (spec §4.6 write_at); it is the
// only random-access write the Streamer permits.
func (s *Streamer) WriteAt(tok *Token, data []byte) error {
	const op = "stream.Streamer.WriteAt"
	if tok.filled {
		return errs.New(errs.KindConfiguration, op, fmt.Errorf("placeholder already filled"))
	}
	if int64(len(data)) != tok.length {
		return errs.New(errs.KindConfiguration, op, fmt.Errorf("placeholder is %d bytes, got %d", tok.length, len(data)))
	}
	if err := s.writeAtLogical(tok.offset, data); err != nil {
		return err
	}
	tok.filled = true
	return nil
}

// Sha256ScopeBegin starts a scoped running SHA-256 over subsequent writes
// (spec §4.6 sha256_scope(begin)), used per-NCA so the Builder can derive
// that NCA's new ContentId once streaming finishes.
func (s *Streamer) Sha256ScopeBegin() {
	s.activeSha = sha256.New()
}

// Sha256ScopeFinish finalizes the scoped hash and clears it (spec §4.6
// sha256_finish).
func (s *Streamer) Sha256ScopeFinish() [32]byte {
	var sum [32]byte
	if s.activeSha != nil {
		copy(sum[:], s.activeSha.Sum(nil))
		s.activeSha = nil
	}
	return sum
}

// MarshalSha256Scope serializes the in-progress scoped hash's internal
// state (crypto/sha256's hash.Hash implements encoding.BinaryMarshaler),
// so a sequential checkpoint can restore it exactly across a process exit
// (spec §4.7.4 "the SHA-256 context of the NCA currently being hashed").
func (s *Streamer) MarshalSha256Scope() ([]byte, error) {
	if s.activeSha == nil {
		return nil, nil
	}
	m, ok := s.activeSha.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errs.New(errs.KindConfiguration, "stream.Streamer.MarshalSha256Scope", fmt.Errorf("hash does not support binary marshaling"))
	}
	return m.MarshalBinary()
}

// ResumeSha256Scope restores a previously marshaled scoped hash state.
func (s *Streamer) ResumeSha256Scope(state []byte) error {
	const op = "stream.Streamer.ResumeSha256Scope"
	h := sha256.New()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return errs.New(errs.KindConfiguration, op, fmt.Errorf("hash does not support binary unmarshaling"))
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return errs.New(errs.KindCheckpointInvalid, op, err)
	}
	s.activeSha = h
	return nil
}

// EnableCRC32 turns on whole-stream CRC32 accounting (spec §4.6
// crc32_scope_update), used by the XCI producer.
func (s *Streamer) EnableCRC32() { s.crc = crc32.NewIEEE(); s.crcEnabled = true }

func (s *Streamer) CRC32() uint32 {
	if s.crc == nil {
		return 0
	}
	return s.crc.Sum32()
}

// BytesWritten is the total logical length written so far.
func (s *Streamer) BytesWritten() int64 { return s.pos }

// ResumeAt repositions the logical write cursor, used when a sequential
// dump picks up from a checkpoint (spec §4.7.4): chunk files already on
// disk are reopened lazily without truncation, so writes continue from
// pos as if the process had never exited. Only meaningful before any
// Write in this session.
func (s *Streamer) ResumeAt(pos int64) error {
	const op = "stream.Streamer.ResumeAt"
	if pos < 0 {
		return errs.New(errs.KindCheckpointInvalid, op, fmt.Errorf("negative resume offset %d", pos))
	}
	if s.mode == Single {
		return errs.New(errs.KindConfiguration, op, fmt.Errorf("resume requires a chunked split mode"))
	}
	s.pos = pos
	return nil
}

// ChunkIndex is the chunk currently being written, for checkpointing.
func (s *Streamer) ChunkIndex() int {
	idx, _ := s.chunkOf(s.pos)
	return idx
}

// Cancel atomically marks the streamer cancelled (spec §4.6 cancel).
// When preserveForResume is false, all chunk files written so far are
// deleted; when true, they are left in place alongside a checkpoint
// written separately by the caller (spec §5 "Cancellation").
func (s *Streamer) Cancel(preserveForResume bool) error {
	if !s.cancelled.CompareAndSwap(false, true) {
		return nil // idempotent (spec §5)
	}
	s.resumable = preserveForResume
	if preserveForResume {
		return nil
	}
	return s.deleteOutput()
}

func (s *Streamer) deleteOutput() error {
	const op = "stream.Streamer.deleteOutput"
	for _, f := range s.chunks {
		f.Close()
	}
	var target string
	if s.mode == Single {
		target = s.single
	} else {
		target = s.dir
	}
	if err := s.fs.RemoveAll(target); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}
	return nil
}

func (s *Streamer) Cancelled() bool { return s.cancelled.Load() }

// Close closes every open chunk handle without deleting anything.
func (s *Streamer) Close() error {
	const op = "stream.Streamer.Close"
	var firstErr error
	for _, f := range s.chunks {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.New(errs.KindBackend, op, firstErr)
	}
	return nil
}

// CheckSpace reports NoSpace if the declared total size won't fit the
// backing filesystem's free space, where that can be determined; afero's
// generic Fs interface has no statfs call, so this is a best-effort check
// a caller can skip by leaving TotalSize unset (spec §7 NoSpace policy is
// advisory outside sequential mode).
func (s *Streamer) CheckSpace(freeBytes int64) error {
	if s.total <= 0 {
		return nil
	}
	if s.total-s.pos > freeBytes {
		return errs.New(errs.KindNoSpace, "stream.Streamer.CheckSpace", nil)
	}
	return nil
}
