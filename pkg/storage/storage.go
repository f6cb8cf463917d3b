// Package storage implements the Block Reader component (spec §4.2):
// sector-aligned encrypted I/O over a backing store, either a gamecard
// partition or an NCA pulled from content storage.
//
// The teacher talked to *os.File directly throughout pkg/fs. The pack's
// go-gameid entry pulls in github.com/spf13/afero for its own archive
// filesystem abstraction; storage here uses the same library so
// ContentStorage can be backed by an SD card directory, an internal
// storage directory, or an in-memory afero.MemMapFs in tests, all behind
// one afero.Fs, matching spec §4.2's "storage-id indirection" instead of
// hard-coding *os.File.
package storage

import (
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/nsz"
)

// Reader is the read contract every backing store exposes upward: an
// NCA-absolute ReadAt plus an explicit Close, so a single reader's backing
// handle is owned exclusively and released deterministically (spec §4.2
// "every reader owns its backing handle exclusively").
type Reader interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// PartitionID selects one of the gamecard's exposed IStorage partitions
// (spec §4.2).
type PartitionID int

const (
	PartitionNormal PartitionID = iota
	PartitionLogo
	PartitionSecure
)

// GCSector is the alignment required for gamecard reads (spec §4.2).
const GCSector = 512

// GamecardService is the collaborator that actually talks to the console's
// gamecard hardware; the engine only depends on this narrow interface
// (Design Note: "global mutable context structs → explicit handles").
type GamecardService interface {
	OpenPartition(id PartitionID) (RawHandle, error)
	// Present reports whether a card is currently inserted; a
	// PresenceWatcher polls this to flip the shared presence flag.
	Present() bool
}

// RawHandle is the raw, sector-aligned interface a GamecardService partition
// handle exposes; GamecardPartition wraps it with the bounce-buffer logic
// needed to satisfy unaligned requests.
type RawHandle interface {
	ReadSectors(dst []byte, sectorIndex uint64) (int, error)
	Size() (uint64, error)
	Close() error
}

// Presence tracks gamecard insertion state with a single atomic flag, set
// by a PresenceWatcher goroutine and polled by every outstanding
// GamecardPartition reader (spec §4.x "Gamecard presence" state machine).
type Presence struct {
	removed atomic.Bool
}

func (p *Presence) MarkRemoved() { p.removed.Store(true) }

func (p *Presence) IsRemoved() bool { return p.removed.Load() }

// StartPresenceWatcher runs the auxiliary goroutine of spec §5: it polls
// the gamecard service at the given interval and flips the shared
// presence flag the first time the card disappears (spec §4.x "Gamecard
// presence" state machine: Absent is terminal for every outstanding
// reader). The returned stop function ends the watcher; call it exactly
// once, when the dump holding the readers finishes.
func StartPresenceWatcher(svc GamecardService, p *Presence, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if !svc.Present() {
					p.MarkRemoved()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// GamecardPartition reads one partition of an inserted gamecard, aligning
// every request to GCSector via a bounce buffer.
type GamecardPartition struct {
	handle   RawHandle
	presence *Presence
}

// OpenGamecardPartition opens one of a GamecardService's partitions. The
// given Presence is shared with a caller-run watcher goroutine; any
// read issued after the watcher marks it removed fails MediaRemoved.
func OpenGamecardPartition(svc GamecardService, id PartitionID, presence *Presence) (*GamecardPartition, error) {
	h, err := svc.OpenPartition(id)
	if err != nil {
		return nil, errs.New(errs.KindBackend, "storage.OpenGamecardPartition", err)
	}
	return &GamecardPartition{handle: h, presence: presence}, nil
}

func (g *GamecardPartition) Size() (uint64, error) {
	n, err := g.handle.Size()
	if err != nil {
		return 0, errs.New(errs.KindBackend, "storage.GamecardPartition.Size", err)
	}
	return n, nil
}

// ReadAt satisfies an arbitrary-offset, arbitrary-length read by rounding
// out to sector boundaries and copying the requested slice out of a bounce
// buffer (spec §4.2 "unaligned requests are satisfied by reading a bounce
// buffer").
func (g *GamecardPartition) ReadAt(dst []byte, off int64) (int, error) {
	const op = "storage.GamecardPartition.ReadAt"
	if g.presence != nil && g.presence.IsRemoved() {
		return 0, errs.New(errs.KindMediaRemoved, op, nil)
	}
	if off < 0 {
		return 0, errs.New(errs.KindShortRead, op, nil)
	}

	alignedStart := (uint64(off) / GCSector) * GCSector
	pad := uint64(off) - alignedStart
	alignedLen := pad + uint64(len(dst))
	sectorCount := (alignedLen + GCSector - 1) / GCSector
	buf := make([]byte, sectorCount*GCSector)

	n, err := g.handle.ReadSectors(buf, alignedStart/GCSector)
	if g.presence != nil && g.presence.IsRemoved() {
		return 0, errs.New(errs.KindMediaRemoved, op, nil)
	}
	if err != nil {
		if n == 0 {
			return 0, errs.New(errs.KindBackend, op, err)
		}
	}
	if uint64(n) < pad+uint64(len(dst)) {
		copy(dst, buf[pad:n])
		return int(uint64(n) - pad), errs.New(errs.KindShortRead, op, err)
	}
	copy(dst, buf[pad:pad+uint64(len(dst))])
	return len(dst), nil
}

func (g *GamecardPartition) Close() error {
	if err := g.handle.Close(); err != nil {
		return errs.New(errs.KindBackend, "storage.GamecardPartition.Close", err)
	}
	return nil
}

// ContentStorage opens an NCA by ContentId out of an afero.Fs-backed
// content store (SD card or internal storage). Reads are 16-byte aligned
// to satisfy downstream AES-CTR/XTS (spec §4.2).
//
// A content store entry may sit on disk as a plain "<id>.nca" or, for
// titles ingested from an NCZ-compressed NSP ([DOMAIN] spec §6), as an
// "<id>.ncz" block-compressed member. OpenContentStorage tries the
// verbatim file first and falls back to decompressing the .ncz member
// into memory, so everything above this layer keeps reading plain NCA
// ciphertext without caring which form the title was stored in.
type ContentStorage struct {
	fs   afero.Fs
	file afero.File
	mem  []byte
	size int64
}

// OpenContentStorage opens "<id>.nca" (case-insensitive hex), or its
// "<id>.ncz" block-compressed form, under the given afero.Fs root.
func OpenContentStorage(fs afero.Fs, id ids.ContentID) (*ContentStorage, error) {
	const op = "storage.OpenContentStorage"
	name := id.Hex() + ".nca"
	f, err := fs.Open(name)
	if err == nil {
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, errs.Named(errs.KindBackend, op, name, statErr)
		}
		return &ContentStorage{fs: fs, file: f, size: info.Size()}, nil
	}

	nczName := id.Hex() + ".ncz"
	raw, nczErr := afero.ReadFile(fs, nczName)
	if nczErr != nil {
		return nil, errs.Named(errs.KindBackend, op, name, err)
	}
	plain, decErr := nsz.DecompressStream(raw)
	if decErr != nil {
		return nil, decErr
	}
	return &ContentStorage{fs: fs, mem: plain, size: int64(len(plain))}, nil
}

func (c *ContentStorage) Size() int64 { return c.size }

func (c *ContentStorage) ReadAt(dst []byte, off int64) (int, error) {
	const op = "storage.ContentStorage.ReadAt"
	if c.mem != nil {
		if off < 0 || off >= int64(len(c.mem)) {
			return 0, errs.New(errs.KindShortRead, op, nil)
		}
		n := copy(dst, c.mem[off:])
		if n < len(dst) {
			return n, errs.New(errs.KindShortRead, op, nil)
		}
		return n, nil
	}
	n, err := c.file.ReadAt(dst, off)
	if err != nil && n < len(dst) {
		return n, errs.New(errs.KindShortRead, op, err)
	}
	return n, nil
}

func (c *ContentStorage) Close() error {
	if c.file == nil {
		return nil
	}
	if err := c.file.Close(); err != nil {
		return errs.New(errs.KindBackend, "storage.ContentStorage.Close", err)
	}
	return nil
}

// Align16 rounds an offset down to the nearest 16-byte boundary, the
// alignment ContentStorage targets for downstream AES reads (spec §4.2).
func Align16(off int64) int64 { return off - off%16 }
