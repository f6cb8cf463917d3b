// Package nca implements the NCA Section Engine (spec §4.3): NCA header
// decryption, key resolution, and plaintext PFS0/RomFS views over a
// section's decrypted bytes.
package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ndump/core/pkg/crypto"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/keys"
)

const (
	HeaderStructSize = 0xC00  // decrypted header struct, sectors 0-5 (spec §3)
	FullHeaderSize   = 0x4000 // full on-disk header including padding
	MediaUnit        = 0x200  // sector/media unit size (spec §3)
	headerSectorSize = 0x200

	MagicNCA3 = "NCA3"
	MagicNCA2 = "NCA2"
)

// CryptoType enumerates an FS section's crypto scheme (spec §3).
type CryptoType uint8

const (
	CryptoTypeNone CryptoType = 1
	CryptoTypeXTS  CryptoType = 2
	CryptoTypeCTR  CryptoType = 3
	CryptoTypeBKTR CryptoType = 4
)

// FsType enumerates what kind of pseudo-filesystem a section holds.
type FsType uint8

const (
	FsTypePartitionFs FsType = 0
	FsTypeRomFs       FsType = 1
)

// SectionEntry is one of the four media start/end sector ranges in the
// main NCA header.
type SectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	_                uint32
	_                uint32
}

func (e SectionEntry) Enabled() bool { return e.MediaStartOffset != 0 || e.MediaEndOffset != 0 }

func (e SectionEntry) ByteRange() (start, end uint64) {
	return uint64(e.MediaStartOffset) * MediaUnit, uint64(e.MediaEndOffset) * MediaUnit
}

// BktrHeader describes one of the two BKTR bucket-tree regions declared in
// an FS header (spec §3 BKTR block).
type BktrHeader struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
}

// FsHeader is one of the four 0x200-byte filesystem section headers.
type FsHeader struct {
	Version        uint16
	FsType         FsType
	HashType       uint8
	CryptoType     CryptoType
	CryptoCounter  [8]byte
	BktrRelocation *BktrHeader
	BktrSubsection *BktrHeader
}

// Header is a decrypted NCA header (spec §3 "NCA header").
type Header struct {
	Magic          string
	DistType       byte
	ContentType    byte
	KeyGeneration  byte
	KeyGeneration2 byte
	KeyAreaIndex   byte
	ContentSize    uint64
	ProgramID      uint64
	ContentIndex   uint32
	RightsID       ids.RightsID
	Sections       [4]SectionEntry
	FsHeaders      [4]FsHeader
	KeyArea        [0x40]byte // encrypted, 4x16 bytes

	// Populated by resolveSectionKey once a caller supplies a KeySet
	// (and, for rights-id NCAs, a TitleKeyResolver).
	SectionKey [0x10]byte
	hasKey     bool
}

func (h *Header) EffectiveGeneration() int {
	return keys.EffectiveGeneration(h.KeyGeneration, h.KeyGeneration2)
}

func (h *Header) HasRightsID() bool { return !h.RightsID.IsZero() }

// TitleKeyResolver is implemented by the Rights/Ticket Resolver (pkg/ticket)
// and consumed here, so pkg/nca never imports pkg/ticket directly (Design
// Note: explicit handles, not global context).
type TitleKeyResolver interface {
	ResolveTitleKey(rightsID ids.RightsID) (titleKey [0x10]byte, err error)
}

// ParseHeader reads and decrypts the first HeaderStructSize bytes of an
// NCA using AES-XTS with the header key pair, sector size 0x200, and a
// per-sector tweak derived from the sector index (spec §4.3).
func ParseHeader(r io.ReaderAt, ks *keys.KeySet) (*Header, error) {
	const op = "nca.ParseHeader"

	encrypted := make([]byte, HeaderStructSize)
	if _, err := r.ReadAt(encrypted, 0); err != nil {
		return nil, errs.New(errs.KindBadMagic, op, err)
	}

	key1, key2, err := ks.HeaderKeyPair()
	if err != nil {
		return nil, err
	}
	headerKey := append(append([]byte{}, key1...), key2...)

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted)/headerSectorSize; i++ {
		start := i * headerSectorSize
		end := start + headerSectorSize
		out, err := crypto.XTSDecrypt(encrypted[start:end], headerKey, uint64(i))
		if err != nil {
			return nil, errs.New(errs.KindBadMagic, op, fmt.Errorf("decrypt sector %d: %w", i, err))
		}
		copy(decrypted[start:end], out)
	}

	type mainBlock struct {
		Magic       [4]byte
		DistType    byte
		ContentType byte
		KeyGen      byte
		KeyAreaIdx  byte
		ContentSize uint64
		ProgID      uint64
		ContentIdx  uint32
		SdkAddonVer uint32
		KeyGen2     byte
		Sig2        [0xF]byte
		RightsID    [0x10]byte
	}

	var mb mainBlock
	if err := binary.Read(bytes.NewReader(decrypted[0x200:]), binary.LittleEndian, &mb); err != nil {
		return nil, errs.New(errs.KindBadMagic, op, err)
	}

	magic := string(mb.Magic[:])
	if magic != MagicNCA3 && magic != MagicNCA2 {
		return nil, errs.Named(errs.KindBadMagic, op, magic, nil)
	}

	h := &Header{
		Magic:          magic,
		DistType:       mb.DistType,
		ContentType:    mb.ContentType,
		KeyGeneration:  mb.KeyGen,
		KeyGeneration2: mb.KeyGen2,
		KeyAreaIndex:   mb.KeyAreaIdx,
		ContentSize:    mb.ContentSize,
		ProgramID:      mb.ProgID,
		ContentIndex:   mb.ContentIdx,
		RightsID:       ids.RightsID(mb.RightsID),
	}

	if err := binary.Read(bytes.NewReader(decrypted[0x240:]), binary.LittleEndian, &h.Sections); err != nil {
		return nil, errs.New(errs.KindBadSectionTable, op, err)
	}
	for _, s := range h.Sections {
		start, end := s.ByteRange()
		if s.Enabled() && (end < start || end > h.ContentSize+FullHeaderSize) {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("section range %d..%d invalid", start, end))
		}
	}

	copy(h.KeyArea[:], decrypted[0x300:0x340])

	for i := 0; i < 4; i++ {
		off := 0x400 + i*0x200
		data := decrypted[off : off+0x200]

		fh := FsHeader{
			Version:    binary.LittleEndian.Uint16(data[0x0:0x2]),
			FsType:     FsType(data[0x3]),
			HashType:   data[0x4],
			CryptoType: CryptoType(data[0x5]),
		}
		copy(fh.CryptoCounter[:], data[0x140:0x148])

		if fh.CryptoType == CryptoTypeBKTR {
			fh.BktrRelocation = parseBktrHeader(data[0x100:0x120])
			fh.BktrSubsection = parseBktrHeader(data[0x120:0x140])
		}

		h.FsHeaders[i] = fh
	}

	return h, nil
}

func parseBktrHeader(data []byte) *BktrHeader {
	if len(data) < 32 {
		return nil
	}
	h := &BktrHeader{
		Offset:     binary.LittleEndian.Uint64(data[0:8]),
		Size:       binary.LittleEndian.Uint64(data[8:16]),
		Version:    binary.LittleEndian.Uint32(data[20:24]),
		EntryCount: binary.LittleEndian.Uint32(data[24:28]),
	}
	copy(h.Magic[:], data[16:20])
	return h
}

// ResolveSectionKey implements spec §4.3 key resolution: rights-id zero
// uses the key area (decrypted with the header's declared KAEK index),
// rights-id non-zero asks the resolver for the title key. The decrypted
// key-area slot used is always index 2, matching the console's own
// convention (spec §3 "Decrypted section-key array... Only index 2 is
// used for section CTR").
func (h *Header) ResolveSectionKey(ks *keys.KeySet, resolver TitleKeyResolver) error {
	gen := h.EffectiveGeneration()

	if h.HasRightsID() {
		if resolver == nil {
			return errs.Named(errs.KindTicketNotFound, "nca.ResolveSectionKey", h.RightsID.Hex(), nil)
		}
		tk, err := resolver.ResolveTitleKey(h.RightsID)
		if err != nil {
			return err
		}
		h.SectionKey = tk
		h.hasKey = true
		return nil
	}

	kaekIdx := keys.KAEKIndex(h.KeyAreaIndex)
	plain, err := ks.DecryptNcaKeyArea(h.KeyArea[:], kaekIdx, gen)
	if err != nil {
		return err
	}
	copy(h.SectionKey[:], plain[0x20:0x30])
	h.hasKey = true
	return nil
}

func (h *Header) HasSectionKey() bool { return h.hasKey }
