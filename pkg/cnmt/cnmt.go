// Package cnmt parses and patches Content Meta (CNMT) records (spec §3
// TitleMeta, §4.7 "Load and patch the meta-NCA in memory").
//
// Field offsets follow the platform's content-meta layout as nxdumptool's
// dumper.c consumes it: title id at 0x0, version at 0x8, content-meta
// type at 0xC, extended-header length at 0xE, content-entry count at
// 0x10, entries starting at 0x20 plus the extended header with each
// record laid out as hash(0x20)+id(0x10)+size(6)+type(1)+id-offset(1),
// 0x38 bytes apart — the spec's prose leaves these byte offsets
// implicit.
package cnmt

import (
	"encoding/binary"
	"fmt"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
)

const (
	offTitleID     = 0x0
	offVersion     = 0x8
	offType        = 0xC
	offTableOffset = 0xE
	offEntryCount  = 0x10
	baseEntryOff   = 0x20
	entryStride    = 0x38

	entryHashOff = 0x00
	entryIDOff   = 0x20
	entrySizeOff = 0x30
	entryTypeOff = 0x36
	entryIdxOff  = 0x37
)

// Type enumerates CNMT title-meta types (spec §3 TitleMeta type).
type Type byte

const (
	TypeSystemProgram    Type = 0x01
	TypeSystemData       Type = 0x02
	TypeSystemUpdate     Type = 0x03
	TypeBootImagePackage Type = 0x04
	TypeApplication      Type = 0x80
	TypePatch            Type = 0x81
	TypeAddOnContent     Type = 0x82
	TypeDelta            Type = 0x83
)

// ContentRecord is one entry of the content table (spec §3 ContentRecord).
type ContentRecord struct {
	Hash     [32]byte
	ID       ids.ContentID
	Size     uint64 // 48-bit in the on-disk format
	Type     ids.ContentType
	IDOffset byte
}

// Meta is a parsed, mutable CNMT (spec §3 TitleMeta). ExtendedHeader is
// kept as opaque bytes; the spec only requires that it round-trip intact
// except where the Builder explicitly touches the ACID hash field for a
// Program record (handled by the caller, not this package).
type Meta struct {
	TitleID        uint64
	Version        uint32
	MetaType       Type
	ExtendedHeader []byte
	Records        []ContentRecord
}

// Parse decodes a CNMT body (the decrypted contents of a Meta NCA's PFS0
// entry named "<id>.cnmt").
func Parse(raw []byte) (*Meta, error) {
	const op = "cnmt.Parse"
	if len(raw) < baseEntryOff {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("cnmt shorter than fixed header"))
	}

	m := &Meta{
		TitleID:  binary.LittleEndian.Uint64(raw[offTitleID : offTitleID+8]),
		Version:  binary.LittleEndian.Uint32(raw[offVersion : offVersion+4]),
		MetaType: Type(raw[offType]),
	}

	tableOffset := int(raw[offTableOffset])
	entryCount := int(raw[offEntryCount])

	extHdrEnd := baseEntryOff + tableOffset
	if extHdrEnd > len(raw) {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("extended header overruns cnmt"))
	}
	m.ExtendedHeader = append([]byte(nil), raw[baseEntryOff:extHdrEnd]...)

	start := baseEntryOff + tableOffset
	for i := 0; i < entryCount; i++ {
		off := start + i*entryStride
		if off+entryStride > len(raw) {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("content entry %d overruns cnmt", i))
		}
		rec := ContentRecord{
			Size:     read48(raw[off+entrySizeOff : off+entrySizeOff+6]),
			Type:     ids.ContentType(raw[off+entryTypeOff]),
			IDOffset: raw[off+entryIdxOff],
		}
		copy(rec.Hash[:], raw[off+entryHashOff:off+entryHashOff+0x20])
		copy(rec.ID[:], raw[off+entryIDOff:off+entryIDOff+0x10])
		m.Records = append(m.Records, rec)
	}

	return m, nil
}

func read48(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func write48(v uint64) [6]byte {
	var b [6]byte
	for i := 0; i < 6; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// MetaRecord returns the single required Meta-type record naming the NCA
// that contains this CNMT (spec §3 invariant (a)).
func (m *Meta) MetaRecord() (ContentRecord, bool) {
	for _, r := range m.Records {
		if r.Type == ids.ContentTypeMeta {
			return r, true
		}
	}
	return ContentRecord{}, false
}

// SetContentID rewrites a record's identity and size in place, keyed by
// the record's current ContentID (spec §4.7.2 step 6: "update every
// non-meta content record with its new ContentId and the new size").
func (m *Meta) SetContentID(old ids.ContentID, newID ids.ContentID, newSize uint64) bool {
	for i := range m.Records {
		if m.Records[i].ID == old {
			m.Records[i].ID = newID
			m.Records[i].Size = newSize
			return true
		}
	}
	return false
}

// SetHash rewrites a record's declared hash. The NSP producers call it for
// every record they stream, so an ACID-patched Program record's hash is
// updated along with the rest (spec §4.7.2 step 6 "if ACID-patched, also
// update the Program record's hash").
func (m *Meta) SetHash(id ids.ContentID, hash [32]byte) bool {
	for i := range m.Records {
		if m.Records[i].ID == id {
			m.Records[i].Hash = hash
			return true
		}
	}
	return false
}

// FilterDeltaFragments returns the records a written package should
// include, optionally dropping DeltaFragment entries from the *written*
// file while the in-memory Meta (and thus re-serialized CNMT) keeps every
// record intact (spec §3 invariant (b); REDESIGN FLAG in §9 keys this off
// ContentType == DeltaFragment exactly rather than "type >= DeltaFragment").
func (m *Meta) FilterDeltaFragments(includeDelta bool) []ContentRecord {
	if includeDelta {
		return m.Records
	}
	out := make([]ContentRecord, 0, len(m.Records))
	for _, r := range m.Records {
		if r.Type == ids.ContentTypeDeltaFragment {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Serialize re-encodes the CNMT with its current records and extended
// header, preserving the on-disk field layout Parse reads (spec §4.7.2
// step 6 "recompute the PFS0 hash(es) that cover the modified CNMT" relies
// on this producing a byte-stable, re-parseable buffer).
func (m *Meta) Serialize() []byte {
	tableOffset := len(m.ExtendedHeader)
	size := baseEntryOff + tableOffset + len(m.Records)*entryStride
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[offTitleID:], m.TitleID)
	binary.LittleEndian.PutUint32(buf[offVersion:], m.Version)
	buf[offType] = byte(m.MetaType)
	buf[offTableOffset] = byte(tableOffset)
	buf[offEntryCount] = byte(len(m.Records))

	copy(buf[baseEntryOff:baseEntryOff+tableOffset], m.ExtendedHeader)

	start := baseEntryOff + tableOffset
	for i, r := range m.Records {
		off := start + i*entryStride
		copy(buf[off+entryHashOff:off+entryHashOff+0x20], r.Hash[:])
		copy(buf[off+entryIDOff:off+entryIDOff+0x10], r.ID[:])
		sz := write48(r.Size)
		copy(buf[off+entrySizeOff:off+entrySizeOff+6], sz[:])
		buf[off+entryTypeOff] = byte(r.Type)
		buf[off+entryIdxOff] = r.IDOffset
	}
	return buf
}
