// Package bktr implements the BKTR Overlay (spec §4.4): the virtual RomFS
// a Patch NCA's BKTR section presents by redirecting each byte range to
// either its own (patch) data or the base content's RomFS data, per an
// indirect bucket table, with per-range AES-CTR-EX counters resolved from
// a second bucket table.
//
// Both tables share the on-disk "bucket tree" shape the relocation and
// subsection FS-header entries point at (spec §3 BKTR block): a 16-byte
// header (padding, bucket count, logical end offset), an offset index
// sized to let large tables binary-search to the right bucket, then the
// buckets themselves, packed back to back. Small patches carry exactly
// one bucket, so reading them packed-sequential (as the teacher's own
// subsection-table reader does) is sufficient; pathological multi-bucket
// content still parses, just linearly.
package bktr

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ndump/core/pkg/crypto"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/nca"
	"github.com/ndump/core/pkg/romfs"
)

const bucketTreeHeaderSize = 16 + 0x3FF0

// indirectEntry is one entry of the relocation (indirect) table: a
// virtual-offset range backed either by the patch's own data or by the
// base content's RomFS data at a given physical offset.
type indirectEntry struct {
	virtualOffset  uint64
	physicalOffset uint64
	fromPatch      bool
}

// subsectionEntry is one entry of the AES-CTR-EX table: a virtual-offset
// range within the patch's physical data, decrypted with the section's
// base IV but with the generation (counter bytes 4-7) overridden.
type subsectionEntry struct {
	virtualOffset uint64
	generation    uint32
}

// Overlay presents a BKTR-patched RomFS as a romfs.Reader, so
// romfs.Open can parse its header/tables exactly as it would a plain
// RomFS section — the redirection is invisible above this layer.
type Overlay struct {
	patch      *nca.SectionCipher // patch content's BKTR section, base IV intact
	base       *nca.SectionCipher // base content's RomFS section, nil if unavailable
	indirect   []indirectEntry    // sorted ascending by virtualOffset
	subsection []subsectionEntry  // sorted ascending by virtualOffset
	logicalEnd uint64
}

// Open builds the overlay and parses it as a RomFS view. base may be nil
// when the base title isn't available; reads that land on base-sourced
// ranges then fail with BaseUnavailable rather than aborting the whole
// open, so directory listings still work and only the affected files
// fail (spec §4.4 "base unavailable is a per-file condition").
func Open(patch *nca.SectionCipher, relocation, subsectionHdr *nca.BktrHeader, base *nca.SectionCipher) (*romfs.View, error) {
	const op = "bktr.Open"
	if relocation == nil || subsectionHdr == nil {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("missing BKTR bucket headers"))
	}

	indirect, err := parseIndirectTable(patch, relocation)
	if err != nil {
		return nil, err
	}
	subsection, err := parseSubsectionTable(patch, subsectionHdr)
	if err != nil {
		return nil, err
	}

	ov := &Overlay{
		patch:      patch,
		base:       base,
		indirect:   indirect,
		subsection: subsection,
		logicalEnd: relocation.Offset, // the virtual RomFS ends where the indirect table itself begins
	}
	return romfs.Open(ov, 0)
}

func parseIndirectTable(patch *nca.SectionCipher, hdr *nca.BktrHeader) ([]indirectEntry, error) {
	const op = "bktr.parseIndirectTable"
	raw, err := readBucketTree(patch, hdr, 20, op)
	if err != nil {
		return nil, err
	}

	var entries []indirectEntry
	for _, rec := range raw {
		if len(rec) < 20 {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("short indirect entry"))
		}
		entries = append(entries, indirectEntry{
			virtualOffset:  binary.LittleEndian.Uint64(rec[0:8]),
			physicalOffset: binary.LittleEndian.Uint64(rec[8:16]),
			fromPatch:      binary.LittleEndian.Uint32(rec[16:20]) != 0,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].virtualOffset < entries[j].virtualOffset })
	return entries, nil
}

func parseSubsectionTable(patch *nca.SectionCipher, hdr *nca.BktrHeader) ([]subsectionEntry, error) {
	const op = "bktr.parseSubsectionTable"
	raw, err := readBucketTree(patch, hdr, 16, op)
	if err != nil {
		return nil, err
	}

	var entries []subsectionEntry
	for _, rec := range raw {
		if len(rec) < 16 {
			return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("short subsection entry"))
		}
		entries = append(entries, subsectionEntry{
			virtualOffset: binary.LittleEndian.Uint64(rec[0:8]),
			generation:    binary.LittleEndian.Uint32(rec[12:16]),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].virtualOffset < entries[j].virtualOffset })
	return entries, nil
}

// readBucketTree reads a bucket-tree region (decrypted through the
// patch's ordinary section cipher, since the tables themselves use the
// section's base counter, not a per-subsection override) and returns each
// bucket's raw entry records, entrySize bytes apiece.
func readBucketTree(patch *nca.SectionCipher, hdr *nca.BktrHeader, entrySize int, op string) ([][]byte, error) {
	if hdr.Size == 0 {
		return nil, nil
	}
	buf := make([]byte, hdr.Size)
	if _, err := patch.ReadAt(buf, hdr.Offset); err != nil {
		return nil, err
	}
	if len(buf) < bucketTreeHeaderSize {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("bucket tree shorter than header"))
	}

	bucketCount := binary.LittleEndian.Uint32(buf[4:8])
	pos := bucketTreeHeaderSize

	var records [][]byte
	for i := uint32(0); i < bucketCount && pos+16 <= len(buf); i++ {
		entryCount := binary.LittleEndian.Uint32(buf[pos+4 : pos+8])
		pos += 16
		for j := uint32(0); j < entryCount; j++ {
			start := pos + int(j)*entrySize
			end := start + entrySize
			if end > len(buf) {
				break
			}
			rec := make([]byte, entrySize)
			copy(rec, buf[start:end])
			records = append(records, rec)
		}
		pos += int(entryCount) * entrySize
	}
	return records, nil
}

// ReadAt implements romfs.Reader by resolving each virtual offset through
// the indirect table, decrypting patch-sourced ranges with the correct
// per-subsection counter and passing base-sourced ranges through to the
// base content's own section cipher.
func (o *Overlay) ReadAt(dst []byte, virtualOffset uint64) (int, error) {
	const op = "bktr.Overlay.ReadAt"
	want := len(dst)
	done := 0

	for done < want {
		vOff := virtualOffset + uint64(done)
		idx, ok := findEntry(o.indirect, vOff)
		if !ok {
			return done, errs.New(errs.KindBktrHole, op, fmt.Errorf("no indirect entry covers offset %#x", vOff))
		}
		entry := o.indirect[idx]
		entryEnd := o.logicalEnd
		if idx+1 < len(o.indirect) {
			entryEnd = o.indirect[idx+1].virtualOffset
		}
		if entryEnd <= vOff {
			return done, errs.New(errs.KindBktrHole, op, fmt.Errorf("offset %#x past mapped end %#x", vOff, entryEnd))
		}
		chunk := want - done
		if avail := entryEnd - vOff; avail < uint64(chunk) {
			chunk = int(avail)
		}
		if chunk <= 0 {
			return done, errs.New(errs.KindBktrHole, op, fmt.Errorf("empty indirect range at %#x", vOff))
		}

		physOff := entry.physicalOffset + (vOff - entry.virtualOffset)

		if !entry.fromPatch {
			if o.base == nil {
				return done, errs.New(errs.KindBaseUnavailable, op, nil)
			}
			n, err := o.base.ReadAt(dst[done:done+chunk], physOff)
			done += n
			if err != nil {
				return done, err
			}
			continue
		}

		n, err := o.readPatch(dst[done:done+chunk], physOff)
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (o *Overlay) readPatch(dst []byte, physicalOffset uint64) (int, error) {
	const op = "bktr.Overlay.readPatch"
	sIdx, ok := findEntry(o.subsection, physicalOffset)
	if !ok {
		return 0, errs.New(errs.KindBktrHole, op, fmt.Errorf("no subsection entry covers offset %#x", physicalOffset))
	}
	gen := o.subsection[sIdx].generation

	absolute := o.patch.Start() + physicalOffset
	alignStart := absolute - absolute%16
	pad := int(absolute - alignStart)
	total := pad + len(dst)

	buf := make([]byte, total)
	if _, err := o.patch.RawReadAt(buf, alignStart); err != nil {
		return 0, errs.New(errs.KindShortRead, op, err)
	}

	iv := nca.SetBktrCounter(o.patch.IV(), gen)
	key := o.patch.Key()
	stream, err := crypto.NewCTRStream(key[:], iv[:], int64(alignStart))
	if err != nil {
		return 0, errs.New(errs.KindBackend, op, err)
	}
	stream.XORKeyStream(buf, buf)
	copy(dst, buf[pad:])
	return len(dst), nil
}

// findEntry returns the index of the entry with the largest
// virtualOffset <= target, via binary search over the already-sorted
// slice (spec §4.4 "binary-searchable by virtual offset").
func findEntry[E interface{ getVirtualOffset() uint64 }](entries []E, target uint64) (int, bool) {
	if len(entries) == 0 {
		return 0, false
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].getVirtualOffset() > target })
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

func (e indirectEntry) getVirtualOffset() uint64 { return e.virtualOffset }

func (e subsectionEntry) getVirtualOffset() uint64 { return e.virtualOffset }
