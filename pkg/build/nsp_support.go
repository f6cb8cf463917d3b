package build

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/ndump/core/pkg/cnmt"
	"github.com/ndump/core/pkg/crypto"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/keys"
	"github.com/ndump/core/pkg/nca"
	"github.com/ndump/core/pkg/stream"
	"github.com/ndump/core/pkg/ticket"
)

// placeholderContentIDHex sizes the PFS0 names table before the real
// ContentIds are known; the zero ContentID's hex form is the right
// length (32 hex chars) regardless of what the final ids turn out to be.
var placeholderContentIDHex = ids.ContentID{}.Hex()

// pfs0Entry is one resolved member of the PFS0 being built: its final
// name, its absolute offset in the output stream, and its size.
type pfs0Entry struct {
	name string
	off  int64
	size int64
}

const pfs0EntrySize = 0x18
const pfs0HeaderFixedSize = 0x10

// align16 rounds n up to the next multiple of 0x10.
func align16(n int64) int64 {
	if n%0x10 == 0 {
		return n
	}
	return n + (0x10 - n%0x10)
}

// pfs0HeaderSize computes the on-disk size of a PFS0 header (spec §6):
// a fixed 0x10-byte header, one 0x18-byte entry per name, and a
// null-terminated string table, rounded up to 16 bytes. When the raw
// (pre-padding) size already lands on a 16-byte boundary, one extra byte
// is inserted before rounding, a compatibility quirk that reproduces the
// header length nxdumptool's own dumps carry (spec §9 Open Question).
func pfs0HeaderSize(names []string) int64 {
	strTable := 0
	for _, n := range names {
		strTable += len(n) + 1
	}
	raw := pfs0HeaderFixedSize + len(names)*pfs0EntrySize + strTable
	if raw%0x10 == 0 {
		raw++
	}
	return align16(int64(raw))
}

// composePfs0Header re-derives the header bytes once every member's final
// name, offset, and size is known (spec §4.7.2 step 8). Offsets are
// stored relative to headerSize, i.e. relative to the start of the data
// region, matching pkg/nca's PFS0 reader.
func composePfs0Header(entries []pfs0Entry, headerSize int64) []byte {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	size := pfs0HeaderSize(names)
	buf := make([]byte, size)

	copy(buf[0:4], "PFS0")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(entries)))
	strTableSize := size - pfs0HeaderFixedSize - int64(len(entries))*pfs0EntrySize
	binary.LittleEndian.PutUint32(buf[8:12], uint32(strTableSize))

	nameTableStart := pfs0HeaderFixedSize + int64(len(entries))*pfs0EntrySize
	var nameOff uint32
	for i, e := range entries {
		eb := buf[pfs0HeaderFixedSize+int64(i)*pfs0EntrySize : pfs0HeaderFixedSize+int64(i+1)*pfs0EntrySize]
		binary.LittleEndian.PutUint64(eb[0:8], uint64(e.off-headerSize))
		binary.LittleEndian.PutUint64(eb[8:16], uint64(e.size))
		binary.LittleEndian.PutUint32(eb[16:20], nameOff)

		copy(buf[nameTableStart+int64(nameOff):], e.name)
		buf[nameTableStart+int64(nameOff)+int64(len(e.name))] = 0
		nameOff += uint32(len(e.name)) + 1
	}
	return buf
}

// patch overlays replacement bytes at an absolute offset within a
// streamed NCA, used for header rewrites and the ACID/NPDM splice.
type patch struct {
	offset int64
	data   []byte
}

// streamWithPatches streams size bytes from r through s, block by block,
// overlaying any patches that intersect each block before writing it.
// This keeps the Builder from ever holding a whole Program NCA in memory
// just to rewrite its header or NPDM block (spec §4.7 streaming design).
func streamWithPatches(s *stream.Streamer, r io.ReaderAt, size int64, patches []patch) error {
	const op = "build.streamWithPatches"
	const block = 1 << 20
	buf := make([]byte, block)

	var off int64
	for off < size {
		n := int64(block)
		if size-off < n {
			n = size - off
		}
		chunk := buf[:n]
		if _, err := r.ReadAt(chunk, off); err != nil && err != io.EOF {
			return errs.New(errs.KindShortRead, op, err)
		}

		for _, p := range patches {
			pEnd := p.offset + int64(len(p.data))
			if pEnd <= off || p.offset >= off+n {
				continue
			}
			start := p.offset
			if start < off {
				start = off
			}
			end := pEnd
			if end > off+n {
				end = off + n
			}
			copy(chunk[start-off:end-off], p.data[start-p.offset:end-p.offset])
		}

		if err := s.Write(chunk); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// loadMeta opens the meta NCA and returns its parsed, mutable CNMT (spec
// §4.7.2 step 1).
func loadMeta(src ContentOpener, ks *keys.KeySet, metaID ids.ContentID, resolver nca.TitleKeyResolver) (*cnmt.Meta, error) {
	const op = "build.loadMeta"
	r, _, err := src.OpenContent(metaID)
	if err != nil {
		return nil, err
	}
	n, err := nca.Open(r, ks, resolver)
	if err != nil {
		return nil, err
	}
	view, err := n.OpenPfs(0)
	if err != nil {
		return nil, err
	}
	f, ok := findCnmtFile(view)
	if !ok {
		return nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("no .cnmt entry in meta NCA"))
	}
	raw, err := view.ReadFile(f, 0, f.DataSize)
	if err != nil {
		return nil, err
	}
	return cnmt.Parse(raw)
}

func findCnmtFile(view *nca.PartitionView) (nca.PartitionFile, bool) {
	for _, f := range view.Files() {
		if len(f.Name) > 5 && f.Name[len(f.Name)-5:] == ".cnmt" {
			return f, true
		}
	}
	return nca.PartitionFile{}, false
}

// rewriteMetaNCA re-opens the meta NCA, splices the re-serialized CNMT
// body into its PFS0 data region in place (the record table is fixed
// width, so a patched CNMT is always exactly as long as the original),
// re-encrypts just that region, and derives the new ContentId from the
// whole patched file's SHA-256 (spec §4.7.2 step 6, and the Builder's
// central content-identity invariant).
func rewriteMetaNCA(src ContentOpener, ks *keys.KeySet, metaID ids.ContentID, resolver nca.TitleKeyResolver, patchedBody []byte) ([]byte, ids.ContentID, error) {
	const op = "build.rewriteMetaNCA"
	r, size, err := src.OpenContent(metaID)
	if err != nil {
		return nil, ids.ContentID{}, err
	}
	n, err := nca.Open(r, ks, resolver)
	if err != nil {
		return nil, ids.ContentID{}, err
	}
	view, err := n.OpenPfs(0)
	if err != nil {
		return nil, ids.ContentID{}, err
	}
	f, ok := findCnmtFile(view)
	if !ok {
		return nil, ids.ContentID{}, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("no .cnmt entry in meta NCA"))
	}
	if uint64(len(patchedBody)) != f.DataSize {
		return nil, ids.ContentID{}, errs.New(errs.KindConfiguration, op, fmt.Errorf("patched cnmt is %d bytes, expected %d", len(patchedBody), f.DataSize))
	}

	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, ids.ContentID{}, errs.New(errs.KindShortRead, op, err)
	}

	secOffset := view.DataRegionOffset() + f.DataOffset
	ciphertext := append([]byte(nil), patchedBody...)
	if err := view.Cipher().XORKeystream(ciphertext, secOffset); err != nil {
		return nil, ids.ContentID{}, err
	}
	absolute := view.SectionStart() + secOffset
	copy(raw[absolute:absolute+uint64(len(ciphertext))], ciphertext)

	sum := sha256.Sum256(raw)
	return raw, ids.ContentIDFromHash(sum), nil
}

// sortContentRecords puts a package's non-meta records into PFS0 entry
// order (spec §4.7.2 step 8: Program/Data/Control/...), stably so records
// of equal type keep their CNMT order.
func sortContentRecords(recs []cnmt.ContentRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Type < recs[j].Type })
}

// auxTicket is the outcome of peekAuxTicket: whether the package will
// carry a .tik/.cert pair, and the raw bytes to carry if so.
type auxTicket struct {
	include  bool
	rightsID ids.RightsID
	tik      []byte
	cert     []byte
}

// peekAuxTicket decides, before the PFS0 header is sized, whether the
// output will include a ticket and certificate (spec §4.7.2 step 2:
// file_count depends on include_ticket_and_cert). A title whose NCAs
// carry no rights id has no ticket to include regardless of the tikless
// option; a rights-id title whose ticket can't be found degrades to
// pre-install mode with a warning instead of failing the dump (spec §7
// TicketNotFound policy), streaming the NCAs as-is and omitting the
// ticket.
func peekAuxTicket(src ContentOpener, ks *keys.KeySet, nonMeta []cnmt.ContentRecord, cfg NSPConfig, tikSrc ticket.Source, obs Observer) (auxTicket, error) {
	if cfg.Tikless || len(nonMeta) == 0 {
		return auxTicket{}, nil
	}
	r, _, err := src.OpenContent(nonMeta[0].ID)
	if err != nil {
		return auxTicket{}, err
	}
	h, err := nca.ParseHeader(r, ks)
	if err != nil {
		return auxTicket{}, err
	}
	if !h.HasRightsID() {
		return auxTicket{}, nil
	}
	if tikSrc == nil {
		obs.OnWarning(errs.Named(errs.KindTicketNotFound, "build.peekAuxTicket", h.RightsID.Hex(), fmt.Errorf("no ticket source configured")))
		return auxTicket{rightsID: h.RightsID}, nil
	}
	tik, cert, err := tikSrc.Lookup(h.RightsID)
	if err != nil {
		obs.OnWarning(err)
		return auxTicket{rightsID: h.RightsID}, nil
	}
	return auxTicket{include: true, rightsID: h.RightsID, tik: tik, cert: cert}, nil
}

// mainBlockDistTypeOffset and mainBlockRightsIDOffset mirror the layout
// nca.ParseHeader decodes from decrypted header bytes 0x200: magic(4) +
// distType(1) lands at 0x204; rights id, after contentSize(8) +
// programId(8) + contentIndex(4) + sdkAddonVersion(4) + keyGeneration2(1)
// + reserved(0xF), lands at 0x230.
const (
	mainBlockDistTypeOffset = 0x204
	mainBlockRightsIDOffset = 0x230
	keyAreaOffset           = 0x300
	keyAreaSize             = 0x40
	keyAreaSlot2Offset      = 0x20
)

// rewriteNcaHeaderBytes re-decrypts an NCA's header, clears the
// distribution-type byte, and — when scrubRightsID is set and the NCA
// actually carries a rights id — zeroes the rights id and re-encrypts the
// key area with the already-resolved title key folded into slot 2, so the
// output NCA carries its own key and needs no ticket (spec §4.7.2 step 5:
// "zero the distribution type... zero the rights id and fold the title
// key into the key area").
func rewriteNcaHeaderBytes(ks *keys.KeySet, n *nca.NCA, scrubRightsID bool) ([]byte, error) {
	const op = "build.rewriteNcaHeaderBytes"

	encrypted, decrypted, err := readAndDecryptHeader(ks, n)
	if err != nil {
		return nil, err
	}

	decrypted[mainBlockDistTypeOffset] = 0

	if scrubRightsID && n.Header.HasRightsID() {
		for i := 0; i < 0x10; i++ {
			decrypted[mainBlockRightsIDOffset+i] = 0
		}

		var keyArea [keyAreaSize]byte
		copy(keyArea[keyAreaSlot2Offset:keyAreaSlot2Offset+0x10], n.Header.SectionKey[:])

		gen := n.Header.EffectiveGeneration()
		kaekIdx := keys.KAEKIndex(n.Header.KeyAreaIndex)
		encKeyArea, err := ks.EncryptNcaKeyArea(keyArea[:], kaekIdx, gen)
		if err != nil {
			return nil, err
		}
		copy(decrypted[keyAreaOffset:keyAreaOffset+keyAreaSize], encKeyArea)
	}

	return reencryptHeader(ks, decrypted, len(encrypted))
}

func readAndDecryptHeader(ks *keys.KeySet, n *nca.NCA) (encrypted, decrypted []byte, err error) {
	const op = "build.readAndDecryptHeader"
	encrypted = make([]byte, nca.HeaderStructSize)
	if err := n.ReadHeaderBytes(encrypted); err != nil {
		return nil, nil, err
	}

	key1, key2, err := ks.HeaderKeyPair()
	if err != nil {
		return nil, nil, err
	}
	headerKey := append(append([]byte{}, key1...), key2...)

	decrypted = make([]byte, len(encrypted))
	for i := 0; i < len(encrypted)/0x200; i++ {
		start := i * 0x200
		end := start + 0x200
		out, err := crypto.XTSDecrypt(encrypted[start:end], headerKey, uint64(i))
		if err != nil {
			return nil, nil, errs.New(errs.KindBadMagic, op, err)
		}
		copy(decrypted[start:end], out)
	}
	return encrypted, decrypted, nil
}

func reencryptHeader(ks *keys.KeySet, decrypted []byte, size int) ([]byte, error) {
	const op = "build.reencryptHeader"
	key1, key2, err := ks.HeaderKeyPair()
	if err != nil {
		return nil, err
	}
	headerKey := append(append([]byte{}, key1...), key2...)

	out := make([]byte, size)
	for i := 0; i < size/0x200; i++ {
		start := i * 0x200
		end := start + 0x200
		enc, err := crypto.XTSEncrypt(decrypted[start:end], headerKey, uint64(i))
		if err != nil {
			return nil, errs.New(errs.KindBadMagic, op, err)
		}
		copy(out[start:end], enc)
	}
	return out, nil
}
