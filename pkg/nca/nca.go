package nca

import (
	"io"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/keys"
	"github.com/ndump/core/pkg/romfs"
)

// NCA is an opened, header-parsed content archive. Section ciphers are
// built lazily per section index, since most callers only ever open one
// or two of the four sections.
type NCA struct {
	Header *Header
	reader io.ReaderAt
	ks     *keys.KeySet
}

// Open parses an NCA's header and resolves its section key. resolver may
// be nil for NCAs known not to carry a rights ID; ResolveSectionKey
// returns TicketNotFound if a nil resolver is needed after all.
func Open(r io.ReaderAt, ks *keys.KeySet, resolver TitleKeyResolver) (*NCA, error) {
	h, err := ParseHeader(r, ks)
	if err != nil {
		return nil, err
	}
	if err := h.ResolveSectionKey(ks, resolver); err != nil {
		return nil, err
	}
	return &NCA{Header: h, reader: r, ks: ks}, nil
}

// ReadHeaderBytes reads len(dst) raw (still XTS-encrypted) bytes from the
// start of the underlying NCA, for callers (pkg/build) that need to
// re-derive and rewrite the header in place rather than re-parse it.
func (n *NCA) ReadHeaderBytes(dst []byte) error {
	const op = "nca.NCA.ReadHeaderBytes"
	if _, err := n.reader.ReadAt(dst, 0); err != nil {
		return errs.New(errs.KindShortRead, op, err)
	}
	return nil
}

// Section builds the SectionCipher for one of the four FS sections
// (spec §4.3 section_cipher(section_index)).
func (n *NCA) Section(index int) (*SectionCipher, error) {
	const op = "nca.NCA.Section"
	if index < 0 || index > 3 {
		return nil, errs.New(errs.KindBadSectionTable, op, nil)
	}
	entry := n.Header.Sections[index]
	if !entry.Enabled() {
		return nil, errs.New(errs.KindBadSectionTable, op, nil)
	}
	fsh := n.Header.FsHeaders[index]

	start, end := entry.ByteRange()
	cryptoType := fsh.CryptoType
	// A BKTR section is read as plain CTR at this layer; the relocation
	// overlay (pkg/bktr) is the thing that understands bucket entries and
	// picks base-vs-patch source per virtual offset.
	if cryptoType == CryptoTypeBKTR {
		cryptoType = CryptoTypeCTR
	}
	return NewSectionCipher(n.reader, start, end, cryptoType, n.Header.SectionKey, fsh.CryptoCounter), nil
}

// FsHeader returns the raw FS header for a section index, e.g. so callers
// can check FsType or locate the BKTR bucket tables.
func (n *NCA) FsHeader(index int) (FsHeader, error) {
	if index < 0 || index > 3 {
		return FsHeader{}, errs.New(errs.KindBadSectionTable, "nca.NCA.FsHeader", nil)
	}
	return n.Header.FsHeaders[index], nil
}

// OpenPfs opens a section as a PFS0 partition (spec §4.3 open_pfs).
func (n *NCA) OpenPfs(index int) (*PartitionView, error) {
	c, err := n.Section(index)
	if err != nil {
		return nil, err
	}
	return OpenPfs(c, 0)
}

// OpenRomfs opens a section as a plain RomFS view (spec §4.3 open_romfs).
// For sections whose FsHeader declares CryptoTypeBKTR, use pkg/bktr's
// Open instead, which composes this same section cipher with the base
// content's RomFS and the relocation/subsection bucket tables.
func (n *NCA) OpenRomfs(index int) (*romfs.View, error) {
	c, err := n.Section(index)
	if err != nil {
		return nil, err
	}
	return romfs.Open(c, 0)
}
