// Package ids defines the small fixed-size identifiers shared across the
// extraction engine: content ids (NCA identity) and rights ids (ticket
// linkage). Both are 16 raw bytes with a lowercase-hex string form.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ContentID identifies a single NCA. Equality is by bytes (spec §3).
type ContentID [16]byte

func (c ContentID) Hex() string { return hex.EncodeToString(c[:]) }

func (c ContentID) String() string { return c.Hex() }

func (c ContentID) IsZero() bool { return c == ContentID{} }

// ContentIDFromHash derives a ContentID from the first 16 bytes of a
// SHA-256 digest, per the spec's central identity invariant: ContentIds of
// NCAs produced by the Package Builder are derived from the running
// SHA-256 of the written NCA bytes.
func ContentIDFromHash(sum [sha256.Size]byte) ContentID {
	var c ContentID
	copy(c[:], sum[:16])
	return c
}

func ParseContentIDHex(s string) (ContentID, error) {
	var c ContentID
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("ids: invalid content id %q: %w", s, err)
	}
	if len(b) != 16 {
		return c, fmt.Errorf("ids: content id %q must decode to 16 bytes, got %d", s, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// RightsID links an NCA whose key area is unused to the ticket supplying
// its title key.
type RightsID [16]byte

func (r RightsID) Hex() string { return hex.EncodeToString(r[:]) }

func (r RightsID) String() string { return r.Hex() }

func (r RightsID) IsZero() bool { return r == RightsID{} }

func ParseRightsIDHex(s string) (RightsID, error) {
	var r RightsID
	b, err := hex.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("ids: invalid rights id %q: %w", s, err)
	}
	if len(b) != 16 {
		return r, fmt.Errorf("ids: rights id %q must decode to 16 bytes, got %d", s, len(b))
	}
	copy(r[:], b)
	return r, nil
}

// ContentType enumerates the content-record types carried inside a CNMT
// (spec §3 ContentRecord).
type ContentType byte

const (
	ContentTypeMeta ContentType = iota
	ContentTypeProgram
	ContentTypeData
	ContentTypeControl
	ContentTypeHtmlDocument
	ContentTypeLegalInformation
	ContentTypeDeltaFragment
)

func (t ContentType) String() string {
	switch t {
	case ContentTypeMeta:
		return "Meta"
	case ContentTypeProgram:
		return "Program"
	case ContentTypeData:
		return "Data"
	case ContentTypeControl:
		return "Control"
	case ContentTypeHtmlDocument:
		return "HtmlDocument"
	case ContentTypeLegalInformation:
		return "LegalInformation"
	case ContentTypeDeltaFragment:
		return "DeltaFragment"
	default:
		return fmt.Sprintf("ContentType(%d)", byte(t))
	}
}

// TitleMetaType enumerates CNMT title types (spec §3 TitleMeta).
type TitleMetaType byte

const (
	TitleMetaTypeApplication TitleMetaType = 0x80
	TitleMetaTypePatch       TitleMetaType = 0x81
	TitleMetaTypeAddOnContent TitleMetaType = 0x82
)
