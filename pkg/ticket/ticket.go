// Package ticket implements the Rights / Ticket Resolver (spec §4.5): it
// finds the ticket backing an NCA's rights ID, decrypts the title key for
// common tickets, and can scrub a ticket's console-identifying fields for
// redistribution.
//
// The 0x2C0-byte layout (signature issuer at 0x140, title-key block at
// 0x180, titlekey type at 0x281, key generation at 0x285, ticket/device/
// rights/account ids from 0x290) is the platform's common ES ticket
// format — the same fields nxdumptool's dumper.c zeroes, normalizes, and
// rewrites when it scrubs console data from a dumped ticket.
package ticket

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/keys"
	"github.com/ndump/core/pkg/nca"
)

const Size = 0x2C0

const (
	offerIssuer        = 0x140
	sizeIssuer         = 0x40
	offsetTitleKey     = 0x180
	sizeTitleKeyBlock  = 0x100
	offsetFormat       = 0x280
	offsetTitlekeyType = 0x281
	offsetKeyGen       = 0x285
	offsetTicketID     = 0x290
	offsetDeviceID     = 0x298
	offsetRightsID     = 0x2A0
	offsetAccountID    = 0x2B0
)

const normalizedIssuer = "Root-CA00000003-XS00000020"

// TitlekeyType distinguishes common (symmetric) from personalized
// (RSA-OAEP wrapped) tickets (spec §3).
type TitlekeyType byte

const (
	TitlekeyCommon       TitlekeyType = 0
	TitlekeyPersonalized TitlekeyType = 1
)

// TitlekeyBlockEmptyHash is the fixed constant a scrubbed ticket's
// title-key-block padding hashes to (spec §8): SHA-256 over the 0xF0
// zeroed bytes following the first 0x10-byte title key.
var TitlekeyBlockEmptyHash = sha256.Sum256(make([]byte, sizeTitleKeyBlock-0x10))

// Ticket is a parsed (but not copied out of) 0x2C0-byte ticket.
type Ticket struct {
	raw [Size]byte
}

// Parse wraps exactly Size bytes as a Ticket.
func Parse(raw []byte) (*Ticket, error) {
	if len(raw) != Size {
		return nil, errs.New(errs.KindBadSectionTable, "ticket.Parse", fmt.Errorf("ticket must be %#x bytes, got %#x", Size, len(raw)))
	}
	t := &Ticket{}
	copy(t.raw[:], raw)
	return t, nil
}

func (t *Ticket) Bytes() []byte { return t.raw[:] }

func (t *Ticket) Type() TitlekeyType { return TitlekeyType(t.raw[offsetTitlekeyType]) }

func (t *Ticket) KeyGeneration() int { return int(t.raw[offsetKeyGen]) }

func (t *Ticket) RightsID() ids.RightsID {
	var r ids.RightsID
	copy(r[:], t.raw[offsetRightsID:offsetRightsID+0x10])
	return r
}

// EncryptedTitleKey returns the first 0x10 bytes of the title-key-block:
// the AES-ECB-encrypted common title key, or the start of an RSA-OAEP
// ciphertext for personalized tickets.
func (t *Ticket) EncryptedTitleKey() []byte {
	return t.raw[offsetTitleKey : offsetTitleKey+0x10]
}

// Source resolves raw ticket bytes (and an optional certificate chain)
// for a rights ID — a console's ticket catalog, a prebuilt archive, or
// any other store of `.tik`/`.cert` pairs.
type Source interface {
	Lookup(rightsID ids.RightsID) (ticket []byte, cert []byte, err error)
}

// PreinstalledKey is a caller-supplied, already-decrypted title key that
// bypasses ticket lookup entirely (spec §4.5 "preinstalled set").
type PreinstalledKey struct {
	TitleKey [0x10]byte
}

// Resolver implements nca.TitleKeyResolver by trying, in order: the
// gamecard's Normal-partition HFS0 ticket (common only), a ticket
// catalog, then a caller-supplied preinstalled set (spec §4.5).
type Resolver struct {
	ks           *keys.KeySet
	gamecard     *nca.PartitionView // Normal partition of a gamecard HFS0, or nil
	catalog      Source             // or nil
	preinstalled map[ids.RightsID]PreinstalledKey
}

func NewResolver(ks *keys.KeySet) *Resolver {
	return &Resolver{ks: ks, preinstalled: make(map[ids.RightsID]PreinstalledKey)}
}

func (r *Resolver) WithGamecard(normal *nca.PartitionView) *Resolver { r.gamecard = normal; return r }
func (r *Resolver) WithCatalog(c Source) *Resolver                   { r.catalog = c; return r }

func (r *Resolver) AddPreinstalled(rightsID ids.RightsID, key PreinstalledKey) {
	r.preinstalled[rightsID] = key
}

// ResolveTitleKey implements nca.TitleKeyResolver (spec §4.5 resolve).
func (r *Resolver) ResolveTitleKey(rightsID ids.RightsID) ([0x10]byte, error) {
	const op = "ticket.Resolver.ResolveTitleKey"

	raw, _, err := r.lookupTicketBytes(rightsID)
	if err != nil {
		if k, ok := r.preinstalled[rightsID]; ok && errors.Is(err, errs.ErrTicketNotFound) {
			return k.TitleKey, nil
		}
		return [0x10]byte{}, err
	}

	t, err := Parse(raw)
	if err != nil {
		return [0x10]byte{}, err
	}

	if t.Type() != TitlekeyCommon {
		if k, ok := r.preinstalled[rightsID]; ok {
			return k.TitleKey, nil
		}
		// RSA-OAEP recovery needs the device ETicket RSA key pair, out of
		// scope here; treat as not found so callers fall back per §7.
		return [0x10]byte{}, errs.Named(errs.KindTicketNotFound, op, rightsID.Hex(), fmt.Errorf("personalized ticket, RSA unwrap not supported"))
	}

	titleKey, err := r.ks.DecryptTitleKey(t.EncryptedTitleKey(), t.KeyGeneration())
	if err != nil {
		return [0x10]byte{}, err
	}
	var out [0x10]byte
	copy(out[:], titleKey)
	return out, nil
}

func (r *Resolver) lookupTicketBytes(rightsID ids.RightsID) (ticket, cert []byte, err error) {
	const op = "ticket.Resolver.lookupTicketBytes"
	name := rightsID.Hex() + ".tik"

	if r.gamecard != nil {
		for _, f := range r.gamecard.Files() {
			if f.Name != name {
				continue
			}
			raw, err := r.gamecard.ReadFile(f, 0, f.DataSize)
			if err != nil {
				return nil, nil, err
			}
			if len(raw) < Size {
				return nil, nil, errs.New(errs.KindBadSectionTable, op, fmt.Errorf("gamecard ticket %q too short", name))
			}
			t, err := Parse(raw[:Size])
			if err != nil {
				return nil, nil, err
			}
			if t.Type() != TitlekeyCommon {
				return nil, nil, errs.Named(errs.KindTicketNotFound, op, rightsID.Hex(), fmt.Errorf("gamecard ticket is personalized"))
			}
			return raw[:Size], nil, nil
		}
	}

	if r.catalog != nil {
		raw, cert, err := r.catalog.Lookup(rightsID)
		if err == nil {
			return raw, cert, nil
		}
		if !errors.Is(err, errs.ErrTicketNotFound) {
			return nil, nil, err
		}
	}

	return nil, nil, errs.Named(errs.KindTicketNotFound, op, rightsID.Hex(), nil)
}

// Scrub returns a copy of raw ticket bytes with console-identifying
// fields removed (spec §4.5): device/account/ticket IDs zeroed, the
// signature issuer normalized, and — for personalized tickets — the
// title-key-block rewritten to hold the decrypted common title key
// followed by zero padding, with the type flipped to Common.
func Scrub(raw []byte, commonTitleKey [0x10]byte) ([]byte, error) {
	t, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), t.raw[:]...)

	copy(out[offerIssuer:offerIssuer+sizeIssuer], make([]byte, sizeIssuer))
	copy(out[offerIssuer:offerIssuer+len(normalizedIssuer)], normalizedIssuer)

	binary.LittleEndian.PutUint64(out[offsetTicketID:], 0)
	binary.LittleEndian.PutUint64(out[offsetDeviceID:], 0)
	binary.LittleEndian.PutUint32(out[offsetAccountID:], 0)

	if t.Type() != TitlekeyCommon {
		copy(out[offsetTitleKey:offsetTitleKey+0x10], commonTitleKey[:])
		for i := 0x10; i < sizeTitleKeyBlock; i++ {
			out[offsetTitleKey+i] = 0
		}
		out[offsetTitlekeyType] = byte(TitlekeyCommon)
	}

	return out, nil
}
