package build

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/keys"
	"github.com/ndump/core/pkg/nca"
)

// ACID magic at the start of the ACID block embedded in main.npdm.
const acidMagic = "ACID"

// Layout constants for the ACID block within main.npdm. The signature
// covers everything from acidSignedStart to the end of the block; the
// RSA-2048 modulus for the ACID public key sits at acidPubKeyOffset. This
// layout is a deliberately simplified stand-in for the real NPDM/ACID
// structure (the pack carries no NPDM-format reference), documented in
// DESIGN.md as an Open Question: it is internally consistent (this
// module's own signer/verifier pair round-trip) but not validated against
// a real console-produced main.npdm.
const (
	acidMagicOffset     = 0x000
	acidSigOffset       = 0x100 // 0x100 bytes, RSA-2048 PKCS1v15 signature
	acidPubKeyOffset    = 0x200 // 0x100 bytes, RSA-2048 modulus
	acidSignedStart     = acidPubKeyOffset
	acidBlockSize       = 0x300
)

// npdmPatchResult reports whether the new ACID signature is byte-stable
// across runs (spec §9 Open Question on deterministic NPDM signing); the
// re-signed block itself is written back into the caller's buffer.
type npdmPatchResult struct {
	deterministic bool
}

// patchNpdmACID rewrites the ACID public key embedded in a decrypted
// ExeFS main.npdm buffer (in place) to the tool-held key's public modulus,
// and regenerates the ACID signature with the tool-held private key (spec
// §4.7.2 "patch the NPDM ACID public key + regenerate the NPDM signature
// with a tool-held private key").
func patchNpdmACID(npdmBuf []byte, ks *keys.KeySet, deterministic bool) (npdmPatchResult, error) {
	const op = "build.patchNpdmACID"

	idx := findACIDBlock(npdmBuf)
	if idx < 0 {
		return npdmPatchResult{}, errs.New(errs.KindConfiguration, op, fmt.Errorf("ACID block not found in main.npdm"))
	}
	if idx+acidBlockSize > len(npdmBuf) {
		return npdmPatchResult{}, errs.New(errs.KindConfiguration, op, fmt.Errorf("truncated ACID block"))
	}
	block := npdmBuf[idx : idx+acidBlockSize]

	priv, err := acidSigningKey(ks)
	if err != nil {
		return npdmPatchResult{}, err
	}

	pubKeyBytes := priv.PublicKey.N.Bytes()
	var modulus [0x100]byte
	copy(modulus[0x100-len(pubKeyBytes):], pubKeyBytes)
	copy(block[acidPubKeyOffset:acidPubKeyOffset+0x100], modulus[:])

	signed := block[acidSignedStart:]
	digest := sha256.Sum256(signed)

	var rnd io.Reader = rand.Reader
	if deterministic {
		rnd = newDeterministicReader(digest[:])
	}
	sig, err := rsa.SignPKCS1v15(rnd, priv, crypto.SHA256, digest[:])
	if err != nil {
		return npdmPatchResult{}, errs.New(errs.KindConfiguration, op, err)
	}
	copy(block[acidSigOffset:acidSigOffset+0x100], sig)

	return npdmPatchResult{deterministic: deterministic}, nil
}

func findACIDBlock(buf []byte) int {
	for i := 0; i+4 <= len(buf); i++ {
		if string(buf[i:i+4]) == acidMagic {
			return i
		}
	}
	return -1
}

// acidSigningKey loads the tool-held RSA private key from the key set's
// arbitrary-name slot (spec §4.7.2 "a tool-held private key", loaded the
// same way as KeySet per SPEC_FULL.md).
func acidSigningKey(ks *keys.KeySet) (*rsa.PrivateKey, error) {
	const op = "build.acidSigningKey"
	der, ok := ks.Raw("acid_sign_key")
	if !ok {
		return nil, errs.Named(errs.KindKeyMissing, op, "acid_sign_key", nil)
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, op, err)
	}
	return priv, nil
}

// deterministicReader produces a fixed pseudo-random stream keyed off a
// seed, so RSA-PSS-style blinding/padding randomness is stable across
// runs for the same input (spec §9: "if the implementation pins the RSA
// private key such that signatures are deterministic... this storage
// becomes unnecessary"). The standard library's rsa.SignPKCS1v15 ignores
// its random argument, and PKCS #1 v1.5 signatures depend only on the key
// and digest, so repeated signs of the same digest are byte-identical with
// either reader.
type deterministicReader struct {
	seed    []byte
	counter uint64
}

func newDeterministicReader(seed []byte) *deterministicReader {
	return &deterministicReader{seed: append([]byte(nil), seed...)}
}

func (d *deterministicReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		var ctr [8]byte
		binary.LittleEndian.PutUint64(ctr[:], d.counter)
		d.counter++
		block := sha256.Sum256(append(d.seed, ctr[:]...))
		n += copy(p[n:], block[:])
	}
	return n, nil
}

// npdmFileOffset locates main.npdm's data range within a decrypted ExeFS
// PartitionView, if present.
func npdmFileOffset(v *nca.PartitionView) (offset, size uint64, ok bool) {
	for _, f := range v.Files() {
		if f.Name == "main.npdm" {
			return f.DataOffset, f.DataSize, true
		}
	}
	return 0, 0, false
}

// patchProgramNpdm reads a Program NCA's ExeFS main.npdm, patches its ACID
// block, and returns a patch overlaying the re-encrypted bytes at their
// original NCA-absolute offset — nil if the NCA carries no main.npdm
// (spec §4.7.2 step 5 "NPDM ACID patch").
func patchProgramNpdm(n *nca.NCA, ks *keys.KeySet, deterministic bool) (*patch, error) {
	view, err := n.OpenPfs(0)
	if err != nil {
		return nil, err
	}
	f, size, ok := npdmFileOffset(view)
	if !ok {
		return nil, nil
	}

	npdmBuf, err := view.ReadFile(nca.PartitionFile{DataOffset: f, DataSize: size}, 0, size)
	if err != nil {
		return nil, err
	}
	if _, err := patchNpdmACID(npdmBuf, ks, deterministic); err != nil {
		return nil, err
	}

	secOffset := view.DataRegionOffset() + f
	if err := view.Cipher().XORKeystream(npdmBuf, secOffset); err != nil {
		return nil, err
	}
	absolute := int64(view.SectionStart() + secOffset)
	return &patch{offset: absolute, data: npdmBuf}, nil
}
