// Package crypto implements the raw AES primitives the rest of the engine
// composes into the spec's three decryption shapes: AES-ECB for key
// derivation and title-key/key-area unwrap (pkg/keys), AES-CTR for NCA
// section reads (pkg/nca.SectionCipher, pkg/bktr's CTR-EX reads), and
// AES-XTS, sector-tweaked, for the NCA header itself (pkg/nca.ParseHeader,
// pkg/build's header rewrite path). None of these three are
// interchangeable, so none of the functions below try to share logic
// beyond the block-cipher construction and the XTS tweak helpers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// cipherCache avoids re-running AES key scheduling for a key this process
// has already seen. Section ciphers are built per NCA section, and a
// single title's Program/Data/Control NCAs routinely share a title key or
// master-key-derived KAEK, so the cache keeps CTR stream construction
// (NewCTRStream) cheap across a whole dump rather than just within one
// NCA. The ECB and XTS helpers build their ciphers directly.
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	// Double-check after acquiring write lock
	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecrypt decrypts data using AES-ECB: the console's key-derivation
// scheme (pkg/keys.GenerateKek, DecryptTitleKey, DecryptNcaKeyArea) chains
// single AES-ECB block operations rather than any stream mode, since each
// "decrypt" is really unwrapping one fixed-size key blob (a titlekek
// source, an encrypted title key, a 0x40-byte key area) with another key,
// not decrypting a byte stream.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt is the inverse of ECBDecrypt, used by
// pkg/keys.EncryptNcaKeyArea when the Package Builder encrypts a rebuilt
// key area under the header's declared KAEK (stripping a rights-id so the
// output NCA no longer needs a ticket).
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// NewCTRStream builds the AES-CTR keystream for one NCA section read,
// starting at an NCA-absolute byte offset. iv is the section's base
// counter as nca.SectionCipher/BuildBaseIV construct it (bytes 0-7 are the
// section's own CryptoCounter, or a BKTR generation override for CTR-EX);
// bytes 8-15 are overwritten here with the absolute offset's 16-byte block
// index, matching the counter convention spec §4.3 describes.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

// XTSDecrypt decrypts one 0x200-byte sector of an NCA header using
// AES-XTS, sector parameterizes the per-sector tweak (spec §4.3 "a
// per-sector tweak derived from sector index"). The whole of data is one
// XTS unit under that single tweak chain, so callers pass one sector per
// call with its own index. key must be the 32-byte
// concatenation of the header key pair (pkg/keys.KeySet.HeaderKeyPair,
// key1 || key2).
func XTSDecrypt(data, key []byte, sector uint64) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("XTS data length must be a multiple of 16, got %d", len(data))
	}

	c1, err := aes.NewCipher(key[:16]) // K1
	if err != nil {
		return nil, err
	}
	c2, err := aes.NewCipher(key[16:]) // K2
	if err != nil {
		return nil, err
	}

	// Initial Tweak: Big Endian Sector Number
	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sector)

	// Encrypt Tweak
	tweakEnc := make([]byte, 16)
	c2.Encrypt(tweakEnc, tweak)
	tweak = tweakEnc

	out := make([]byte, len(data))
	buf := make([]byte, 16)
	dec := make([]byte, 16)

	for i := 0; i < len(data); i += 16 {
		chunk := data[i : i+16]

		// C ^ T
		xor(buf, chunk, tweak)

		// D(K1, ...)
		c1.Decrypt(dec, buf)

		// ... ^ T
		xor(out[i:i+16], dec, tweak)

		// Update Tweak
		mul2(tweak)
	}
	return out, nil
}

// XTSEncrypt is the inverse of XTSDecrypt, used when the Package Builder
// re-encrypts a modified NCA header (distribution bit / rights-id scrub /
// ACID patch) before streaming it.
func XTSEncrypt(data, key []byte, sector uint64) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("XTS data length must be a multiple of 16, got %d", len(data))
	}

	c1, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	c2, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}

	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sector)
	tweakEnc := make([]byte, 16)
	c2.Encrypt(tweakEnc, tweak)
	tweak = tweakEnc

	out := make([]byte, len(data))
	buf := make([]byte, 16)
	enc := make([]byte, 16)

	for i := 0; i < len(data); i += 16 {
		chunk := data[i : i+16]
		xor(buf, chunk, tweak)
		c1.Encrypt(enc, buf)
		xor(out[i:i+16], enc, tweak)
		mul2(tweak)
	}
	return out, nil
}

func xor(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mul2(tweak []byte) {
	var carry byte = 0
	for i := 0; i < 16; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
