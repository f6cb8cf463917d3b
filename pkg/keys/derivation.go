package keys

import (
	"fmt"

	"github.com/ndump/core/pkg/crypto"
	"github.com/ndump/core/pkg/errs"
)

// derive fills in any master-key-indexed key not already present directly
// in the key file (titlekek_XX, key_area_key_<type>_XX) by deriving it from
// the corresponding *_source seed and the matching master key, the way the
// teacher's DeriveKeys did. Keys already loaded verbatim from the file take
// priority, since they come straight from the console and need no
// derivation.
func (ks *KeySet) derive() {
	aesKekGen := ks.raw["aes_kek_generation_source"]
	aesKeyGen := ks.raw["aes_key_generation_source"]
	titleKekSource := ks.raw["titlekek_source"]

	keyAreaSources := [3][]byte{
		ks.raw["key_area_key_application_source"],
		ks.raw["key_area_key_ocean_source"],
		ks.raw["key_area_key_system_source"],
	}

	for i := 0; i < maxGeneration; i++ {
		masterKey := ks.masterKeys[i]
		if masterKey == nil {
			continue
		}

		if ks.titleKeks[i] == nil && titleKekSource != nil {
			if tk, err := crypto.ECBDecrypt(titleKekSource, masterKey); err == nil {
				ks.titleKeks[i] = tk
			}
		}

		for typeIdx := 0; typeIdx < 3; typeIdx++ {
			if ks.kaeks[i][typeIdx] != nil || keyAreaSources[typeIdx] == nil || aesKekGen == nil || aesKeyGen == nil {
				continue
			}
			if kak, err := GenerateKek(keyAreaSources[typeIdx], masterKey, aesKekGen, aesKeyGen); err == nil {
				ks.kaeks[i][typeIdx] = kak
			}
		}
	}
}

// GenerateKek reproduces the three-step KEK generation scheme used for key
// area keys: Decrypt(kekSeed, masterKey) gives an intermediate KEK,
// Decrypt(src, intermediate) gives the source-specific KEK, and an optional
// final Decrypt(keySeed, ...) yields the leaf key.
func GenerateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}

	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}

	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

// DecryptTitleKey decrypts a ticket's encrypted title key using the
// titlekek for the given generation (spec §4.1).
func (ks *KeySet) DecryptTitleKey(encryptedKey []byte, generation int) ([]byte, error) {
	kek, err := ks.Titlekek(generation)
	if err != nil {
		return nil, err
	}
	return crypto.ECBDecrypt(encryptedKey, kek)
}

// DecryptNcaKeyArea decrypts the four 0x10-byte keys of an NCA's key area
// using the key-area encryption key selected by (generation, kaekIndex)
// (spec §4.1 decrypt_nca_key_area).
func (ks *KeySet) DecryptNcaKeyArea(ciphertext []byte, kaekIndex KAEKIndex, generation int) ([]byte, error) {
	if len(ciphertext) != 0x40 {
		return nil, errs.New(errs.KindBadSectionTable, "keys.DecryptNcaKeyArea", fmt.Errorf("key area must be 0x40 bytes, got %d", len(ciphertext)))
	}
	kaek, err := ks.KAEK(generation, kaekIndex)
	if err != nil {
		return nil, err
	}
	return crypto.ECBDecrypt(ciphertext, kaek)
}

// EncryptNcaKeyArea is the inverse of DecryptNcaKeyArea, used by the
// Package Builder to encrypt a rebuilt key area under the KAEK the NCA
// header declares (when stripping a rights-id and folding the title key
// into the key area so the output NCA no longer needs a ticket).
func (ks *KeySet) EncryptNcaKeyArea(plaintext []byte, kaekIndex KAEKIndex, generation int) ([]byte, error) {
	if len(plaintext) != 0x40 {
		return nil, errs.New(errs.KindBadSectionTable, "keys.EncryptNcaKeyArea", fmt.Errorf("key area must be 0x40 bytes, got %d", len(plaintext)))
	}
	kaek, err := ks.KAEK(generation, kaekIndex)
	if err != nil {
		return nil, err
	}
	return crypto.ECBEncrypt(plaintext, kaek)
}
