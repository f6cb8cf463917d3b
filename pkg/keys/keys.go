// Package keys implements the Key Set component (spec §4.1): loading a
// text key file and deriving the per-generation keys the rest of the
// engine needs to decrypt NCA headers, key areas, and title keys.
package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ndump/core/pkg/errs"
)

const maxGeneration = 32 // generations 0-31 are addressable (spec §3)

// KAEKIndex selects one of the three key-area encryption keys declared in
// an NCA's header.
type KAEKIndex int

const (
	KAEKApplication KAEKIndex = 0
	KAEKOcean       KAEKIndex = 1
	KAEKSystem      KAEKIndex = 2
)

// KeySet is a record of named symmetric keys, immutable once loaded
// (spec §3 "Lifetime: loaded once from an external key file; immutable
// thereafter"). The teacher kept these as package globals behind a mutex;
// here they're fields on a value so a caller can hold more than one set
// alive at once (see Design Note: explicit handles over global context).
type KeySet struct {
	raw map[string][]byte

	masterKeys [maxGeneration][]byte
	kaeks      [maxGeneration][3][]byte
	titleKeks  [maxGeneration][]byte
	headerKey1 []byte
	headerKey2 []byte
	eticketKek []byte
}

// Load reads a key file of the form `key_name = hex_bytes` per line.
// Comments start with ';' (spec §6 grammar) or '#' (key files found in the
// wild commonly use '#'); both are accepted. Key names are matched
// case-insensitively.
func Load(path string) (*KeySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, "keys.Load", err)
	}
	defer f.Close()
	return parse(f)
}

// LoadDefault tries the standard locations a dumping tool's key file is
// typically found in.
func LoadDefault() (*KeySet, error) {
	home, _ := os.UserHomeDir()
	candidates := []string{"prod.keys", "keys.txt"}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".switch", "prod.keys"),
			filepath.Join(home, ".switch", "keys.txt"),
		)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return nil, errs.New(errs.KindConfiguration, "keys.LoadDefault", fmt.Errorf("no keys file found in %v", candidates))
}

func parse(f *os.File) (*KeySet, error) {
	raw := make(map[string][]byte)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		valHex := strings.TrimSpace(parts[1])
		val, err := hex.DecodeString(valHex)
		if err != nil {
			continue
		}
		raw[name] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.KindConfiguration, "keys.parse", err)
	}

	ks := &KeySet{raw: raw}
	ks.headerKey1, ks.headerKey2 = splitHeaderKey(raw["header_key"])
	ks.eticketKek = raw["eticket_rsa_kek"]

	for i := 0; i < maxGeneration; i++ {
		ks.masterKeys[i] = raw[fmt.Sprintf("master_key_%02x", i)]
		ks.kaeks[i][KAEKApplication] = raw[fmt.Sprintf("key_area_key_application_%02x", i)]
		ks.kaeks[i][KAEKOcean] = raw[fmt.Sprintf("key_area_key_ocean_%02x", i)]
		ks.kaeks[i][KAEKSystem] = raw[fmt.Sprintf("key_area_key_system_%02x", i)]
		ks.titleKeks[i] = raw[fmt.Sprintf("titlekek_%02x", i)]
	}

	ks.derive()
	return ks, nil
}

func splitHeaderKey(k []byte) (k1, k2 []byte) {
	if len(k) != 0x20 {
		return nil, nil
	}
	return k[:0x10], k[0x10:]
}

func validGen(generation int) bool {
	return generation >= 0 && generation < maxGeneration
}

// MasterKey returns the master key for a generation, or KeyMissing.
func (ks *KeySet) MasterKey(generation int) ([]byte, error) {
	if !validGen(generation) {
		return nil, errs.Named(errs.KindKeyMissing, "keys.MasterKey", fmt.Sprintf("master_key_%02x", generation), nil)
	}
	if k := ks.masterKeys[generation]; k != nil {
		return k, nil
	}
	return nil, errs.Named(errs.KindKeyMissing, "keys.MasterKey", fmt.Sprintf("master_key_%02x", generation), nil)
}

// KAEK returns the key-area encryption key for (generation, index).
func (ks *KeySet) KAEK(generation int, index KAEKIndex) ([]byte, error) {
	if !validGen(generation) || index < 0 || index > 2 {
		return nil, errs.Named(errs.KindKeyMissing, "keys.KAEK", fmt.Sprintf("key_area_key_%d_%02x", index, generation), nil)
	}
	if k := ks.kaeks[generation][index]; k != nil {
		return k, nil
	}
	return nil, errs.Named(errs.KindKeyMissing, "keys.KAEK", fmt.Sprintf("key_area_key_%d_%02x", index, generation), nil)
}

// HeaderKeyPair returns the AES-XTS header key pair (data key, tweak key).
func (ks *KeySet) HeaderKeyPair() ([]byte, []byte, error) {
	if ks.headerKey1 == nil || ks.headerKey2 == nil {
		return nil, nil, errs.Named(errs.KindKeyMissing, "keys.HeaderKeyPair", "header_key", nil)
	}
	return ks.headerKey1, ks.headerKey2, nil
}

// Titlekek returns the KEK used to decrypt an encrypted title key.
func (ks *KeySet) Titlekek(generation int) ([]byte, error) {
	if !validGen(generation) {
		return nil, errs.Named(errs.KindKeyMissing, "keys.Titlekek", fmt.Sprintf("titlekek_%02x", generation), nil)
	}
	if k := ks.titleKeks[generation]; k != nil {
		return k, nil
	}
	return nil, errs.Named(errs.KindKeyMissing, "keys.Titlekek", fmt.Sprintf("titlekek_%02x", generation), nil)
}

// EticketRsaKek returns the raw ETicket RSA KEK material. The engine never
// performs the RSA-OAEP unwrap itself (spec §1 Non-goals: no key
// derivation from raw device secrets); this is exposed only so a caller
// holding the device's private components can do so externally and hand
// the engine a decrypted title key.
func (ks *KeySet) EticketRsaKek() ([]byte, error) {
	if ks.eticketKek == nil {
		return nil, errs.Named(errs.KindKeyMissing, "keys.EticketRsaKek", "eticket_rsa_kek", nil)
	}
	return ks.eticketKek, nil
}

// Raw exposes an arbitrary loaded key by exact lowercase name, for
// tool-specific keys (e.g. an ACID patch RSA key) that don't fit the
// standard generation-indexed names.
func (ks *KeySet) Raw(name string) ([]byte, bool) {
	v, ok := ks.raw[strings.ToLower(name)]
	return v, ok
}

// EffectiveGeneration applies the spec's "max of the two key-generation
// fields, minus one, floored at zero" rule used to index master keys from
// an NCA header.
func EffectiveGeneration(keyGeneration, keyGeneration2 byte) int {
	gen := int(keyGeneration)
	if int(keyGeneration2) > gen {
		gen = int(keyGeneration2)
	}
	gen--
	if gen < 0 {
		gen = 0
	}
	return gen
}
