package nca

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ndump/core/pkg/crypto"
	"github.com/ndump/core/pkg/keys"
)

// headerKeySet writes a minimal prod.keys file carrying only a header_key
// and loads it, giving tests a real keys.KeySet without reaching into its
// unexported fields.
func headerKeySet(t *testing.T, key1, key2 []byte) *keys.KeySet {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prod.keys")
	body := "header_key = " + hex.EncodeToString(key1) + hex.EncodeToString(key2) + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ks, err := keys.Load(path)
	if err != nil {
		t.Fatalf("keys.Load: %v", err)
	}
	return ks
}

// fakeNCAReader is an io.ReaderAt over a flat in-memory buffer.
type fakeNCAReader []byte

func (f fakeNCAReader) ReadAt(dst []byte, off int64) (int, error) {
	return copy(dst, f[off:]), nil
}

// buildEncryptedHeader lays out a plausible decrypted HeaderStructSize
// block (magic, main block, section table, FS headers) and re-encrypts it
// sector by sector with AES-XTS, exactly as console firmware produces it.
func buildEncryptedHeader(t *testing.T, key1, key2 []byte, programID uint64, contentSize uint64) []byte {
	t.Helper()
	plain := make([]byte, HeaderStructSize)

	mb := new(bytes.Buffer)
	mb.WriteString(MagicNCA3)
	mb.WriteByte(0)          // DistType
	mb.WriteByte(0x01)       // ContentType
	mb.WriteByte(5)          // KeyGen
	mb.WriteByte(0)          // KeyAreaIdx (Application)
	binary.Write(mb, binary.LittleEndian, contentSize)
	binary.Write(mb, binary.LittleEndian, programID)
	binary.Write(mb, binary.LittleEndian, uint32(0)) // ContentIdx
	binary.Write(mb, binary.LittleEndian, uint32(0)) // SdkAddonVer
	mb.WriteByte(0)                                  // KeyGen2
	mb.Write(make([]byte, 0xF))                      // Sig2
	mb.Write(make([]byte, 0x10))                      // RightsID (zero: no title key)
	copy(plain[0x200:], mb.Bytes())

	copy(plain[0x400:], []byte{0, 0, 0, byte(FsTypeRomFs), 0, byte(CryptoTypeCTR)})

	headerKey := append(append([]byte{}, key1...), key2...)
	encrypted := make([]byte, len(plain))
	for i := 0; i < len(plain)/headerSectorSize; i++ {
		start := i * headerSectorSize
		end := start + headerSectorSize
		ct, err := crypto.XTSEncrypt(plain[start:end], headerKey, uint64(i))
		if err != nil {
			t.Fatalf("XTSEncrypt sector %d: %v", i, err)
		}
		copy(encrypted[start:end], ct)
	}
	return encrypted
}

func TestParseHeaderRoundTrip(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x11}, 16)
	key2 := bytes.Repeat([]byte{0x22}, 16)
	ks := headerKeySet(t, key1, key2)

	const programID = 0x0100000000010000
	const contentSize = 0x8000
	encrypted := buildEncryptedHeader(t, key1, key2, programID, contentSize)

	h, err := ParseHeader(fakeNCAReader(encrypted), ks)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Magic != MagicNCA3 {
		t.Errorf("Magic = %q, want %q", h.Magic, MagicNCA3)
	}
	if h.ProgramID != programID {
		t.Errorf("ProgramID = %#x, want %#x", h.ProgramID, programID)
	}
	if h.ContentSize != contentSize {
		t.Errorf("ContentSize = %#x, want %#x", h.ContentSize, contentSize)
	}
	if h.HasRightsID() {
		t.Error("zero RightsID should report HasRightsID() == false")
	}
	if h.FsHeaders[0].FsType != FsTypeRomFs || h.FsHeaders[0].CryptoType != CryptoTypeCTR {
		t.Errorf("FsHeaders[0] = %+v", h.FsHeaders[0])
	}
	if got, want := h.EffectiveGeneration(), keys.EffectiveGeneration(5, 0); got != want {
		t.Errorf("EffectiveGeneration() = %d, want %d", got, want)
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x33}, 16)
	key2 := bytes.Repeat([]byte{0x44}, 16)
	ks := headerKeySet(t, key1, key2)

	// Encrypt an all-zero plaintext block: once decrypted it will not spell
	// "NCA3"/"NCA2", so ParseHeader must reject it.
	plain := make([]byte, HeaderStructSize)
	headerKey := append(append([]byte{}, key1...), key2...)
	encrypted := make([]byte, len(plain))
	for i := 0; i < len(plain)/headerSectorSize; i++ {
		start := i * headerSectorSize
		end := start + headerSectorSize
		ct, err := crypto.XTSEncrypt(plain[start:end], headerKey, uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		copy(encrypted[start:end], ct)
	}

	if _, err := ParseHeader(fakeNCAReader(encrypted), ks); err == nil {
		t.Fatal("expected an error for a header that doesn't decrypt to a valid magic")
	}
}

func TestResolveSectionKeyNoRightsID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prod.keys")
	body := "key_area_key_application_05 = " + hex.EncodeToString(bytes.Repeat([]byte{0x55}, 16)) + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ks, err := keys.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	plainKeyArea := make([]byte, 0x40)
	for i := range plainKeyArea {
		plainKeyArea[i] = byte(i)
	}
	encKeyArea, err := ks.EncryptNcaKeyArea(plainKeyArea, keys.KAEKApplication, 5)
	if err != nil {
		t.Fatalf("EncryptNcaKeyArea: %v", err)
	}

	h := &Header{KeyGeneration: 6, KeyAreaIndex: byte(keys.KAEKApplication)}
	copy(h.KeyArea[:], encKeyArea)

	if err := h.ResolveSectionKey(ks, nil); err != nil {
		t.Fatalf("ResolveSectionKey: %v", err)
	}
	if !h.HasSectionKey() {
		t.Fatal("expected HasSectionKey() == true after resolution")
	}
	want := plainKeyArea[0x20:0x30]
	if !bytes.Equal(h.SectionKey[:], want) {
		t.Fatalf("SectionKey = %x, want %x", h.SectionKey, want)
	}
}
