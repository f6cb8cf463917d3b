package nca

import (
	"bytes"
	"testing"

	"github.com/ndump/core/pkg/crypto"
)

func encryptCTR(t *testing.T, plain []byte, key, iv [0x10]byte, startOffset int64) []byte {
	t.Helper()
	stream, err := crypto.NewCTRStream(key[:], iv[:], startOffset)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	out := make([]byte, len(plain))
	stream.XORKeyStream(out, plain)
	return out
}

func TestSectionCipherReadAtUnalignedOffsets(t *testing.T) {
	var key [0x10]byte
	for i := range key {
		key[i] = byte(i)
	}
	var counter [8]byte
	for i := range counter {
		counter[i] = byte(0x90 + i)
	}
	iv := BuildBaseIV(counter)

	plain := make([]byte, 256)
	for i := range plain {
		plain[i] = byte(i * 3)
	}
	section0 := uint64(0x1000) // section start, 16-aligned
	cipherText := encryptCTR(t, plain, key, iv, int64(section0))

	r := fakeNCAReader(append(make([]byte, section0), cipherText...))
	sc := NewSectionCipher(r, section0, section0+uint64(len(plain)), CryptoTypeCTR, key, counter)

	// Read a sub-range that starts and ends mid-block to exercise the
	// pad/align logic.
	for _, tc := range []struct{ off, length uint64 }{
		{0, 16}, {1, 15}, {7, 33}, {16, 16}, {200, 56},
	} {
		dst := make([]byte, tc.length)
		if _, err := sc.ReadAt(dst, tc.off); err != nil {
			t.Fatalf("ReadAt(off=%d,len=%d): %v", tc.off, tc.length, err)
		}
		want := plain[tc.off : tc.off+tc.length]
		if !bytes.Equal(dst, want) {
			t.Errorf("ReadAt(off=%d,len=%d) = %x, want %x", tc.off, tc.length, dst, want)
		}
	}
}

func TestSectionCipherReadAtConcatenationMatchesSingleRead(t *testing.T) {
	var key [0x10]byte
	copy(key[:], bytes.Repeat([]byte{0x5A}, 16))
	var counter [8]byte
	copy(counter[:], bytes.Repeat([]byte{0x01}, 8))
	iv := BuildBaseIV(counter)

	plain := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 64) // 256 bytes
	cipherText := encryptCTR(t, plain, key, iv, 0)
	r := fakeNCAReader(cipherText)
	sc := NewSectionCipher(r, 0, uint64(len(plain)), CryptoTypeCTR, key, counter)

	// Read in several small pieces and check concatenation equals one big
	// read (spec §8 "for all sequences of decrypted reads... concatenation
	// equals the plaintext of a single equivalent read").
	var pieced []byte
	offsets := []uint64{0, 17, 31, 64, 100, 130, 200}
	for i := 0; i < len(offsets); i++ {
		start := offsets[i]
		var end uint64
		if i+1 < len(offsets) {
			end = offsets[i+1]
		} else {
			end = uint64(len(plain))
		}
		dst := make([]byte, end-start)
		if _, err := sc.ReadAt(dst, start); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		pieced = append(pieced, dst...)
	}

	whole := make([]byte, len(plain))
	if _, err := sc.ReadAt(whole, 0); err != nil {
		t.Fatalf("ReadAt (whole): %v", err)
	}
	if !bytes.Equal(pieced, whole) {
		t.Fatal("pieced reads do not match a single whole read")
	}
	if !bytes.Equal(whole, plain) {
		t.Fatal("decrypted bytes do not match original plaintext")
	}
}

func TestSectionCipherReadAtCrossSectionFails(t *testing.T) {
	var key [0x10]byte
	var counter [8]byte
	sc := NewSectionCipher(fakeNCAReader(make([]byte, 64)), 0, 32, CryptoTypeCTR, key, counter)

	dst := make([]byte, 16)
	if _, err := sc.ReadAt(dst, 24); err == nil {
		t.Fatal("expected CrossSection error for a read past the section end")
	}
}

func TestSectionCipherCryptoTypeNonePassesThrough(t *testing.T) {
	plain := bytes.Repeat([]byte{0x13}, 64)
	var key [0x10]byte
	var counter [8]byte
	sc := NewSectionCipher(fakeNCAReader(plain), 0, uint64(len(plain)), CryptoTypeNone, key, counter)

	dst := make([]byte, len(plain))
	if _, err := sc.ReadAt(dst, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(dst, plain) {
		t.Fatal("CryptoTypeNone should return raw bytes unchanged")
	}
}

func TestXORKeystreamIsSelfInverse(t *testing.T) {
	var key [0x10]byte
	copy(key[:], bytes.Repeat([]byte{0x3C}, 16))
	var counter [8]byte
	copy(counter[:], bytes.Repeat([]byte{0x77}, 8))
	iv := BuildBaseIV(counter)

	plain := bytes.Repeat([]byte{0x99}, 48)
	cipherText := encryptCTR(t, plain, key, iv, 0x1010)

	sc := &SectionCipher{reader: fakeNCAReader(nil), start: 0x1000, end: 0x2000, cryptoType: CryptoTypeCTR, key: key, iv: iv}

	buf := append([]byte(nil), cipherText...)
	sectionOffset := uint64(0x1010 - 0x1000)
	if err := sc.XORKeystream(buf, sectionOffset); err != nil {
		t.Fatalf("XORKeystream: %v", err)
	}
	if !bytes.Equal(buf, plain) {
		t.Fatalf("XORKeystream(ciphertext) = %x, want plaintext %x", buf, plain)
	}

	// Self-inverse: applying it again turns plaintext back into ciphertext.
	if err := sc.XORKeystream(buf, sectionOffset); err != nil {
		t.Fatalf("XORKeystream (second pass): %v", err)
	}
	if !bytes.Equal(buf, cipherText) {
		t.Fatal("second XORKeystream pass did not reproduce the ciphertext")
	}
}

func TestSetBktrCounterOverridesGenerationOnly(t *testing.T) {
	var counter [8]byte
	copy(counter[:], bytes.Repeat([]byte{0x01}, 8))
	base := BuildBaseIV(counter)

	iv := SetBktrCounter(base, 0xAABBCCDD)
	if iv[4] != 0xAA || iv[5] != 0xBB || iv[6] != 0xCC || iv[7] != 0xDD {
		t.Fatalf("generation bytes = %x, want aabbccdd", iv[4:8])
	}
	// Everything outside bytes 4-7 is untouched.
	for i := 0; i < 4; i++ {
		if iv[i] != base[i] {
			t.Errorf("byte %d changed: got %x, want %x", i, iv[i], base[i])
		}
	}
	for i := 8; i < 16; i++ {
		if iv[i] != base[i] {
			t.Errorf("byte %d changed: got %x, want %x", i, iv[i], base[i])
		}
	}
}
