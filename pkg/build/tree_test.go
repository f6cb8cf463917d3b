package build

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/nca"
)

// buildPlainPfs0 lays out a minimal unencrypted PFS0 image so tree
// extraction can be exercised without a full NCA header/key setup; the
// streaming/walking logic under test doesn't care how the bytes arrived.
func buildPlainPfs0(files map[string][]byte, order []string) []byte {
	var strTable bytes.Buffer
	nameOffsets := make(map[string]uint32, len(order))
	for _, name := range order {
		nameOffsets[name] = uint32(strTable.Len())
		strTable.WriteString(name)
		strTable.WriteByte(0)
	}

	const hdrSize = 0x10
	const entrySize = 0x18
	headerSize := hdrSize + len(order)*entrySize + strTable.Len()
	dataStart := headerSize
	if dataStart%0x10 != 0 {
		dataStart += 0x10 - dataStart%0x10
	}

	var data bytes.Buffer
	offsets := make(map[string]uint64, len(order))
	for _, name := range order {
		offsets[name] = uint64(data.Len())
		data.Write(files[name])
	}

	buf := make([]byte, dataStart+data.Len())
	copy(buf[0:4], "PFS0")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(order)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(strTable.Len()))
	for i, name := range order {
		e := buf[hdrSize+i*entrySize : hdrSize+(i+1)*entrySize]
		binary.LittleEndian.PutUint64(e[0:8], offsets[name])
		binary.LittleEndian.PutUint64(e[8:16], uint64(len(files[name])))
		binary.LittleEndian.PutUint32(e[16:20], nameOffsets[name])
	}
	copy(buf[hdrSize+len(order)*entrySize:], strTable.Bytes())
	copy(buf[dataStart:], data.Bytes())
	return buf
}

type flatReader []byte

func (f flatReader) ReadAt(dst []byte, off int64) (int, error) {
	return copy(dst, f[off:]), nil
}

func TestStreamPartitionFileWritesDecryptedBytes(t *testing.T) {
	order := []string{"main.npdm", "rtld.nss"}
	files := map[string][]byte{
		"main.npdm": bytes.Repeat([]byte{0x07}, 100),
		"rtld.nss":  bytes.Repeat([]byte{0x08}, 4096),
	}
	buf := buildPlainPfs0(files, order)

	var key [0x10]byte
	var counter [8]byte
	cipher := nca.NewSectionCipher(flatReader(buf), 0, uint64(len(buf)), nca.CryptoTypeNone, key, counter)
	view, err := nca.OpenPfs(cipher, 0)
	if err != nil {
		t.Fatalf("OpenPfs: %v", err)
	}

	fs := afero.NewMemMapFs()
	for _, f := range view.Files() {
		if err := streamPartitionFile(fs, view, f, "/out/"+f.Name, "exefs", TreeConfig{}, NullObserver{}); err != nil {
			t.Fatalf("streamPartitionFile(%q): %v", f.Name, err)
		}
	}

	for _, name := range order {
		got, err := afero.ReadFile(fs, "/out/"+name)
		if err != nil {
			t.Fatalf("ReadFile(%q): %v", name, err)
		}
		if !bytes.Equal(got, files[name]) {
			t.Errorf("file %q mismatch: got %d bytes, want %d", name, len(got), len(files[name]))
		}
	}
}

func TestStreamPartitionFileCreatesDirectoryAndFiles(t *testing.T) {
	order := []string{"main"}
	files := map[string][]byte{"main": bytes.Repeat([]byte{0xAB}, 512)}
	buf := buildPlainPfs0(files, order)

	var key [0x10]byte
	var counter [8]byte
	cipher := nca.NewSectionCipher(flatReader(buf), 0, uint64(len(buf)), nca.CryptoTypeNone, key, counter)
	view, err := nca.OpenPfs(cipher, 0)
	if err != nil {
		t.Fatalf("OpenPfs: %v", err)
	}

	fs := afero.NewMemMapFs()
	for _, f := range view.Files() {
		if err := streamPartitionFile(fs, view, f, "/exefs/"+f.Name, "exefs", TreeConfig{}, NullObserver{}); err != nil {
			t.Fatalf("streamPartitionFile: %v", err)
		}
	}
	ok, err := afero.DirExists(fs, "/exefs")
	if err != nil || !ok {
		t.Fatalf("expected /exefs to exist, err=%v", err)
	}
	got, err := afero.ReadFile(fs, "/exefs/main")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, files["main"]) {
		t.Fatal("extracted file content mismatch")
	}
}

func TestStreamPartitionFileEmptyFileZeroBytes(t *testing.T) {
	buf := buildPlainPfs0(map[string][]byte{"empty": {}}, []string{"empty"})
	var key [0x10]byte
	var counter [8]byte
	cipher := nca.NewSectionCipher(flatReader(buf), 0, uint64(len(buf)), nca.CryptoTypeNone, key, counter)
	view, err := nca.OpenPfs(cipher, 0)
	if err != nil {
		t.Fatalf("OpenPfs: %v", err)
	}

	fs := afero.NewMemMapFs()
	f := view.Files()[0]
	if err := streamPartitionFile(fs, view, f, "/out/empty", "exefs", TreeConfig{}, NullObserver{}); err != nil {
		t.Fatalf("streamPartitionFile: %v", err)
	}
	got, err := afero.ReadFile(fs, "/out/empty")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(got) = %d, want 0", len(got))
	}
}
