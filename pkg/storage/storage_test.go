package storage

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/nsz"
)

func TestOpenContentStoragePlainNCA(t *testing.T) {
	fs := afero.NewMemMapFs()
	var id ids.ContentID
	id[0] = 0xAB

	data := []byte("raw nca ciphertext bytes")
	if err := afero.WriteFile(fs, id.Hex()+".nca", data, 0o644); err != nil {
		t.Fatal(err)
	}

	cs, err := OpenContentStorage(fs, id)
	if err != nil {
		t.Fatalf("OpenContentStorage: %v", err)
	}
	defer cs.Close()

	if cs.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", cs.Size(), len(data))
	}
	got := make([]byte, len(data))
	if _, err := cs.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestOpenContentStorageNCZFallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	var id ids.ContentID
	id[0] = 0xCD

	plain := bytes.Repeat([]byte("ncz-member-plaintext"), 100)
	compressed, err := nsz.CompressStream(bytes.NewReader(plain), int64(len(plain)), 3, ids.ContentTypeData)
	if err != nil {
		t.Fatalf("CompressStream: %v", err)
	}
	if err := afero.WriteFile(fs, id.Hex()+".ncz", compressed, 0o644); err != nil {
		t.Fatal(err)
	}

	cs, err := OpenContentStorage(fs, id)
	if err != nil {
		t.Fatalf("OpenContentStorage: %v", err)
	}
	defer cs.Close()

	if cs.Size() != int64(len(plain)) {
		t.Fatalf("Size() = %d, want %d", cs.Size(), len(plain))
	}
	got := make([]byte, len(plain))
	if _, err := cs.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("decompressed .ncz content does not match the original plaintext")
	}
}

func TestOpenContentStorageMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	var id ids.ContentID
	if _, err := OpenContentStorage(fs, id); err == nil {
		t.Fatal("expected an error opening content that doesn't exist in either form")
	}
}

// fakeRawHandle backs GamecardPartition with a flat in-memory sector store.
type fakeRawHandle struct {
	data []byte
}

func (f *fakeRawHandle) ReadSectors(dst []byte, sectorIndex uint64) (int, error) {
	off := sectorIndex * GCSector
	return copy(dst, f.data[off:]), nil
}
func (f *fakeRawHandle) Size() (uint64, error) { return uint64(len(f.data)), nil }
func (f *fakeRawHandle) Close() error          { return nil }

func TestGamecardPartitionReadAtUnalignedOffset(t *testing.T) {
	data := make([]byte, GCSector*4)
	for i := range data {
		data[i] = byte(i)
	}
	g := &GamecardPartition{handle: &fakeRawHandle{data: data}}

	want := data[GCSector+5 : GCSector+5+20]
	got := make([]byte, 20)
	n, err := g.ReadAt(got, int64(GCSector+5))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 20 {
		t.Fatalf("n = %d, want 20", n)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGamecardPartitionReadAtAfterRemoval(t *testing.T) {
	presence := &Presence{}
	presence.MarkRemoved()
	g := &GamecardPartition{handle: &fakeRawHandle{data: make([]byte, GCSector)}, presence: presence}

	_, err := g.ReadAt(make([]byte, 4), 0)
	if err == nil {
		t.Fatal("expected an error reading after the card was marked removed")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindMediaRemoved {
		t.Fatalf("expected KindMediaRemoved, got %v", err)
	}
}

// fakeGamecardService reports presence from an atomic bool flipped by the
// test between watcher polls.
type fakeGamecardService struct {
	present atomic.Bool
}

func (f *fakeGamecardService) OpenPartition(id PartitionID) (RawHandle, error) {
	return &fakeRawHandle{data: make([]byte, GCSector)}, nil
}
func (f *fakeGamecardService) Present() bool { return f.present.Load() }

func TestPresenceWatcherFlagsRemoval(t *testing.T) {
	svc := &fakeGamecardService{}
	svc.present.Store(true)
	presence := &Presence{}

	stop := StartPresenceWatcher(svc, presence, time.Millisecond)
	defer stop()

	if presence.IsRemoved() {
		t.Fatal("presence should start clean while the card is inserted")
	}
	svc.present.Store(false)

	deadline := time.Now().Add(time.Second)
	for !presence.IsRemoved() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never marked the card removed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAlign16(t *testing.T) {
	cases := map[int64]int64{0: 0, 1: 0, 15: 0, 16: 16, 17: 16, 31: 16, 32: 32}
	for in, want := range cases {
		if got := Align16(in); got != want {
			t.Errorf("Align16(%d) = %d, want %d", in, got, want)
		}
	}
}
