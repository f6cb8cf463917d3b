package stream

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
)

func TestSingleModeWriteReadsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("hello, switch")
	if err := s.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := afero.ReadFile(fs, "out.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestFatSplitWritesAcrossChunkBoundary(t *testing.T) {
	fs := afero.NewMemMapFs()
	const chunkSize = 10
	s, err := Open(fs, "out", Config{Mode: FatSplit, ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := bytes.Repeat([]byte{0xAB}, 25) // spans 3 chunks at chunkSize=10
	if err := s.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var reassembled []byte
	for i := 0; i < 3; i++ {
		chunk, err := afero.ReadFile(fs, "out/"+s.chunkName(i))
		if err != nil {
			t.Fatalf("ReadFile chunk %d: %v", i, err)
		}
		reassembled = append(reassembled, chunk...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled chunks don't match the written data: got %d bytes, want %d", len(reassembled), len(data))
	}

	info, err := afero.ReadFile(fs, "out/"+s.chunkName(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(info) != 5 { // 25 - 2*10
		t.Fatalf("final partial chunk length = %d, want 5", len(info))
	}
}

func TestWritePlaceholderThenWriteAt(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.WritePlaceholder(4)
	if err != nil {
		t.Fatalf("WritePlaceholder: %v", err)
	}
	if err := s.Write([]byte("REST")); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAt(&tok, []byte("HEAD")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	s.Close()

	got, err := afero.ReadFile(fs, "out.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HEADREST" {
		t.Fatalf("got %q, want %q", got, "HEADREST")
	}

	if err := s.WriteAt(&tok, []byte("HEAD")); err == nil {
		t.Fatal("expected error refilling an already-filled placeholder")
	}
}

func TestWritePlaceholderOnlyOnePermitted(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.WritePlaceholder(4); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WritePlaceholder(4); err == nil {
		t.Fatal("expected error reserving a second placeholder")
	}
}

func TestSha256ScopeMatchesDirectHash(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	prefix := []byte("untracked-prefix")
	if err := s.Write(prefix); err != nil {
		t.Fatal(err)
	}
	scoped := []byte("this part is hashed")
	s.Sha256ScopeBegin()
	if err := s.Write(scoped); err != nil {
		t.Fatal(err)
	}
	sum := s.Sha256ScopeFinish()

	want := sha256.Sum256(scoped)
	if sum != want {
		t.Fatal("scoped SHA-256 included bytes written before Sha256ScopeBegin")
	}
}

func TestSha256ScopeResumeAcrossMarshal(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	s.Sha256ScopeBegin()
	if err := s.Write([]byte("first half ")); err != nil {
		t.Fatal(err)
	}
	state, err := s.MarshalSha256Scope()
	if err != nil {
		t.Fatalf("MarshalSha256Scope: %v", err)
	}

	// Simulate a resumed process: fresh Streamer, hash state restored.
	s2, err := Open(fs, "out2.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.ResumeSha256Scope(state); err != nil {
		t.Fatalf("ResumeSha256Scope: %v", err)
	}
	if err := s2.Write([]byte("second half")); err != nil {
		t.Fatal(err)
	}
	got := s2.Sha256ScopeFinish()

	want := sha256.Sum256([]byte("first half second half"))
	if got != want {
		t.Fatal("resumed hash state did not continue the original running hash")
	}
}

func TestCancelDeletesOutputUnlessResumable(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := fs.Stat("out.bin"); err == nil {
		t.Fatal("expected output file to be removed after a non-resumable cancel")
	}
	if !s.Cancelled() {
		t.Fatal("Cancelled() should report true")
	}

	// Idempotent: a second Cancel call must not error or double-delete.
	if err := s.Cancel(true); err != nil {
		t.Fatalf("second Cancel call returned an error: %v", err)
	}
}

func TestWriteAfterCancelFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	s.Cancel(true)
	err = s.Write([]byte("x"))
	if err == nil {
		t.Fatal("expected write after cancel to fail")
	}
	if e, ok := err.(*errs.Error); !ok || e.Kind != errs.KindCancelled {
		t.Fatalf("expected KindCancelled, got %v", err)
	}
}

func TestResumeAtContinuesExistingChunks(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out", Config{Mode: SequentialChunks, ChunkSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write([]byte("0123456789AB")); err != nil { // chunks 00 full, 01 partial
		t.Fatal(err)
	}
	s.Close()

	// A fresh Streamer over the same directory picks up where the first
	// one stopped without truncating what's already on disk.
	s2, err := Open(fs, "out", Config{Mode: SequentialChunks, ChunkSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.ResumeAt(12); err != nil {
		t.Fatalf("ResumeAt: %v", err)
	}
	if err := s2.Write([]byte("CDEF")); err != nil {
		t.Fatal(err)
	}
	s2.Close()

	var reassembled []byte
	for i := 0; i < 2; i++ {
		chunk, err := afero.ReadFile(fs, "out/"+s2.chunkName(i))
		if err != nil {
			t.Fatal(err)
		}
		reassembled = append(reassembled, chunk...)
	}
	if string(reassembled) != "0123456789ABCDEF" {
		t.Fatalf("reassembled %q, want %q", reassembled, "0123456789ABCDEF")
	}
}

func TestResumeAtRejectsSingleMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ResumeAt(4); err == nil {
		t.Fatal("expected ResumeAt to reject Single mode")
	}
}

func TestCRC32Tracking(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "out.bin", Config{Mode: Single})
	if err != nil {
		t.Fatal(err)
	}
	s.EnableCRC32()
	data := []byte("crc me")
	if err := s.Write(data); err != nil {
		t.Fatal(err)
	}
	if s.CRC32() == 0 {
		t.Fatal("expected a non-zero CRC32 for non-empty data")
	}
}
