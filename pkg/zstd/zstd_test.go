package zstd

import (
	"bytes"
	"testing"

	"github.com/ndump/core/pkg/ids"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("nca section bytes"), 4096)
	compressed := Compress(data, 5)
	if len(compressed) == 0 {
		t.Fatal("Compress produced no output")
	}
	got, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decompressed output does not match the original bytes")
	}
}

func TestLevelForContentBiasesProgram(t *testing.T) {
	base := 5
	program := LevelForContent(base, ids.ContentTypeProgram)
	data := LevelForContent(base, ids.ContentTypeData)

	if program <= data {
		t.Fatalf("LevelForContent(Program) = %d, want higher than LevelForContent(Data) = %d", program, data)
	}
	if data != base {
		t.Fatalf("LevelForContent(Data) = %d, want unchanged baseline %d", data, base)
	}
}

func TestLevelForContentClampsToValidRange(t *testing.T) {
	if got := LevelForContent(0, ids.ContentTypeControl); got != 1 {
		t.Errorf("LevelForContent(0) = %d, want clamped to 1", got)
	}
	if got := LevelForContent(999, ids.ContentTypeProgram); got != 22 {
		t.Errorf("LevelForContent(999, Program) = %d, want clamped to 22", got)
	}
	if got := clampLevel(-5); got != 1 {
		t.Errorf("clampLevel(-5) = %d, want 1", got)
	}
}
