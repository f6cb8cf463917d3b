package nsz

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/zstd"
)

const blockSizeExp = 20
const blockSize = 1 << blockSizeExp

// CompressStream compresses an NCA's on-disk bytes, unmodified, into the
// NCZ block format this package's Decompress reads back: one
// section-table entry spanning the whole content (CryptoType none — this
// implementation never splits sections out by their own crypto key the
// way the reference NSZ tool does; a reader reverses the block
// compression and gets back the exact original ciphertext, which decrypts
// normally against the content's own header-declared key) followed by a
// block-compression table and the compressed blocks themselves. Used by
// the NSP producer's [DOMAIN] Compress option (spec §6) to write ".ncz"
// members in place of raw ".nca" members. level is the caller's
// (cfg.CompressionLevel) baseline; contentType lets
// zstd.LevelForContent bias Program NCAs to a higher tier than
// Data/Control content (see that function's doc comment).
func CompressStream(r io.ReaderAt, size int64, level int, contentType ids.ContentType) ([]byte, error) {
	const op = "nsz.CompressStream"
	if level <= 0 {
		level = 3
	}
	level = zstd.LevelForContent(level, contentType)

	numBlocks := int((size + blockSize - 1) / blockSize)
	if numBlocks == 0 {
		numBlocks = 1
	}
	compressed := make([][]byte, 0, numBlocks)

	buf := make([]byte, blockSize)
	var off int64
	for off < size {
		n := int64(blockSize)
		if size-off < n {
			n = size - off
		}
		chunk := buf[:n]
		if _, err := r.ReadAt(chunk, off); err != nil && err != io.EOF {
			return nil, errs.New(errs.KindShortRead, op, err)
		}
		compressed = append(compressed, zstd.Compress(chunk, level))
		off += n
	}

	var out bytes.Buffer
	sections := []NczSectionEntry{{Offset: 0, Size: uint64(size), CryptoType: 0}}
	if err := WriteNczHeader(&out, sections); err != nil {
		return nil, errs.New(errs.KindBackend, op, err)
	}

	blockHdr := NczBlockHeader{
		Version:          2,
		Type:             1,
		BlockSizeExp:     blockSizeExp,
		BlockCount:       uint32(len(compressed)),
		DecompressedSize: uint64(size),
	}
	copy(blockHdr.Magic[:], MagicNCZBLOCK)
	if err := binary.Write(&out, binary.LittleEndian, blockHdr); err != nil {
		return nil, errs.New(errs.KindBackend, op, err)
	}
	for _, b := range compressed {
		if err := binary.Write(&out, binary.LittleEndian, uint32(len(b))); err != nil {
			return nil, errs.New(errs.KindBackend, op, err)
		}
	}
	for _, b := range compressed {
		out.Write(b)
	}

	return out.Bytes(), nil
}

// DecompressStream is the inverse of CompressStream, used by extraction
// paths that need to read an .ncz/.nsz member back into plain bytes.
func DecompressStream(data []byte) ([]byte, error) {
	const op = "nsz.DecompressStream"
	r := bytes.NewReader(data)

	if _, err := ReadNczSectionTable(r); err != nil {
		return nil, err
	}

	blockHdr, err := ReadNczBlockHeader(r)
	if err != nil {
		return nil, err
	}

	sizes := make([]uint32, blockHdr.BlockCount)
	for i := range sizes {
		if err := binary.Read(r, binary.LittleEndian, &sizes[i]); err != nil {
			return nil, errs.New(errs.KindBadSectionTable, op, err)
		}
	}

	out := make([]byte, 0, blockHdr.DecompressedSize)
	for _, sz := range sizes {
		block := make([]byte, sz)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, errs.New(errs.KindShortRead, op, err)
		}
		plain, err := zstd.Decompress(block)
		if err != nil {
			return nil, errs.New(errs.KindBackend, op, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}
