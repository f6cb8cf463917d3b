// Package zstd wraps github.com/klauspost/compress/zstd with the
// encoder-reuse policy the NCZ block format (pkg/nsz) needs: compressing
// many independently-sized blocks back to back, across many NCAs in one
// NSP build, without paying encoder-allocation cost per block.
package zstd

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ndump/core/pkg/ids"
)

// decoder is shared across every Decompress call: NCZ blocks never carry
// a per-member dictionary, so one reader instance serves blocks from any
// NCA.
var decoder, _ = zstd.NewReader(nil)

// encoderPools is keyed by the library's resolved EncoderLevel, not by
// the caller's raw requested level. klauspost/compress only implements
// four actual speed/ratio tiers (Fastest/Default/Better/Best); without
// this resolution, two NCAs compressed at, say, level 9 and level 12
// would fragment into two pools building functionally identical encoders
// instead of sharing one.
var (
	encoderPools = make(map[zstd.EncoderLevel]*sync.Pool)
	poolMu       sync.RWMutex
)

func getEncoderPool(resolved zstd.EncoderLevel) *sync.Pool {
	poolMu.RLock()
	pool, ok := encoderPools[resolved]
	poolMu.RUnlock()
	if ok {
		return pool
	}

	poolMu.Lock()
	defer poolMu.Unlock()

	if pool, ok = encoderPools[resolved]; ok {
		return pool
	}

	pool = &sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(resolved),
				zstd.WithEncoderConcurrency(1),
			)
			return enc
		},
	}
	encoderPools[resolved] = pool
	return pool
}

// clampLevel keeps a caller-supplied zstd level inside the range the
// library accepts. The NSP producer's --compression-level flag
// (internal/cli/commands.go) passes user input straight through to
// LevelForContent/Compress, and an out-of-range value should degrade to
// the nearest valid level rather than build a zero-value encoder.
func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 22 {
		return 22
	}
	return level
}

// LevelForContent resolves the zstd level to actually use for one NCA's
// CompressStream call (pkg/nsz), biasing Program content (ExeFS code and
// data, decompressed once by the console and then run from cache) a
// couple of steps above the caller's baseline: it is both the most
// compressible content type in a typical title and the one most worth
// spending extra CPU on. Other content types (RomFS data, Control/icon
// metadata) use the caller's level unchanged.
func LevelForContent(baseLevel int, contentType ids.ContentType) int {
	level := clampLevel(baseLevel)
	if contentType == ids.ContentTypeProgram {
		level = clampLevel(level + 2)
	}
	return level
}

// Compress compresses data using Zstd with encoder pooling by resolved
// encoder tier.
func Compress(src []byte, level int) []byte {
	resolved := zstd.EncoderLevelFromZstd(clampLevel(level))
	pool := getEncoderPool(resolved)
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)

	return enc.EncodeAll(src, make([]byte, 0, len(src)))
}

// Decompress decompresses Zstd data.
func Decompress(src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, nil)
}
