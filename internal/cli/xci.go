package cli

import (
	"io"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/storage"
)

// dirGamecardSource implements build.GamecardSource over a directory
// holding the gamecard's already-split partition images
// (normal.bin/logo.bin/secure.bin), the shape a prior raw gamecard read
// would have produced. Real hardware access goes through
// storage.GamecardService instead; this adapter exists so dump-xci can
// run against dumped partition files without a console attached.
type dirGamecardSource struct {
	fs afero.Fs
}

var partitionFileNames = map[storage.PartitionID]string{
	storage.PartitionNormal: "normal.bin",
	storage.PartitionLogo:   "logo.bin",
	storage.PartitionSecure: "secure.bin",
}

func (d dirGamecardSource) Partition(id storage.PartitionID) (io.ReaderAt, int64, bool) {
	const op = "cli.dirGamecardSource.Partition"
	name, ok := partitionFileNames[id]
	if !ok {
		return nil, 0, false
	}
	f, err := d.fs.Open(name)
	if err != nil {
		return nil, 0, false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, false
	}
	return f, info.Size(), true
}
