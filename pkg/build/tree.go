package build

import (
	"path"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/nca"
	"github.com/ndump/core/pkg/romfs"
	"github.com/ndump/core/pkg/stream"
)

// maxTreeDepth bounds the RomFS directory walk at the console's own
// path-length limit (spec §4.7.3 "recursion depth is bounded by the
// console's path-length limit"), applied as a directory-depth cap since
// this implementation walks an explicit stack rather than recursing.
const maxTreeDepth = 64

// DumpExeFSTree extracts a Program NCA's ExeFS (PFS0, section 0) into a
// directory tree (spec §4.7.3): no CNMT involved, one output file per
// partition entry, each streamed through the Output Streamer.
func DumpExeFSTree(fs afero.Fs, n *nca.NCA, sectionIndex int, outDir string, cfg TreeConfig, obs Observer, cancel *atomic.Bool) error {
	const op = "build.DumpExeFSTree"
	if obs == nil {
		obs = NullObserver{}
	}

	view, err := n.OpenPfs(sectionIndex)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}

	for _, f := range view.Files() {
		if cancel != nil && cancel.Load() {
			return errs.New(errs.KindCancelled, op, nil)
		}
		if err := streamPartitionFile(fs, view, f, path.Join(outDir, f.Name), "exefs", cfg, obs); err != nil {
			return err
		}
	}
	return nil
}

func streamPartitionFile(fs afero.Fs, view *nca.PartitionView, f nca.PartitionFile, outPath, phase string, cfg TreeConfig, obs Observer) error {
	s, err := openTreeOutput(fs, outPath, int64(f.DataSize), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	const block = 1 << 20
	var off uint64
	for off < f.DataSize {
		n := uint64(block)
		if f.DataSize-off < n {
			n = f.DataSize - off
		}
		data, err := view.ReadFile(f, off, n)
		if err != nil {
			return err
		}
		if err := s.Write(data); err != nil {
			return err
		}
		off += n
	}
	obs.OnProgress(phase+":"+f.Name, int64(f.DataSize), int64(f.DataSize), 0)
	return nil
}

func openTreeOutput(fs afero.Fs, outPath string, size int64, cfg TreeConfig) (*stream.Streamer, error) {
	mode := stream.Single
	chunkSize := int64(0)
	if cfg.FatSplit && size > stream.FatSplitSize {
		mode = stream.FatSplit
		chunkSize = stream.FatSplitSize
	}
	return stream.Open(fs, outPath, stream.Config{Mode: mode, ChunkSize: chunkSize, TotalSize: size})
}

// OpenRomFSSection opens the RomFS view a tree dump walks from a plain
// section. DumpRomFSTree takes either such a view: a plain section
// (Data/Program RomFS) or a BKTR overlay composed ahead of time by the
// caller (pkg/bktr), since both satisfy *romfs.View identically once
// opened (spec §4.4 "the redirection is invisible above this layer").
func OpenRomFSSection(n *nca.NCA, sectionIndex int) (*romfs.View, error) {
	return n.OpenRomfs(sectionIndex)
}

// treeWalkEntry is one pending directory on the iterative walk stack
// (Design Note: "recursive directory walk with global mutable state" →
// an explicit stack, so traversal depth is bounded and inspectable
// without relying on the Go call stack).
type treeWalkEntry struct {
	dir   romfs.DirOffset
	path  string
	depth int
}

// DumpRomFSTree walks a RomFS view (spec §4.7.3) and streams every file
// to outDir, mirroring the on-disk directory structure. Directory
// traversal follows the first-child/next-sibling chains via an explicit
// stack rather than recursion, matching the shape romfs.View.IterDir
// already exposes.
func DumpRomFSTree(fs afero.Fs, view *romfs.View, outDir string, cfg TreeConfig, obs Observer, cancel *atomic.Bool) error {
	const op = "build.DumpRomFSTree"
	if obs == nil {
		obs = NullObserver{}
	}
	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return errs.New(errs.KindBackend, op, err)
	}

	stack := []treeWalkEntry{{dir: romfs.RootDir, path: "", depth: 0}}
	for len(stack) > 0 {
		if cancel != nil && cancel.Load() {
			return errs.New(errs.KindCancelled, op, nil)
		}

		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.depth > maxTreeDepth {
			return errs.Named(errs.KindBadSectionTable, op, cur.path, nil)
		}

		children, err := view.IterDir(cur.dir)
		if err != nil {
			return err
		}
		if len(children) == 0 && cur.path != "" {
			if err := fs.MkdirAll(path.Join(outDir, cur.path), 0o755); err != nil {
				return errs.New(errs.KindBackend, op, err)
			}
			continue
		}

		for _, c := range children {
			childPath := path.Join(cur.path, c.Name)
			if c.IsDir {
				if err := fs.MkdirAll(path.Join(outDir, childPath), 0o755); err != nil {
					return errs.New(errs.KindBackend, op, err)
				}
				stack = append(stack, treeWalkEntry{dir: c.Dir, path: childPath, depth: cur.depth + 1})
				continue
			}
			fe, ok := view.File(c.File)
			if !ok {
				return errs.Named(errs.KindBadSectionTable, op, childPath, nil)
			}
			if err := streamRomFile(fs, view, fe, path.Join(outDir, childPath), cfg, obs); err != nil {
				return err
			}
		}
	}
	return nil
}

func streamRomFile(fs afero.Fs, view *romfs.View, f romfs.FileEntry, outPath string, cfg TreeConfig, obs Observer) error {
	s, err := openTreeOutput(fs, outPath, int64(f.DataSize), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	const block = 1 << 20
	var off uint64
	for off < f.DataSize {
		n := uint64(block)
		if f.DataSize-off < n {
			n = f.DataSize - off
		}
		data, err := view.ReadFile(f, off, n)
		if err != nil {
			return err
		}
		if err := s.Write(data); err != nil {
			return err
		}
		off += n
	}
	obs.OnProgress("romfs:"+f.Name, int64(f.DataSize), int64(f.DataSize), 0)
	return nil
}
