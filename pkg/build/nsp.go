package build

import (
	"io"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/cnmt"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/keys"
	"github.com/ndump/core/pkg/nca"
	"github.com/ndump/core/pkg/nsz"
	"github.com/ndump/core/pkg/stream"
	"github.com/ndump/core/pkg/ticket"
)

// NSPResult summarizes a completed NSP build, enough for a caller to
// check the testable properties in spec §8 without re-parsing the
// output.
type NSPResult struct {
	State      State
	NewMetaID  ids.ContentID
	ContentIDs map[ids.ContentID]ids.ContentID // old -> new, non-meta records
	TotalBytes int64
}

// BuildNSP implements the NSP producer (spec §4.7.2): streams a title's
// content records through the NCA Section Engine, derives each output
// NCA's ContentId from the running SHA-256 of its streamed bytes, patches
// the CNMT in place with the new identities, and finally backfills the
// PFS0 header once the whole layout is known.
func BuildNSP(fs afero.Fs, ks *keys.KeySet, src ContentOpener, metaID ids.ContentID, resolver nca.TitleKeyResolver, tikSrc ticket.Source, outPath string, cfg NSPConfig, obs Observer, cancel *atomic.Bool) (*NSPResult, error) {
	const op = "build.BuildNSP"
	if obs == nil {
		obs = NullObserver{}
	}

	meta, err := loadMeta(src, ks, metaID, resolver)
	if err != nil {
		return nil, err
	}

	records := meta.FilterDeltaFragments(cfg.IncludeDeltaFragments)
	var nonMeta []cnmt.ContentRecord
	for _, r := range records {
		if r.Type != ids.ContentTypeMeta {
			nonMeta = append(nonMeta, r)
		}
	}
	sortContentRecords(nonMeta)

	aux, err := peekAuxTicket(src, ks, nonMeta, cfg, tikSrc, obs)
	if err != nil {
		return nil, err
	}
	includeAux := aux.include
	names := make([]string, 0, len(nonMeta)+3)
	for range nonMeta {
		names = append(names, placeholderContentIDHex+".nca")
	}
	names = append(names, placeholderContentIDHex+".cnmt.nca")
	if includeAux {
		names = append(names, placeholderContentIDHex+".tik", placeholderContentIDHex+".cert")
	}
	headerSize := pfs0HeaderSize(names)

	mode := stream.Single
	chunkSize := int64(0)
	if cfg.FatSplit {
		mode = stream.FatSplit
		chunkSize = stream.FatSplitSize
	}
	s, err := stream.Open(fs, outPath, stream.Config{Mode: mode, ChunkSize: chunkSize})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	placeholder, err := s.WritePlaceholder(headerSize)
	if err != nil {
		return nil, err
	}

	result := &NSPResult{ContentIDs: make(map[ids.ContentID]ids.ContentID), State: StateStreamingNca}
	var written []pfs0Entry
	streamPos := headerSize

	var titleKey [0x10]byte
	var haveTitleKey bool

	for _, rec := range nonMeta {
		if cancel != nil && cancel.Load() {
			s.Cancel(false)
			return nil, errs.New(errs.KindCancelled, op, nil)
		}

		r, size, err := src.OpenContent(rec.ID)
		if err != nil {
			return nil, err
		}

		n, err := nca.Open(r, ks, resolver)
		if err != nil {
			if asErr, ok := err.(*errs.Error); ok && asErr.Kind == errs.KindTicketNotFound {
				obs.OnWarning(err)
				n = nil
			} else {
				return nil, err
			}
		}
		if n != nil && n.Header.HasRightsID() && !haveTitleKey {
			titleKey = n.Header.SectionKey
			haveTitleKey = true
		}

		newID, newSize, newHash, err := streamOneNCA(s, ks, r, size, n, rec, cfg)
		if err != nil {
			return nil, err
		}

		result.ContentIDs[rec.ID] = newID
		meta.SetContentID(rec.ID, newID, newSize)
		meta.SetHash(newID, newHash)

		ext := ".nca"
		needsHeaderWork := n != nil && (cfg.Tikless || cfg.RemoveConsoleData || (rec.Type == ids.ContentTypeProgram && cfg.NpdmAcidPatch))
		if cfg.Compress && !needsHeaderWork && (rec.Type == ids.ContentTypeProgram || rec.Type == ids.ContentTypeData) && size > 0x4000 {
			ext = ".ncz"
		}
		written = append(written, pfs0Entry{name: newID.Hex() + ext, off: streamPos, size: int64(newSize)})
		streamPos += int64(newSize)
		obs.OnProgress("nsp", streamPos, 0, 0)
	}

	// Recompute and stream the patched CNMT (step 6).
	metaBody := meta.Serialize()
	metaNcaBytes, newMetaID, err := rewriteMetaNCA(src, ks, metaID, resolver, metaBody)
	if err != nil {
		return nil, err
	}
	result.NewMetaID = newMetaID
	result.State = StateStreamingMeta
	if err := s.Write(metaNcaBytes); err != nil {
		return nil, err
	}
	written = append(written, pfs0Entry{name: newMetaID.Hex() + ".cnmt.nca", off: streamPos, size: int64(len(metaNcaBytes))})
	streamPos += int64(len(metaNcaBytes))

	// Ticket and certificate (step 7).
	result.State = StateStreamingAux
	if includeAux {
		tikRaw := aux.tik
		if cfg.RemoveConsoleData {
			tikRaw, err = ticket.Scrub(aux.tik, titleKey)
			if err != nil {
				return nil, err
			}
		}
		if err := s.Write(tikRaw); err != nil {
			return nil, err
		}
		written = append(written, pfs0Entry{name: aux.rightsID.Hex() + ".tik", off: streamPos, size: int64(len(tikRaw))})
		streamPos += int64(len(tikRaw))

		if err := s.Write(aux.cert); err != nil {
			return nil, err
		}
		written = append(written, pfs0Entry{name: aux.rightsID.Hex() + ".cert", off: streamPos, size: int64(len(aux.cert))})
		streamPos += int64(len(aux.cert))
	}

	// Compose the real PFS0 header now that the layout is fully known
	// (step 8) and backfill the placeholder.
	realHeader := composePfs0Header(written, headerSize)
	if err := s.WriteAt(&placeholder, realHeader); err != nil {
		return nil, err
	}

	result.State = StateDone
	result.TotalBytes = streamPos
	return result, nil
}

// streamOneNCA streams one non-meta NCA's bytes — header optionally
// rewritten for tikless/remove-console-data, ExeFS optionally ACID-patched
// for Program content, or the whole content routed through pkg/nsz when
// compression is requested — through a per-NCA SHA-256 scope, returning
// the resulting (new ContentId, new size, full 32-byte hash).
func streamOneNCA(s *stream.Streamer, ks *keys.KeySet, r io.ReaderAt, size int64, n *nca.NCA, rec cnmt.ContentRecord, cfg NSPConfig) (ids.ContentID, uint64, [32]byte, error) {
	needsHeaderWork := n != nil && (cfg.Tikless || cfg.RemoveConsoleData || (rec.Type == ids.ContentTypeProgram && cfg.NpdmAcidPatch))

	if cfg.Compress && !needsHeaderWork && (rec.Type == ids.ContentTypeProgram || rec.Type == ids.ContentTypeData) && size > 0x4000 {
		s.Sha256ScopeBegin()
		compressed, err := nsz.CompressStream(r, size, cfg.CompressionLevel, rec.Type)
		if err != nil {
			return ids.ContentID{}, 0, [32]byte{}, err
		}
		if err := s.Write(compressed); err != nil {
			return ids.ContentID{}, 0, [32]byte{}, err
		}
		sum := s.Sha256ScopeFinish()
		return ids.ContentIDFromHash(sum), uint64(len(compressed)), sum, nil
	}

	var patches []patch
	if n != nil && needsHeaderWork {
		header, err := rewriteNcaHeaderBytes(ks, n, cfg.Tikless || cfg.RemoveConsoleData)
		if err != nil {
			return ids.ContentID{}, 0, [32]byte{}, err
		}
		patches = append(patches, patch{offset: 0, data: header})

		if rec.Type == ids.ContentTypeProgram && cfg.NpdmAcidPatch {
			p, err := patchProgramNpdm(n, ks, cfg.DeterministicNpdmSigning)
			if err != nil {
				return ids.ContentID{}, 0, [32]byte{}, err
			}
			if p != nil {
				patches = append(patches, *p)
			}
		}
	}

	s.Sha256ScopeBegin()
	if err := streamWithPatches(s, r, size, patches); err != nil {
		return ids.ContentID{}, 0, [32]byte{}, err
	}
	sum := s.Sha256ScopeFinish()
	return ids.ContentIDFromHash(sum), uint64(size), sum, nil
}
