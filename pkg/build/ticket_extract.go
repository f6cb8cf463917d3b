package build

import (
	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/ticket"
)

// TicketResult summarizes a completed ticket-only extraction.
type TicketResult struct {
	RightsID  ids.RightsID
	TicketLen int
	CertLen   int
}

// ExtractTicket implements the ticket-only extractor (spec §4.7, "plus a
// ticket-only extractor"): looks up a title's ticket/cert pair and writes
// them out as `<rightsid>.tik` / `<rightsid>.cert`, scrubbing
// console-identifying fields from the ticket when requested (spec §4.5
// Scrub), the same policy the NSP producer applies to its own embedded
// ticket.
func ExtractTicket(fs afero.Fs, src ticket.Source, rightsID ids.RightsID, titleKey [0x10]byte, outDir string, cfg TicketConfig) (*TicketResult, error) {
	const op = "build.ExtractTicket"
	if src == nil {
		return nil, errs.New(errs.KindTicketNotFound, op, nil)
	}

	raw, cert, err := src.Lookup(rightsID)
	if err != nil {
		return nil, err
	}

	if cfg.RemoveConsoleData {
		raw, err = ticket.Scrub(raw, titleKey)
		if err != nil {
			return nil, err
		}
	}

	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, errs.New(errs.KindBackend, op, err)
	}
	if err := afero.WriteFile(fs, outDir+"/"+rightsID.Hex()+".tik", raw, 0o644); err != nil {
		return nil, errs.New(errs.KindBackend, op, err)
	}
	if err := afero.WriteFile(fs, outDir+"/"+rightsID.Hex()+".cert", cert, 0o644); err != nil {
		return nil, errs.New(errs.KindBackend, op, err)
	}

	return &TicketResult{RightsID: rightsID, TicketLen: len(raw), CertLen: len(cert)}, nil
}
