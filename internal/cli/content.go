package cli

import (
	"io"

	"github.com/spf13/afero"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/storage"
)

// dirContentOpener implements build.ContentOpener over a plain directory
// of loose "<contentid>.nca" files, the layout an extracted/unpacked title
// sits in on an SD card (spec §4.2 ContentStorage). It tracks every handle
// it opens so the caller can release them all once a dump finishes.
type dirContentOpener struct {
	fs     afero.Fs
	opened []*storage.ContentStorage
}

func newDirContentOpener(fs afero.Fs) *dirContentOpener {
	return &dirContentOpener{fs: fs}
}

func (o *dirContentOpener) OpenContent(id ids.ContentID) (io.ReaderAt, int64, error) {
	cs, err := storage.OpenContentStorage(o.fs, id)
	if err != nil {
		return nil, 0, err
	}
	o.opened = append(o.opened, cs)
	return cs, cs.Size(), nil
}

func (o *dirContentOpener) Close() {
	for _, cs := range o.opened {
		cs.Close()
	}
}

// dirTicketSource implements ticket.Source over the same content
// directory, reading "<rightsid>.tik"/"<rightsid>.cert" pairs dropped
// alongside the NCAs.
type dirTicketSource struct {
	fs afero.Fs
}

func (d dirTicketSource) Lookup(rightsID ids.RightsID) (ticket, cert []byte, err error) {
	const op = "cli.dirTicketSource.Lookup"
	ticket, err = afero.ReadFile(d.fs, rightsID.Hex()+".tik")
	if err != nil {
		return nil, nil, errs.Named(errs.KindTicketNotFound, op, rightsID.Hex(), err)
	}
	cert, err = afero.ReadFile(d.fs, rightsID.Hex()+".cert")
	if err != nil {
		return nil, nil, errs.Named(errs.KindTicketNotFound, op, rightsID.Hex(), err)
	}
	return ticket, cert, nil
}
