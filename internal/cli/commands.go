package cli

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ndump/core/pkg/bktr"
	"github.com/ndump/core/pkg/build"
	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/ids"
	"github.com/ndump/core/pkg/nca"
	"github.com/ndump/core/pkg/romfs"
	"github.com/ndump/core/pkg/ticket"
)

var dumpXCICmd = &cobra.Command{
	Use:   "dump-xci",
	Short: "Dump a gamecard's partitions into a single XCI image",
	RunE: func(cmd *cobra.Command, args []string) error {
		partitionsDir, _ := cmd.Flags().GetString("partitions-dir")
		out, _ := cmd.Flags().GetString("out")
		fatSplit, _ := cmd.Flags().GetBool("fat-split")
		trim, _ := cmd.Flags().GetBool("trim")
		keepCert, _ := cmd.Flags().GetBool("keep-cert")
		calcCRC, _ := cmd.Flags().GetBool("calc-crc")
		sequential, _ := cmd.Flags().GetBool("sequential")
		chunkSize, _ := cmd.Flags().GetInt64("chunk-size")

		src := dirGamecardSource{fs: afero.NewBasePathFs(afero.NewOsFs(), partitionsDir)}
		outFs := afero.NewOsFs()
		obs := &cliObserver{}
		var cancel atomic.Bool
		cfg := build.XCIConfig{
			FatSplit: fatSplit,
			Trim:     trim,
			KeepCert: keepCert,
			CalcCRC:  calcCRC,
		}

		var certCRC, certlessCRC uint32
		var err error
		if sequential {
			certCRC, certlessCRC, err = build.DumpXCISequential(outFs, src, out, cfg, chunkSize, obs, &cancel)
		} else {
			certCRC, certlessCRC, err = build.DumpXCI(outFs, src, out, cfg, obs, &cancel)
		}
		if err != nil {
			return err
		}
		fmt.Printf("\ndump complete: crc32=%08x certless-crc32=%08x\n", certCRC, certlessCRC)
		return nil
	},
}

func init() {
	dumpXCICmd.Flags().String("partitions-dir", "", "directory containing normal.bin/logo.bin/secure.bin")
	dumpXCICmd.Flags().String("out", "", "output XCI path")
	dumpXCICmd.Flags().Bool("fat-split", false, "split output into FAT32-sized chunks")
	dumpXCICmd.Flags().Bool("trim", false, "elide the trailing 0xFF run of the secure partition")
	dumpXCICmd.Flags().Bool("keep-cert", false, "keep the certificate region instead of masking it")
	dumpXCICmd.Flags().Bool("calc-crc", false, "compute CRC32 of the dumped payload")
	dumpXCICmd.Flags().Bool("sequential", false, "resumable chunked dump with a checkpoint sidecar")
	dumpXCICmd.Flags().Int64("chunk-size", 1<<30, "chunk size in bytes for --sequential")
	dumpXCICmd.MarkFlagRequired("partitions-dir")
	dumpXCICmd.MarkFlagRequired("out")
}

var dumpNSPCmd = &cobra.Command{
	Use:   "dump-nsp",
	Short: "Repackage a title's content into a new NSP",
	RunE: func(cmd *cobra.Command, args []string) error {
		contentDir, _ := cmd.Flags().GetString("content-dir")
		metaIDHex, _ := cmd.Flags().GetString("meta-id")
		out, _ := cmd.Flags().GetString("out")
		cfg, err := nspConfigFromFlags(cmd)
		if err != nil {
			return err
		}

		metaID, err := ids.ParseContentIDHex(metaIDHex)
		if err != nil {
			return errs.New(errs.KindConfiguration, "cli.dump-nsp", err)
		}

		contentFs := afero.NewBasePathFs(afero.NewOsFs(), contentDir)
		opener := newDirContentOpener(contentFs)
		defer opener.Close()

		resolver := ticket.NewResolver(keySet).WithCatalog(dirTicketSource{fs: contentFs})
		outFs := afero.NewOsFs()
		obs := &cliObserver{}
		var cancel atomic.Bool

		sequential, _ := cmd.Flags().GetBool("sequential")
		chunkSize, _ := cmd.Flags().GetInt64("chunk-size")
		var result *build.NSPResult
		if sequential {
			result, err = build.BuildNSPSequential(outFs, keySet, opener, metaID, resolver, dirTicketSource{fs: contentFs}, out, cfg, chunkSize, obs, &cancel)
		} else {
			result, err = build.BuildNSP(outFs, keySet, opener, metaID, resolver, dirTicketSource{fs: contentFs}, out, cfg, obs, &cancel)
		}
		if err != nil {
			return err
		}
		fmt.Printf("\ndump complete: new meta id=%s total bytes=%d\n", result.NewMetaID.Hex(), result.TotalBytes)
		return nil
	},
}

func nspConfigFromFlags(cmd *cobra.Command) (build.NSPConfig, error) {
	fatSplit, _ := cmd.Flags().GetBool("fat-split")
	tikless, _ := cmd.Flags().GetBool("tikless")
	removeConsoleData, _ := cmd.Flags().GetBool("remove-console-data")
	npdmPatch, _ := cmd.Flags().GetBool("npdm-patch")
	includeDelta, _ := cmd.Flags().GetBool("include-delta-fragments")
	compress, _ := cmd.Flags().GetBool("compress")
	level, _ := cmd.Flags().GetInt("compression-level")
	deterministic, _ := cmd.Flags().GetBool("deterministic-npdm-signing")

	return build.NSPConfig{
		FatSplit:                 fatSplit,
		Tikless:                  tikless,
		RemoveConsoleData:        removeConsoleData,
		NpdmAcidPatch:            npdmPatch,
		IncludeDeltaFragments:    includeDelta,
		Compress:                 compress,
		CompressionLevel:         level,
		DeterministicNpdmSigning: deterministic,
	}, nil
}

func init() {
	dumpNSPCmd.Flags().String("content-dir", "", "directory of loose <contentid>.nca/.tik/.cert files")
	dumpNSPCmd.Flags().String("meta-id", "", "hex ContentId of the title's CNMT meta NCA")
	dumpNSPCmd.Flags().String("out", "", "output NSP path")
	dumpNSPCmd.Flags().Bool("fat-split", false, "split output into FAT32-sized chunks")
	dumpNSPCmd.Flags().Bool("tikless", false, "strip the rights id and embed the title key in the key area")
	dumpNSPCmd.Flags().Bool("remove-console-data", false, "scrub console-identifying header/ticket fields")
	dumpNSPCmd.Flags().Bool("npdm-patch", false, "patch the Program NCA's NPDM ACID public key and signature")
	dumpNSPCmd.Flags().Bool("include-delta-fragments", false, "include DeltaFragment content records")
	dumpNSPCmd.Flags().Bool("compress", false, "write eligible NCAs as NCZ blocks instead of verbatim")
	dumpNSPCmd.Flags().Int("compression-level", 3, "zstd compression level (1-22)")
	dumpNSPCmd.Flags().Bool("deterministic-npdm-signing", false, "sign the patched NPDM ACID deterministically")
	dumpNSPCmd.Flags().Bool("sequential", false, "resumable chunked dump with a checkpoint sidecar")
	dumpNSPCmd.Flags().Int64("chunk-size", 1<<30, "chunk size in bytes for --sequential")
	dumpNSPCmd.MarkFlagRequired("content-dir")
	dumpNSPCmd.MarkFlagRequired("meta-id")
	dumpNSPCmd.MarkFlagRequired("out")
}

var extractExeFSCmd = &cobra.Command{
	Use:   "extract-exefs",
	Short: "Extract a Program NCA's ExeFS into a directory tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		ncaPath, _ := cmd.Flags().GetString("nca")
		outDir, _ := cmd.Flags().GetString("out-dir")
		fatSplit, _ := cmd.Flags().GetBool("fat-split")

		n, f, err := openLooseNCA(ncaPath, nil)
		if err != nil {
			return err
		}
		defer f.Close()

		var cancel atomic.Bool
		return build.DumpExeFSTree(afero.NewOsFs(), n, 0, outDir, build.TreeConfig{FatSplit: fatSplit}, &cliObserver{}, &cancel)
	},
}

func init() {
	extractExeFSCmd.Flags().String("nca", "", "path to the Program NCA")
	extractExeFSCmd.Flags().String("out-dir", "", "output directory")
	extractExeFSCmd.Flags().Bool("fat-split", false, "split large files into FAT32-sized chunks")
	extractExeFSCmd.MarkFlagRequired("nca")
	extractExeFSCmd.MarkFlagRequired("out-dir")
}

var extractRomFSCmd = &cobra.Command{
	Use:   "extract-romfs",
	Short: "Extract a Program/Data NCA's RomFS into a directory tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		ncaPath, _ := cmd.Flags().GetString("nca")
		baseNcaPath, _ := cmd.Flags().GetString("base-nca")
		section, _ := cmd.Flags().GetInt("section")
		outDir, _ := cmd.Flags().GetString("out-dir")
		fatSplit, _ := cmd.Flags().GetBool("fat-split")

		n, f, err := openLooseNCA(ncaPath, nil)
		if err != nil {
			return err
		}
		defer f.Close()

		var view *romfs.View
		if baseNcaPath != "" {
			// Patch RomFS: compose the BKTR overlay over the base
			// title's RomFS before walking it.
			var baseF afero.File
			view, baseF, err = openPatchRomFS(n, baseNcaPath, section)
			if baseF != nil {
				defer baseF.Close()
			}
		} else {
			view, err = build.OpenRomFSSection(n, section)
		}
		if err != nil {
			return err
		}

		var cancel atomic.Bool
		return build.DumpRomFSTree(afero.NewOsFs(), view, outDir, build.TreeConfig{FatSplit: fatSplit}, &cliObserver{}, &cancel)
	},
}

// openPatchRomFS wires the BKTR overlay: the patch section's bucket
// tables compose reads between the patch NCA and the base title's own
// RomFS section. Reads into base-sourced ranges with no usable base
// section fail per file, not up front. The returned file backs the base
// cipher and stays open until the caller is done walking the view.
func openPatchRomFS(patch *nca.NCA, baseNcaPath string, section int) (*romfs.View, afero.File, error) {
	fsh, err := patch.FsHeader(section)
	if err != nil {
		return nil, nil, err
	}
	patchCipher, err := patch.Section(section)
	if err != nil {
		return nil, nil, err
	}

	baseN, baseF, err := openLooseNCA(baseNcaPath, nil)
	if err != nil {
		return nil, nil, err
	}
	baseCipher, err := baseN.Section(section)
	if err != nil {
		baseCipher = nil // base has no usable RomFS section; degrade per file
	}

	view, err := bktr.Open(patchCipher, fsh.BktrRelocation, fsh.BktrSubsection, baseCipher)
	if err != nil {
		baseF.Close()
		return nil, nil, err
	}
	return view, baseF, nil
}

func init() {
	extractRomFSCmd.Flags().String("nca", "", "path to the Program/Data NCA")
	extractRomFSCmd.Flags().String("base-nca", "", "base title's Program NCA when extracting a patch RomFS")
	extractRomFSCmd.Flags().Int("section", 1, "FS section index carrying RomFS")
	extractRomFSCmd.Flags().String("out-dir", "", "output directory")
	extractRomFSCmd.Flags().Bool("fat-split", false, "split large files into FAT32-sized chunks")
	extractRomFSCmd.MarkFlagRequired("nca")
	extractRomFSCmd.MarkFlagRequired("out-dir")
}

var extractTicketCmd = &cobra.Command{
	Use:   "extract-ticket",
	Short: "Extract a title's ticket and certificate chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		contentDir, _ := cmd.Flags().GetString("content-dir")
		rightsIDHex, _ := cmd.Flags().GetString("rights-id")
		outDir, _ := cmd.Flags().GetString("out-dir")
		removeConsoleData, _ := cmd.Flags().GetBool("remove-console-data")

		rightsID, err := ids.ParseRightsIDHex(rightsIDHex)
		if err != nil {
			return errs.New(errs.KindConfiguration, "cli.extract-ticket", err)
		}

		contentFs := afero.NewBasePathFs(afero.NewOsFs(), contentDir)
		resolver := ticket.NewResolver(keySet).WithCatalog(dirTicketSource{fs: contentFs})
		titleKey, err := resolver.ResolveTitleKey(rightsID)
		if err != nil {
			return err
		}

		result, err := build.ExtractTicket(afero.NewOsFs(), dirTicketSource{fs: contentFs}, rightsID, titleKey, outDir, build.TicketConfig{RemoveConsoleData: removeConsoleData})
		if err != nil {
			return err
		}
		fmt.Printf("ticket=%d bytes cert=%d bytes\n", result.TicketLen, result.CertLen)
		return nil
	},
}

func init() {
	extractTicketCmd.Flags().String("content-dir", "", "directory holding the <rightsid>.tik/.cert pair")
	extractTicketCmd.Flags().String("rights-id", "", "hex RightsId to extract")
	extractTicketCmd.Flags().String("out-dir", "", "output directory")
	extractTicketCmd.Flags().Bool("remove-console-data", false, "scrub console-identifying ticket fields")
	extractTicketCmd.MarkFlagRequired("content-dir")
	extractTicketCmd.MarkFlagRequired("rights-id")
	extractTicketCmd.MarkFlagRequired("out-dir")
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run dump-nsp for several titles concurrently",
	Long: `batch fans a dump-nsp job out across several titles at once, bounded by
--parallel. Each title still streams through its own Output Streamer
sequentially (spec §5 "single logical worker per dump"); the concurrency
here is across independent dumps, not within one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		contentDir, _ := cmd.Flags().GetString("content-dir")
		metaIDsCSV, _ := cmd.Flags().GetString("meta-ids")
		outDir, _ := cmd.Flags().GetString("out-dir")
		parallel, _ := cmd.Flags().GetInt("parallel")
		cfg, err := nspConfigFromFlags(cmd)
		if err != nil {
			return err
		}

		metaIDHexes := strings.Split(metaIDsCSV, ",")
		contentFs := afero.NewBasePathFs(afero.NewOsFs(), contentDir)
		outFs := afero.NewOsFs()

		g := new(errgroup.Group)
		g.SetLimit(parallel)
		for _, hex := range metaIDHexes {
			hex := strings.TrimSpace(hex)
			if hex == "" {
				continue
			}
			g.Go(func() error {
				metaID, err := ids.ParseContentIDHex(hex)
				if err != nil {
					return errs.Named(errs.KindConfiguration, "cli.batch", hex, err)
				}
				opener := newDirContentOpener(contentFs)
				defer opener.Close()
				resolver := ticket.NewResolver(keySet).WithCatalog(dirTicketSource{fs: contentFs})
				var cancel atomic.Bool
				outPath := outDir + "/" + hex + ".nsp"
				_, err = build.BuildNSP(outFs, keySet, opener, metaID, resolver, dirTicketSource{fs: contentFs}, outPath, cfg, batchObserver{id: hex}, &cancel)
				return err
			})
		}
		return g.Wait()
	},
}

// batchObserver prefixes progress with the title being dumped, since
// several batch jobs interleave their output on the same terminal.
type batchObserver struct{ id string }

func (o batchObserver) OnProgress(phase string, bytesDone, bytesTotal int64, eta time.Duration) {
	fmt.Printf("[%s] %s: %d bytes\n", o.id, phase, bytesDone)
}

func (o batchObserver) OnWarning(err error) {
	fmt.Printf("[%s] warning: %v\n", o.id, err)
}

func init() {
	batchCmd.Flags().String("content-dir", "", "directory of loose <contentid>.nca/.tik/.cert files")
	batchCmd.Flags().String("meta-ids", "", "comma-separated hex ContentIds of each title's CNMT meta NCA")
	batchCmd.Flags().String("out-dir", "", "output directory for the produced NSPs")
	batchCmd.Flags().Int("parallel", 2, "maximum number of titles to dump concurrently")
	batchCmd.Flags().Bool("fat-split", false, "split output into FAT32-sized chunks")
	batchCmd.Flags().Bool("tikless", false, "strip the rights id and embed the title key in the key area")
	batchCmd.Flags().Bool("remove-console-data", false, "scrub console-identifying header/ticket fields")
	batchCmd.Flags().Bool("npdm-patch", false, "patch the Program NCA's NPDM ACID public key and signature")
	batchCmd.Flags().Bool("include-delta-fragments", false, "include DeltaFragment content records")
	batchCmd.Flags().Bool("compress", false, "write eligible NCAs as NCZ blocks instead of verbatim")
	batchCmd.Flags().Int("compression-level", 3, "zstd compression level (1-22)")
	batchCmd.Flags().Bool("deterministic-npdm-signing", false, "sign the patched NPDM ACID deterministically")
	batchCmd.MarkFlagRequired("content-dir")
	batchCmd.MarkFlagRequired("meta-ids")
	batchCmd.MarkFlagRequired("out-dir")
}

// openLooseNCA opens a single standalone NCA file (not inside a PFS0) for
// the tree-extraction commands, which operate on one already-located NCA
// rather than a whole title.
func openLooseNCA(path string, resolver nca.TitleKeyResolver) (*nca.NCA, afero.File, error) {
	const op = "cli.openLooseNCA"
	fs := afero.NewOsFs()
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, errs.Named(errs.KindBackend, op, path, err)
	}
	n, err := nca.Open(f, keySet, resolver)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return n, f, nil
}
