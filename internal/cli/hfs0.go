package cli

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ndump/core/pkg/build"
	"github.com/ndump/core/pkg/errs"
)

var dumpHFS0Cmd = &cobra.Command{
	Use:   "dump-hfs0",
	Short: "Dump a gamecard HFS0 partition, raw or as extracted files",
	RunE: func(cmd *cobra.Command, args []string) error {
		partitionPath, _ := cmd.Flags().GetString("partition")
		out, _ := cmd.Flags().GetString("out")
		raw, _ := cmd.Flags().GetBool("raw")
		fatSplit, _ := cmd.Flags().GetBool("fat-split")

		fs := afero.NewOsFs()
		f, err := fs.Open(partitionPath)
		if err != nil {
			return errs.Named(errs.KindBackend, "cli.dump-hfs0", partitionPath, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return errs.Named(errs.KindBackend, "cli.dump-hfs0", partitionPath, err)
		}

		obs := &cliObserver{}
		var cancel atomic.Bool
		cfg := build.TreeConfig{FatSplit: fatSplit}

		if raw {
			return build.DumpRawHFS0Partition(fs, f, info.Size(), out, cfg, obs, &cancel)
		}
		view, err := build.OpenHFS0Partition(f, info.Size())
		if err != nil {
			return err
		}
		return build.DumpHFS0Files(fs, view, out, cfg, obs, &cancel)
	},
}

func init() {
	dumpHFS0Cmd.Flags().String("partition", "", "path to the HFS0 partition image")
	dumpHFS0Cmd.Flags().String("out", "", "output file (--raw) or directory")
	dumpHFS0Cmd.Flags().Bool("raw", false, "dump the partition image verbatim instead of extracting files")
	dumpHFS0Cmd.Flags().Bool("fat-split", false, "split large output into FAT32-sized chunks")
	dumpHFS0Cmd.MarkFlagRequired("partition")
	dumpHFS0Cmd.MarkFlagRequired("out")
}

var extractCertCmd = &cobra.Command{
	Use:   "extract-cert",
	Short: "Extract the gamecard certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath, _ := cmd.Flags().GetString("image")
		out, _ := cmd.Flags().GetString("out")

		fs := afero.NewOsFs()
		f, err := fs.Open(imagePath)
		if err != nil {
			return errs.Named(errs.KindBackend, "cli.extract-cert", imagePath, err)
		}
		defer f.Close()

		cert, crc, err := build.ExtractCert(fs, f, out)
		if err != nil {
			return err
		}
		fmt.Printf("certificate: %d bytes, crc32=%08x\n", len(cert), crc)
		return nil
	},
}

func init() {
	extractCertCmd.Flags().String("image", "", "path to the card image or first-partition image holding the certificate")
	extractCertCmd.Flags().String("out", "", "output certificate path")
	extractCertCmd.MarkFlagRequired("image")
	extractCertCmd.MarkFlagRequired("out")
}
