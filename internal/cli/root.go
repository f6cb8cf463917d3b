// Package cli wires the extraction engine's packages (pkg/keys, pkg/nca,
// pkg/build, pkg/ticket, pkg/storage) up to a cobra command tree, the way
// the teacher's own nsz-go bound pkg/fs to a flag.FlagSet — generalized to
// cobra/pflag since the expanded tool now has more than one mode (spec §6
// names six distinct operations, not one).
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ndump/core/pkg/errs"
	"github.com/ndump/core/pkg/keys"
)

var (
	keysPath string
	keySet   *keys.KeySet
)

var rootCmd = &cobra.Command{
	Use:   "ndump",
	Short: "Nintendo Switch content-container extraction engine",
	Long: `ndump decrypts and re-serializes Nintendo Switch content containers:
gamecard (XCI) dumps, NSP repackaging, and ExeFS/RomFS tree extraction.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if keysPath != "" {
			keySet, err = keys.Load(keysPath)
		} else {
			keySet, err = keys.LoadDefault()
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&keysPath, "keys", "k", "", "path to prod.keys (default: first of ./prod.keys, ./keys.txt, ~/.switch/prod.keys, ~/.switch/keys.txt)")
	rootCmd.AddCommand(dumpXCICmd, dumpNSPCmd, dumpHFS0Cmd, extractExeFSCmd, extractRomFSCmd, extractTicketCmd, extractCertCmd, batchCmd)
}

// Execute runs the command tree; the caller is expected to translate a
// returned error to a process exit code via ExitCode.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error to the spec §6 process exit codes,
// falling back to 1 for errors that never passed through pkg/errs.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*errs.Error); ok {
		return e.Kind.ExitCode()
	}
	return 1
}

// cliObserver prints progress lines to stderr, the same "never log
// directly from the core, observe instead" split the build package's
// Observer interface exists for.
type cliObserver struct {
	last time.Time
}

func (o *cliObserver) OnProgress(phase string, bytesDone, bytesTotal int64, eta time.Duration) {
	now := time.Now()
	if now.Sub(o.last) < 200*time.Millisecond {
		return
	}
	o.last = now
	if bytesTotal > 0 {
		fmt.Fprintf(os.Stderr, "\r%s: %d/%d bytes", phase, bytesDone, bytesTotal)
	} else {
		fmt.Fprintf(os.Stderr, "\r%s: %d bytes", phase, bytesDone)
	}
}

func (o *cliObserver) OnWarning(err error) {
	fmt.Fprintf(os.Stderr, "\nwarning: %v\n", err)
}
