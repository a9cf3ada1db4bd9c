package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/DaniellsQ/ttorrent/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// UsageText is printed for -h and after every usage error.
const UsageText = `usage: client [options] <transfer-descriptor-file>
  -h, --help                 show usage and exit (code 0)
  -o, --output DIR           output directory (default: /tmp)
  -i, --iface IFACE          bind to named network interface
  -s, --seed SECONDS         seed for SECONDS after completion (default: no extra seeding)
  -d, --max-download KBPS    cap download rate (default: unlimited)
  -u, --max-upload KBPS      cap upload rate (default: unlimited)
  -c, --config FILE          engine configuration file
`

// NewCommand builds the client command. The exit code of the run is stored
// in code; errors returned by the command are usage errors.
func NewCommand(o *Orchestrator, code *int) *cobra.Command {
	inv := DefaultInvocation()

	cmd := &cobra.Command{
		Use:           "client [options] <transfer-descriptor-file>",
		Short:         "Download a file described by a transfer descriptor",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &UsageError{Msg: fmt.Sprintf("expected exactly one transfer descriptor file, got %d arguments", len(args))}
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			inv.TorrentPath = args[0]
			if err := inv.Validate(); err != nil {
				return err
			}
			settings, err := config.Load(inv.ConfigPath)
			if err != nil {
				return &UsageError{Msg: "invalid configuration", Err: err}
			}
			inv.Settings = settings
			config.SetupLogging(settings.Logging)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = o.Run(cmd.Context(), inv)
			return nil
		},
	}

	addFlags(cmd.Flags(), &inv)

	cmd.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(cmd.OutOrStdout(), UsageText)
	})
	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		_, err := fmt.Fprint(cmd.ErrOrStderr(), UsageText)
		return err
	})
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &UsageError{Msg: "invalid option", Err: err}
	})

	return cmd
}

func addFlags(flags *pflag.FlagSet, inv *InvocationConfig) {
	flags.SortFlags = false
	flags.StringVarP(&inv.OutputDir, "output", "o", inv.OutputDir, "output directory")
	flags.StringVarP(&inv.Interface, "iface", "i", "", "bind to named network interface")
	flags.IntVarP(&inv.SeedSeconds, "seed", "s", inv.SeedSeconds, "seed for SECONDS after completion")
	flags.Float64VarP(&inv.MaxDownloadKBs, "max-download", "d", 0, "cap download rate in KB/s")
	flags.Float64VarP(&inv.MaxUploadKBs, "max-upload", "u", 0, "cap upload rate in KB/s")
	flags.StringVarP(&inv.ConfigPath, "config", "c", "", "engine configuration file")
}

// Execute runs the client command line and returns the process exit code.
// Help goes to stdout; usage errors go to stderr.
func Execute(ctx context.Context, o *Orchestrator, args []string, stdout, stderr io.Writer) int {
	code := ExitOK
	cmd := NewCommand(o, &code)
	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		// A flag error stops parsing before -h is seen; help still wins.
		if helpRequested(args) {
			fmt.Fprint(stdout, UsageText)
			return ExitOK
		}
		var uerr *UsageError
		if !errors.As(err, &uerr) {
			uerr = &UsageError{Msg: err.Error()}
		}
		fmt.Fprintf(stderr, "error: %v\n\n", uerr)
		fmt.Fprint(stderr, UsageText)
		return ExitUsage
	}
	return code
}

// helpRequested reports whether -h or --help appears before a "--".
func helpRequested(args []string) bool {
	for _, a := range args {
		switch a {
		case "--":
			return false
		case "-h", "--help":
			return true
		}
	}
	return false
}
