package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/jigsync/internal/tiers"
)

// TiersOptions holds flags for the tiers command.
type TiersOptions struct {
	*RootOptions
	File string
}

// NewTiersCommand creates the tiers command.
func NewTiersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TiersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "List difficulty tiers",
		Long: `List the difficulty tiers, ordered by piece count.

Without --tiers the built-in tiers are listed. With --tiers the file is
validated against the tier schema first; errors point at the offending
line.

Examples:
  jigsync tiers
  jigsync tiers --tiers ./tiers.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTiers(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "tiers", "", "CUE tier file (env: JIGSYNC_TIERS)")

	return cmd
}

func runTiers(opts *TiersOptions, cmd *cobra.Command) error {
	set, err := loadTiers(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load tiers", err)
	}
	all := set.All()
	out := newFormatter(cmd, opts.RootOptions)
	return out.Result("ok", all, func(w io.Writer) error {
		return printTiers(w, all)
	})
}

// loadTiers reads path, or returns the built-in tiers when path is empty.
func loadTiers(path string) (*tiers.Set, error) {
	if path == "" {
		return tiers.Default()
	}
	return tiers.LoadFile(path)
}

func printTiers(w io.Writer, all []tiers.Tier) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tGRID\tPIECES\tROTATION\tPOSITION TOL\tROTATION TOL")
	for _, t := range all {
		rotation := "off"
		if t.Rotation {
			rotation = string(t.RotationMode)
		}
		fmt.Fprintf(tw, "%s\t%dx%d\t%d\t%s\t%g\t%g\n",
			t.Name, t.Cols, t.Rows, t.PieceCount(), rotation, t.PositionTolerance, t.RotationTolerance)
	}
	return tw.Flush()
}
