package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/jigsync/internal/ledger"
)

// LedgerOptions holds flags for the ledger command.
type LedgerOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List completion records",
		Long: `List completion records from a SQLite ledger, most recent first.

Records are appended by clients that win a completion transition, e.g.
"jigsync simulate --ledger-db ./ledger.db".

Examples:
  jigsync ledger --db ./ledger.db
  jigsync ledger --db ./ledger.db --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedger(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite ledger (required) (env: JIGSYNC_DB)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum records to list; 0 lists all (env: JIGSYNC_LIMIT)")

	return cmd
}

func runLedger(opts *LedgerOptions, cmd *cobra.Command) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	if _, err := os.Stat(opts.Database); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("ledger not found: %s", opts.Database))
	}

	l, err := ledger.OpenSQLite(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer l.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	records, err := l.List(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list records", err)
	}
	if records == nil {
		records = []ledger.Record{}
	}

	out := newFormatter(cmd, opts.RootOptions)
	return out.Result("ok", records, func(w io.Writer) error {
		return printRecords(w, records)
	})
}

func printRecords(w io.Writer, records []ledger.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No completion records.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPLETED\tSESSION\tGRID\tWINNER\tSCORE\tELAPSED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\t%d\t%ds\n",
			time.UnixMilli(r.CompletedAt).UTC().Format(time.RFC3339),
			r.SessionID, r.Difficulty.Cols, r.Difficulty.Rows,
			r.WinnerName, r.WinnerScore, r.ElapsedSeconds)
	}
	return tw.Flush()
}
