package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/batch"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/reshape"
	importservice "github.com/FACorreiaa/statement-slicer/internal/domain/import/service"
)

type importOptions struct {
	owner       string
	account     string
	header      int
	start       int
	end         int
	keys        []string
	splitColumn int
	splitSep    string
	splitNames  []string
	approve     []int
	reportPath  string
	currency    string
	amountField string
	batchSize   int
	dryRun      bool
}

func newImportCommand(a *app) *cobra.Command {
	opts := importOptions{}

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Slice a statement, check it for duplicates and save the approved rows",
		Long: `Import selects a header row and a row range from FILE, optionally splits one
column, flags rows that repeat inside the range or already exist in the record
store, and saves the rest in batches. Flagged rows are skipped unless listed
with --approve. Interrupting stops the import after the batch in flight.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.batchSize > 0 {
				a.cfg.Import.BatchSize = opts.batchSize
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runImport(ctx, a, cmd.OutOrStdout(), args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.owner, "owner", "", "owner id (uuid); a random id when empty")
	f.StringVar(&opts.account, "account", "", "account id (uuid); a random id when empty")
	f.IntVar(&opts.header, "header", 0, "header row index")
	f.IntVar(&opts.start, "start", 1, "first data row index")
	f.IntVar(&opts.end, "end", -1, "last data row index (-1 for the last row)")
	f.StringSliceVar(&opts.keys, "keys", nil, "key field captions; suggested from the header when empty")
	f.IntVar(&opts.splitColumn, "split-column", -1, "column to split before the duplicate check")
	f.StringVar(&opts.splitSep, "split-sep", "ws", `separator: a literal, "ws" for runs of whitespace, or "re:<pattern>"`)
	f.StringSliceVar(&opts.splitNames, "split-names", nil, "names of the columns produced by the split")
	f.IntSliceVar(&opts.approve, "approve", nil, "flagged row indices to save anyway")
	f.StringVar(&opts.reportPath, "report", "", "write the duplicate report as CSV to this path")
	f.StringVar(&opts.currency, "currency", "", "print income and expense totals in this currency")
	f.StringVar(&opts.amountField, "amount-field", "", "amount column for totals; detected when empty")
	f.IntVar(&opts.batchSize, "batch-size", 0, "rows per batch (overrides IMPORT_BATCH_SIZE)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "keep records in memory instead of PostgreSQL")

	return cmd
}

// validateRange rejects ranges the selector cannot take, with flag names in
// the message. The range end must lie strictly after its start.
func validateRange(start, end int) error {
	switch {
	case end == start:
		return fmt.Errorf("--start and --end are both %d: a range needs at least two data rows", start)
	case end < start:
		return fmt.Errorf("--end %d is before --start %d", end, start)
	}
	return nil
}

func runImport(ctx context.Context, a *app, out io.Writer, path string, opts importOptions) error {
	owner, err := parseOrNewID(opts.owner)
	if err != nil {
		return fmt.Errorf("invalid --owner: %w", err)
	}
	account, err := parseOrNewID(opts.account)
	if err != nil {
		return fmt.Errorf("invalid --account: %w", err)
	}

	deps, err := InitDependencies(a.cfg, a.logger, DependencyOptions{DryRun: opts.dryRun})
	if err != nil {
		return err
	}
	defer deps.Cleanup()
	deps.Start()

	sess, err := openStatement(ctx, deps, owner, account, path)
	if err != nil {
		return err
	}
	defer deps.ImportService.Close(sess.ID)

	end := opts.end
	if end < 0 {
		end = sess.Table().RowCount() - 1
	}
	if err := validateRange(opts.start, end); err != nil {
		return err
	}
	if err := sess.SelectHeader(opts.header); err != nil {
		return err
	}
	if err := sess.SelectStart(opts.start); err != nil {
		return err
	}
	if err := sess.SelectEnd(end); err != nil {
		return err
	}
	if _, err := sess.Slice(); err != nil {
		return err
	}

	if opts.splitColumn >= 0 {
		sep, err := reshape.ParseSeparator(opts.splitSep)
		if err != nil {
			return err
		}
		if err := sess.Reshape(opts.splitColumn, sep, opts.splitNames); err != nil {
			return err
		}
	}

	keys := opts.keys
	if len(keys) == 0 {
		keys = sess.SuggestedKeyFields()
		fmt.Fprintf(out, "using suggested key fields: %s\n", strings.Join(keys, ", "))
	}
	if err := sess.SetKeyFields(keys); err != nil {
		return err
	}

	result, err := sess.CheckDuplicates(ctx)
	if err != nil {
		return err
	}
	if snap := sess.Snapshot(); snap.StoreDegraded {
		fmt.Fprintf(out, "warning: record store unavailable, only in-file duplicates were checked (%s)\n", snap.LastError)
	}
	for _, flag := range result.Flags {
		fmt.Fprintf(out, "row %d: %s duplicate on %s [%s]\n",
			flag.RowIndex, flag.Origin, strings.Join(flag.MatchedFields, ", "), flag.CompositeKey)
	}
	if result.UsedFallback {
		fmt.Fprintln(out, "note: matched against the store with fallback key fields")
	}

	for _, row := range opts.approve {
		if err := sess.SetRowApproved(row, true); err != nil {
			return err
		}
	}

	if opts.reportPath != "" {
		if err := writeReport(sess, opts.reportPath); err != nil {
			return err
		}
	}

	if opts.currency != "" {
		in, err := sess.Insights(opts.amountField, opts.currency)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d rows: income %s, expenses %s, net %s\n",
			in.Rows, in.Income.Display(), in.Expenses.Display(), in.Net.Display())
		if in.Unparsed > 0 {
			fmt.Fprintf(out, "%d amounts in %q could not be parsed\n", in.Unparsed, in.AmountField)
		}
	}

	outcome, err := sess.Save(ctx)
	if err != nil {
		var pf *batch.PartialFailure
		if errors.As(err, &pf) {
			fmt.Fprintf(out, "saved %d of %d rows before stopping\n", pf.Submitted, pf.Total)
		}
		return err
	}

	fmt.Fprintf(out, "saved %d rows in %d batches (import %s)\n", outcome.Submitted, outcome.Batches, outcome.ImportID)
	return nil
}

// openStatement stores the file and opens a session on the stored copy.
func openStatement(ctx context.Context, deps *Dependencies, owner, account uuid.UUID, path string) (*importservice.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement: %w", err)
	}
	defer f.Close()

	info, err := deps.FileStorage.Upload(ctx, owner, filepath.Base(path), contentTypeFor(path), f)
	if err != nil {
		return nil, fmt.Errorf("failed to store statement: %w", err)
	}
	return deps.ImportService.OpenFile(ctx, owner, account, info.ID)
}

func writeReport(sess *importservice.Session, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := sess.Report(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".tsv":
		return "text/tab-separated-values"
	default:
		return "text/csv"
	}
}

func parseOrNewID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}
