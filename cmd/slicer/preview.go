package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/sniffer"
)

func newPreviewCommand(a *app) *cobra.Command {
	var (
		limit  int
		header int
		sheet  string
	)

	cmd := &cobra.Command{
		Use:   "preview FILE",
		Short: "Print a statement with row indices and suggested key fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTable(args[0], sheet, a.cfg.Import.Delimiter)
			if err != nil {
				return err
			}
			return printPreview(cmd.OutOrStdout(), t, header, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "rows to print (0 prints all)")
	cmd.Flags().IntVar(&header, "header", 0, "row used for column role suggestions")
	cmd.Flags().StringVar(&sheet, "sheet", "", "worksheet name for xlsx files")

	return cmd
}

// loadTable parses a local CSV or XLSX statement.
func loadTable(path, sheet string, delimiter rune) (*parser.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return parser.ParseXLSX(f, sheet)
	}
	return parser.ParseReader(f, parser.WithDelimiter(delimiter))
}

func printPreview(out io.Writer, t *parser.Table, header, limit int) error {
	fmt.Fprintf(out, "%d rows, %d columns\n\n", t.RowCount(), t.ColumnCount())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	n := t.RowCount()
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		row, err := t.Row(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\n", i, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n < t.RowCount() {
		fmt.Fprintf(out, "... %d more rows\n", t.RowCount()-n)
	}

	captions, err := t.Row(header)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\ncolumn roles (header row %d):\n", header)
	for i, c := range captions {
		if role, ok := sniffer.RoleOf(c); ok {
			fmt.Fprintf(out, "  %d %q: %s\n", i, c, role)
		}
	}
	if keys := sniffer.SuggestKeyFields(captions); len(keys) > 0 {
		fmt.Fprintf(out, "suggested key fields: %s\n", strings.Join(keys, ", "))
	}
	return nil
}
