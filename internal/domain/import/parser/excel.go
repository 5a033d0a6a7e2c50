package parser

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// preferredSheets are tried, case-insensitively, when no sheet is named.
var preferredSheets = []string{
	"transactions", "movimentos", "extrato",
	"statement", "data", "sheet1",
}

// ParseXLSX reads one sheet of a spreadsheet statement into a Table with
// the same rules as Parse. An empty sheet name picks the most
// statement-like sheet, falling back to the first one.
func ParseXLSX(r io.Reader, sheet string) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	name, err := pickSheet(f.GetSheetList(), sheet)
	if err != nil {
		return nil, err
	}

	raw, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", name, err)
	}

	rows := make([][]string, 0, len(raw))
	for _, row := range raw {
		if isBlankRow(row) {
			continue
		}
		rows = append(rows, row)
	}

	return New(rows), nil
}

func pickSheet(sheets []string, requested string) (string, error) {
	if len(sheets) == 0 {
		return "", fmt.Errorf("spreadsheet has no sheets")
	}

	if requested != "" {
		for _, s := range sheets {
			if strings.EqualFold(s, requested) {
				return s, nil
			}
		}
		return "", fmt.Errorf("sheet %q not found", requested)
	}

	for _, preferred := range preferredSheets {
		for _, s := range sheets {
			if strings.EqualFold(s, preferred) {
				return s, nil
			}
		}
	}

	return sheets[0], nil
}
