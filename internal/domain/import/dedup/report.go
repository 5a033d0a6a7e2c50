package dedup

import (
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// ReportRow is one line of the duplicate report.
type ReportRow struct {
	Row           int    `csv:"row"`
	Origin        string `csv:"origin"`
	CompositeKey  string `csv:"composite_key"`
	MatchedFields string `csv:"matched_fields"`
	Approved      bool   `csv:"approved"`
}

// WriteReport writes flags as CSV. approved marks rows the operator chose
// to keep despite the flag.
func WriteReport(w io.Writer, flags []Flag, approved map[int]bool) error {
	rows := make([]*ReportRow, 0, len(flags))
	for _, f := range flags {
		rows = append(rows, &ReportRow{
			Row:           f.RowIndex,
			Origin:        string(f.Origin),
			CompositeKey:  f.CompositeKey,
			MatchedFields: strings.Join(f.MatchedFields, ";"),
			Approved:      approved[f.RowIndex],
		})
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("failed to write duplicate report: %w", err)
	}
	return nil
}
