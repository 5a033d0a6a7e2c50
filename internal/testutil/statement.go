// Package testutil generates realistic statement fixtures for tests.
package testutil

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// StatementGenerator produces bank statement text with gofakeit.
type StatementGenerator struct {
	faker *gofakeit.Faker
	start time.Time
}

// NewStatementGenerator creates a generator with a fixed seed for reproducibility.
func NewStatementGenerator(seed int64) *StatementGenerator {
	return &StatementGenerator{
		faker: gofakeit.New(seed),
		start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// StatementHeader is the column layout of generated statements.
var StatementHeader = []string{"Date", "Description", "Amount", "Balance", "Reference"}

// Rows returns n data rows with unique references and strictly increasing
// dates, so no two rows share a Date+Amount key unless a test makes them.
func (g *StatementGenerator) Rows(n int) [][]string {
	rows := make([][]string, n)
	balance := g.faker.Float64Range(1000, 5000)
	for i := range rows {
		amount := g.faker.Float64Range(-500, 500)
		balance += amount
		rows[i] = []string{
			g.start.AddDate(0, 0, i).Format("2006-01-02"),
			g.Description(),
			fmt.Sprintf("%.2f", amount),
			fmt.Sprintf("%.2f", balance),
			fmt.Sprintf("REF%06d", i+1),
		}
	}
	return rows
}

// Description returns a merchant-like narrative.
func (g *StatementGenerator) Description() string {
	switch g.faker.Number(0, 2) {
	case 0:
		return g.faker.Company()
	case 1:
		return "CARD " + strings.ToUpper(g.faker.Company())
	default:
		return "TRANSFER " + g.faker.LastName()
	}
}

// CSV renders header and rows as comma separated text, preceded by the
// given preamble lines (bank name, account number and the like).
func (g *StatementGenerator) CSV(preamble []string, rows [][]string) string {
	var b strings.Builder
	for _, line := range preamble {
		b.WriteString(line)
		b.WriteString("\n")
	}
	w := csv.NewWriter(&b)
	_ = w.Write(StatementHeader)
	_ = w.WriteAll(rows)
	return b.String()
}
