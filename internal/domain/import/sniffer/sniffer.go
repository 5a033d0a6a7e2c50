// Package sniffer recognises what statement columns hold from their header
// captions, in English, Portuguese, Spanish, French and German.
package sniffer

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Role is the meaning of a statement column.
type Role string

const (
	RoleDate        Role = "date"
	RoleDescription Role = "description"
	RoleAmount      Role = "amount"
	RoleDebit       Role = "debit"
	RoleCredit      Role = "credit"
	RoleBalance     Role = "balance"
	RoleReference   Role = "reference"
)

// rolePriority resolves captions matching several roles, e.g. "Value Date"
// is a date and "Debit Amount" is a debit.
var rolePriority = []Role{
	RoleDate,
	RoleBalance,
	RoleDebit,
	RoleCredit,
	RoleAmount,
	RoleReference,
	RoleDescription,
}

var roleKeywords = map[Role][]string{
	RoleDate:        {"date", "data mov", "fecha", "datum", "posted", "booking", "data"},
	RoleDescription: {"descri", "merchant", "payee", "details", "memo", "narrative", "concepto", "libellé", "nome", "name"},
	RoleAmount:      {"amount", "valor", "importe", "montante", "montant", "betrag", "value"},
	RoleDebit:       {"débito", "debito", "debit", "cargo", "withdrawal"},
	RoleCredit:      {"crédito", "credito", "credit", "abono", "deposit"},
	RoleBalance:     {"balance", "saldo", "solde"},
	RoleReference:   {"reference", "referência", "referencia", "ref", "cheque"},
}

// minFuzzyKeyword keeps subsequence matching away from short keywords,
// where it would match almost anything.
const minFuzzyKeyword = 6

type dictionary struct {
	matcher  *ahocorasick.Matcher
	keywords []string
	roles    []Role
}

var dict = newDictionary()

func newDictionary() *dictionary {
	d := &dictionary{}
	var patterns [][]byte
	for _, role := range rolePriority {
		for _, kw := range roleKeywords[role] {
			d.keywords = append(d.keywords, kw)
			d.roles = append(d.roles, role)
			patterns = append(patterns, []byte(kw))
		}
	}
	d.matcher = ahocorasick.NewMatcher(patterns)
	return d
}

// RoleOf classifies a header caption.
func RoleOf(header string) (Role, bool) {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return "", false
	}

	found := make(map[Role]bool)
	for _, idx := range dict.matcher.Match([]byte(h)) {
		found[dict.roles[idx]] = true
	}

	if len(found) == 0 {
		// Accent-insensitive retry: "Descricao" for "descrição" and the like.
		for i, kw := range dict.keywords {
			if len([]rune(kw)) >= minFuzzyKeyword && fuzzy.MatchNormalizedFold(kw, h) && foldedContains(h, kw) {
				found[dict.roles[i]] = true
			}
		}
	}

	for _, role := range rolePriority {
		if found[role] {
			return role, true
		}
	}
	return "", false
}

// foldedContains requires the keyword to appear contiguously once accents
// are ignored, not just as a subsequence.
func foldedContains(header, keyword string) bool {
	h := []rune(header)
	k := []rune(keyword)
	for start := 0; start+len(k) <= len(h); start++ {
		if fuzzy.MatchNormalizedFold(keyword, string(h[start:start+len(k)])) {
			return true
		}
	}
	return false
}

// ColumnSuggestions holds the first column found for each role, -1 if none.
type ColumnSuggestions struct {
	DateCol       int
	DescCol       int
	AmountCol     int
	DebitCol      int
	CreditCol     int
	BalanceCol    int
	ReferenceCol  int
	IsDoubleEntry bool
}

// SuggestColumns attempts to auto-match columns based on header names
func SuggestColumns(headers []string) *ColumnSuggestions {
	s := &ColumnSuggestions{
		DateCol:      -1,
		DescCol:      -1,
		AmountCol:    -1,
		DebitCol:     -1,
		CreditCol:    -1,
		BalanceCol:   -1,
		ReferenceCol: -1,
	}

	for i, header := range headers {
		role, ok := RoleOf(header)
		if !ok {
			continue
		}
		var target *int
		switch role {
		case RoleDate:
			target = &s.DateCol
		case RoleDescription:
			target = &s.DescCol
		case RoleAmount:
			target = &s.AmountCol
		case RoleDebit:
			target = &s.DebitCol
		case RoleCredit:
			target = &s.CreditCol
		case RoleBalance:
			target = &s.BalanceCol
		case RoleReference:
			target = &s.ReferenceCol
		}
		if *target == -1 {
			*target = i
		}
	}

	s.IsDoubleEntry = s.DebitCol != -1 && s.CreditCol != -1
	return s
}

// SuggestKeyFields proposes a duplicate-detection key: date, description
// and amount (or debit and credit) captions, in header order of role.
func SuggestKeyFields(headers []string) []string {
	s := SuggestColumns(headers)

	cols := []int{s.DateCol, s.DescCol}
	if s.AmountCol != -1 || !s.IsDoubleEntry {
		cols = append(cols, s.AmountCol)
	} else {
		cols = append(cols, s.DebitCol, s.CreditCol)
	}

	fields := make([]string, 0, len(cols))
	for _, c := range cols {
		if c >= 0 {
			fields = append(fields, headers[c])
		}
	}
	return fields
}

// FirstColumnWithRole returns the first header with role, or "" if none.
func FirstColumnWithRole(headers []string, role Role) string {
	for _, h := range headers {
		if r, ok := RoleOf(h); ok && r == role {
			return h
		}
	}
	return ""
}
