// Package numeric parses the number formats scraped from Brazilian market sites.
package numeric

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var nullTokens = map[string]struct{}{
	"":       {},
	"-":      {},
	"--":     {},
	"n/a":    {},
	"na":     {},
	"nd":     {},
	"n/d":    {},
	"\u2014": {},
}

var scaleSuffixes = []struct {
	suffix string
	factor decimal.Decimal
}{
	{"bilhões", decimal.New(1, 9)},
	{"milhões", decimal.New(1, 6)},
	{"bi", decimal.New(1, 9)},
	{"mi", decimal.New(1, 6)},
	{"mil", decimal.New(1, 3)},
	{"b", decimal.New(1, 9)},
	{"m", decimal.New(1, 6)},
	{"k", decimal.New(1, 3)},
}

// ParseDecimal converts a scraped value such as "R$ 1.234,56", "12,5%" or
// "3,2 bi" into a decimal. Placeholders ("-", "", "N/A") and unparsable input
// yield an invalid NullDecimal.
func ParseDecimal(raw string) decimal.NullDecimal {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\u00a0", " "))
	if _, ok := nullTokens[strings.ToLower(s)]; ok {
		return decimal.NullDecimal{}
	}

	negative := false
	s = strings.ReplaceAll(s, "\u2212", "-")
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "R$"), "US$"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	} else if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "R$"))

	factor := decimal.New(1, 0)
	lower := strings.ToLower(s)
	for _, sc := range scaleSuffixes {
		if strings.HasSuffix(lower, sc.suffix) {
			head := strings.TrimSpace(s[:len(s)-len(sc.suffix)])
			if head != "" && unicode.IsDigit(rune(head[len(head)-1])) {
				factor = sc.factor
				s = strings.TrimSuffix(head, ".")
			}
			break
		}
	}

	normalized, ok := normalizeSeparators(strings.ReplaceAll(s, " ", ""))
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.NullDecimal{}
	}
	d = d.Mul(factor)
	if negative {
		d = d.Neg()
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Parse is ParseDecimal returning a float pointer, nil for null values.
func Parse(raw string) *float64 {
	nd := ParseDecimal(raw)
	if !nd.Valid {
		return nil
	}
	f := nd.Decimal.InexactFloat64()
	return &f
}

// normalizeSeparators rewrites pt-BR grouping ("1.234,56") into "1234.56".
// Without a comma, dots are grouping separators only when every group after
// the first has exactly three digits and the first group is not zero.
func normalizeSeparators(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return "", false
		}
	}
	if strings.Contains(s, ",") {
		if strings.Count(s, ",") > 1 {
			return "", false
		}
		return strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1), true
	}
	groups := strings.Split(s, ".")
	if len(groups) == 1 {
		return s, true
	}
	grouped := groups[0] != "" && strings.TrimLeft(groups[0], "0") != ""
	for _, g := range groups[1:] {
		if len(g) != 3 {
			grouped = false
			break
		}
	}
	if grouped {
		return strings.Join(groups, ""), true
	}
	if len(groups) > 2 {
		return "", false
	}
	return s, true
}
