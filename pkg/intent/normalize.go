package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// abbreviations expands common shorthand before matching so that
// "qty in stock" and "quantity in stock" key identically.
var abbreviations = map[string]string{
	"qty":   "quantity",
	"amt":   "amount",
	"avg":   "average",
	"rev":   "revenue",
	"prod":  "product",
	"prods": "products",
	"cust":  "customer",
	"custs": "customers",
	"inv":   "inventory",
	"num":   "number",
	"asap":  "as soon as possible",
	"wk":    "week",
	"mo":    "month",
	"yr":    "year",
}

// Normalize canonicalizes raw query text for cache keying and rule
// matching: NFKC normalization (mathematical/fullwidth/circled variants
// fold to ASCII), lowercase, punctuation stripped, whitespace collapsed,
// known abbreviations expanded. Pure function, no failure modes.
func Normalize(text string) string {
	normalized := norm.NFKC.String(text)
	normalized = strings.ToLower(normalized)

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			// Punctuation becomes a separator so "what's" -> "what s"
			// collapses consistently rather than fusing words.
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	for i, f := range fields {
		if expanded, ok := abbreviations[f]; ok {
			fields[i] = expanded
		}
	}

	return strings.Join(fields, " ")
}
