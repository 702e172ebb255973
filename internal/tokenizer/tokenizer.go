// Package tokenizer implements the deterministic, language-agnostic
// tokenization shared by index build and query time (spec.md §4.1).
//
// Lowercase the UTF-8 string, split on runs of Unicode whitespace, discard
// empty tokens. No stemming, no stopword removal, no punctuation stripping.
// Any divergence between index-build and query-time tokenization is a bug,
// so this is the single function both call.
package tokenizer

import "strings"

// Tokenize splits s into lowercase whitespace-delimited tokens.
func Tokenize(s string) []string {
	lower := strings.ToLower(s)
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return []string{}
	}
	return fields
}
