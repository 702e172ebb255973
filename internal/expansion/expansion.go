// Package expansion generates paraphrased variants of a query so retrieval
// can cast a wider net, weighting the original query above its paraphrases
// (spec.md §4.7). The LLM call itself is an external collaborator; this
// package only shapes the prompt and the fallback behavior around it.
package expansion

import (
	"context"
	"fmt"
	"log/slog"
)

// Generator produces n paraphrases of query. The concrete LLM-backed
// implementation lives outside this module (spec.md §1).
type Generator interface {
	Generate(ctx context.Context, query string, n int) ([]string, error)
}

// Variant is one query in the expanded set, alongside the weight its
// retrieval results should carry relative to the others.
type Variant struct {
	Query  string
	Weight float64
}

// originalWeight is how much more the original query counts than each
// paraphrase (spec.md §4.7's weight vector [2.0, 1.0, ...]).
const originalWeight = 2.0
const paraphraseWeight = 1.0

// Expand asks generator for n paraphrases of query and returns the full
// variant set with the original first. If generation fails, the failure is
// logged and Expand falls back to the single unweighted original query
// rather than surfacing the error to the caller (spec.md §4.7: expansion
// failure must never abort retrieval).
func Expand(ctx context.Context, generator Generator, query string, n int) []Variant {
	if n <= 0 {
		return []Variant{{Query: query, Weight: 1.0}}
	}

	paraphrases, err := generator.Generate(ctx, query, n)
	if err != nil {
		slog.Warn("[expansion] paraphrase generation failed, falling back to original query",
			"error", err)
		return []Variant{{Query: query, Weight: 1.0}}
	}

	variants := make([]Variant, 0, len(paraphrases)+1)
	variants = append(variants, Variant{Query: query, Weight: originalWeight})
	for _, p := range paraphrases {
		variants = append(variants, Variant{Query: p, Weight: paraphraseWeight})
	}
	return variants
}

// Prompt builds a paraphrase-generation instruction for query, matching the
// teacher's refinement-instruction prompt-augmentation style. Expand does not
// call it: Expand passes the raw query and n to Generator.Generate.
func Prompt(query string, n int) string {
	return fmt.Sprintf("Generate %d alternative phrasings of the following question that preserve its meaning but vary vocabulary and structure: %q", n, query)
}
