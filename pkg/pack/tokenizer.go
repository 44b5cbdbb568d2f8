package pack

import (
	"context"
	"strings"
	"unicode"
)

// HeuristicTokenizer approximates LLM tokenization without a model
// vocabulary: whitespace-delimited words count one token per started
// 4-character chunk. Good enough for budget enforcement; swap in a real
// tokenizer through the Tokenizer interface when one is available.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Name() string { return "heuristic/4" }

func (HeuristicTokenizer) Tokens(text string) int {
	total := 0
	for _, word := range strings.FieldsFunc(text, unicode.IsSpace) {
		total += (len(word) + 3) / 4
	}
	return total
}

// TruncatingSummarizer is the fallback summarization backend: it keeps
// whole leading lines while they fit the target. Deterministic, so runs
// without an LLM backend still replay bit-identically.
type TruncatingSummarizer struct{}

func (TruncatingSummarizer) Version() string { return "truncate/1" }

func (TruncatingSummarizer) Summarize(_ context.Context, text string, targetTokens int) (string, error) {
	tok := HeuristicTokenizer{}
	if tok.Tokens(text) <= targetTokens {
		return text, nil
	}

	var (
		kept []string
		used int
	)
	for _, line := range strings.Split(text, "\n") {
		cost := tok.Tokens(line)
		if used+cost > targetTokens {
			break
		}
		kept = append(kept, line)
		used += cost
	}
	return strings.Join(kept, "\n"), nil
}
