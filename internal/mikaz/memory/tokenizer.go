package memory

// HeuristicTokenizer estimates ~4 characters per token (common English
// heuristic) plus a small per-entry overhead for role framing. Intentionally
// imprecise: the token cap is a soft budget to keep the context window
// bounded, not an exact accounting of the provider's tokenizer.
type HeuristicTokenizer struct{}

const (
	charsPerToken    = 4
	perEntryOverhead = 4 // role label, delimiters
)

// EstimateTokens returns the estimated token cost of text.
func (HeuristicTokenizer) EstimateTokens(text string) int {
	return len(text)/charsPerToken + perEntryOverhead
}
