package search

import (
	"context"
	"strconv"

	"github.com/quadfuse/quadfuse/internal/store"
)

// PatternAdapter surfaces confidence-scored pattern matches.
type PatternAdapter struct {
	bank store.PatternBank
}

// NewPatternAdapter wraps a pattern bank.
func NewPatternAdapter(bank store.PatternBank) *PatternAdapter {
	return &PatternAdapter{bank: bank}
}

// Source implements SourceAdapter.
func (a *PatternAdapter) Source() Source {
	return SourcePattern
}

// Execute matches the query against the bank and drops matches under the
// confidence floor. The item score is the pattern's confidence, not the
// text-match relevance: relevance selects which patterns surface,
// confidence decides how much they are worth in fusion.
func (a *PatternAdapter) Execute(ctx context.Context, q *SearchQuery) ([]SourceItem, error) {
	matches, err := a.bank.Match(ctx, q.Query, candidateLimit(q.Options.TopK))
	if err != nil {
		return nil, err
	}

	items := make([]SourceItem, 0, len(matches))
	for _, m := range matches {
		if m.Pattern.Confidence < q.Options.MinPatternConfidence {
			continue
		}
		content := m.Pattern.Body
		if content == "" {
			content = m.Pattern.Name
		}
		items = append(items, SourceItem{
			ID:      m.Pattern.ID,
			Score:   m.Pattern.Confidence,
			Content: content,
			Metadata: map[string]string{
				"name":       m.Pattern.Name,
				"confidence": strconv.FormatFloat(m.Pattern.Confidence, 'f', -1, 64),
			},
		})
	}
	return items, nil
}
