package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// IdentTokenizerName is the registry name of the identifier-aware
	// tokenizer shared with the memory store.
	IdentTokenizerName = "ident_tokenizer"

	// PatternAnalyzerName is the registry name of the pattern analyzer.
	PatternAnalyzerName = "pattern_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(IdentTokenizerName, identTokenizerConstructor)
}

// BlevePatternBank implements PatternBank on bleve v2. Name, body and
// tags are indexed as separate fields and queried together with
// per-field boosts; confidence travels as a stored numeric field.
type BlevePatternBank struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ PatternBank = (*BlevePatternBank)(nil)

// blevePattern is the document shape handed to bleve.
type blevePattern struct {
	Name       string   `json:"name"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// validateBankIntegrity checks a bleve index directory before opening.
// Returns nil if valid or absent.
func validateBankIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isBleveCorruption checks if an error indicates index corruption.
func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		strings.Contains(errStr, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBlevePatternBank opens (or creates) the pattern bank at path.
// An empty path creates an in-memory bank for testing. A corrupted
// index is cleared and recreated; patterns come back on the next load.
func NewBlevePatternBank(path string) (*BlevePatternBank, error) {
	indexMapping, err := patternIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create bank directory: %w", err)
		}

		if validErr := validateBankIntegrity(path); validErr != nil {
			slog.Warn("pattern_bank_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("pattern bank corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("pattern_bank_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reload"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruption(err) {
			slog.Warn("pattern_bank_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("pattern bank corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			slog.Info("pattern_bank_cleared",
				slog.String("path", path),
				slog.String("reason", "open failed with corruption, please reload"))

			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create/open pattern bank: %w", err)
	}

	return &BlevePatternBank{index: idx, path: path}, nil
}

// patternIndexMapping builds the bleve mapping with the identifier
// analyzer as default, so "retryBackoff" in a body matches a query
// for "backoff".
func patternIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(PatternAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     IdentTokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = PatternAnalyzerName

	return indexMapping, nil
}

// Index adds or replaces patterns.
func (b *BlevePatternBank) Index(ctx context.Context, patterns []*Pattern) error {
	if len(patterns) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("pattern bank is closed")
	}

	batch := b.index.NewBatch()
	for _, p := range patterns {
		if p.ID == "" {
			return fmt.Errorf("pattern %q has no ID", p.Name)
		}
		doc := blevePattern{
			Name:       p.Name,
			Body:       p.Body,
			Tags:       p.Tags,
			Confidence: p.Confidence,
		}
		if err := batch.Index(p.ID, doc); err != nil {
			return fmt.Errorf("index pattern %s: %w", p.ID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	return nil
}

// Match returns patterns matching the query, most relevant first.
func (b *BlevePatternBank) Match(ctx context.Context, query string, limit int) ([]*PatternMatch, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("pattern bank is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []*PatternMatch{}, nil
	}

	// Name matches beat tag matches beat body matches at equal term
	// relevance.
	nameQ := bleve.NewMatchQuery(query)
	nameQ.SetField("name")
	nameQ.SetBoost(2.0)
	tagsQ := bleve.NewMatchQuery(query)
	tagsQ.SetField("tags")
	tagsQ.SetBoost(1.5)
	bodyQ := bleve.NewMatchQuery(query)
	bodyQ.SetField("body")

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(nameQ, tagsQ, bodyQ))
	req.Size = limit
	req.Fields = []string{"name", "body", "tags", "confidence"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("pattern match failed: %w", err)
	}

	matches := make([]*PatternMatch, 0, len(result.Hits))
	for _, hit := range result.Hits {
		p := &Pattern{ID: hit.ID}
		if name, ok := hit.Fields["name"].(string); ok {
			p.Name = name
		}
		if body, ok := hit.Fields["body"].(string); ok {
			p.Body = body
		}
		p.Tags = stringsField(hit.Fields["tags"])
		if conf, ok := hit.Fields["confidence"].(float64); ok {
			p.Confidence = conf
		}
		matches = append(matches, &PatternMatch{Pattern: p, Score: hit.Score})
	}
	return matches, nil
}

// Count returns the number of indexed patterns.
func (b *BlevePatternBank) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, fmt.Errorf("pattern bank is closed")
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return int(n), nil
}

// Close closes the bank. Idempotent. bleve persists on write, so
// there is nothing to flush.
func (b *BlevePatternBank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// stringsField normalizes a stored bleve field to []string; bleve
// returns a bare string for single-element arrays.
func stringsField(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// identTokenizerConstructor builds the bleve tokenizer backed by
// Tokenize.
func identTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &identTokenizer{}, nil
}

type identTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *identTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		// Best-effort offsets; scoring only needs terms and positions.
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}
