package search

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	qerrors "github.com/quadfuse/quadfuse/internal/errors"
	"github.com/quadfuse/quadfuse/internal/store"
)

// Fuser combines per-source candidate lists into one ranked,
// deduplicated result set using weighted score fusion.
//
// Algorithm: fused(c) = Σ over responding sources of weight_s × norm_s(c)
//
// Where:
//   - norm_s = the candidate's score rescaled against source s's own
//     min/max within this call, so one backend's native scale cannot
//     dominate another's
//   - weight_s = the configured weight re-normalized across responding
//     sources only, so a failed or timed-out source's share is
//     redistributed proportionally rather than lost
type Fuser struct {
	logger *slog.Logger
}

// NewFuser creates a fusion scorer. A nil logger falls back to the
// default logger.
func NewFuser(logger *slog.Logger) *Fuser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fuser{logger: logger}
}

// candidate accumulates one logical entity's contributions during fusion.
type candidate struct {
	id           string
	content      string
	score        float64
	sourceCount  int
	attributions []Attribution
	metadata     map[string]string
}

// Fuse turns the settled source outcomes into the final ranked list.
// It also returns the distinct candidate count before near-duplicate
// collapse and truncation.
//
// At least one outcome must have responded; total failure is the
// orchestrator's concern and never reaches the scorer.
func (f *Fuser) Fuse(outcomes []SourceResult, opts *SearchOptions) ([]*Result, int, error) {
	eff, err := f.effectiveWeights(outcomes, opts.Weights)
	if err != nil {
		return nil, 0, err
	}

	byID := make(map[string]*candidate)
	var order []string

	for _, out := range outcomes {
		if !out.Responded() {
			continue
		}
		weight := eff[out.Source]
		for _, ni := range normalizedItems(out.Items) {
			key := resolveIdentity(ni.item)
			c, ok := byID[key]
			if !ok {
				c = &candidate{id: key}
				byID[key] = c
				order = append(order, key)
			}
			c.score += weight * ni.norm
			c.sourceCount++
			c.attributions = append(c.attributions, Attribution{
				Source:          out.Source,
				RawScore:        ni.item.Score,
				NormalizedScore: ni.norm,
				Weight:          weight,
			})
			if c.content == "" {
				c.content = ni.item.Content
			}
			if c.metadata == nil && len(ni.item.Metadata) > 0 {
				c.metadata = ni.item.Metadata
			}
		}
	}

	cands := make([]*candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		if math.IsNaN(c.score) || math.IsInf(c.score, 0) {
			return nil, 0, qerrors.FusionError(
				fmt.Sprintf("fused score for %q is %g", c.id, c.score), nil)
		}
		cands = append(cands, c)
	}
	total := len(cands)

	sortCandidates(cands)
	cands = f.collapseNearDuplicates(cands, opts.DedupThreshold)
	if len(cands) > opts.TopK {
		cands = cands[:opts.TopK]
	}

	// Return empty slice, not nil, so callers can range without nil checks.
	results := make([]*Result, len(cands))
	for i, c := range cands {
		r := &Result{
			ID:       c.id,
			Score:    c.score,
			Content:  c.content,
			Metadata: c.metadata,
		}
		if opts.IncludeAttribution {
			r.Sources = c.attributions
		}
		results[i] = r
	}
	return results, total, nil
}

// effectiveWeights re-normalizes the configured weights across the
// sources that responded. If the responding weight mass is zero (only
// zero-weight sources answered), fusion falls back to uniform weights
// over the responders rather than producing all-zero scores.
func (f *Fuser) effectiveWeights(outcomes []SourceResult, w Weights) (map[Source]float64, error) {
	var mass float64
	responders := make([]Source, 0, len(outcomes))
	for _, out := range outcomes {
		if !out.Responded() {
			continue
		}
		responders = append(responders, out.Source)
		mass += w.Of(out.Source)
	}
	if len(responders) == 0 {
		return nil, qerrors.FusionError("no responding sources to fuse", nil)
	}
	if math.IsNaN(mass) || math.IsInf(mass, 0) {
		return nil, qerrors.New(qerrors.ErrCodeDegenerateWeights,
			fmt.Sprintf("responding weight mass is %g", mass), nil)
	}

	eff := make(map[Source]float64, len(responders))
	if mass <= 0 {
		f.logger.Warn("responding sources carry zero weight, fusing uniformly",
			slog.Int("responders", len(responders)))
		share := 1.0 / float64(len(responders))
		for _, s := range responders {
			eff[s] = share
		}
		return eff, nil
	}
	for _, s := range responders {
		eff[s] = w.Of(s) / mass
	}
	return eff, nil
}

// normalizedItem pairs a source item with its in-call normalized score.
type normalizedItem struct {
	item SourceItem
	norm float64
}

// normalizedItems rescales one source's scores into [0, 1] against the
// source's own min/max within this call. A degenerate range (all scores
// equal, including a single item) maps to 1.0: the source surfaced the
// item as a match, and its evidence should carry the source's full
// weight instead of vanishing. Duplicate identities within one source
// keep their highest-normalized item so a source never double-counts.
func normalizedItems(items []SourceItem) []normalizedItem {
	if len(items) == 0 {
		return nil
	}

	lo, hi := items[0].Score, items[0].Score
	for _, it := range items[1:] {
		if it.Score < lo {
			lo = it.Score
		}
		if it.Score > hi {
			hi = it.Score
		}
	}

	seen := make(map[string]int, len(items))
	out := make([]normalizedItem, 0, len(items))
	for _, it := range items {
		norm := 1.0
		if hi > lo {
			norm = normalizeScore(it.Score, lo, hi)
		}
		key := resolveIdentity(it)
		if idx, ok := seen[key]; ok {
			if norm > out[idx].norm {
				out[idx] = normalizedItem{item: it, norm: norm}
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, normalizedItem{item: it, norm: norm})
	}
	return out
}

// sortCandidates orders candidates deterministically.
//
// Priority:
//  1. Higher fused score
//  2. More contributing sources (cross-source consensus)
//  3. Lexicographically smaller id
func sortCandidates(cands []*candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.sourceCount != b.sourceCount {
			return a.sourceCount > b.sourceCount
		}
		return a.id < b.id
	})
}

// collapseNearDuplicates drops lower-ranked candidates whose content
// duplicates a kept candidate: identical content hashes always collapse,
// and token-set similarity at or above the threshold collapses. The scan
// runs in rank order, so the higher-scored attribution set survives.
// Candidates without content are never collapsed; there is nothing to
// compare.
func (f *Fuser) collapseNearDuplicates(cands []*candidate, threshold float64) []*candidate {
	if len(cands) < 2 {
		return cands
	}

	type keptEntry struct {
		c      *candidate
		hash   string
		tokens map[string]struct{}
	}
	kept := make([]keptEntry, 0, len(cands))

	for _, c := range cands {
		if c.content == "" {
			kept = append(kept, keptEntry{c: c})
			continue
		}
		hash := ContentHash(c.content)
		tokens := store.TokenSet(c.content)
		dup := false
		for _, k := range kept {
			if k.c.content == "" {
				continue
			}
			if k.hash == hash || tokenJaccard(k.tokens, tokens) >= threshold {
				f.logger.Debug("near_duplicate_collapsed",
					slog.String("kept", k.c.id),
					slog.String("dropped", c.id))
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, keptEntry{c: c, hash: hash, tokens: tokens})
		}
	}

	out := make([]*candidate, len(kept))
	for i, k := range kept {
		out[i] = k.c
	}
	return out
}
