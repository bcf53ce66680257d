package search

import (
	"fmt"
	"math"
	"time"

	qerrors "github.com/quadfuse/quadfuse/internal/errors"
)

// Option defaults and boundary limits. Out-of-bounds values are rejected
// with an input error before any source dispatch.
const (
	DefaultTopK                 = 10
	MaxTopK                     = 100
	DefaultGraphDepth           = 2
	MaxGraphDepth               = 5
	DefaultMinPatternConfidence = 0.5
	DefaultMemoryNamespace      = "default"
	DefaultSourceTimeout        = 400 * time.Millisecond
	MaxSourceTimeout            = 500 * time.Millisecond
	DefaultDedupThreshold       = 0.9
	DefaultCacheSize            = 128

	// weightTolerance is the allowed deviation from 1.0 before a weight
	// vector is re-normalized.
	weightTolerance = 0.001
)

// DefaultSearchOptions returns the stock per-search options.
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{
		TopK:                 DefaultTopK,
		Weights:              DefaultWeights(),
		GraphDepth:           DefaultGraphDepth,
		MinPatternConfidence: DefaultMinPatternConfidence,
		MemoryNamespace:      DefaultMemoryNamespace,
		SourceTimeout:        DefaultSourceTimeout,
		IncludeAttribution:   true,
		DedupThreshold:       DefaultDedupThreshold,
	}
}

// ResolveOptions validates caller options against the given defaults and
// returns a fully-populated copy. nil opts return a copy of the defaults
// unchanged; nil defaults mean DefaultSearchOptions.
//
// Merge rules for caller-provided options: zero-valued fields take their
// defaults, except TopK, which must be set explicitly (a zero TopK is an
// input error, not a request for the default). Weights are validated and
// re-normalized to sum to 1.0; an all-zero vector falls back to the
// default weights.
func ResolveOptions(opts, defaults *SearchOptions) (*SearchOptions, error) {
	if defaults == nil {
		defaults = DefaultSearchOptions()
	}
	if opts == nil {
		out := *defaults
		return &out, nil
	}

	out := *opts

	if out.TopK <= 0 || out.TopK > MaxTopK {
		return nil, qerrors.OptionsError(
			fmt.Sprintf("topK must be in 1..%d, got %d", MaxTopK, out.TopK), nil)
	}

	if out.GraphDepth == 0 {
		out.GraphDepth = defaults.GraphDepth
	}
	if out.GraphDepth < 0 || out.GraphDepth > MaxGraphDepth {
		return nil, qerrors.OptionsError(
			fmt.Sprintf("graphDepth must be in 1..%d, got %d", MaxGraphDepth, opts.GraphDepth), nil)
	}

	if out.SourceTimeout == 0 {
		out.SourceTimeout = defaults.SourceTimeout
	}
	if out.SourceTimeout < 0 || out.SourceTimeout > MaxSourceTimeout {
		return nil, qerrors.OptionsError(
			fmt.Sprintf("sourceTimeout must be in (0, %s], got %s", MaxSourceTimeout, opts.SourceTimeout), nil)
	}

	if out.MinPatternConfidence == 0 {
		out.MinPatternConfidence = defaults.MinPatternConfidence
	}
	if out.MinPatternConfidence < 0 || out.MinPatternConfidence > 1 {
		return nil, qerrors.OptionsError(
			fmt.Sprintf("minPatternConfidence must be in [0, 1], got %g", opts.MinPatternConfidence), nil)
	}

	if out.MemoryNamespace == "" {
		out.MemoryNamespace = defaults.MemoryNamespace
	}

	if out.DedupThreshold == 0 {
		out.DedupThreshold = defaults.DedupThreshold
	}
	if out.DedupThreshold < 0 || out.DedupThreshold > 1 {
		return nil, qerrors.OptionsError(
			fmt.Sprintf("dedupThreshold must be in (0, 1], got %g", opts.DedupThreshold), nil)
	}

	w, err := resolveWeights(out.Weights, defaults.Weights)
	if err != nil {
		return nil, err
	}
	out.Weights = w

	return &out, nil
}

// ValidateWeights checks a weight vector for UpdateWeights: every weight
// finite and non-negative, at least one positive. Unlike per-search
// options, an explicit all-zero vector is rejected here rather than
// silently replaced with defaults.
func ValidateWeights(w Weights) error {
	if err := checkWeightBounds(w); err != nil {
		return err
	}
	if w.IsZero() {
		return qerrors.New(qerrors.ErrCodeInvalidWeights,
			"at least one weight must be positive", nil)
	}
	return nil
}

// resolveWeights validates a per-search weight vector and normalizes it
// to sum to 1.0. All-zero falls back to the default vector.
func resolveWeights(w, defaults Weights) (Weights, error) {
	if err := checkWeightBounds(w); err != nil {
		return Weights{}, err
	}
	if w.IsZero() {
		return defaults, nil
	}
	return w.normalized(), nil
}

// checkWeightBounds rejects non-finite or negative weights.
func checkWeightBounds(w Weights) error {
	for _, s := range AllSources {
		v := w.Of(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return qerrors.New(qerrors.ErrCodeInvalidWeights,
				fmt.Sprintf("%s weight is not finite", s), nil)
		}
		if v < 0 {
			return qerrors.New(qerrors.ErrCodeInvalidWeights,
				fmt.Sprintf("%s weight must be non-negative, got %g", s, v), nil)
		}
	}
	return nil
}

// normalized returns a copy scaled to sum to 1.0. The caller guarantees
// a positive, finite sum. Vectors already within tolerance are returned
// unchanged to keep round figures round.
func (w Weights) normalized() Weights {
	sum := w.Sum()
	if math.Abs(sum-1.0) <= weightTolerance {
		return w
	}
	return Weights{
		Vector:  w.Vector / sum,
		Graph:   w.Graph / sum,
		Memory:  w.Memory / sum,
		Pattern: w.Pattern / sum,
	}
}

// candidateLimit is the per-source overfetch budget. Each source returns
// up to twice topK so fusion sees enough candidates to merge, dedupe,
// and still fill the final list.
func candidateLimit(topK int) int {
	return topK * 2
}
