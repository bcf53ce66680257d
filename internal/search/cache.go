package search

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resultCache memoizes fused responses keyed by the full request
// fingerprint. Repeated identical queries skip the fan-out entirely.
type resultCache struct {
	entries *lru.Cache[string, *Response]
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, _ := lru.New[string, *Response](size)
	return &resultCache{entries: entries}
}

// fingerprint derives a stable cache key from everything that can change
// the response: the query text, the embedding, and the resolved options.
func fingerprint(query string, embedding []float32, opts *SearchOptions) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	var buf [4]byte
	for _, v := range embedding {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	fmt.Fprintf(h, "|%d|%v|%d|%g|%s|%s|%t|%g",
		opts.TopK, opts.Weights, opts.GraphDepth, opts.MinPatternConfidence,
		opts.MemoryNamespace, opts.SourceTimeout, opts.IncludeAttribution,
		opts.DedupThreshold)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// get returns a copy of the cached response with the cached flag set.
// The copy shares result and stat storage with the cached entry, so
// callers must treat responses as read-only. Timing metadata describes
// the original call, not the lookup.
func (c *resultCache) get(key string) (*Response, bool) {
	resp, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	cp := *resp
	cp.Metadata.Cached = true
	return &cp, true
}

func (c *resultCache) add(key string, resp *Response) {
	c.entries.Add(key, resp)
}
