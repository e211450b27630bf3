// Package keyword provides the in-memory Okapi BM25 lexical index.
package keyword

import (
	"fmt"
	"math"
	"sync"
)

// Default Okapi BM25 constants.
const (
	DefaultK1      = 1.5
	DefaultB       = 0.75
	DefaultEpsilon = 0.25
)

// BM25 is an in-memory Okapi BM25 index over token sequences keyed by chunk id.
// It holds no serialized state; callers rebuild it from chunk texts on load.
// It is safe for concurrent use.
type BM25 struct {
	k1      float64
	b       float64
	epsilon float64

	mu       sync.RWMutex
	docs     map[string]*termDoc
	df       map[string]int
	totalLen int
	idf      map[string]float64
	stale    bool
}

type termDoc struct {
	freqs  map[string]int
	length int
}

// NewBM25 returns an empty index.
func NewBM25() *BM25 {
	return &BM25{
		k1:      DefaultK1,
		b:       DefaultB,
		epsilon: DefaultEpsilon,
		docs:    make(map[string]*termDoc),
		df:      make(map[string]int),
		idf:     make(map[string]float64),
	}
}

// Add indexes tokens under id. Chunks are immutable, so adding an existing id is an error.
func (x *BM25) Add(id string, tokens []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.docs[id]; ok {
		return fmt.Errorf("chunk already indexed: %s", id)
	}
	doc := &termDoc{freqs: make(map[string]int), length: len(tokens)}
	for _, t := range tokens {
		doc.freqs[t]++
	}
	for t := range doc.freqs {
		x.df[t]++
	}
	x.docs[id] = doc
	x.totalLen += len(tokens)
	x.stale = true
	return nil
}

// Has reports whether id is indexed.
func (x *BM25) Has(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.docs[id]
	return ok
}

// Len returns the number of indexed documents.
func (x *BM25) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// AverageLength returns the mean document length in tokens.
func (x *BM25) AverageLength() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.docs) == 0 {
		return 0
	}
	return float64(x.totalLen) / float64(len(x.docs))
}

// IDF returns the inverse document frequency of term, 0 for unseen terms.
func (x *BM25) IDF(term string) float64 {
	x.refresh()
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.idf[term]
}

// Score returns the BM25 score of id for the query tokens. ok is false when id is not indexed.
func (x *BM25) Score(query []string, id string) (score float64, ok bool) {
	x.refresh()
	x.mu.RLock()
	defer x.mu.RUnlock()
	doc, ok := x.docs[id]
	if !ok {
		return 0, false
	}
	return x.score(query, doc), true
}

// ScoreBatch scores each id in order. Ids that are not indexed score 0.
func (x *BM25) ScoreBatch(query []string, ids []string) []float64 {
	x.refresh()
	x.mu.RLock()
	defer x.mu.RUnlock()
	scores := make([]float64, len(ids))
	for i, id := range ids {
		if doc, ok := x.docs[id]; ok {
			scores[i] = x.score(query, doc)
		}
	}
	return scores
}

// score must be called with mu held and idf fresh. Repeated query tokens count once per occurrence.
func (x *BM25) score(query []string, doc *termDoc) float64 {
	if x.totalLen == 0 {
		return 0
	}
	avgdl := float64(x.totalLen) / float64(len(x.docs))
	norm := x.k1 * (1 - x.b + x.b*float64(doc.length)/avgdl)
	var s float64
	for _, q := range query {
		tf := float64(doc.freqs[q])
		if tf == 0 {
			continue
		}
		s += x.idf[q] * tf * (x.k1 + 1) / (tf + norm)
	}
	return s
}

// refresh recomputes idf after additions. Terms with negative idf (present in more than
// half the documents) are floored to epsilon times the mean idf.
func (x *BM25) refresh() {
	x.mu.RLock()
	stale := x.stale
	x.mu.RUnlock()
	if !stale {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.stale {
		return
	}
	n := float64(len(x.docs))
	idf := make(map[string]float64, len(x.df))
	var sum float64
	var negative []string
	for term, df := range x.df {
		v := math.Log(n-float64(df)+0.5) - math.Log(float64(df)+0.5)
		idf[term] = v
		sum += v
		if v < 0 {
			negative = append(negative, term)
		}
	}
	if len(idf) > 0 {
		eps := x.epsilon * sum / float64(len(idf))
		for _, term := range negative {
			idf[term] = eps
		}
	}
	x.idf = idf
	x.stale = false
}
