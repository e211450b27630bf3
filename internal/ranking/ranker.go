// Package ranking fuses vector similarity and BM25 scores into one ordering.
package ranking

import (
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/vector"
	"github.com/hyperjump/shiori/pkg/utils"
)

// LexicalScorer scores a chunk against query tokens. ok is false when the chunk is not indexed.
type LexicalScorer interface {
	Score(query []string, id string) (score float64, ok bool)
}

// Candidate is a vector hit awaiting fusion. Candidates are passed in ascending distance order.
type Candidate struct {
	ID       string
	Distance float64
	Chunk    *models.Chunk
}

// CandidatesFrom pairs vector hits with their chunks. Hits without a chunk are kept with a nil Chunk.
func CandidatesFrom(hits []*vector.VectorResult, chunks map[string]*models.Chunk) []Candidate {
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{ID: h.ID, Distance: h.Distance, Chunk: chunks[h.ID]})
	}
	return out
}

// Ranker computes final = alpha*similarity + (1-alpha)*bm25 for each candidate.
// The raw BM25 score is not normalised, so for alpha < 1 the lexical side can dominate.
type Ranker struct {
	logger *zap.Logger
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithLogger sets the logger used for missing-chunk warnings.
func WithLogger(l *zap.Logger) Option {
	return func(r *Ranker) {
		r.logger = l
	}
}

// NewRanker creates a Ranker.
func NewRanker(opts ...Option) *Ranker {
	r := &Ranker{}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.OrNop(r.logger)
	return r
}

// Rank scores candidates and returns at most topK results by descending final score.
// Exact ties keep the vector order. A candidate missing from the lexical index scores 0 on
// that side and is logged as an index inconsistency.
func (r *Ranker) Rank(query string, candidates []Candidate, lexical LexicalScorer, alpha float64, topK int) []*models.RankedResult {
	if len(candidates) == 0 || topK <= 0 {
		return []*models.RankedResult{}
	}
	alpha = clamp(alpha)
	tokens := keyword.Tokenize(query)

	results := make([]*models.RankedResult, 0, len(candidates))
	for _, c := range candidates {
		sim := vector.Similarity(c.Distance)
		var lex float64
		if score, ok := lookup(lexical, tokens, c.ID); ok {
			lex = score
		} else {
			r.logger.Warn("chunk missing from lexical index",
				zap.String("chunk_id", c.ID),
				zap.Error(models.ErrIndexInconsistency))
		}
		results = append(results, &models.RankedResult{
			Chunk:        c.Chunk,
			Score:        alpha*sim + (1-alpha)*lex,
			VectorScore:  sim,
			LexicalScore: lex,
			Distance:     c.Distance,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	for i, res := range results {
		res.Rank = i
	}
	return results
}

func lookup(lexical LexicalScorer, tokens []string, id string) (float64, bool) {
	if lexical == nil {
		return 0, false
	}
	return lexical.Score(tokens, id)
}

func clamp(alpha float64) float64 {
	switch {
	case alpha < 0:
		return 0
	case alpha > 1:
		return 1
	default:
		return alpha
	}
}
