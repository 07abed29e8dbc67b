package haven

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// SelectionStrategy ranks deferred tools by relevance to the current request
// and returns at most k declarations, best first. Implementations must be
// safe for concurrent use; one strategy instance serves every run of an
// agent.
type SelectionStrategy interface {
	Rank(ctx context.Context, query string, candidates []ToolDeclaration, k int) ([]ToolDeclaration, error)
}

// StrategyFunc adapts a ranking function to SelectionStrategy.
type StrategyFunc func(ctx context.Context, query string, candidates []ToolDeclaration, k int) ([]ToolDeclaration, error)

func (f StrategyFunc) Rank(ctx context.Context, query string, candidates []ToolDeclaration, k int) ([]ToolDeclaration, error) {
	return f(ctx, query, candidates, k)
}

// BM25 scoring constants.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25Strategy ranks tools lexically: each declaration's name and
// description form a document, and the query is scored with BM25. Tools
// with no term overlap are dropped rather than padded in. The zero cost of
// an index is recomputing it per call; candidate sets are tool catalogs,
// not corpora.
type BM25Strategy struct {
	k1 float64
	b  float64
}

// NewBM25Strategy returns a strategy with the standard k1=1.2, b=0.75.
func NewBM25Strategy() *BM25Strategy {
	return &BM25Strategy{k1: bm25K1, b: bm25B}
}

func (s *BM25Strategy) Rank(_ context.Context, query string, candidates []ToolDeclaration, k int) ([]ToolDeclaration, error) {
	terms := tokenize(query)
	if len(terms) == 0 || len(candidates) == 0 {
		return nil, nil
	}

	docs := make([]map[string]int, len(candidates))
	docLens := make([]int, len(candidates))
	var totalLen int
	for i, c := range candidates {
		tokens := tokenize(c.Name + " " + c.Description)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		docs[i] = tf
		docLens[i] = len(tokens)
		totalLen += len(tokens)
	}
	avgDL := float64(totalLen) / float64(len(candidates))
	if avgDL == 0 {
		return nil, nil
	}

	// Document frequency per query term across the candidate set.
	df := make(map[string]int, len(terms))
	for _, term := range terms {
		for _, tf := range docs {
			if tf[term] > 0 {
				df[term]++
			}
		}
	}

	n := float64(len(candidates))
	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored
	for i := range candidates {
		var score float64
		dl := float64(docLens[i])
		for _, term := range terms {
			tf := float64(docs[i][term])
			if tf == 0 {
				continue
			}
			idf := math.Log((n-float64(df[term])+0.5)/(float64(df[term])+0.5) + 1.0)
			tfNorm := (tf * (s.k1 + 1)) / (tf + s.k1*(1-s.b+s.b*(dl/avgDL)))
			score += idf * tfNorm
		}
		if score > 0 {
			ranked = append(ranked, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]ToolDeclaration, len(ranked))
	for i, r := range ranked {
		out[i] = candidates[r.idx]
	}
	return out, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Embedder supplies embedding vectors for semantic tool selection. The
// embedding pipeline itself lives outside the core.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingStrategy ranks tools by cosine similarity between the query
// embedding and each declaration's embedding. Declaration vectors are
// computed once, on first use, and cached for the registry's lifetime.
type EmbeddingStrategy struct {
	embedder Embedder

	mu    sync.Mutex
	cache map[string][]float32
}

// NewEmbeddingStrategy builds a semantic strategy over the given embedder.
func NewEmbeddingStrategy(e Embedder) *EmbeddingStrategy {
	return &EmbeddingStrategy{embedder: e, cache: make(map[string][]float32)}
}

func (s *EmbeddingStrategy) Rank(ctx context.Context, query string, candidates []ToolDeclaration, k int) ([]ToolDeclaration, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	vecs, err := s.candidateVectors(ctx, candidates)
	if err != nil {
		return nil, err
	}
	qv, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for query")
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(candidates))
	for i := range candidates {
		ranked[i] = scored{idx: i, score: cosine(qv[0], vecs[i])}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]ToolDeclaration, len(ranked))
	for i, r := range ranked {
		out[i] = candidates[r.idx]
	}
	return out, nil
}

func (s *EmbeddingStrategy) candidateVectors(ctx context.Context, candidates []ToolDeclaration) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	var missingIdx []int
	for i, c := range candidates {
		if _, ok := s.cache[c.Name]; !ok {
			missing = append(missing, c.Name+" "+c.Description)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) > 0 {
		vecs, err := s.embedder.Embed(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("embed tool declarations: %w", err)
		}
		if len(vecs) != len(missing) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
		}
		for j, i := range missingIdx {
			s.cache[candidates[i].Name] = vecs[j]
		}
	}
	out := make([][]float32, len(candidates))
	for i, c := range candidates {
		out[i] = s.cache[c.Name]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RegexStrategy selects tools whose name or description matches any of the
// configured patterns, ranked by how many patterns matched. The query is
// ignored; patterns express a static routing policy.
type RegexStrategy struct {
	patterns []*regexp.Regexp
}

// NewRegexStrategy compiles the given patterns. Invalid patterns fail at
// construction.
func NewRegexStrategy(patterns ...string) (*RegexStrategy, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("haven: regex strategy: %w", err)
		}
		compiled = append(compiled, re)
	}
	return &RegexStrategy{patterns: compiled}, nil
}

func (s *RegexStrategy) Rank(_ context.Context, _ string, candidates []ToolDeclaration, k int) ([]ToolDeclaration, error) {
	type scored struct {
		idx     int
		matches int
	}
	var ranked []scored
	for i, c := range candidates {
		doc := c.Name + " " + c.Description
		matches := 0
		for _, re := range s.patterns {
			if re.MatchString(doc) {
				matches++
			}
		}
		if matches > 0 {
			ranked = append(ranked, scored{idx: i, matches: matches})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].matches > ranked[b].matches })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]ToolDeclaration, len(ranked))
	for i, r := range ranked {
		out[i] = candidates[r.idx]
	}
	return out, nil
}

var (
	_ SelectionStrategy = (*BM25Strategy)(nil)
	_ SelectionStrategy = (*EmbeddingStrategy)(nil)
	_ SelectionStrategy = (*RegexStrategy)(nil)
	_ SelectionStrategy = (StrategyFunc)(nil)
)
