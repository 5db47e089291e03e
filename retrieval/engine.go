// Package retrieval picks the chunks that back an answer. It tries vector
// similarity first and falls back to keyword matching and then recency, so
// some context is returned whenever the dataset has any chunks.
package retrieval

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/csv-analyst/embeddings"
	"github.com/fabfab/csv-analyst/logging"
	"github.com/fabfab/csv-analyst/store"
)

type Method string

const (
	MethodVectorSimilarity Method = "vector_similarity"
	MethodTopChunks        Method = "top_chunks"
	MethodKeywordSearch    Method = "keyword_search"
	MethodRecentChunks     Method = "recent_chunks"
	// MethodNone means the dataset has no chunks; answers come from stats only.
	MethodNone Method = "none"
)

type Config struct {
	// Threshold is the similarity a chunk must exceed to count as relevant.
	Threshold         float64
	TopK              int
	LowSimilarityTopK int
	KeywordCandidates int
	KeywordTopK       int
	RecentTopK        int
}

func DefaultConfig() Config {
	return Config{
		Threshold:         0.5,
		TopK:              8,
		LowSimilarityTopK: 5,
		KeywordCandidates: 20,
		KeywordTopK:       8,
		RecentTopK:        5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.LowSimilarityTopK <= 0 {
		c.LowSimilarityTopK = d.LowSimilarityTopK
	}
	if c.KeywordCandidates <= 0 {
		c.KeywordCandidates = d.KeywordCandidates
	}
	if c.KeywordTopK <= 0 {
		c.KeywordTopK = d.KeywordTopK
	}
	if c.RecentTopK <= 0 {
		c.RecentTopK = d.RecentTopK
	}
	return c
}

type ScoredChunk struct {
	Chunk store.Chunk
	// Similarity is set only when Scored is true.
	Similarity float64
	Scored     bool
}

type Result struct {
	Method Method
	Chunks []ScoredChunk
	// Available is the number of chunks stored for the dataset, or -1 when
	// it could not be determined.
	Available int
}

type Engine struct {
	chunks   store.VectorStore
	embedder embeddings.Embedder
	cfg      Config
	logger   *zap.Logger
}

// NewEngine builds an engine. A nil embedder disables the vector tier.
func NewEngine(chunks store.VectorStore, embedder embeddings.Embedder, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		chunks:   chunks,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger).Named("retrieval"),
	}
}

// Retrieve never fails; every dependency error moves the request to the
// next tier.
func (e *Engine) Retrieve(ctx context.Context, datasetID uuid.UUID, question string) Result {
	log := e.logger.With(zap.String("dataset_id", datasetID.String()))

	available, err := e.chunks.CountByDataset(ctx, datasetID)
	if err != nil {
		log.Warn("count chunks failed, trying search anyway", zap.Error(err))
		available = -1
	}
	if available == 0 {
		return Result{Method: MethodNone, Chunks: []ScoredChunk{}, Available: 0}
	}

	if res, ok := e.vectorSearch(ctx, log, datasetID, question, &available); ok {
		return res
	}
	res := e.keywordSearch(ctx, log, datasetID, question)
	res.Available = available
	return res
}

func (e *Engine) vectorSearch(ctx context.Context, log *zap.Logger, datasetID uuid.UUID, question string, available *int) (Result, bool) {
	if e.embedder == nil {
		return Result{}, false
	}
	query, err := embeddings.EmbedOne(ctx, e.embedder, question)
	if err != nil {
		log.Warn("question embedding unavailable, falling back to keywords", zap.Error(err))
		return Result{}, false
	}

	all, err := e.chunks.ListByDataset(ctx, datasetID)
	if err != nil {
		log.Warn("list chunks failed, falling back to keywords", zap.Error(err))
		return Result{}, false
	}
	if *available < 0 {
		*available = len(all)
	}

	scored := make([]ScoredChunk, 0, len(all))
	for _, c := range all {
		if len(c.Embedding) == 0 {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: c, Similarity: CosineSimilarity(query, c.Embedding), Scored: true})
	}
	if len(scored) == 0 {
		return Result{}, false
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })

	primary := make([]ScoredChunk, 0, e.cfg.TopK)
	for _, sc := range scored {
		if len(primary) == e.cfg.TopK {
			break
		}
		if sc.Similarity > e.cfg.Threshold {
			primary = append(primary, sc)
		}
	}
	if len(primary) > 0 {
		log.Debug("vector search matched", zap.Int("chunks", len(primary)), zap.Float64("best", primary[0].Similarity))
		return Result{Method: MethodVectorSimilarity, Chunks: primary, Available: *available}, true
	}

	log.Debug("no chunk above similarity threshold, using best available", zap.Float64("best", scored[0].Similarity))
	return Result{Method: MethodTopChunks, Chunks: head(scored, e.cfg.LowSimilarityTopK), Available: *available}, true
}

func (e *Engine) keywordSearch(ctx context.Context, log *zap.Logger, datasetID uuid.UUID, question string) Result {
	candidates, err := e.chunks.ListRecentByDataset(ctx, datasetID, e.cfg.KeywordCandidates)
	if err != nil {
		log.Warn("list recent chunks failed, answering without context", zap.Error(err))
		return Result{Method: MethodNone, Chunks: []ScoredChunk{}}
	}

	keywords := ExtractKeywords(question)
	matches := make([]ScoredChunk, 0, e.cfg.KeywordTopK)
	if len(keywords) > 0 {
		for _, c := range candidates {
			if len(matches) == e.cfg.KeywordTopK {
				break
			}
			if containsAny(c.Text, keywords) {
				matches = append(matches, ScoredChunk{Chunk: c})
			}
		}
	}
	if len(matches) > 0 {
		log.Debug("keyword search matched", zap.Strings("keywords", keywords), zap.Int("chunks", len(matches)))
		return Result{Method: MethodKeywordSearch, Chunks: matches}
	}
	if len(candidates) == 0 {
		return Result{Method: MethodNone, Chunks: []ScoredChunk{}}
	}

	recent := make([]ScoredChunk, 0, e.cfg.RecentTopK)
	for _, c := range head(candidates, e.cfg.RecentTopK) {
		recent = append(recent, ScoredChunk{Chunk: c})
	}
	return Result{Method: MethodRecentChunks, Chunks: recent}
}

func head[T any](items []T, n int) []T {
	if n >= 0 && len(items) > n {
		return items[:n]
	}
	return items
}
