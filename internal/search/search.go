// Package search provides semantic retrieval over indexed projects and
// renders results as prompt context.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/coderag/internal/embeddings"
	"github.com/nickcecere/coderag/internal/store"
)

// DefaultTopK is used when a request asks for zero or fewer results.
const DefaultTopK = 5

// Searcher provides semantic search over indexed projects.
type Searcher struct {
	store    store.Store
	embedder embeddings.Service
}

// Result is one retrieved chunk.
type Result struct {
	ProjectID  string `json:"project_id"`
	FilePath   string `json:"file_path"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`

	// Similarity information
	Score    float64 `json:"score"`    // 1 - distance, higher is better
	Distance float64 `json:"distance"` // cosine distance
}

// Request describes a search.
type Request struct {
	// ProjectIDs is the scope; one or many projects.
	ProjectIDs []string

	Query string

	// TopK is the maximum number of results. Zero or less uses DefaultTopK.
	TopK int

	// EmbedModel must match the model the projects were indexed with.
	// Blank uses the embedder's default.
	EmbedModel string

	// FilePaths, when non-empty, restricts results to these paths.
	FilePaths []string

	// MinScore drops results scoring below it.
	MinScore float64
}

// New creates a new Searcher.
func New(st store.Store, emb embeddings.Service) *Searcher {
	return &Searcher{
		store:    st,
		embedder: emb,
	}
}

// Search embeds the query and returns the nearest chunks, best first. An
// empty query or scope yields no results and makes no embedding call.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" || len(req.ProjectIDs) == 0 {
		return []Result{}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	log.Debug("Generating query embedding", "query", truncate(req.Query, 50), "model", req.EmbedModel)
	queryEmbedding, err := s.embedder.Embed(ctx, req.Query, req.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	dim, err := store.SlotFor(len(queryEmbedding))
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	log.Debug("Searching projects", "projects", len(req.ProjectIDs), "topK", topK, "dim", int(dim))
	hits, err := s.store.Nearest(store.NearestQuery{
		ProjectIDs: req.ProjectIDs,
		Vector:     queryEmbedding,
		Limit:      topK,
		Dim:        dim,
		FilePaths:  req.FilePaths,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.Score < req.MinScore {
			continue
		}
		results = append(results, Result{
			ProjectID:  h.Chunk.ProjectID,
			FilePath:   h.Chunk.FilePath,
			ChunkIndex: h.Chunk.ChunkIndex,
			Content:    h.Chunk.Content,
			TokenCount: h.Chunk.TokenCount,
			Score:      h.Score,
			Distance:   h.Distance,
		})
	}

	log.Debug("Search complete", "results", len(results))
	return results, nil
}

// Context searches and renders the hits with BuildContext.
func (s *Searcher) Context(ctx context.Context, req Request) (string, []Result, error) {
	results, err := s.Search(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return BuildContext(results), results, nil
}

// ContextHeader opens every non-empty context transcript.
const ContextHeader = "=== Relevant Code Context ===\n\n"

// BuildContext renders results in order as numbered fenced blocks. No
// results renders as the empty string.
func BuildContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(ContextHeader)
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (chunk %d):\n", i+1, r.FilePath, r.ChunkIndex)
		sb.WriteString("```\n")
		sb.WriteString(r.Content)
		sb.WriteString("\n```\n\n")
	}
	return sb.String()
}

// truncate shortens a string to maxLen runes for display.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
