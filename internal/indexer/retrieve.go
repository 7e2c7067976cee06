package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/coderag/internal/errs"
	"github.com/nickcecere/coderag/internal/search"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/store"
)

// Strategy decides whether retrieval may reuse a project's existing index.
type Strategy string

const (
	// StrategyUseExisting reuses a COMPLETED index built with the same
	// model and chunk settings, and re-indexes otherwise.
	StrategyUseExisting Strategy = "use_existing"
	// StrategyReindex always re-indexes before searching.
	StrategyReindex Strategy = "reindex"
)

// ParseStrategy accepts a strategy name, ignoring case.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyUseExisting:
		return StrategyUseExisting, nil
	case StrategyReindex:
		return StrategyReindex, nil
	}
	return "", fmt.Errorf("unknown index strategy %q (use %s or %s)", s, StrategyUseExisting, StrategyReindex)
}

// RetrieveRequest describes a retrieval that may index before searching.
type RetrieveRequest struct {
	// Search is the query and scope. The first project is the one checked
	// and re-indexed; FilePaths, when set, selects the files to re-index as
	// well as filtering results.
	Search search.Request

	Strategy Strategy

	// Source supplies content when re-indexing. Nil means the project
	// cannot be re-indexed and the existing index is searched as is.
	Source      source.Source
	DisplayName string

	// Blank settings use the configured defaults, the same way jobs do.
	ChunkSize    int
	ChunkOverlap int
}

// Retrieval is the outcome of Retrieve.
type Retrieval struct {
	Strategy      Strategy `json:"strategy"`
	UsedExisting  bool     `json:"usedExisting"`
	IndexedNow    bool     `json:"indexedNow"`
	ResultCount   int      `json:"resultCount"`
	ChunksCreated int      `json:"chunksCreated"`
	FilesIndexed  int      `json:"filesIndexed"`
	Log           []string `json:"log"`

	Context string          `json:"-"`
	Results []search.Result `json:"-"`
}

func (r *Retrieval) logf(format string, args ...any) {
	r.Log = append(r.Log, fmt.Sprintf(format, args...))
}

// Retriever searches projects after making sure their index matches the
// requested settings.
type Retriever struct {
	indexer  *Indexer
	searcher *search.Searcher
}

// NewRetriever creates a Retriever.
func NewRetriever(idx *Indexer, searcher *search.Searcher) *Retriever {
	return &Retriever{indexer: idx, searcher: searcher}
}

// Retrieve applies the strategy to the first project in scope, then searches
// the whole scope and renders the context block.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) (*Retrieval, error) {
	if strings.TrimSpace(req.Search.Query) == "" {
		return nil, errors.New("query is required")
	}
	if len(req.Search.ProjectIDs) == 0 {
		return nil, errors.New("at least one project is required")
	}
	if req.Strategy != StrategyUseExisting && req.Strategy != StrategyReindex {
		return nil, fmt.Errorf("unknown index strategy %q", req.Strategy)
	}

	model, size, overlap := r.indexer.settings(req.Search.EmbedModel, req.ChunkSize, req.ChunkOverlap)
	projectID := req.Search.ProjectIDs[0]
	out := &Retrieval{}

	if req.Strategy == StrategyUseExisting {
		reuse, err := r.matchExisting(projectID, model, size, overlap, out)
		if err != nil {
			return nil, err
		}
		out.UsedExisting = reuse
	}

	if out.UsedExisting {
		out.Strategy = StrategyUseExisting
	} else {
		out.Strategy = StrategyReindex
		if err := r.reindex(ctx, projectID, model, size, overlap, req, out); err != nil {
			return nil, err
		}
	}

	sreq := req.Search
	sreq.EmbedModel = model
	text, results, err := r.searcher.Context(ctx, sreq)
	if err != nil {
		return nil, err
	}
	out.Context = text
	out.Results = results
	out.ResultCount = len(results)
	out.logf("Retrieved %d relevant chunks.", len(results))

	log.Debug("Retrieval complete", "project", projectID, "strategy", out.Strategy, "results", len(results))
	return out, nil
}

// matchExisting reports whether the project's index is COMPLETED with the
// given settings.
func (r *Retriever) matchExisting(projectID, model string, size, overlap int, out *Retrieval) (bool, error) {
	out.logf("Checking existing index for project: %s", projectID)

	view, err := r.indexer.Status(projectID)
	if errs.IsNotFound(err) {
		out.logf("No completed index found for project.")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case view.Status != store.StateCompleted:
		out.logf("No completed index found for project.")
		return false, nil
	case view.EmbedModel != model:
		out.logf("Index found but settings mismatch: Model mismatch (request=%s, stored=%s)", model, view.EmbedModel)
		return false, nil
	case view.ChunkSize != size || view.ChunkOverlap != overlap:
		out.logf("Index found but settings mismatch: Chunk settings mismatch")
		return false, nil
	}

	out.logf("Matching index found: %d chunks, model=%s", view.TotalChunks, view.EmbedModel)
	return true, nil
}

// reindex fetches the selected files, or the whole source, and runs a
// synchronous job. Files that cannot be fetched are skipped.
func (r *Retriever) reindex(ctx context.Context, projectID, model string, size, overlap int, req RetrieveRequest, out *Retrieval) error {
	out.logf("Triggering automatic indexing...")
	if req.Source == nil {
		out.logf("No content source available. Cannot re-index.")
		return nil
	}

	paths := req.Search.FilePaths
	if len(paths) == 0 {
		entries, err := req.Source.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}
		for _, e := range entries {
			paths = append(paths, e.Path)
		}
	}

	out.logf("Fetching content for %d files...", len(paths))
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		text, err := req.Source.Fetch(ctx, source.Ref{Path: p})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Skipping file", "path", p, "error", err)
			continue
		}
		if text != "" {
			files[p] = text
		}
	}

	if len(files) == 0 {
		out.logf("No indexable text contents available. Cannot re-index.")
		return nil
	}

	out.logf("Indexing %d files...", len(files))
	res, err := r.indexer.Index(ctx, IndexRequest{
		ProjectID:    projectID,
		DisplayName:  req.DisplayName,
		Source:       string(req.Source.Kind()),
		Files:        files,
		EmbedModel:   model,
		ChunkSize:    size,
		ChunkOverlap: overlap,
	})
	if err != nil {
		return fmt.Errorf("re-index failed: %w", err)
	}

	out.IndexedNow = true
	out.FilesIndexed = res.Status.IndexedFiles
	out.ChunksCreated = res.Status.TotalChunks
	out.logf("Indexing complete: %d chunks created.", out.ChunksCreated)
	return nil
}
