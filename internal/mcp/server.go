// Package mcp exposes indexing and retrieval as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/search"
	"github.com/nickcecere/coderag/internal/source"
)

// ServerName is the name reported to MCP clients.
const ServerName = "coderag"

// maxSnippet bounds the content shown per search hit.
const maxSnippet = 500

var readOnly = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

// Server is the MCP server for coderag.
type Server struct {
	indexer   *indexer.Indexer
	searcher  *search.Searcher
	retriever *indexer.Retriever
	cfg       *config.Config
	mcp       *mcpserver.MCPServer
}

// NewServer creates a server with every tool registered.
func NewServer(idx *indexer.Indexer, searcher *search.Searcher, cfg *config.Config, version string) *Server {
	s := &Server{
		indexer:   idx,
		searcher:  searcher,
		retriever: indexer.NewRetriever(idx, searcher),
		cfg:       cfg,
		mcp:       mcpserver.NewMCPServer(ServerName, version, mcpserver.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Serve serves MCP over stdin/stdout until the client disconnects.
func (s *Server) Serve() error {
	log.Info("MCP server starting", "name", ServerName)
	return mcpserver.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("search_code",
		mcp.WithDescription("Semantic code search. Returns the chunks most similar to a natural language query, best first."),
		mcp.WithToolAnnotation(readOnly),
		mcp.WithString("query", mcp.Required(), mcp.Description("The search query in natural language")),
		scopeParam(),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of results to return")),
		filesParam(),
		mcp.WithString("model", mcp.Description("Embedding model the projects were indexed with")),
	), s.handleSearch)

	s.mcp.AddTool(mcp.NewTool("build_context",
		mcp.WithDescription("Retrieve the most relevant chunks for a query and format them as a context block for a prompt. "+
			"With a strategy, the first project is checked (use_existing) or re-indexed (reindex) before searching."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("query", mcp.Required(), mcp.Description("The question or task to gather context for")),
		scopeParam(),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of chunks to include")),
		filesParam(),
		mcp.WithString("model", mcp.Description("Embedding model the projects were indexed with")),
		mcp.WithString("strategy",
			mcp.Description("Index strategy: use_existing reuses a completed index built with the same settings, reindex always re-indexes. Omit to search as is."),
			mcp.Enum(string(indexer.StrategyUseExisting), string(indexer.StrategyReindex)),
		),
		mcp.WithString("path", mcp.Description("Directory to re-index from; its project is checked first")),
	), s.handleContext)

	s.mcp.AddTool(mcp.NewTool("index_status",
		mcp.WithDescription("Report indexing progress and outcome for a project."),
		mcp.WithToolAnnotation(readOnly),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id, display name, or indexed directory path")),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List every indexed project."),
		mcp.WithToolAnnotation(readOnly),
	), s.handleProjects)

	s.mcp.AddTool(mcp.NewTool("index_directory",
		mcp.WithDescription("Index a local directory for semantic search. Replaces any previous index of the same project."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(true),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory to index")),
		mcp.WithString("project_id", mcp.Description("Project id; defaults to one derived from the path")),
		mcp.WithString("name", mcp.Description("Display name; defaults to the directory name")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the job to finish instead of returning immediately")),
		mcp.WithArray("extensions",
			mcp.Description("Only index files with these extensions, e.g. [\".go\", \"md\"]"),
			mcp.WithStringItems(),
		),
	), s.handleIndex)
}

func scopeParam() mcp.ToolOption {
	return mcp.WithArray("project_ids",
		mcp.Description("Projects to search (ids, names, or paths). Defaults to all projects."),
		mcp.WithStringItems(),
	)
}

func filesParam() mcp.ToolOption {
	return mcp.WithArray("file_paths",
		mcp.Description("Restrict results to these relative file paths"),
		mcp.WithStringItems(),
	)
}

func (s *Server) searchRequest(req mcp.CallToolRequest) (search.Request, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return search.Request{}, err
	}
	scope, err := s.resolveScope(req.GetStringSlice("project_ids", nil))
	if err != nil {
		return search.Request{}, err
	}
	return search.Request{
		ProjectIDs: scope,
		Query:      query,
		TopK:       req.GetInt("top_k", s.cfg.Search.TopK),
		EmbedModel: req.GetString("model", s.cfg.Embeddings.Model),
		FilePaths:  req.GetStringSlice("file_paths", nil),
	}, nil
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sreq, err := s.searchRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results, err := s.searcher.Search(ctx, sreq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No results found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results:\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (chunk %d) - %.1f%% match\n", i+1, r.FilePath, r.ChunkIndex, r.Score*100)
		sb.WriteString(snippet(r.Content, maxSnippet))
		sb.WriteString("\n\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if strategy := req.GetString("strategy", ""); strategy != "" {
		return s.handleRetrieve(ctx, req, strategy)
	}

	sreq, err := s.searchRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	text, results, err := s.searcher.Context(ctx, sreq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No relevant code found."), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleRetrieve(ctx context.Context, req mcp.CallToolRequest, strategy string) (*mcp.CallToolResult, error) {
	rreq, err := s.retrieveRequest(req, strategy)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.retriever.Retrieve(ctx, rreq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context failed: %v", err)), nil
	}

	var sb strings.Builder
	if out.ResultCount == 0 {
		sb.WriteString("No relevant code found.\n")
	} else {
		sb.WriteString(out.Context)
	}
	sb.WriteString("\n--- Retrieval ---\n")
	fmt.Fprintf(&sb, "Strategy: %s\n", out.Strategy)
	fmt.Fprintf(&sb, "Indexed now: %t\n", out.IndexedNow)
	fmt.Fprintf(&sb, "Files indexed: %d\n", out.FilesIndexed)
	fmt.Fprintf(&sb, "Chunks created: %d\n", out.ChunksCreated)
	for _, line := range out.Log {
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// retrieveRequest builds a strategy-driven request. The directory's project,
// when a path is given, leads the scope.
func (s *Server) retrieveRequest(req mcp.CallToolRequest, strategy string) (indexer.RetrieveRequest, error) {
	st, err := indexer.ParseStrategy(strategy)
	if err != nil {
		return indexer.RetrieveRequest{}, err
	}
	query, err := req.RequireString("query")
	if err != nil {
		return indexer.RetrieveRequest{}, err
	}

	rreq := indexer.RetrieveRequest{
		Strategy: st,
		Search: search.Request{
			Query:      query,
			TopK:       req.GetInt("top_k", s.cfg.Search.TopK),
			EmbedModel: req.GetString("model", s.cfg.Embeddings.Model),
			FilePaths:  req.GetStringSlice("file_paths", nil),
		},
	}

	if path := req.GetString("path", ""); path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return rreq, fmt.Errorf("resolve path: %w", err)
		}
		src, err := source.NewDeviceSource(absPath, int64(s.cfg.Indexing.MaxFileSize), s.cfg.Ignore)
		if err != nil {
			return rreq, err
		}
		rreq.Source = src
		rreq.DisplayName = filepath.Base(absPath)
		rreq.Search.ProjectIDs = append(rreq.Search.ProjectIDs, source.DeviceProjectID(absPath))
	}

	for _, ref := range req.GetStringSlice("project_ids", nil) {
		id, err := s.indexer.ResolveProject(ref)
		if err != nil {
			return rreq, err
		}
		if !slices.Contains(rreq.Search.ProjectIDs, id) {
			rreq.Search.ProjectIDs = append(rreq.Search.ProjectIDs, id)
		}
	}
	if len(rreq.Search.ProjectIDs) == 0 {
		return rreq, fmt.Errorf("project_ids or path is required with strategy %s", st)
	}
	return rreq, nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.indexer.ResolveProject(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view, err := s.indexer.Status(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view)
}

func (s *Server) handleProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.indexer.Projects()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list projects: %v", err)), nil
	}
	if len(projects) == 0 {
		return mcp.NewToolResultText("No projects indexed."), nil
	}
	return jsonResult(projects)
}

func (s *Server) handleIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve path: %v", err)), nil
	}

	src, err := source.NewDeviceSource(absPath, int64(s.cfg.Indexing.MaxFileSize), s.cfg.Ignore,
		source.WithExtensions(req.GetStringSlice("extensions", nil)...))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := source.Load(ctx, src)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read directory: %v", err)), nil
	}

	ireq := indexer.IndexRequest{
		ProjectID:    req.GetString("project_id", source.DeviceProjectID(absPath)),
		DisplayName:  req.GetString("name", filepath.Base(absPath)),
		Source:       string(src.Kind()),
		Files:        snap.Files,
		Unavailable:  snap.Unavailable,
		EmbedModel:   s.cfg.Embeddings.Model,
		ChunkSize:    s.cfg.Indexing.ChunkSize,
		ChunkOverlap: s.cfg.Indexing.ChunkOverlap,
	}

	if req.GetBool("wait", false) {
		res, err := s.indexer.Index(ctx, ireq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("indexing failed: %v", err)), nil
		}
		return jsonResult(res.Status)
	}

	job, err := s.indexer.Start(ireq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("indexing failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Indexing %d files from %s as project %s (job %s). Use index_status to follow progress.",
		len(snap.Entries), absPath, job.ProjectID, job.JobID)), nil
}

// resolveScope maps project references to ids. An empty list means every
// known project.
func (s *Server) resolveScope(refs []string) ([]string, error) {
	if len(refs) == 0 {
		projects, err := s.indexer.Projects()
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(projects))
		for i, p := range projects {
			ids[i] = p.ID
		}
		return ids, nil
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		id, err := s.indexer.ResolveProject(ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// snippet cuts content to at most n runes.
func snippet(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "..."
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
