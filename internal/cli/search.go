package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/coderag/internal/fs"
	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/search"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/ui"
)

var (
	searchProjects []string
	searchFiles    []string
	searchLimit    int
	searchMinScore float64
	searchModel    string
	searchContent  bool
	searchJSON     bool
	contextRaw      bool
	contextStrategy string
	contextDir      string
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed projects using semantic similarity",
	Long: `Search for code using natural language queries.

The query is embedded with the configured model and compared against every
chunk in scope by cosine similarity.

Examples:
  # Search every project
  coderag search "how does authentication work"

  # Search one project with content preview
  coderag search "database connection" --project backend -c

  # Limit results and filter by score
  coderag search "error handling" -m 3 --min-score 0.5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearchCmd,
}

// contextCmd builds a context block for a prompt.
var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Build a context block from the most relevant chunks",
	Long: `Retrieve the chunks most relevant to a query and format them as a numbered
context block suitable for pasting into a prompt.

Examples:
  # Render the context block in the terminal
  coderag context "how are jobs retried"

  # Print the raw block for piping
  coderag context "how are jobs retried" --raw | pbcopy

  # Re-index the current directory first unless its index is current
  coderag context "how are jobs retried" --strategy use_existing

  # Always re-index ./api, then search it together with another project
  coderag context "token refresh" --strategy reindex --dir ./api -p web`,
	Args: cobra.MinimumNArgs(1),
	RunE: runContextCmd,
}

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, contextCmd} {
		cmd.Flags().StringSliceVarP(&searchProjects, "project", "p", nil, "projects to search (id, name, or path); defaults to all")
		cmd.Flags().StringSliceVarP(&searchFiles, "file", "f", nil, "restrict results to these relative file paths")
		cmd.Flags().IntVarP(&searchLimit, "limit", "m", 0, "maximum number of results (defaults to search.top_k)")
		cmd.Flags().Float64Var(&searchMinScore, "min-score", 0.0, "minimum similarity score (0-1)")
		cmd.Flags().StringVar(&searchModel, "model", "", "embedding model (defaults to embeddings.model)")
	}
	searchCmd.Flags().BoolVarP(&searchContent, "content", "c", false, "show content snippets in results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	contextCmd.Flags().BoolVar(&contextRaw, "raw", false, "print the context block without rendering")
	contextCmd.Flags().StringVar(&contextStrategy, "strategy", "", "index strategy before searching: use_existing or reindex")
	contextCmd.Flags().StringVar(&contextDir, "dir", ".", "directory to re-index from when --strategy is set")
}

// searchRequest builds a request from flags, resolving project references.
func searchRequest(a *app, query string) (search.Request, error) {
	req := search.Request{
		Query:      query,
		TopK:       searchLimit,
		EmbedModel: searchModel,
		FilePaths:  searchFiles,
		MinScore:   searchMinScore,
	}
	if req.TopK <= 0 {
		req.TopK = a.cfg.Search.TopK
	}
	if req.EmbedModel == "" {
		req.EmbedModel = a.cfg.Embeddings.Model
	}

	if len(searchProjects) == 0 {
		projects, err := a.indexer.Projects()
		if err != nil {
			return req, fmt.Errorf("failed to list projects: %w", err)
		}
		for _, p := range projects {
			req.ProjectIDs = append(req.ProjectIDs, p.ID)
		}
		return req, nil
	}

	for _, ref := range searchProjects {
		id, err := a.indexer.ResolveProject(ref)
		if err != nil {
			return req, err
		}
		req.ProjectIDs = append(req.ProjectIDs, id)
	}
	return req, nil
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := searchRequest(a, query)
	if err != nil {
		return err
	}
	log.Debug("Starting search", "query", query, "projects", len(req.ProjectIDs), "limit", req.TopK)

	ctx, cancel := signalContext()
	defer cancel()

	results, err := a.searcher.Search(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	displayResults(results, searchContent, len(req.ProjectIDs) > 1)
	return nil
}

func runContextCmd(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var retrieve func(context.Context) (string, []search.Result, error)
	if contextStrategy != "" {
		rreq, err := retrieveRequest(a, query)
		if err != nil {
			return err
		}
		retriever := indexer.NewRetriever(a.indexer, a.searcher)
		retrieve = func(ctx context.Context) (string, []search.Result, error) {
			out, err := retriever.Retrieve(ctx, rreq)
			if err != nil {
				return "", nil, err
			}
			printRetrieval(out)
			return out.Context, out.Results, nil
		}
	} else {
		req, err := searchRequest(a, query)
		if err != nil {
			return err
		}
		retrieve = func(ctx context.Context) (string, []search.Result, error) {
			return a.searcher.Context(ctx, req)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	var (
		stopSpinner chan struct{}
		spinnerDone chan struct{}
	)
	if !contextRaw && contextStrategy == "" {
		stopSpinner = make(chan struct{})
		spinnerDone = make(chan struct{})
		go showSpinner("Retrieving context", stopSpinner, spinnerDone)
	}

	text, results, err := retrieve(ctx)

	if stopSpinner != nil {
		close(stopSpinner)
		<-spinnerDone
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("context failed: %w", err)
	}
	if len(results) == 0 {
		fmt.Fprintln(os.Stderr, "No relevant code found.")
		return nil
	}

	if contextRaw {
		fmt.Print(text)
		return nil
	}

	rendered, err := renderMarkdown(text)
	if err != nil {
		fmt.Print(text)
		return nil
	}
	fmt.Print(rendered)
	return nil
}

// retrieveRequest builds a strategy-driven request from flags. The project of
// --dir leads the scope, followed by any --project references.
func retrieveRequest(a *app, query string) (indexer.RetrieveRequest, error) {
	strategy, err := indexer.ParseStrategy(contextStrategy)
	if err != nil {
		return indexer.RetrieveRequest{}, err
	}
	absPath, err := absDir(contextDir)
	if err != nil {
		return indexer.RetrieveRequest{}, err
	}
	src, err := source.NewDeviceSource(absPath, int64(a.cfg.Indexing.MaxFileSize), a.cfg.Ignore)
	if err != nil {
		return indexer.RetrieveRequest{}, err
	}

	req := indexer.RetrieveRequest{
		Strategy:    strategy,
		Source:      src,
		DisplayName: filepath.Base(absPath),
		Search: search.Request{
			ProjectIDs: []string{source.DeviceProjectID(absPath)},
			Query:      query,
			TopK:       searchLimit,
			EmbedModel: searchModel,
			FilePaths:  searchFiles,
			MinScore:   searchMinScore,
		},
		ChunkSize:    a.cfg.Indexing.ChunkSize,
		ChunkOverlap: a.cfg.Indexing.ChunkOverlap,
	}
	if req.Search.TopK <= 0 {
		req.Search.TopK = a.cfg.Search.TopK
	}
	if req.Search.EmbedModel == "" {
		req.Search.EmbedModel = a.cfg.Embeddings.Model
	}

	for _, ref := range searchProjects {
		id, err := a.indexer.ResolveProject(ref)
		if err != nil {
			return req, err
		}
		if !slices.Contains(req.Search.ProjectIDs, id) {
			req.Search.ProjectIDs = append(req.Search.ProjectIDs, id)
		}
	}
	return req, nil
}

// printRetrieval reports how the index was prepared. It writes to stderr so
// the context block stays pipeable.
func printRetrieval(out *indexer.Retrieval) {
	w := os.Stderr
	fmt.Fprintf(w, "%s %s\n", ui.Dim.Render("Strategy:"), ui.Highlight.Render(string(out.Strategy)))
	if out.IndexedNow {
		fmt.Fprintf(w, "%s %d files, %d chunks\n", ui.Dim.Render("Indexed:"), out.FilesIndexed, out.ChunksCreated)
	}
	for _, line := range out.Log {
		log.Debug("Retrieval", "step", line)
	}
	fmt.Fprintln(w)
}

// displayResults formats and displays search results.
func displayResults(results []search.Result, showContent, showProject bool) {
	fmt.Printf("Found %d results:\n\n", len(results))

	for i, r := range results {
		scoreStr := fmt.Sprintf("%.1f%%", r.Score*100)

		fmt.Printf("%s %s %s %s\n",
			ui.Highlight.Render(fmt.Sprintf("[%d]", i+1)),
			ui.FilePath.Render(r.FilePath),
			ui.LineNum.Render(fmt.Sprintf("chunk %d", r.ChunkIndex)),
			ui.ResultScore.Render(scoreStr),
		)
		if showProject {
			fmt.Printf("    %s\n", ui.Dim.Render(r.ProjectID))
		}

		if showContent && r.Content != "" {
			fmt.Println()
			displayContentHighlighted(strings.TrimPrefix(r.Content, fs.FileHeader(r.FilePath)), r.FilePath)
		}

		fmt.Println()
	}
}

// displayContentHighlighted formats and displays code content with syntax highlighting.
func displayContentHighlighted(content, filename string) {
	lexer := lexers.Match(filename)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("dracula")
	if style == nil {
		style = styles.Fallback
	}

	formatter := formatters.Get("terminal16m")
	if formatter == nil {
		formatter = formatters.Get("terminal256")
	}
	if formatter == nil {
		formatter = formatters.Fallback
	}

	lines := strings.Split(content, "\n")
	maxLines := 15

	if len(lines) > maxLines {
		showLines := maxLines / 2
		displayHighlightedLines(strings.Join(lines[:showLines], "\n"), lexer, style, formatter)
		fmt.Printf("    %s\n", ui.Dim.Render(fmt.Sprintf("... (%d lines omitted)", len(lines)-maxLines)))
		displayHighlightedLines(strings.Join(lines[len(lines)-showLines:], "\n"), lexer, style, formatter)
	} else {
		displayHighlightedLines(content, lexer, style, formatter)
	}
}

// displayHighlightedLines highlights and displays code with a gutter.
func displayHighlightedLines(content string, lexer chroma.Lexer, style *chroma.Style, formatter chroma.Formatter) {
	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		displayPlainLines(content)
		return
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		displayPlainLines(content)
		return
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		fmt.Printf("    %s %s\n", ui.LineNum.Render("│"), line)
	}
}

// displayPlainLines displays content without highlighting (fallback).
func displayPlainLines(content string) {
	for _, line := range strings.Split(content, "\n") {
		fmt.Printf("    %s %s\n", ui.LineNum.Render("│"), truncateLine(line, 80))
	}
}

// truncateLine shortens a line for display.
func truncateLine(line string, maxLen int) string {
	line = strings.ReplaceAll(line, "\t", "    ")
	runes := []rune(line)
	if len(runes) <= maxLen {
		return line
	}
	return string(runes[:maxLen-3]) + "..."
}

// showSpinner displays an animated spinner until stopCh is closed.
func showSpinner(message string, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	defer close(doneCh)

	i := 0
	for {
		select {
		case <-stopCh:
			fmt.Fprint(os.Stderr, "\r\033[2K")
			return
		case <-ticker.C:
			fmt.Fprintf(os.Stderr, "\r%s %s", ui.Highlight.Render(frames[i]), message)
			i = (i + 1) % len(frames)
		}
	}
}

// renderMarkdown renders markdown content using glamour.
func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(content)
}
