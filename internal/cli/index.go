package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/fs"
	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/store"
	"github.com/nickcecere/coderag/internal/ui"
)

var (
	indexProject string
	indexName    string
	indexDryRun  bool
	indexIgnore  []string
	indexWorkers int
	indexExts    []string
)

// indexCmd represents the index command
var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a directory for retrieval",
	Long: `Index the files in a directory (or the current directory) into a project.

This command will:
1. Discover text files, honoring .gitignore and ignore patterns
2. Split each file into overlapping chunks
3. Embed every chunk
4. Replace the project's previous index in the local database

Examples:
  # Index current directory
  coderag index

  # Index a specific directory under a display name
  coderag index ./src --name backend

  # Index only Go and Markdown files
  coderag index --ext go,md

  # Preview what would be indexed
  coderag index --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexProject, "project", "", "project id (defaults to one derived from the path)")
	indexCmd.Flags().StringVar(&indexName, "name", "", "project display name (defaults to the directory name)")
	indexCmd.Flags().BoolVarP(&indexDryRun, "dry-run", "d", false, "preview without indexing")
	indexCmd.Flags().StringSliceVarP(&indexIgnore, "ignore", "i", nil, "additional patterns to ignore")
	indexCmd.Flags().IntVarP(&indexWorkers, "workers", "w", 0, "concurrent files (defaults to indexing.workers)")
	indexCmd.Flags().StringSliceVar(&indexExts, "ext", nil, "only index files with these extensions")
}

func runIndex(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	absPath, err := absDir(path)
	if err != nil {
		return err
	}

	cfg := config.Get()
	ignore := append(append([]string{}, cfg.Ignore...), indexIgnore...)
	src, err := source.NewDeviceSource(absPath, int64(cfg.Indexing.MaxFileSize), ignore, source.WithExtensions(indexExts...))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if indexDryRun {
		return runDryRun(ctx, src)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	projectID := indexProject
	if projectID == "" {
		projectID = source.DeviceProjectID(absPath)
	}
	name := indexName
	if name == "" {
		name = filepath.Base(absPath)
	}

	log.Debug("Starting index", "path", absPath, "project", projectID)

	fmt.Println(ui.Header.Render("Indexing " + name))
	fmt.Printf("Path: %s\n", absPath)
	fmt.Printf("Provider: %s (%s)\n", cfg.Embeddings.Provider, cfg.Embeddings.Model)
	fmt.Println()

	res, err := indexDirectory(ctx, a, src, indexer.IndexRequest{
		ProjectID:   projectID,
		DisplayName: name,
		Workers:     indexWorkers,
	})
	if err != nil {
		return err
	}

	printResult(res)
	if res.Status.Status == store.StateFailed {
		return fmt.Errorf("indexing failed: %s", res.Status.ErrorMessage)
	}
	return nil
}

// indexDirectory loads src and runs a synchronous job with a progress line.
// Unset request fields are filled from configuration.
func indexDirectory(ctx context.Context, a *app, src *source.DeviceSource, req indexer.IndexRequest) (*indexer.Result, error) {
	snap, err := source.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src.Root(), err)
	}

	req.Source = string(src.Kind())
	req.Files = snap.Files
	req.Unavailable = snap.Unavailable
	req.EmbedModel = a.cfg.Embeddings.Model
	req.ChunkSize = a.cfg.Indexing.ChunkSize
	req.ChunkOverlap = a.cfg.Indexing.ChunkOverlap

	lastUpdate := time.Now()
	req.OnProgress = func(p indexer.Progress) {
		// Throttle updates to every 100ms
		if time.Since(lastUpdate) < 100*time.Millisecond {
			return
		}
		lastUpdate = time.Now()

		fmt.Printf("\r\033[K")
		if p.TotalFiles > 0 {
			done := p.IndexedFiles + p.FailedFiles
			fmt.Printf("Progress: %d/%d files (%.0f%%) | Chunks: %d | %s",
				done, p.TotalFiles, float64(done)/float64(p.TotalFiles)*100, p.TotalChunks,
				truncatePath(p.CurrentFile, 40))
		}
	}

	res, err := a.indexer.Index(ctx, req)

	// Clear progress line
	fmt.Printf("\r\033[K")

	if err != nil {
		return nil, fmt.Errorf("indexing failed: %w", err)
	}
	return res, nil
}

// printResult summarizes a finished job.
func printResult(res *indexer.Result) {
	v := res.Status
	switch v.Status {
	case store.StateCompleted:
		fmt.Println(ui.Success.Render(v.Message))
	case store.StateCompletedWithErrors:
		fmt.Println(ui.Warning.Render(v.Message))
	default:
		fmt.Println(ui.Error.Render(v.Message))
	}
	fmt.Println()
	fmt.Printf("  Project:  %s\n", v.ProjectID)
	fmt.Printf("  Files:    %d indexed, %d failed, %d total\n", v.IndexedFiles, v.FailedFiles, v.TotalFiles)
	fmt.Printf("  Chunks:   %d\n", v.TotalChunks)
	if v.StartedAt != nil && v.CompletedAt != nil {
		fmt.Printf("  Duration: %s\n", v.CompletedAt.Sub(*v.StartedAt).Round(time.Millisecond))
	}

	if len(res.FileErrors) == 0 {
		return
	}
	paths := make([]string, 0, len(res.FileErrors))
	for p := range res.FileErrors {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fmt.Println()
	fmt.Println(ui.Dim.Render("Failed files:"))
	for i, p := range paths {
		if i >= 10 {
			fmt.Printf("  ... and %d more\n", len(paths)-10)
			break
		}
		fmt.Printf("  %s %s\n", ui.FilePath.Render(p), ui.Dim.Render(res.FileErrors[p]))
	}
}

// runDryRun shows what would be indexed without actually indexing.
func runDryRun(ctx context.Context, src *source.DeviceSource) error {
	fmt.Println(ui.Header.Render("Dry Run - Preview"))
	fmt.Printf("Path: %s\n\n", src.Root())

	entries, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}

	byLang := make(map[string]int)
	var totalSize int64
	codeFiles := 0
	for _, e := range entries {
		if fs.IsCodeFile(e.Path) {
			codeFiles++
		}
		lang := fs.DetectLanguage(e.Path)
		if lang == "" {
			lang = "other"
		}
		byLang[lang]++
		totalSize += e.Size
	}

	langs := make([]string, 0, len(byLang))
	for lang := range byLang {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	fmt.Println("Files to index:")
	for _, lang := range langs {
		fmt.Printf("  %-15s %d\n", lang+":", byLang[lang])
	}
	fmt.Println()
	fmt.Printf("Total files:   %d\n", len(entries))
	fmt.Printf("Source code:   %d\n", codeFiles)
	fmt.Printf("Total size:    %s\n", formatBytes(totalSize))
	fmt.Printf("Project id:    %s\n", source.DeviceProjectID(src.Root()))

	if len(entries) > 0 {
		fmt.Println("\nFirst 10 files:")
		for i, e := range entries {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(entries)-10)
				break
			}
			fmt.Printf("  %s (%s)\n", e.Path, formatBytes(e.Size))
		}
	}

	return nil
}

// truncatePath shortens a path for display.
func truncatePath(path string, maxLen int) string {
	runes := []rune(path)
	if len(runes) <= maxLen {
		return path
	}
	return "..." + string(runes[len(runes)-maxLen+3:])
}

// formatBytes formats bytes as human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// projectsCmd lists indexed projects.
var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"list"},
	Short:   "List indexed projects",
	Long:    `List all projects with their index status and statistics.`,
	RunE:    runProjects,
}

func runProjects(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	projects, err := a.indexer.Projects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No indexed projects found.")
		fmt.Println("\nRun 'coderag index [path]' to create one.")
		return nil
	}

	fmt.Println(ui.Header.Render("Indexed Projects"))
	fmt.Println()

	for _, p := range projects {
		stats, err := a.store.GetStats(p.ID)
		if err != nil {
			log.Warn("Failed to get stats", "project", p.ID, "error", err)
			continue
		}
		view, err := a.indexer.Status(p.ID)
		if err != nil {
			log.Warn("Failed to get status", "project", p.ID, "error", err)
			continue
		}

		fmt.Printf("%s %s\n", ui.Highlight.Render(p.DisplayName), ui.Dim.Render(p.ID))
		fmt.Printf("  Source:   %s\n", p.Source)
		fmt.Printf("  Status:   %s\n", ui.StateStyle(string(view.Status)).Render(string(view.Status)))
		fmt.Printf("  Files:    %d\n", stats.FileCount)
		fmt.Printf("  Chunks:   %d\n", stats.ChunkCount)
		fmt.Printf("  Updated:  %s\n", formatTime(p.UpdatedAt))
		fmt.Println()
	}

	return nil
}

var deleteYes bool

// deleteCmd removes a project's index.
var deleteCmd = &cobra.Command{
	Use:   "delete <project>",
	Short: "Delete a project's index",
	Long: `Delete a project's chunks, vectors, and index status. The project itself
is kept so it can be re-indexed under the same id.

The project may be given as an id, a display name, or an indexed directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.indexer.ResolveProject(args[0])
	if err != nil {
		return err
	}

	if !deleteYes {
		fmt.Printf("Delete the index of '%s'? This will remove all indexed data. [y/N]: ", args[0])
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := a.indexer.Delete(id); err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}

	fmt.Println(ui.Success.Render(fmt.Sprintf("Index of '%s' deleted.", args[0])))
	return nil
}
