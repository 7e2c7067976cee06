package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/store"
	"github.com/nickcecere/coderag/internal/ui"
)

var (
	statusAll  bool
	statusJSON bool
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show indexing status",
	Long: `Display the index status of a project:
- Current state (PENDING, IN_PROGRESS, COMPLETED, COMPLETED_WITH_ERRORS, FAILED)
- Indexed, failed, and total files
- Progress and chunk count
- Embedding model and chunking parameters

The project may be given as an id, a display name, or an indexed directory.
Without an argument the current directory is used.

Examples:
  # Status of the current directory's project
  coderag status

  # Status of a named project as JSON
  coderag status backend --json

  # Every project
  coderag status --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "show all projects")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var ids []string
	if statusAll {
		projects, err := a.indexer.Projects()
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		if len(projects) == 0 {
			fmt.Println("No indexed projects found.")
			fmt.Println()
			fmt.Println("Run 'coderag index [path]' to create one.")
			return nil
		}
		for _, p := range projects {
			ids = append(ids, p.ID)
		}
	} else {
		ref := "."
		if len(args) > 0 {
			ref = args[0]
		}
		id, err := a.indexer.ResolveProject(ref)
		if err != nil {
			return err
		}
		ids = []string{id}
	}

	views := make([]*indexer.StatusView, 0, len(ids))
	for _, id := range ids {
		v, err := a.indexer.Status(id)
		if err != nil {
			log.Warn("Failed to get status", "project", id, "error", err)
			continue
		}
		views = append(views, v)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if len(views) == 1 && !statusAll {
			return enc.Encode(views[0])
		}
		return enc.Encode(views)
	}

	fmt.Println(ui.Header.Render("Index Status"))
	fmt.Println()

	for i, v := range views {
		printStatus(a, v)
		if i < len(views)-1 {
			fmt.Println()
		}
	}

	if len(views) > 1 {
		fmt.Println()
		fmt.Println(ui.Dim.Render(fmt.Sprintf("Total: %d projects", len(views))))
	}
	return nil
}

func printStatus(a *app, v *indexer.StatusView) {
	name := v.ProjectID
	if p, err := a.store.GetProject(v.ProjectID); err == nil && p != nil {
		name = p.DisplayName
	}

	fmt.Printf("%s %s %s\n",
		ui.Highlight.Render("Project:"),
		ui.Bold.Render(name),
		ui.Dim.Render(v.ProjectID),
	)
	fmt.Printf("  %s %s\n", ui.Dim.Render("Status:"), ui.StateStyle(string(v.Status)).Render(string(v.Status)))
	fmt.Printf("  %s %s\n", ui.Dim.Render("Message:"), v.Message)
	if v.Status == store.StatePending {
		return
	}

	fmt.Printf("  %s %d%% (%d indexed, %d failed, %d total)\n",
		ui.Dim.Render("Progress:"),
		v.ProgressPercent, v.IndexedFiles, v.FailedFiles, v.TotalFiles,
	)
	fmt.Printf("  %s %d\n", ui.Dim.Render("Chunks:"), v.TotalChunks)
	fmt.Printf("  %s %s (chunk %d, overlap %d)\n",
		ui.Dim.Render("Model:"),
		v.EmbedModel, v.ChunkSize, v.ChunkOverlap,
	)
	if v.StartedAt != nil {
		fmt.Printf("  %s %s\n", ui.Dim.Render("Started:"), formatTime(*v.StartedAt))
	}
	if v.CompletedAt != nil {
		fmt.Printf("  %s %s\n", ui.Dim.Render("Completed:"), formatTime(*v.CompletedAt))
	}
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	t = t.Local()

	// If today, show time only
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return "today at " + t.Format("15:04")
	}

	// If this year, omit year
	if t.Year() == now.Year() {
		return t.Format("Jan 2 at 15:04")
	}

	return t.Format("Jan 2, 2006 at 15:04")
}
