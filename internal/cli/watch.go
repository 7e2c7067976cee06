package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/ui"
	"github.com/nickcecere/coderag/internal/watcher"
)

var (
	watchNoInitial bool
	watchName      string
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch for file changes and re-index",
	Long: `Watch a directory for file changes and re-index the project when content
changes.

This command first indexes the directory (unless --no-initial is specified),
then batches file events and starts a full re-index after each quiet period.
Saves that leave a file's content unchanged are ignored.

Examples:
  # Watch current directory
  coderag watch

  # Watch a specific directory
  coderag watch ./src

  # Skip initial index (assumes already indexed)
  coderag watch --no-initial`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatchCmd,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "skip initial index")
	watchCmd.Flags().StringVar(&watchName, "name", "", "project display name (defaults to the directory name)")
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	absPath, err := absDir(path)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	name := watchName
	if name == "" {
		name = filepath.Base(absPath)
	}

	if !watchNoInitial {
		src, err := newDeviceSource(a, absPath)
		if err != nil {
			return err
		}

		fmt.Println(ui.Header.Render("Initial Index"))
		fmt.Printf("Path: %s\n", absPath)
		fmt.Printf("Provider: %s (%s)\n\n", a.cfg.Embeddings.Provider, a.cfg.Embeddings.Model)

		res, err := indexDirectory(ctx, a, src, indexer.IndexRequest{
			ProjectID:   source.DeviceProjectID(absPath),
			DisplayName: name,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("initial index failed: %w", err)
		}
		printResult(res)
		fmt.Println()
	}

	fmt.Println(ui.Header.Render("Watching for Changes"))
	fmt.Printf("Directory: %s\n", absPath)
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	err = watchDirectory(ctx, a, absPath, name, func(event, path string) {
		switch event {
		case "index":
			fmt.Println(ui.Dim.Render("Re-indexing..."))
		default:
			log.Debug("File event", "event", event, "path", path)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newDeviceSource(a *app, absPath string) (*source.DeviceSource, error) {
	return source.NewDeviceSource(absPath, int64(a.cfg.Indexing.MaxFileSize), a.cfg.Ignore)
}

// watchDirectory re-indexes absPath on change until ctx is done.
func watchDirectory(ctx context.Context, a *app, absPath, name string, onEvent func(event, path string)) error {
	src, err := newDeviceSource(a, absPath)
	if err != nil {
		return err
	}

	w := watcher.New(src, source.DeviceProjectID(absPath), name, a.indexer, a.cfg,
		watcher.WithEventCallback(onEvent),
	)
	return w.Start(ctx)
}
