package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/coderag/internal/mcp"
)

var mcpWatch bool

// mcpCmd represents the MCP server command.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server for integration with AI coding agents.

The server communicates over stdin/stdout and provides tools for:
  - search_code: Semantic code search
  - build_context: Prompt-ready context block for a query
  - index_status: Progress and outcome of a project's index
  - list_projects: Every indexed project
  - index_directory: Index a local directory

With --watch, the server also re-indexes the current directory when it changes.

This command is typically invoked by AI agents and not run directly by users.`,
	RunE: runMcpCmd,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpWatch, "watch", false, "re-index the current directory on change")
}

func runMcpCmd(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if mcpWatch {
		go startBackgroundWatcher(ctx, a)
	}

	server := mcp.NewServer(a.indexer, a.searcher, a.cfg, version)
	return server.Serve()
}

// startBackgroundWatcher watches the working directory until ctx is done.
func startBackgroundWatcher(ctx context.Context, a *app) {
	// Let the client finish initializing first
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Error("Failed to get working directory", "error", err)
		return
	}
	absPath, err := filepath.Abs(cwd)
	if err != nil {
		log.Error("Failed to resolve path", "error", err)
		return
	}

	log.Info("Starting background file watcher", "path", absPath)

	err = watchDirectory(ctx, a, absPath, filepath.Base(absPath), func(event, path string) {
		log.Debug("Background watcher event", "event", event, "path", path)
	})
	if err != nil && ctx.Err() == nil {
		log.Error("Watcher error", "error", err)
	}
}
