// Package cli implements the command-line interface for coderag.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/embeddings"
	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/search"
	"github.com/nickcecere/coderag/internal/store"
	"github.com/nickcecere/coderag/internal/ui"
)

var (
	// Version information set at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile string
	debug   bool
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coderag",
	Short: "Retrieval-augmented context for codebases",
	Long: `coderag indexes source trees into a local vector store and retrieves the
chunks most relevant to a natural language query.

Embeddings come from Ollama or any OpenAI-compatible endpoint. Vectors are
stored in SQLite with sqlite-vec.

Examples:
  # Index the current directory
  coderag index

  # Search every indexed project
  coderag search "how does authentication work"

  # Build a prompt-ready context block
  coderag context "where are database migrations applied" --raw`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug || os.Getenv("CODERAG_DEBUG") != "" {
			ui.SetDebug(true)
			log.Debug("Debug logging enabled")
		}

		if err := config.Load(cfgFile); err != nil {
			log.Warn("Failed to load config", "error", err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	ui.InitLogger()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/coderag/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coderag %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

// app bundles the services a command needs.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	embedder embeddings.Service
	indexer  *indexer.Indexer
	searcher *search.Searcher
}

// openApp opens the database and builds the embedder, indexer, and searcher
// from the loaded configuration.
func openApp() (*app, error) {
	cfg := config.Get()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := embeddings.NewModelRegistry()
	emb, err := embeddings.NewService(cfg, registry)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}

	return &app{
		cfg:      cfg,
		store:    st,
		embedder: emb,
		indexer:  indexer.New(st, emb, registry, cfg),
		searcher: search.New(st, emb),
	}, nil
}

// Close stops background jobs and closes the database.
func (a *app) Close() {
	a.indexer.Close()
	if err := a.store.Close(); err != nil {
		log.Warn("Failed to close store", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// absDir resolves path and checks that it is a directory.
func absDir(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("path does not exist: %s", absPath)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", absPath)
	}
	return absPath, nil
}
