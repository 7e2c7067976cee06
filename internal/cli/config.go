package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `Display current configuration settings and config file locations.

Examples:
  # Show current configuration
  coderag config

  # Show config file paths
  coderag config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if configShowPath {
		fmt.Println(ui.SectionTitle.Render("Configuration Paths"))
		fmt.Println()
		fmt.Printf("Global config: %s\n", config.GlobalConfigPath())
		fmt.Printf("Local config:  %s (searched from cwd upward)\n", config.RCFileName)
		fmt.Printf("Active config: %s\n", config.ConfigFilePath())
		fmt.Printf("Database:      %s\n", cfg.Database.Path)
		return nil
	}

	fmt.Println(ui.SectionTitle.Render("Current Configuration"))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Embeddings:"))
	fmt.Printf("  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Printf("  Model: %s\n", cfg.Embeddings.Model)
	fmt.Printf("  Dimensions: %d\n", cfg.Embeddings.Dimensions)
	switch cfg.Embeddings.Provider {
	case "openai":
		if cfg.Embeddings.OpenAI.BaseURL != "" {
			fmt.Printf("  OpenAI Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
		}
		fmt.Printf("  OpenAI API Key: %s\n", maskKey(cfg.Embeddings.OpenAI.APIKey))
	default:
		fmt.Printf("  Ollama URL: %s\n", cfg.Embeddings.Ollama.URL)
		fmt.Printf("  Ollama Timeout: %s\n", cfg.Embeddings.Ollama.Timeout)
	}
	fmt.Printf("  Retries: %d (%s to %s)\n",
		cfg.Embeddings.Retry.MaxRetries, cfg.Embeddings.Retry.InitialDelay, cfg.Embeddings.Retry.MaxDelay)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Indexing:"))
	fmt.Printf("  Max File Size: %s\n", formatBytes(int64(cfg.Indexing.MaxFileSize)))
	fmt.Printf("  Chunk Size: %d\n", cfg.Indexing.ChunkSize)
	fmt.Printf("  Chunk Overlap: %d\n", cfg.Indexing.ChunkOverlap)
	fmt.Printf("  Workers: %d\n", cfg.Indexing.Workers)
	fmt.Printf("  Stale Job Timeout: %s\n", cfg.Indexing.StaleJobTimeout)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Search:"))
	fmt.Printf("  Top K: %d\n", cfg.Search.TopK)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Watch:"))
	fmt.Printf("  Debounce: %s\n", cfg.Watch.Debounce)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Database:"))
	fmt.Printf("  Path: %s\n", cfg.Database.Path)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Ignore Patterns:"))
	fmt.Printf("  %d patterns configured\n", len(cfg.Ignore))

	return nil
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
