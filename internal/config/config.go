// Package config handles configuration loading and validation for coderag.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config represents the complete coderag configuration.
type Config struct {
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Indexing   IndexingConfig   `mapstructure:"indexing"`
	Search     SearchConfig     `mapstructure:"search"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Ignore     []string         `mapstructure:"ignore"`
}

// EmbeddingsConfig configures the embedding service.
type EmbeddingsConfig struct {
	Provider   string            `mapstructure:"provider"`
	Model      string            `mapstructure:"model"`
	Dimensions int               `mapstructure:"dimensions"`
	Ollama     OllamaEmbedConfig `mapstructure:"ollama"`
	OpenAI     OpenAIEmbedConfig `mapstructure:"openai"`
	Retry      RetryConfig       `mapstructure:"retry"`
}

// OllamaEmbedConfig configures Ollama embeddings.
type OllamaEmbedConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// OpenAIEmbedConfig configures OpenAI-compatible embeddings.
type OpenAIEmbedConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// RetryConfig configures backoff for transient embedding backend errors.
// MaxRetries of 0 disables retrying.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// IndexingConfig configures the indexing process.
type IndexingConfig struct {
	MaxFileSize     int           `mapstructure:"max_file_size"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	ChunkOverlap    int           `mapstructure:"chunk_overlap"`
	Workers         int           `mapstructure:"workers"`
	StaleJobTimeout time.Duration `mapstructure:"stale_job_timeout"`
}

// SearchConfig configures retrieval.
type SearchConfig struct {
	TopK int `mapstructure:"top_k"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Embeddings: EmbeddingsConfig{
			Provider:   DefaultEmbeddingProvider,
			Model:      DefaultEmbedModel,
			Dimensions: DefaultEmbedDimensions,
			Ollama: OllamaEmbedConfig{
				URL:     DefaultOllamaURL,
				Timeout: DefaultOllamaTimeout,
			},
			Retry: RetryConfig{
				MaxRetries:   DefaultRetryMaxRetries,
				InitialDelay: DefaultRetryInitialDelay,
				MaxDelay:     DefaultRetryMaxDelay,
			},
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		Indexing: IndexingConfig{
			MaxFileSize:     DefaultMaxFileSize,
			ChunkSize:       DefaultChunkSize,
			ChunkOverlap:    DefaultChunkOverlap,
			Workers:         DefaultWorkers,
			StaleJobTimeout: DefaultStaleJobTimeout,
		},
		Search: SearchConfig{
			TopK: DefaultTopK,
		},
		Watch: WatchConfig{
			Debounce: DefaultWatchDebounce,
		},
		Ignore: DefaultIgnorePatterns(),
	}
}

// Load reads configuration from file and environment variables.
func Load(configFile string) error {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// A project-local rc file wins over the global config
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	viper.SetEnvPrefix("CODERAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	cfg = loaded

	loadAPIKeysFromEnv()

	return nil
}

// setDefaults sets default values in viper.
func setDefaults() {
	// Embeddings
	viper.SetDefault("embeddings.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embeddings.model", DefaultEmbedModel)
	viper.SetDefault("embeddings.dimensions", DefaultEmbedDimensions)
	viper.SetDefault("embeddings.ollama.url", DefaultOllamaURL)
	viper.SetDefault("embeddings.ollama.timeout", DefaultOllamaTimeout)
	viper.SetDefault("embeddings.openai.base_url", "")
	viper.SetDefault("embeddings.openai.api_key", "")
	viper.SetDefault("embeddings.retry.max_retries", DefaultRetryMaxRetries)
	viper.SetDefault("embeddings.retry.initial_delay", DefaultRetryInitialDelay)
	viper.SetDefault("embeddings.retry.max_delay", DefaultRetryMaxDelay)

	// Database
	viper.SetDefault("database.path", DefaultDatabasePath())

	// Indexing
	viper.SetDefault("indexing.max_file_size", DefaultMaxFileSize)
	viper.SetDefault("indexing.chunk_size", DefaultChunkSize)
	viper.SetDefault("indexing.chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("indexing.workers", DefaultWorkers)
	viper.SetDefault("indexing.stale_job_timeout", DefaultStaleJobTimeout)

	// Search and watch
	viper.SetDefault("search.top_k", DefaultTopK)
	viper.SetDefault("watch.debounce", DefaultWatchDebounce)

	viper.SetDefault("ignore", DefaultIgnorePatterns())
}

// findRCFile searches for .coderagrc.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, RCFileName)
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// loadAPIKeysFromEnv loads API keys from environment variables if not already set.
func loadAPIKeysFromEnv() {
	if cfg.Embeddings.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Embeddings.OpenAI.APIKey = key
		}
	}
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
