package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)

	// Embeddings defaults
	assert.Equal(t, DefaultEmbeddingProvider, cfg.Embeddings.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
	assert.Equal(t, 768, cfg.Embeddings.Dimensions)
	assert.Equal(t, DefaultOllamaURL, cfg.Embeddings.Ollama.URL)
	assert.Equal(t, DefaultRetryMaxRetries, cfg.Embeddings.Retry.MaxRetries)

	// Indexing defaults
	assert.Equal(t, DefaultMaxFileSize, cfg.Indexing.MaxFileSize)
	assert.Equal(t, 500, cfg.Indexing.ChunkSize)
	assert.Equal(t, 50, cfg.Indexing.ChunkOverlap)
	assert.Equal(t, DefaultWorkers, cfg.Indexing.Workers)
	assert.Equal(t, time.Hour, cfg.Indexing.StaleJobTimeout)

	assert.Equal(t, 5, cfg.Search.TopK)

	// Ignore patterns
	assert.NotEmpty(t, cfg.Ignore)
	assert.Contains(t, cfg.Ignore, "node_modules/")
	assert.Contains(t, cfg.Ignore, ".git/")
}

func TestDefaultIgnorePatterns(t *testing.T) {
	patterns := DefaultIgnorePatterns()

	expectedPatterns := []string{
		"*.lock",
		"node_modules/",
		".git/",
		"dist/",
		"*.exe",
		".DS_Store",
	}

	for _, expected := range expectedPatterns {
		assert.Contains(t, patterns, expected, "Expected pattern %s not found", expected)
	}
}

func TestDefaultPaths(t *testing.T) {
	assert.Contains(t, DefaultConfigDir(), "coderag")
	assert.Contains(t, DefaultDataDir(), "coderag")
	assert.Contains(t, DefaultDatabasePath(), "coderag.db")
}

func TestLoadWithConfigFile(t *testing.T) {
	viper.Reset()
	cfg = nil

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
embeddings:
  provider: openai
  model: text-embedding-3-small
  dimensions: 1024
  ollama:
    url: http://custom:11434
    timeout: 5s
  openai:
    base_url: https://custom-api.example.com
  retry:
    max_retries: 0
database:
  path: /custom/path/coderag.db
indexing:
  chunk_size: 1000
  workers: 8
  stale_job_timeout: 10m
search:
  top_k: 12
watch:
  debounce: 2s
ignore:
  - "custom-ignore/"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	err = Load(configPath)
	require.NoError(t, err)

	loadedCfg := Get()

	assert.Equal(t, "openai", loadedCfg.Embeddings.Provider)
	assert.Equal(t, "text-embedding-3-small", loadedCfg.Embeddings.Model)
	assert.Equal(t, 1024, loadedCfg.Embeddings.Dimensions)
	assert.Equal(t, "http://custom:11434", loadedCfg.Embeddings.Ollama.URL)
	assert.Equal(t, 5*time.Second, loadedCfg.Embeddings.Ollama.Timeout)
	assert.Equal(t, "https://custom-api.example.com", loadedCfg.Embeddings.OpenAI.BaseURL)
	assert.Equal(t, 0, loadedCfg.Embeddings.Retry.MaxRetries)
	assert.Equal(t, "/custom/path/coderag.db", loadedCfg.Database.Path)
	assert.Equal(t, 1000, loadedCfg.Indexing.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, loadedCfg.Indexing.ChunkOverlap)
	assert.Equal(t, 8, loadedCfg.Indexing.Workers)
	assert.Equal(t, 10*time.Minute, loadedCfg.Indexing.StaleJobTimeout)
	assert.Equal(t, 12, loadedCfg.Search.TopK)
	assert.Equal(t, 2*time.Second, loadedCfg.Watch.Debounce)
	assert.Contains(t, loadedCfg.Ignore, "custom-ignore/")
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	viper.Reset()
	cfg = nil

	t.Chdir(t.TempDir())
	t.Setenv("CODERAG_EMBEDDINGS_PROVIDER", "openai")
	t.Setenv("CODERAG_INDEXING_CHUNK_SIZE", "800")
	t.Setenv("OPENAI_API_KEY", "test-api-key")

	err := Load("")
	require.NoError(t, err)

	loadedCfg := Get()

	assert.Equal(t, "openai", loadedCfg.Embeddings.Provider)
	assert.Equal(t, 800, loadedCfg.Indexing.ChunkSize)
	assert.Equal(t, "test-api-key", loadedCfg.Embeddings.OpenAI.APIKey)
}

func TestLoadFindsRCFile(t *testing.T) {
	viper.Reset()
	cfg = nil

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, RCFileName), []byte("search:\n  top_k: 9\n"), 0644))
	t.Chdir(nested)

	require.NoError(t, Load(""))
	assert.Equal(t, 9, Get().Search.TopK)
	assert.Contains(t, ConfigFilePath(), RCFileName)
}

func TestLoadMissingConfigFile(t *testing.T) {
	viper.Reset()
	cfg = nil

	t.Chdir(t.TempDir())
	err := Load("")
	require.NoError(t, err)

	loadedCfg := Get()
	assert.Equal(t, DefaultEmbeddingProvider, loadedCfg.Embeddings.Provider)
	assert.Equal(t, DefaultChunkSize, loadedCfg.Indexing.ChunkSize)
}

func TestGet(t *testing.T) {
	cfg = nil

	c1 := Get()
	assert.NotNil(t, c1)

	c2 := Get()
	assert.Same(t, c1, c2)
}

func TestGlobalConfigPath(t *testing.T) {
	path := GlobalConfigPath()
	assert.Contains(t, path, "coderag")
	assert.Contains(t, path, "config.yaml")
}
