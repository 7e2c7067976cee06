package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Embedding defaults
	DefaultEmbeddingProvider = "ollama"
	DefaultEmbedModel        = "nomic-embed-text"
	DefaultEmbedDimensions   = 768
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaTimeout     = 60 * time.Second

	// Retry defaults for transient backend errors
	DefaultRetryMaxRetries   = 2
	DefaultRetryInitialDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay     = 5 * time.Second

	// Indexing defaults
	DefaultMaxFileSize     = 1 << 20 // 1MB
	DefaultChunkSize       = 500
	DefaultChunkOverlap    = 50
	DefaultWorkers         = 4
	DefaultStaleJobTimeout = time.Hour

	DefaultTopK          = 5
	DefaultWatchDebounce = 500 * time.Millisecond

	// Files
	DefaultDBFileName = "coderag.db"
	RCFileName        = ".coderagrc.yaml"
)

// DefaultIgnorePatterns returns the default list of file patterns to ignore.
func DefaultIgnorePatterns() []string {
	return []string{
		// Lock files
		"*.lock",
		"package-lock.json",
		"yarn.lock",
		"pnpm-lock.yaml",
		"Cargo.lock",
		"go.sum",
		"poetry.lock",
		"Gemfile.lock",

		// Build outputs
		"dist/",
		"build/",
		"out/",
		"target/",
		"__pycache__/",
		"*.pyc",
		".next/",
		".nuxt/",

		// Dependencies
		"node_modules/",
		"vendor/",
		".venv/",
		"venv/",

		// IDE/Editor
		".idea/",
		".vscode/",
		"*.swp",
		"*.swo",
		"*~",

		// Version control
		".git/",
		".svn/",
		".hg/",

		// Binary/compiled
		"*.exe",
		"*.dll",
		"*.so",
		"*.dylib",
		"*.o",
		"*.a",
		"*.class",

		// Media/Binary
		"*.jpg",
		"*.jpeg",
		"*.png",
		"*.gif",
		"*.ico",
		"*.svg",
		"*.webp",
		"*.mp3",
		"*.mp4",
		"*.wav",
		"*.avi",
		"*.mov",
		"*.pdf",
		"*.doc",
		"*.docx",
		"*.xls",
		"*.xlsx",

		// Archives
		"*.zip",
		"*.tar",
		"*.tar.gz",
		"*.tgz",
		"*.rar",
		"*.7z",

		// Minified
		"*.min.js",
		"*.min.css",
		"*.map",

		// Misc
		".DS_Store",
		"Thumbs.db",
		".env",
		".env.*",
		"*.log",
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/coderag"
	}
	return filepath.Join(home, ".config", "coderag")
}

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/coderag"
	}
	return filepath.Join(home, ".local", "share", "coderag")
}

// DefaultDatabasePath returns the default database file path.
func DefaultDatabasePath() string {
	return filepath.Join(DefaultDataDir(), DefaultDBFileName)
}
