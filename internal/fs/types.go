// Package fs provides file system traversal and text chunking for indexing.
package fs

import "time"

const (
	// DefaultChunkSize applies when a non-positive chunk size is requested.
	DefaultChunkSize = 500
	// DefaultMaxChunks bounds the passages produced from one input.
	DefaultMaxChunks = 10000
)

// FileInfo represents metadata about a file.
type FileInfo struct {
	Path     string    // Absolute path to the file
	RelPath  string    // Path relative to the root, slash separated
	Size     int64     // File size in bytes
	ModTime  time.Time // Last modification time
	Hash     string    // xxhash of file contents
	Language string    // Detected programming language (if applicable)
}

// Chunk is one passage produced by the chunker.
type Chunk struct {
	Content       string // Trimmed passage text
	Index         int    // Zero-based, contiguous within one input
	TokenEstimate int    // ceil(chars/4) of Content
	StartChar     int    // Window start, in runes, before trimming
	EndChar       int    // Window end (exclusive), in runes, before trimming
}

// WalkOptions configures the file walker.
type WalkOptions struct {
	// Root is the directory to start walking from.
	Root string

	// MaxFileSize is the maximum file size to process (in bytes).
	MaxFileSize int64

	// MaxFileCount is the maximum number of files to process.
	MaxFileCount int

	// IgnorePatterns are additional patterns to ignore (gitignore syntax).
	IgnorePatterns []string

	// IncludeHidden includes hidden files and directories.
	IncludeHidden bool

	// UseGitignore respects .gitignore files.
	UseGitignore bool

	// TextOnly skips files whose names are not eligible for text indexing.
	TextOnly bool

	// Extensions limits the walk to these extensions ("go" and ".go" are
	// equivalent). Empty means every text file.
	Extensions []string
}

// ChunkOptions holds chunk size and overlap in characters.
type ChunkOptions struct {
	ChunkSize    int
	ChunkOverlap int
}

// DefaultWalkOptions returns sensible defaults for walking.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{
		MaxFileSize:  1024 * 1024, // 1MB
		MaxFileCount: 10000,
		UseGitignore: true,
		TextOnly:     true,
	}
}

// WalkStats contains statistics from a directory walk.
type WalkStats struct {
	FilesFound   int   // Total files found
	FilesSkipped int   // Files skipped due to size/pattern/etc
	DirsSkipped  int   // Directories skipped
	TotalBytes   int64 // Total bytes of files found
	SkippedBytes int64 // Total bytes of skipped files
}

// Chunker splits text into passages.
type Chunker interface {
	Chunk(text string, size, overlap int) []Chunk
	ChunkFile(path, text string, size, overlap int) []Chunk
}

var _ Chunker = (*TextChunker)(nil)
