package fs

import (
	"math"
	"strings"

	"github.com/charmbracelet/log"
)

// TextChunker splits text into overlapping character windows, preferring to
// end a window on a newline or space in its second half.
type TextChunker struct {
	maxChunks int
}

// NewTextChunker creates a chunker. A non-positive maxChunks uses DefaultMaxChunks.
func NewTextChunker(maxChunks int) *TextChunker {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &TextChunker{maxChunks: maxChunks}
}

// Normalize returns the options actually used for chunking. Invalid values are
// replaced, never rejected.
func (o ChunkOptions) Normalize() ChunkOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = int(math.Round(float64(o.ChunkSize) * 0.1))
	}
	return o
}

// Chunk splits text into ordered, trimmed passages. Blank input yields nil.
//
// Windows start every size-overlap runes whether or not the previous window
// was cut short at a natural break. A cut longer than the overlap leaves the
// runes between the cut and the next start out of every chunk.
func (c *TextChunker) Chunk(text string, size, overlap int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	opts := ChunkOptions{ChunkSize: size, ChunkOverlap: overlap}.Normalize()
	runes := []rune(text)

	if len(runes) <= opts.ChunkSize {
		content := strings.TrimSpace(text)
		return []Chunk{{
			Content:       content,
			Index:         0,
			TokenEstimate: EstimateTokens(content),
			StartChar:     0,
			EndChar:       len(runes),
		}}
	}

	step := opts.ChunkSize - opts.ChunkOverlap
	half := opts.ChunkSize / 2

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := min(start+opts.ChunkSize, len(runes))
		final := end == len(runes)
		if !final {
			if cut := naturalBreak(runes[start:end], half); cut > 0 {
				end = start + cut
			}
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			if len(chunks) >= c.maxChunks {
				log.Warn("Chunk limit reached, truncating input", "limit", c.maxChunks, "chars", len(runes))
				break
			}
			chunks = append(chunks, Chunk{
				Content:       content,
				Index:         len(chunks),
				TokenEstimate: EstimateTokens(content),
				StartChar:     start,
				EndChar:       end,
			})
		}

		if final {
			break
		}
	}

	log.Debug("Chunked text", "chars", len(runes), "chunks", len(chunks), "size", opts.ChunkSize, "overlap", opts.ChunkOverlap)
	return chunks
}

// ChunkFile prefixes the text with its path so every passage carries its origin.
func (c *TextChunker) ChunkFile(path, text string, size, overlap int) []Chunk {
	return c.Chunk(FileHeader(path)+text, size, overlap)
}

// FileHeader is the origin line prepended by ChunkFile.
func FileHeader(path string) string {
	return "File: " + path + "\n---\n"
}

// EstimateTokens approximates token count at four characters per token.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}

// naturalBreak returns the length to cut window to, or 0 when no newline or
// space lies strictly past half.
func naturalBreak(window []rune, half int) int {
	lastNewline, lastSpace := -1, -1
	for i, r := range window {
		switch r {
		case '\n':
			lastNewline = i
		case ' ':
			lastSpace = i
		}
	}
	if lastNewline > half {
		return lastNewline + 1
	}
	if lastSpace > half {
		return lastSpace + 1
	}
	return 0
}
