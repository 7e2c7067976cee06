// Package store provides chunk, vector, and index-status storage using SQLite
// and sqlite-vec.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/nickcecere/coderag/internal/errs"
)

// Dim is a supported embedding dimensionality. Each Dim has its own vector
// table; vectors of different lengths are never mixed.
type Dim int

const (
	Dim384  Dim = 384
	Dim768  Dim = 768
	Dim1024 Dim = 1024
)

var slots = map[int]Dim{
	384:  Dim384,
	768:  Dim768,
	1024: Dim1024,
}

// AllDims lists every storage slot in ascending order.
func AllDims() []Dim {
	return []Dim{Dim384, Dim768, Dim1024}
}

// SlotFor resolves a vector length to its storage slot.
func SlotFor(length int) (Dim, error) {
	d, ok := slots[length]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedDimension, length)
	}
	return d, nil
}

// Valid reports whether d is one of the supported slots.
func (d Dim) Valid() bool {
	_, ok := slots[int(d)]
	return ok
}

func (d Dim) table() string {
	return fmt.Sprintf("chunk_vectors_%d", int(d))
}

var (
	// ErrUnsupportedDimension rejects vectors with no storage slot.
	ErrUnsupportedDimension = errors.New("unsupported embedding dimension")
	// ErrProjectNotFound is returned when a project id has no row.
	ErrProjectNotFound = errors.New("project not found")
	// ErrJobSuperseded rejects writes from a job whose status row was
	// deleted or taken over by a newer job.
	ErrJobSuperseded = errs.E(errs.Superseded, "store", "index job superseded", nil)
)

// IndexState is the lifecycle state of a project's indexing job.
type IndexState string

const (
	StatePending             IndexState = "PENDING"
	StateInProgress          IndexState = "IN_PROGRESS"
	StateCompleted           IndexState = "COMPLETED"
	StateCompletedWithErrors IndexState = "COMPLETED_WITH_ERRORS"
	StateFailed              IndexState = "FAILED"
)

// Terminal reports whether no further transitions happen from s.
func (s IndexState) Terminal() bool {
	return s == StateCompleted || s == StateCompletedWithErrors || s == StateFailed
}

// Project anchors a logical codebase.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Source      string    `json:"source"`
	FileCount   int       `json:"file_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChunkRecord is a stored passage.
type ChunkRecord struct {
	ID           int64     `json:"id"`
	ProjectID    string    `json:"project_id"`
	FilePath     string    `json:"file_path"`
	ChunkIndex   int       `json:"chunk_index"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count"`
	EmbeddingDim Dim       `json:"embedding_dim"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChunkInput is a passage and its vector, ready to be written. The vector's
// length selects the storage slot.
type ChunkInput struct {
	ProjectID  string
	FilePath   string
	ChunkIndex int
	Content    string
	TokenCount int
	Embedding  []float32
}

// NearestQuery selects the closest chunks to Vector within a project scope.
type NearestQuery struct {
	ProjectIDs []string
	Vector     []float32
	Limit      int
	Dim        Dim
	// FilePaths, when non-empty, restricts hits to these paths.
	FilePaths []string
}

// SearchResult is a chunk with its cosine distance and 1-distance score.
type SearchResult struct {
	Chunk    ChunkRecord `json:"chunk"`
	Distance float64     `json:"distance"`
	Score    float64     `json:"score"`
}

// IndexStatus is the persisted state of a project's latest job.
type IndexStatus struct {
	ProjectID    string     `json:"project_id"`
	JobID        string     `json:"job_id"`
	Status       IndexState `json:"status"`
	TotalFiles   int        `json:"total_files"`
	IndexedFiles int        `json:"indexed_files"`
	FailedFiles  int        `json:"failed_files"`
	TotalChunks  int        `json:"total_chunks"`
	EmbedModel   string     `json:"embed_model"`
	ChunkSize    int        `json:"chunk_size"`
	ChunkOverlap int        `json:"chunk_overlap"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobStart describes a job about to enter IN_PROGRESS.
type JobStart struct {
	ProjectID    string
	JobID        string
	TotalFiles   int
	EmbedModel   string
	ChunkSize    int
	ChunkOverlap int
	// StaleAfter lets a new job take over an IN_PROGRESS row that has not
	// been updated for this long. Zero never takes over.
	StaleAfter time.Duration
}

// Outcome is the terminal transition chosen for a job.
type Outcome struct {
	Status       IndexState
	FailedFiles  int
	ErrorMessage string
}

// ProjectStats summarises what is stored for a project.
type ProjectStats struct {
	ProjectID  string      `json:"project_id"`
	FileCount  int         `json:"file_count"`
	ChunkCount int         `json:"chunk_count"`
	ByDim      map[Dim]int `json:"by_dim"`
}
