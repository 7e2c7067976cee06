package indexer

import (
	"fmt"
	"time"

	"github.com/nickcecere/coderag/internal/store"
)

// StatusView is the index status read model handed to callers.
type StatusView struct {
	ProjectID       string           `json:"projectId"`
	JobID           string           `json:"jobId,omitempty"`
	Status          store.IndexState `json:"status"`
	TotalFiles      int              `json:"totalFiles"`
	IndexedFiles    int              `json:"indexedFiles"`
	FailedFiles     int              `json:"failedFiles"`
	TotalChunks     int              `json:"totalChunks"`
	ProgressPercent int              `json:"progressPercent"`
	EmbedModel      string           `json:"embedModel,omitempty"`
	ChunkSize       int              `json:"chunkSize"`
	ChunkOverlap    int              `json:"chunkOverlap"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	Message         string           `json:"message"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// NewStatusView builds the read model for projectID. A nil row means no job
// has been created yet and reads as PENDING.
func NewStatusView(projectID string, st *store.IndexStatus) StatusView {
	if st == nil {
		v := StatusView{ProjectID: projectID, Status: store.StatePending}
		v.Message = statusMessage(v)
		return v
	}

	v := StatusView{
		ProjectID:       st.ProjectID,
		JobID:           st.JobID,
		Status:          st.Status,
		TotalFiles:      st.TotalFiles,
		IndexedFiles:    st.IndexedFiles,
		FailedFiles:     st.FailedFiles,
		TotalChunks:     st.TotalChunks,
		ProgressPercent: progressPercent(st.IndexedFiles, st.FailedFiles, st.TotalFiles),
		EmbedModel:      st.EmbedModel,
		ChunkSize:       st.ChunkSize,
		ChunkOverlap:    st.ChunkOverlap,
		ErrorMessage:    st.ErrorMessage,
		StartedAt:       st.StartedAt,
		CompletedAt:     st.CompletedAt,
	}
	v.Message = statusMessage(v)
	return v
}

func progressPercent(indexed, failed, total int) int {
	if total <= 0 {
		return 0
	}
	return 100 * (indexed + failed) / total
}

func statusMessage(v StatusView) string {
	switch v.Status {
	case store.StatePending:
		return "Indexing has not started"
	case store.StateInProgress:
		return fmt.Sprintf("Indexing in progress: %d of %d files processed", v.IndexedFiles+v.FailedFiles, v.TotalFiles)
	case store.StateCompleted:
		return "Indexing completed successfully"
	case store.StateCompletedWithErrors:
		return fmt.Sprintf("Indexing completed with %d failed files", v.FailedFiles)
	case store.StateFailed:
		if v.ErrorMessage != "" {
			return v.ErrorMessage
		}
		return "Indexing failed"
	default:
		return string(v.Status)
	}
}
