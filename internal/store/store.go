package store

// Store defines chunk, vector, and index-status persistence.
type Store interface {
	// Projects
	EnsureProject(p Project) (*Project, error)
	GetProject(id string) (*Project, error)
	ListProjects() ([]Project, error)

	// Chunks and vectors
	InsertChunk(c ChunkInput) (int64, error)
	InsertFileChunks(projectID, jobID, filePath string, chunks []ChunkInput) error
	DeleteAllChunks(projectID string) error
	ListChunks(projectID string) ([]ChunkRecord, error)
	Nearest(q NearestQuery) ([]SearchResult, error)
	GetStats(projectID string) (*ProjectStats, error)

	// Index status
	BeginJob(j JobStart) (*IndexStatus, error)
	RecordFileFailed(projectID, jobID string) error
	FinishJob(projectID, jobID string, decide func(IndexStatus) Outcome) (*IndexStatus, error)
	GetIndexStatus(projectID string) (*IndexStatus, error)
	DeleteIndex(projectID string) error

	Close() error
}
