package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec extension
	sqlite_vec.Auto()
}

// SQLiteStore implements the Store interface using SQLite and sqlite-vec.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug("Opened SQLite store", "path", dbPath)

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func defaultProjectName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "Project " + id
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

// EnsureProject returns the project with p.ID, creating it from p when absent.
// An existing project keeps its fields.
func (s *SQLiteStore) EnsureProject(p Project) (*Project, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if p.Source == "" {
		p.Source = "device"
	}
	if p.Name == "" {
		p.Name = defaultProjectName(p.ID)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}

	s.mu.Lock()
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, display_name, source, file_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.ID, p.Name, p.DisplayName, p.Source, p.FileCount, ts, ts)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return s.GetProject(p.ID)
}

// GetProject retrieves a project by id, or nil if it does not exist.
func (s *SQLiteStore) GetProject(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Project
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, display_name, source, file_count, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.DisplayName, &p.Source, &p.FileCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ListProjects returns all projects, oldest first.
func (s *SQLiteStore) ListProjects() ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, display_name, source, file_count, created_at, updated_at
		FROM projects ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Source, &p.FileCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// insertChunk writes one chunk row and its vector into the slot matching the
// vector's length.
func insertChunk(ex execer, c ChunkInput) (int64, error) {
	d, err := SlotFor(len(c.Embedding))
	if err != nil {
		return 0, err
	}

	result, err := ex.Exec(`
		INSERT INTO chunks (project_id, file_path, chunk_index, content, token_count, embedding_dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ProjectID, c.FilePath, c.ChunkIndex, c.Content, c.TokenCount, int(d), now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
	}

	chunkID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get chunk ID: %w", err)
	}

	_, err = ex.Exec(
		fmt.Sprintf("INSERT INTO %s (chunk_id, embedding) VALUES (?, ?)", d.table()),
		chunkID, serializeEmbedding(c.Embedding),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert vector for chunk %d: %w", c.ChunkIndex, err)
	}

	return chunkID, nil
}

// InsertChunk durably writes a single chunk and its vector.
func (s *SQLiteStore) InsertChunk(c ChunkInput) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertChunk(tx, c)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// deleteProjectChunks removes a project's vectors from every slot, then its chunks.
func deleteProjectChunks(ex execer, projectID string) error {
	for _, d := range AllDims() {
		_, err := ex.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE chunk_id IN (SELECT id FROM chunks WHERE project_id = ?)", d.table()),
			projectID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete %d-dimension vectors: %w", int(d), err)
		}
	}

	if _, err := ex.Exec("DELETE FROM chunks WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DeleteAllChunks removes every chunk and vector owned by the project.
func (s *SQLiteStore) DeleteAllChunks(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteProjectChunks(tx, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListChunks returns a project's chunks ordered by file and position.
func (s *SQLiteStore) ListChunks(projectID string) ([]ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, project_id, file_path, chunk_index, content, token_count, embedding_dim, created_at
		FROM chunks WHERE project_id = ?
		ORDER BY file_path, chunk_index
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var dim int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.FilePath, &c.ChunkIndex, &c.Content, &c.TokenCount, &dim, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.EmbeddingDim = Dim(dim)
		c.CreatedAt = parseTime(createdAt)
		chunks = append(chunks, c)
	}

	return chunks, rows.Err()
}

// Nearest returns up to q.Limit chunks from the project scope whose vector
// lives in slot q.Dim, ordered by ascending cosine distance. Exact ties keep
// whatever order SQLite yields.
func (s *SQLiteStore) Nearest(q NearestQuery) ([]SearchResult, error) {
	if !q.Dim.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDimension, int(q.Dim))
	}
	if len(q.Vector) != int(q.Dim) {
		return nil, fmt.Errorf("query vector has %d dimensions, slot expects %d", len(q.Vector), int(q.Dim))
	}
	if len(q.ProjectIDs) == 0 || q.Limit <= 0 {
		return nil, nil
	}

	args := []any{serializeEmbedding(q.Vector)}
	where := "c.project_id IN (" + placeholders(len(q.ProjectIDs)) + ")"
	for _, id := range q.ProjectIDs {
		args = append(args, id)
	}
	if len(q.FilePaths) > 0 {
		where += " AND c.file_path IN (" + placeholders(len(q.FilePaths)) + ")"
		for _, p := range q.FilePaths {
			args = append(args, p)
		}
	}
	args = append(args, q.Limit)

	// vec_distance_cosine scans the slot exactly, so the scope filter is
	// applied before the limit rather than after a k-nearest cut.
	query := fmt.Sprintf(`
		SELECT
			c.id, c.project_id, c.file_path, c.chunk_index, c.content, c.token_count, c.embedding_dim, c.created_at,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM %s v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE %s
		ORDER BY distance IS NULL, distance ASC
		LIMIT ?
	`, q.Dim.table(), where)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var dim int
		var createdAt string
		var distance sql.NullFloat64
		if err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.ProjectID, &r.Chunk.FilePath, &r.Chunk.ChunkIndex,
			&r.Chunk.Content, &r.Chunk.TokenCount, &dim, &createdAt,
			&distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if !distance.Valid {
			// zero vectors have no cosine distance
			continue
		}

		r.Chunk.EmbeddingDim = Dim(dim)
		r.Chunk.CreatedAt = parseTime(createdAt)
		r.Distance = distance.Float64
		r.Score = 1 - r.Distance
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetStats returns chunk and file counts for a project.
func (s *SQLiteStore) GetStats(projectID string) (*ProjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ProjectStats{ProjectID: projectID, ByDim: make(map[Dim]int)}

	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT file_path) FROM chunks WHERE project_id = ?
	`, projectID).Scan(&stats.ChunkCount, &stats.FileCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk stats: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT embedding_dim, COUNT(*) FROM chunks WHERE project_id = ? GROUP BY embedding_dim
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dimension stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dim, count int
		if err := rows.Scan(&dim, &count); err != nil {
			return nil, fmt.Errorf("failed to scan dimension stats: %w", err)
		}
		stats.ByDim[Dim(dim)] = count
	}

	return stats, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// serializeEmbedding converts a float32 slice to bytes for sqlite-vec.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
