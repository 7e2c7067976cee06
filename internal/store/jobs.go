package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/coderag/internal/errs"
)

const indexStatusColumns = `
	project_id, job_id, status, total_files, indexed_files, failed_files, total_chunks,
	embed_model, chunk_size, chunk_overlap, error_message, started_at, completed_at,
	created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndexStatus(row rowScanner) (*IndexStatus, error) {
	var st IndexStatus
	var status, createdAt, updatedAt string
	var errMsg, startedAt, completedAt sql.NullString

	err := row.Scan(
		&st.ProjectID, &st.JobID, &status, &st.TotalFiles, &st.IndexedFiles, &st.FailedFiles, &st.TotalChunks,
		&st.EmbedModel, &st.ChunkSize, &st.ChunkOverlap, &errMsg, &startedAt, &completedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Status = IndexState(status)
	st.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		st.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		st.CompletedAt = &t
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// BeginJob moves a project's status row to IN_PROGRESS for a new job and
// clears the previous generation of chunks, all in one transaction. A running
// job that has reported progress within j.StaleAfter blocks the new one.
func (s *SQLiteStore) BeginJob(j JobStart) (*IndexStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM projects WHERE id = ?", j.ProjectID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check project: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, j.ProjectID)
	}

	current, err := scanIndexStatus(tx.QueryRow("SELECT "+indexStatusColumns+" FROM index_status WHERE project_id = ?", j.ProjectID))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read index status: %w", err)
	}
	if current != nil && current.Status == StateInProgress {
		stale := j.StaleAfter > 0 && time.Since(current.UpdatedAt) > j.StaleAfter
		if !stale {
			return nil, errs.E(errs.JobInProgress, "begin job",
				fmt.Sprintf("project %s is already being indexed by job %s", j.ProjectID, current.JobID), nil)
		}
		log.Warn("Taking over stale index job", "project", j.ProjectID, "job", current.JobID, "updated", current.UpdatedAt)
	}

	ts := now()
	_, err = tx.Exec(`
		INSERT INTO index_status (
			project_id, job_id, status, total_files, indexed_files, failed_files, total_chunks,
			embed_model, chunk_size, chunk_overlap, error_message, started_at, completed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?, ?, NULL, ?, NULL, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			job_id = excluded.job_id,
			status = excluded.status,
			total_files = excluded.total_files,
			indexed_files = 0,
			failed_files = 0,
			total_chunks = 0,
			embed_model = excluded.embed_model,
			chunk_size = excluded.chunk_size,
			chunk_overlap = excluded.chunk_overlap,
			error_message = NULL,
			started_at = excluded.started_at,
			completed_at = NULL,
			updated_at = excluded.updated_at
	`, j.ProjectID, j.JobID, string(StateInProgress), j.TotalFiles,
		j.EmbedModel, j.ChunkSize, j.ChunkOverlap, ts, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert index status: %w", err)
	}

	if err := deleteProjectChunks(tx, j.ProjectID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec("UPDATE projects SET file_count = ?, updated_at = ? WHERE id = ?", j.TotalFiles, ts, j.ProjectID); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	st, err := scanIndexStatus(tx.QueryRow("SELECT "+indexStatusColumns+" FROM index_status WHERE project_id = ?", j.ProjectID))
	if err != nil {
		return nil, fmt.Errorf("failed to read index status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job start: %w", err)
	}
	return st, nil
}

// InsertFileChunks writes all chunks of one file and counts the file as
// indexed. Nothing is written unless jobID still owns an IN_PROGRESS row.
func (s *SQLiteStore) InsertFileChunks(projectID, jobID, filePath string, chunks []ChunkInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(
		"SELECT status FROM index_status WHERE project_id = ? AND job_id = ?",
		projectID, jobID,
	).Scan(&status)
	if err == sql.ErrNoRows || (err == nil && IndexState(status) != StateInProgress) {
		return fmt.Errorf("write %s: %w", filePath, ErrJobSuperseded)
	}
	if err != nil {
		return fmt.Errorf("failed to read index status: %w", err)
	}

	for _, c := range chunks {
		c.ProjectID = projectID
		c.FilePath = filePath
		if _, err := insertChunk(tx, c); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`
		UPDATE index_status
		SET indexed_files = indexed_files + 1, total_chunks = total_chunks + ?, updated_at = ?
		WHERE project_id = ? AND job_id = ?
	`, len(chunks), now(), projectID, jobID)
	if err != nil {
		return fmt.Errorf("failed to update index status: %w", err)
	}

	return tx.Commit()
}

// RecordFileFailed counts one failed file against the job.
func (s *SQLiteStore) RecordFileFailed(projectID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE index_status
		SET failed_files = failed_files + 1, updated_at = ?
		WHERE project_id = ? AND job_id = ? AND status = ?
	`, now(), projectID, jobID, string(StateInProgress))
	if err != nil {
		return fmt.Errorf("failed to update index status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check index status update: %w", err)
	}
	if n == 0 {
		return ErrJobSuperseded
	}
	return nil
}

// FinishJob applies the terminal transition chosen by decide. decide sees the
// row's final counters and runs inside the same transaction as the write, so
// the decision happens exactly once per job.
func (s *SQLiteStore) FinishJob(projectID, jobID string, decide func(IndexStatus) Outcome) (*IndexStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanIndexStatus(tx.QueryRow(
		"SELECT "+indexStatusColumns+" FROM index_status WHERE project_id = ? AND job_id = ?",
		projectID, jobID,
	))
	if err == sql.ErrNoRows || (err == nil && current.Status != StateInProgress) {
		return nil, ErrJobSuperseded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index status: %w", err)
	}

	out := decide(*current)
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("cannot finish job with non-terminal status %s", out.Status)
	}

	var errMsg any
	if out.ErrorMessage != "" {
		errMsg = out.ErrorMessage
	}

	ts := now()
	_, err = tx.Exec(`
		UPDATE index_status
		SET status = ?, failed_files = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE project_id = ? AND job_id = ?
	`, string(out.Status), out.FailedFiles, errMsg, ts, ts, projectID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to finish job: %w", err)
	}

	st, err := scanIndexStatus(tx.QueryRow("SELECT "+indexStatusColumns+" FROM index_status WHERE project_id = ?", projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to read index status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job finish: %w", err)
	}
	return st, nil
}

// GetIndexStatus returns the project's status row, or nil if none exists.
func (s *SQLiteStore) GetIndexStatus(projectID string) (*IndexStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := scanIndexStatus(s.db.QueryRow("SELECT "+indexStatusColumns+" FROM index_status WHERE project_id = ?", projectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index status: %w", err)
	}
	return st, nil
}

// DeleteIndex removes a project's chunks, vectors, and status row. The
// project itself is kept.
func (s *SQLiteStore) DeleteIndex(projectID string) error {
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
	if _, err := tx.Exec("DELETE FROM index_status WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("failed to delete index status: %w", err)
	}
	if _, err := tx.Exec("UPDATE projects SET file_count = 0, updated_at = ? WHERE id = ?", now(), projectID); err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	return tx.Commit()
}
