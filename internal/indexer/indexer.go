// Package indexer runs indexing jobs: it chunks submitted files, embeds each
// chunk, and writes the results to the store while tracking job status.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/embeddings"
	"github.com/nickcecere/coderag/internal/errs"
	"github.com/nickcecere/coderag/internal/fs"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/store"
)

// Reasons recorded in Result.FileErrors.
const (
	reasonNotIndexable  = "file not indexable"
	allFilesFailedError = "All files failed to index"
)

// Indexer orchestrates indexing jobs against a store.
type Indexer struct {
	store    store.Store
	embedder embeddings.Service
	chunker  fs.Chunker
	registry *embeddings.ModelRegistry
	locks    *ProjectLocks
	cfg      *config.Config

	// Background jobs run on baseCtx so they outlive the request that
	// started them. Close cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
	jobs    sync.WaitGroup
}

// Progress is a snapshot of a running job, reported after every file.
type Progress struct {
	ProjectID    string
	JobID        string
	TotalFiles   int
	IndexedFiles int
	FailedFiles  int
	TotalChunks  int
	CurrentFile  string
	StartTime    time.Time
}

// ProgressFunc is called to report progress during indexing.
type ProgressFunc func(Progress)

// IndexRequest describes one indexing job.
type IndexRequest struct {
	// ProjectID names the project. Blank generates a new id.
	ProjectID   string
	DisplayName string
	Source      string

	// Files maps relative path to content.
	Files map[string]string

	// Unavailable lists paths the content source could not supply. They
	// count toward the total and are recorded as failed.
	Unavailable []string

	// Zero values fall back to configuration.
	EmbedModel   string
	ChunkSize    int
	ChunkOverlap int
	Workers      int

	OnProgress ProgressFunc
}

// Result is returned once a job has finished.
type Result struct {
	ProjectID string
	JobID     string
	Status    StatusView
	// FileErrors maps each failed path to its reason.
	FileErrors map[string]string
}

// Job is a handle on a background indexing job.
type Job struct {
	ProjectID string
	JobID     string

	done   chan struct{}
	result *Result
	err    error
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done. Cancelling ctx does not
// cancel the job.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New creates a new Indexer. A nil registry gets a fresh one.
func New(st store.Store, emb embeddings.Service, registry *embeddings.ModelRegistry, cfg *config.Config) *Indexer {
	if registry == nil {
		registry = embeddings.NewModelRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		store:    st,
		embedder: emb,
		chunker:  fs.NewTextChunker(fs.DefaultMaxChunks),
		registry: registry,
		locks:    NewProjectLocks(),
		cfg:      cfg,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// job is the state shared by the workers of one run.
type job struct {
	projectID string
	jobID     string
	model     string
	size      int
	overlap   int
	workers   int
	files     []fileEntry
	onProg    ProgressFunc

	mu         sync.Mutex
	progress   Progress
	fileErrors map[string]string
}

type fileEntry struct {
	path    string
	content string
}

// Index runs a job synchronously. A job that ran to a terminal state returns
// a nil error even when files failed; check Result.Status. A job aborted by
// an unreachable embedding backend, cancellation, or an unexpected fault
// returns the Result together with the cause.
func (idx *Indexer) Index(ctx context.Context, req IndexRequest) (*Result, error) {
	j, err := idx.begin(req)
	if err != nil {
		return nil, err
	}
	return idx.run(ctx, j)
}

// Start begins a job in the background and returns once it is IN_PROGRESS.
// A project that already has a running job is rejected with errs.JobInProgress.
func (idx *Indexer) Start(req IndexRequest) (*Job, error) {
	j, err := idx.begin(req)
	if err != nil {
		return nil, err
	}

	handle := &Job{ProjectID: j.projectID, JobID: j.jobID, done: make(chan struct{})}
	idx.jobs.Add(1)
	go func() {
		defer idx.jobs.Done()
		defer close(handle.done)
		handle.result, handle.err = idx.run(idx.baseCtx, j)
		if handle.err != nil {
			log.Error("Background indexing failed", "project", j.projectID, "job", j.jobID, "error", handle.err)
		}
	}()
	return handle, nil
}

// begin resolves request defaults, takes the project lock, and moves the
// status row to IN_PROGRESS. On success the caller owns the lock and must
// call run.
func (idx *Indexer) begin(req IndexRequest) (*job, error) {
	j := idx.newJob(req)

	if _, err := idx.store.EnsureProject(store.Project{
		ID:          j.projectID,
		DisplayName: req.DisplayName,
		Source:      req.Source,
	}); err != nil {
		return nil, fmt.Errorf("failed to ensure project: %w", err)
	}

	if !idx.locks.TryAcquire(j.projectID) {
		return nil, errs.E(errs.JobInProgress, "index", "project "+j.projectID+" is already being indexed", nil)
	}

	_, err := idx.store.BeginJob(store.JobStart{
		ProjectID:    j.projectID,
		JobID:        j.jobID,
		TotalFiles:   len(j.files),
		EmbedModel:   j.model,
		ChunkSize:    j.size,
		ChunkOverlap: j.overlap,
		StaleAfter:   idx.cfg.Indexing.StaleJobTimeout,
	})
	if err != nil {
		idx.locks.Release(j.projectID)
		return nil, err
	}

	idx.registry.Activate(j.model)
	j.progress.StartTime = time.Now()

	log.Info("Indexing started",
		"project", j.projectID,
		"job", j.jobID,
		"files", len(j.files),
		"model", j.model,
		"chunk_size", j.size,
		"overlap", j.overlap,
	)
	return j, nil
}

func (idx *Indexer) newJob(req IndexRequest) *job {
	j := &job{
		projectID:  req.ProjectID,
		jobID:      uuid.NewString(),
		model:      req.EmbedModel,
		size:       req.ChunkSize,
		overlap:    req.ChunkOverlap,
		workers:    req.Workers,
		onProg:     req.OnProgress,
		fileErrors: make(map[string]string),
	}
	if j.projectID == "" {
		j.projectID = uuid.NewString()
	}
	j.model, j.size, j.overlap = idx.settings(j.model, j.size, j.overlap)
	if j.workers <= 0 {
		j.workers = idx.cfg.Indexing.Workers
	}
	if j.workers <= 0 {
		j.workers = 1
	}

	seen := make(map[string]bool, len(req.Files)+len(req.Unavailable))
	for path, content := range req.Files {
		seen[path] = true
		j.files = append(j.files, fileEntry{path: path, content: content})
	}
	for _, path := range req.Unavailable {
		if !seen[path] {
			seen[path] = true
			j.files = append(j.files, fileEntry{path: path})
		}
	}
	sort.Slice(j.files, func(a, b int) bool { return j.files[a].path < j.files[b].path })

	j.progress = Progress{ProjectID: j.projectID, JobID: j.jobID, TotalFiles: len(j.files)}
	return j
}

// settings fills blank job settings from the embedder and configuration.
func (idx *Indexer) settings(model string, size, overlap int) (string, int, int) {
	if model == "" {
		model = idx.embedder.ModelName()
	}
	if size == 0 {
		size = idx.cfg.Indexing.ChunkSize
	}
	if overlap == 0 {
		overlap = idx.cfg.Indexing.ChunkOverlap
	}
	return model, size, overlap
}

// run processes every file and applies the terminal transition exactly once.
func (idx *Indexer) run(ctx context.Context, j *job) (*Result, error) {
	defer idx.locks.Release(j.projectID)
	defer idx.registry.Deactivate(j.model)

	abort := func() (abort error) {
		defer func() {
			if r := recover(); r != nil {
				abort = errs.E(errs.Fatal, "index", fmt.Sprint(r), nil)
			}
		}()
		return idx.processFiles(ctx, j)
	}()

	if errs.IsSuperseded(abort) {
		log.Warn("Index job superseded", "project", j.projectID, "job", j.jobID)
		return idx.result(j, nil), abort
	}

	final, ferr := idx.store.FinishJob(j.projectID, j.jobID, func(cur store.IndexStatus) store.Outcome {
		return decideOutcome(cur, abort)
	})
	if ferr != nil {
		if errs.IsSuperseded(ferr) {
			log.Warn("Index job superseded before completion", "project", j.projectID, "job", j.jobID)
		}
		return idx.result(j, nil), ferr
	}

	log.Info("Indexing finished",
		"project", j.projectID,
		"job", j.jobID,
		"status", final.Status,
		"indexed", final.IndexedFiles,
		"failed", final.FailedFiles,
		"chunks", final.TotalChunks,
		"duration", time.Since(j.progress.StartTime).Round(time.Millisecond),
	)

	return idx.result(j, final), abort
}

func (idx *Indexer) result(j *job, final *store.IndexStatus) *Result {
	j.mu.Lock()
	defer j.mu.Unlock()

	fileErrors := make(map[string]string, len(j.fileErrors))
	for k, v := range j.fileErrors {
		fileErrors[k] = v
	}
	return &Result{
		ProjectID:  j.projectID,
		JobID:      j.jobID,
		Status:     NewStatusView(j.projectID, final),
		FileErrors: fileErrors,
	}
}

// decideOutcome picks the terminal state from the row's final counters.
// Files left unprocessed by an abort are counted as failed.
func decideOutcome(cur store.IndexStatus, abort error) store.Outcome {
	failed := cur.TotalFiles - cur.IndexedFiles
	if abort != nil {
		return store.Outcome{Status: store.StateFailed, FailedFiles: failed, ErrorMessage: abort.Error()}
	}
	switch {
	case failed == 0:
		return store.Outcome{Status: store.StateCompleted}
	case cur.IndexedFiles == 0:
		return store.Outcome{Status: store.StateFailed, FailedFiles: failed, ErrorMessage: allFilesFailedError}
	default:
		return store.Outcome{Status: store.StateCompletedWithErrors, FailedFiles: failed}
	}
}

// processFiles fans files out to a bounded worker pool. It returns the error
// that aborted the job, or nil if every file was accounted for.
func (idx *Indexer) processFiles(ctx context.Context, j *job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)

	for _, f := range j.files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			if gctx.Err() != nil {
				return nil
			}
			defer func() {
				if r := recover(); r != nil {
					err = errs.E(errs.Fatal, "index "+f.path, fmt.Sprint(r), nil)
				}
			}()
			return idx.processFile(gctx, j, f)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// processFile indexes one file. File-scoped failures are recorded and
// swallowed; only job-aborting errors are returned.
func (idx *Indexer) processFile(ctx context.Context, j *job, f fileEntry) error {
	chunks, err := idx.indexFile(ctx, j, f)
	if err == nil {
		j.mu.Lock()
		j.progress.IndexedFiles++
		j.progress.TotalChunks += chunks
		j.progress.CurrentFile = f.path
		j.report()
		j.mu.Unlock()
		log.Debug("Indexed file", "path", f.path, "chunks", chunks)
		return nil
	}

	if isAbort(err) {
		return err
	}

	log.Warn("Failed to index file", "path", f.path, "error", err)
	if rerr := idx.store.RecordFileFailed(j.projectID, j.jobID); rerr != nil {
		if errs.IsSuperseded(rerr) {
			return rerr
		}
		log.Error("Failed to record file failure", "path", f.path, "error", rerr)
	}

	j.mu.Lock()
	j.fileErrors[f.path] = reason(err)
	j.progress.FailedFiles++
	j.progress.CurrentFile = f.path
	j.report()
	j.mu.Unlock()
	return nil
}

// indexFile chunks, embeds, and writes one file, returning the number of
// chunks written.
func (idx *Indexer) indexFile(ctx context.Context, j *job, f fileEntry) (int, error) {
	if strings.TrimSpace(f.content) == "" {
		return 0, errs.E(errs.FileScoped, f.path, reasonNotIndexable, nil)
	}

	chunks := idx.chunker.ChunkFile(f.path, f.content, j.size, j.overlap)
	if len(chunks) == 0 {
		return 0, errs.E(errs.FileScoped, f.path, "no chunks produced", nil)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := idx.embedder.EmbedBatch(ctx, texts, j.model)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(chunks) {
		return 0, errs.E(errs.FileScoped, f.path,
			fmt.Sprintf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors)), nil)
	}

	inputs := make([]store.ChunkInput, len(chunks))
	for i, c := range chunks {
		inputs[i] = store.ChunkInput{
			ChunkIndex: c.Index,
			Content:    c.Content,
			TokenCount: c.TokenEstimate,
			Embedding:  vectors[i],
		}
	}

	if err := idx.store.InsertFileChunks(j.projectID, j.jobID, f.path, inputs); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// report must be called with j.mu held.
func (j *job) report() {
	if j.onProg != nil {
		j.onProg(j.progress)
	}
}

// isAbort reports whether err ends the whole job rather than one file.
func isAbort(err error) bool {
	switch errs.KindOf(err) {
	case errs.ServiceUnavailable, errs.Superseded, errs.Fatal:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func reason(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Kind == errs.FileScoped && e.Err == nil {
		return e.Msg
	}
	return err.Error()
}

// Status returns the read model for a project. A project with no job yet
// reads as PENDING; an unknown project is errs.NotFound.
func (idx *Indexer) Status(projectID string) (*StatusView, error) {
	project, err := idx.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errs.E(errs.NotFound, "status", "project not found: "+projectID, nil)
	}

	st, err := idx.store.GetIndexStatus(projectID)
	if err != nil {
		return nil, err
	}
	v := NewStatusView(projectID, st)
	return &v, nil
}

// Delete removes a project's index. A job still running for the project is
// superseded: its remaining writes and terminal transition are rejected.
func (idx *Indexer) Delete(projectID string) error {
	project, err := idx.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return errs.E(errs.NotFound, "delete", "project not found: "+projectID, nil)
	}
	if idx.locks.Held(projectID) {
		log.Info("Deleting index while a job is running", "project", projectID)
	}
	return idx.store.DeleteIndex(projectID)
}

// Projects lists every known project.
func (idx *Indexer) Projects() ([]store.Project, error) {
	return idx.store.ListProjects()
}

// FindProject resolves ref as a project id, then as a display name or name.
// A display name shared by several projects is ambiguous and not resolved.
func (idx *Indexer) FindProject(ref string) (*store.Project, error) {
	if ref == "" {
		return nil, errs.E(errs.NotFound, "find project", "empty project reference", nil)
	}
	if p, err := idx.store.GetProject(ref); err != nil || p != nil {
		return p, err
	}

	projects, err := idx.store.ListProjects()
	if err != nil {
		return nil, err
	}
	var match *store.Project
	for i := range projects {
		if projects[i].DisplayName != ref && projects[i].Name != ref {
			continue
		}
		if match != nil {
			return nil, errs.E(errs.NotFound, "find project", "ambiguous project name: "+ref, nil)
		}
		match = &projects[i]
	}
	if match == nil {
		return nil, errs.E(errs.NotFound, "find project", "project not found: "+ref, nil)
	}
	return match, nil
}

// ResolveProject accepts a project id, a display name, or a directory that
// was indexed from this device, and returns the project id.
func (idx *Indexer) ResolveProject(ref string) (string, error) {
	p, err := idx.FindProject(ref)
	if err == nil {
		return p.ID, nil
	}
	if !errs.IsNotFound(err) {
		return "", err
	}

	if abs, aerr := filepath.Abs(ref); aerr == nil {
		if info, serr := os.Stat(abs); serr == nil && info.IsDir() {
			if p, ferr := idx.FindProject(source.DeviceProjectID(abs)); ferr == nil {
				return p.ID, nil
			}
		}
	}
	return "", err
}

// Close cancels background jobs and waits for them to record their outcome.
func (idx *Indexer) Close() {
	idx.cancel()
	idx.jobs.Wait()
}
