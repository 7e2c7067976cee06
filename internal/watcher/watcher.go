// Package watcher re-indexes a directory when its files change.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/errs"
	"github.com/nickcecere/coderag/internal/fs"
	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/source"
)

// Watcher watches a device source and starts a full re-index after changes.
// Every re-index replaces the whole project, so changes are batched into one
// job per debounce tick.
type Watcher struct {
	src         *source.DeviceSource
	projectID   string
	displayName string
	indexer     *indexer.Indexer
	cfg         *config.Config
	ignorer     *gitignore.GitIgnore

	mu     sync.Mutex
	hashes map[string]string // relative path -> content hash last indexed
	dirty  bool
	gen    uint64 // bumped by every change noted
	job    *indexer.Job

	// loaded, when set, runs between loading the tree and starting a job.
	loaded func()

	debounceTime time.Duration

	// callback for status updates
	onEvent func(event string, path string)
}

// Option configures the watcher.
type Option func(*Watcher)

// WithDebounceTime sets the debounce duration for batching events.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounceTime = d
	}
}

// WithEventCallback sets a callback for file events.
func WithEventCallback(fn func(event string, path string)) Option {
	return func(w *Watcher) {
		w.onEvent = fn
	}
}

// New creates a watcher for src that indexes into projectID.
func New(src *source.DeviceSource, projectID, displayName string, idx *indexer.Indexer, cfg *config.Config, opts ...Option) *Watcher {
	w := &Watcher{
		src:          src,
		projectID:    projectID,
		displayName:  displayName,
		indexer:      idx,
		cfg:          cfg,
		ignorer:      gitignore.CompileIgnoreLines(cfg.Ignore...),
		hashes:       make(map[string]string),
		debounceTime: cfg.Watch.Debounce,
		onEvent:      func(string, string) {}, // noop default
	}
	if w.debounceTime <= 0 {
		w.debounceTime = config.DefaultWatchDebounce
	}

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching for file changes. Blocks until context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Snapshot(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addDirectories(watcher); err != nil {
		return err
	}

	log.Info("Watching for file changes", "root", w.src.Root(), "project", w.projectID)

	go w.processDebounced(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, watcher)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Watcher error", "error", err)
		}
	}
}

// Snapshot records the current content hashes as the indexed baseline.
func (w *Watcher) Snapshot(ctx context.Context) error {
	entries, err := w.src.List(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.hashes = hashMap(entries)
	w.mu.Unlock()
	return nil
}

func hashMap(entries []source.Entry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Path] = e.Hash
	}
	return m
}

// addDirectories recursively adds all directories to the watcher.
func (w *Watcher) addDirectories(watcher *fsnotify.Watcher) error {
	root := w.src.Root()
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skip(w.rel(path), true) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			log.Debug("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.src.Root(), path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// skip reports whether rel is hidden or matched by the ignore patterns.
func (w *Watcher) skip(rel string, dir bool) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	if dir {
		return w.ignorer.MatchesPath(rel + "/")
	}
	return w.ignorer.MatchesPath(rel)
}

// handleEvent processes a single file system event.
func (w *Watcher) handleEvent(event fsnotify.Event, watcher *fsnotify.Watcher) {
	rel := w.rel(event.Name)

	info, statErr := os.Stat(event.Name)
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) && !w.skip(rel, true) {
			if err := watcher.Add(event.Name); err == nil {
				log.Debug("Added directory to watch", "path", rel)
			}
		}
		return
	}

	if w.skip(rel, false) {
		return
	}

	removed := statErr != nil || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	w.noteChange(rel, removed)
}

// noteChange marks the project dirty when rel's content differs from what
// was last indexed.
func (w *Watcher) noteChange(rel string, removed bool) {
	var hash string
	if !removed {
		if !fs.IsTextEligible(rel) || !w.src.Accepts(rel) {
			return
		}
		h, err := fs.HashFile(filepath.Join(w.src.Root(), filepath.FromSlash(rel)))
		if err != nil {
			removed = true
		} else {
			hash = h
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, known := w.hashes[rel]
	switch {
	case removed && !known:
		return
	case removed:
		delete(w.hashes, rel)
		w.onEvent("delete", rel)
	case known && prev == hash:
		log.Debug("File unchanged, skipping", "path", rel)
		return
	default:
		w.hashes[rel] = hash
		w.onEvent("change", rel)
	}
	w.dirty = true
	w.gen++
}

// processDebounced flushes pending changes periodically.
func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(w.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush starts a re-index if anything changed and no job of ours is still
// running. A rejected start leaves the project dirty for the next tick, and
// so does a change noted while the tree was being loaded.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	if w.job != nil {
		select {
		case <-w.job.Done():
			w.job = nil
		default:
			w.mu.Unlock()
			return
		}
	}
	gen := w.gen
	w.mu.Unlock()

	job, entries, err := w.reindex(ctx)
	if err != nil {
		if errs.IsJobInProgress(err) {
			log.Debug("Index job already running, retrying later", "project", w.projectID)
		} else {
			log.Error("Failed to start re-index", "project", w.projectID, "error", err)
		}
		return
	}

	w.mu.Lock()
	w.dirty = w.gen != gen
	w.job = job
	w.hashes = hashMap(entries)
	w.mu.Unlock()

	w.onEvent("index", "")
	log.Info("Re-indexing", "project", w.projectID, "files", len(entries), "job", job.JobID)
}

// reindex loads the current tree and starts a background job.
func (w *Watcher) reindex(ctx context.Context) (*indexer.Job, []source.Entry, error) {
	snap, err := source.Load(ctx, w.src)
	if err != nil {
		return nil, nil, err
	}
	if w.loaded != nil {
		w.loaded()
	}

	job, err := w.indexer.Start(indexer.IndexRequest{
		ProjectID:    w.projectID,
		DisplayName:  w.displayName,
		Source:       string(w.src.Kind()),
		Files:        snap.Files,
		Unavailable:  snap.Unavailable,
		EmbedModel:   w.cfg.Embeddings.Model,
		ChunkSize:    w.cfg.Indexing.ChunkSize,
		ChunkOverlap: w.cfg.Indexing.ChunkOverlap,
	})
	if err != nil {
		return nil, nil, err
	}
	return job, snap.Entries, nil
}

// ProjectID returns the project this watcher indexes into.
func (w *Watcher) ProjectID() string {
	return w.projectID
}
