// Package source supplies file contents for indexing.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nickcecere/coderag/internal/errs"
	cfs "github.com/nickcecere/coderag/internal/fs"
)

// Kind names where content comes from.
type Kind string

const (
	KindDevice Kind = "device"
	KindGitHub Kind = "github"
)

// Ref identifies one file within a source.
type Ref struct {
	Path string
	// Meta carries source-specific metadata such as a branch or commit.
	Meta map[string]string
}

// Entry is a listed file.
type Entry struct {
	Path string
	Hash string
	Size int64
}

// Source fetches file contents.
//
// Fetch returns "" for a file that exists but cannot be indexed. Missing
// files are errs.NotFound and refused access is errs.AuthFailure; both are
// returned unchanged to the caller.
type Source interface {
	Kind() Kind
	Fetch(ctx context.Context, ref Ref) (string, error)
	List(ctx context.Context) ([]Entry, error)
}

// DeviceSource reads files under a local root directory.
type DeviceSource struct {
	root           string
	maxFileSize    int64
	ignorePatterns []string
	extensions     map[string]bool
}

// DeviceOption configures a DeviceSource.
type DeviceOption func(*DeviceSource)

// WithExtensions restricts the source to files with these extensions.
func WithExtensions(exts ...string) DeviceOption {
	return func(d *DeviceSource) {
		d.extensions = cfs.ExtensionSet(exts)
	}
}

// NewDeviceSource creates a source rooted at root. A non-positive
// maxFileSize means no limit.
func NewDeviceSource(root string, maxFileSize int64, ignorePatterns []string, opts ...DeviceOption) (*DeviceSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.E(errs.NotFound, "device source", "path does not exist: "+abs, err)
		}
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", abs)
	}
	d := &DeviceSource{root: abs, maxFileSize: maxFileSize, ignorePatterns: ignorePatterns}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the absolute root directory.
func (d *DeviceSource) Root() string {
	return d.root
}

// Kind reports KindDevice.
func (d *DeviceSource) Kind() Kind {
	return KindDevice
}

// Fetch reads one file relative to the root.
func (d *DeviceSource) Fetch(ctx context.Context, ref Ref) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full, err := d.resolve(ref.Path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(full)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return "", errs.E(errs.NotFound, "fetch", ref.Path, err)
		case errors.Is(err, fs.ErrPermission):
			return "", errs.E(errs.AuthFailure, "fetch", ref.Path, err)
		}
		return "", fmt.Errorf("failed to stat %s: %w", ref.Path, err)
	}
	if info.IsDir() {
		return "", errs.E(errs.NotFound, "fetch", ref.Path+" is a directory", nil)
	}
	if !cfs.IsTextEligible(full) {
		log.Debug("Skipping non-text file", "path", ref.Path)
		return "", nil
	}
	if !d.Accepts(ref.Path) {
		log.Debug("Skipping filtered extension", "path", ref.Path)
		return "", nil
	}
	if d.maxFileSize > 0 && info.Size() > d.maxFileSize {
		log.Debug("Skipping oversized file", "path", ref.Path, "size", info.Size())
		return "", nil
	}

	content, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "", errs.E(errs.AuthFailure, "fetch", ref.Path, err)
		}
		return "", fmt.Errorf("failed to read %s: %w", ref.Path, err)
	}
	if cfs.IsBinaryContent(content) {
		log.Debug("Skipping binary content", "path", ref.Path)
		return "", nil
	}
	return string(content), nil
}

// Accepts reports whether path passes the extension filter.
func (d *DeviceSource) Accepts(path string) bool {
	return d.extensions == nil || d.extensions[strings.ToLower(filepath.Ext(path))]
}

// resolve maps a slash-separated relative path to an absolute one, refusing
// anything outside the root.
func (d *DeviceSource) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", errs.E(errs.AuthFailure, "fetch", "path must be relative to the source root: "+rel, nil)
	}
	full := filepath.Join(d.root, filepath.FromSlash(rel))
	back, err := filepath.Rel(d.root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", errs.E(errs.AuthFailure, "fetch", "path escapes the source root: "+rel, nil)
	}
	return full, nil
}

// List walks the root, honoring .gitignore and the configured patterns.
func (d *DeviceSource) List(ctx context.Context) ([]Entry, error) {
	opts := cfs.DefaultWalkOptions()
	opts.Root = d.root
	opts.MaxFileSize = d.maxFileSize
	opts.IgnorePatterns = d.ignorePatterns
	for ext := range d.extensions {
		opts.Extensions = append(opts.Extensions, ext)
	}

	walker, err := cfs.NewFileWalker(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create file walker: %w", err)
	}

	var entries []Entry
	err = walker.Walk(ctx, func(fi cfs.FileInfo) error {
		entries = append(entries, Entry{Path: fi.RelPath, Hash: fi.Hash, Size: fi.Size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	stats := walker.Stats()
	log.Debug("Listed files", "root", d.root, "found", stats.FilesFound, "skipped", stats.FilesSkipped)
	return entries, nil
}

// Collect fetches paths from src. Files the source returns empty are listed
// in unavailable. NotFound and AuthFailure stop collection and are returned
// as is.
func Collect(ctx context.Context, src Source, paths []string) (files map[string]string, unavailable []string, err error) {
	files = make(map[string]string, len(paths))
	for _, p := range paths {
		text, err := src.Fetch(ctx, Ref{Path: p})
		if err != nil {
			return nil, nil, err
		}
		if text == "" {
			unavailable = append(unavailable, p)
			continue
		}
		files[p] = text
	}
	return files, unavailable, nil
}

// DeviceProjectID derives a stable project id from an absolute directory.
func DeviceProjectID(root string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(root))).String()
}

// Snapshot is a listed and fetched source tree.
type Snapshot struct {
	Entries     []Entry
	Files       map[string]string
	Unavailable []string
}

// Load lists src and fetches every listed file.
func Load(ctx context.Context, src Source) (*Snapshot, error) {
	entries, err := src.List(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	files, unavailable, err := Collect(ctx, src, paths)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Entries: entries, Files: files, Unavailable: unavailable}, nil
}
