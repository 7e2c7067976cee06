package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	gitignore "github.com/sabhiram/go-gitignore"
)

// sniffLen is how much of a file is inspected for binary content.
const sniffLen = 8192

// FileWalker lists the indexable files under a root directory.
type FileWalker struct {
	opts   WalkOptions
	ignore ignoreSet
	exts   map[string]bool
	stats  WalkStats
}

// ignoreSet matches slash-separated relative paths against the configured
// patterns and the root .gitignore.
type ignoreSet []*gitignore.GitIgnore

func (s ignoreSet) match(rel string) bool {
	for _, m := range s {
		if m.MatchesPath(rel) {
			return true
		}
	}
	return false
}

func loadIgnoreSet(root string, patterns []string, useGitignore bool) ignoreSet {
	var s ignoreSet
	if len(patterns) > 0 {
		s = append(s, gitignore.CompileIgnoreLines(patterns...))
	}
	if !useGitignore {
		return s
	}

	path := filepath.Join(root, ".gitignore")
	gi, err := gitignore.CompileIgnoreFile(path)
	switch {
	case err == nil:
		s = append(s, gi)
	case !errors.Is(err, os.ErrNotExist):
		log.Warn("Failed to parse .gitignore", "path", path, "error", err)
	}
	return s
}

// ExtensionSet normalizes extensions such as "go", ".GO" or ".go" to a
// lookup set of lower-case, dot-prefixed keys. No extensions yields nil.
func ExtensionSet(exts []string) map[string]bool {
	var set map[string]bool
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if set == nil {
			set = make(map[string]bool)
		}
		set[ext] = true
	}
	return set
}

// NewFileWalker validates the root and compiles the ignore rules.
func NewFileWalker(opts WalkOptions) (*FileWalker, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", root)
	}
	opts.Root = root

	return &FileWalker{
		opts:   opts,
		ignore: loadIgnoreSet(root, opts.IgnorePatterns, opts.UseGitignore),
		exts:   ExtensionSet(opts.Extensions),
	}, nil
}

// Walk calls fn for each file that passes the filters, in lexical order.
// It stops at the first error from fn, at MaxFileCount files, or when ctx is
// done.
func (w *FileWalker) Walk(ctx context.Context, fn func(FileInfo) error) error {
	w.stats = WalkStats{}

	return filepath.WalkDir(w.opts.Root, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			log.Debug("Error accessing path", "path", path, "error", err)
			return nil
		}

		rel, relErr := filepath.Rel(w.opts.Root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if w.skipDir(d.Name(), rel) {
				w.stats.DirsSkipped++
				return filepath.SkipDir
			}
			return nil
		}

		if w.opts.MaxFileCount > 0 && w.stats.FilesFound >= w.opts.MaxFileCount {
			return filepath.SkipAll
		}

		fi, ok := w.inspect(path, rel, d)
		if !ok {
			w.stats.FilesSkipped++
			return nil
		}
		w.stats.FilesFound++
		w.stats.TotalBytes += fi.Size
		return fn(fi)
	})
}

// Stats returns counters from the last Walk.
func (w *FileWalker) Stats() WalkStats {
	return w.stats
}

func (w *FileWalker) skipDir(name, rel string) bool {
	if name == ".git" {
		return true
	}
	if !w.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return true
	}
	return w.ignore.match(rel + "/")
}

// inspect applies the name and size filters, then reads the file once to
// reject binary content and hash it.
func (w *FileWalker) inspect(path, rel string, d os.DirEntry) (FileInfo, bool) {
	name := d.Name()
	switch {
	case !w.opts.IncludeHidden && strings.HasPrefix(name, "."):
		return FileInfo{}, false
	case w.ignore.match(rel):
		return FileInfo{}, false
	case w.opts.TextOnly && !IsTextEligible(rel):
		return FileInfo{}, false
	case w.exts != nil && !w.exts[strings.ToLower(filepath.Ext(name))]:
		return FileInfo{}, false
	}

	info, err := d.Info()
	if err != nil {
		log.Debug("Failed to get file info", "path", path, "error", err)
		return FileInfo{}, false
	}
	if w.opts.MaxFileSize > 0 && info.Size() > w.opts.MaxFileSize {
		w.stats.SkippedBytes += info.Size()
		return FileInfo{}, false
	}

	content, err := os.ReadFile(path)
	if err != nil {
		log.Debug("Failed to read file", "path", path, "error", err)
		return FileInfo{}, false
	}
	if IsBinaryContent(content[:min(len(content), sniffLen)]) {
		return FileInfo{}, false
	}

	return FileInfo{
		Path:     path,
		RelPath:  rel,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Hash:     HashContent(content),
		Language: DetectLanguage(path),
	}, true
}

// HashFile hashes a file's current contents with HashContent.
func HashFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashContent(content), nil
}

// HashContent returns the xxhash of content as 16 hex digits.
func HashContent(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// IsBinaryContent reports whether content looks binary: any NUL byte, or more
// than 30% control characters.
func IsBinaryContent(content []byte) bool {
	if len(content) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range content {
		if b == 0 {
			return true
		}
		if b < 32 && b != '\t' && b != '\n' && b != '\r' {
			nonPrintable++
		}
	}

	return float64(nonPrintable)/float64(len(content)) > 0.3
}
