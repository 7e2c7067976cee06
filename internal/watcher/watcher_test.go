package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/embeddings"
	"github.com/nickcecere/coderag/internal/indexer"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/store"
)

// gatedEmbedder blocks while gate is open-ended, letting tests hold a job
// in flight.
type gatedEmbedder struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (g *gatedEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v := make([]float32, 384)
	v[0] = 1
	return v, nil
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := g.Embed(ctx, text, model)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (g *gatedEmbedder) Dimensions() int               { return 384 }
func (g *gatedEmbedder) Provider() embeddings.Provider { return embeddings.ProviderOllama }
func (g *gatedEmbedder) ModelName() string             { return "test-model" }

type fixture struct {
	root    string
	store   *store.SQLiteStore
	emb     *gatedEmbedder
	indexer *indexer.Indexer
	watcher *Watcher
	events  []string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), emb: &gatedEmbedder{}}
	f.write(t, "main.go", "package main\n")
	f.write(t, "node_modules/dep/index.js", "module.exports = 1\n")

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	f.store = st

	cfg := config.DefaultConfig()
	cfg.Embeddings.Model = "test-model"
	cfg.Ignore = []string{"node_modules/"}

	f.indexer = indexer.New(st, f.emb, nil, cfg)
	t.Cleanup(f.indexer.Close)

	src, err := source.NewDeviceSource(f.root, 0, cfg.Ignore)
	require.NoError(t, err)

	f.watcher = New(src, "p1", "fixture", f.indexer, cfg, WithEventCallback(func(event, path string) {
		f.events = append(f.events, event+":"+path)
	}))
	require.NoError(t, f.watcher.Snapshot(context.Background()))
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func (f *fixture) waitJob(t *testing.T) {
	t.Helper()
	f.watcher.mu.Lock()
	job := f.watcher.job
	f.watcher.mu.Unlock()
	require.NotNil(t, job)
	_, err := job.Wait(context.Background())
	require.NoError(t, err)
}

func TestUnchangedFileIsSkipped(t *testing.T) {
	f := setup(t)

	f.watcher.noteChange("main.go", false)
	assert.False(t, f.watcher.dirty)
	assert.Empty(t, f.events)

	f.watcher.flush(context.Background())
	assert.Nil(t, f.watcher.job)
}

func TestChangeTriggersReindex(t *testing.T) {
	f := setup(t)

	f.write(t, "main.go", "package main\n\nfunc main() {}\n")
	f.write(t, "util.go", "package main\n")
	f.watcher.noteChange("main.go", false)
	f.watcher.noteChange("util.go", false)
	assert.True(t, f.watcher.dirty)
	assert.Equal(t, []string{"change:main.go", "change:util.go"}, f.events)

	f.watcher.flush(context.Background())
	assert.False(t, f.watcher.dirty)
	f.waitJob(t)

	chunks, err := f.store.ListChunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "main.go", chunks[0].FilePath)
	assert.Equal(t, "util.go", chunks[1].FilePath)

	project, err := f.store.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "fixture", project.DisplayName)
}

func TestRemovalTriggersReindex(t *testing.T) {
	f := setup(t)

	require.NoError(t, os.Remove(filepath.Join(f.root, "main.go")))
	f.watcher.noteChange("main.go", true)
	assert.True(t, f.watcher.dirty)

	// Removing an unknown file changes nothing.
	f.watcher.dirty = false
	f.watcher.noteChange("never-seen.go", true)
	assert.False(t, f.watcher.dirty)
}

func TestNonTextFileIgnored(t *testing.T) {
	f := setup(t)

	f.write(t, "logo.png", "\x89PNG")
	f.watcher.noteChange("logo.png", false)
	assert.False(t, f.watcher.dirty)
}

func TestSkip(t *testing.T) {
	f := setup(t)

	assert.True(t, f.watcher.skip(".git", true))
	assert.True(t, f.watcher.skip("src/.hidden.go", false))
	assert.True(t, f.watcher.skip("node_modules", true))
	assert.True(t, f.watcher.skip("node_modules/dep/index.js", false))
	assert.False(t, f.watcher.skip("src/main.go", false))
}

func TestRejectedStartIsRetried(t *testing.T) {
	f := setup(t)

	gate := make(chan struct{})
	f.emb.mu.Lock()
	f.emb.gate = gate
	f.emb.mu.Unlock()

	// Another caller holds the project.
	other, err := f.indexer.Start(indexer.IndexRequest{ProjectID: "p1", Files: map[string]string{"x.go": "package x"}})
	require.NoError(t, err)

	f.write(t, "main.go", "package main // edited\n")
	f.watcher.noteChange("main.go", false)
	f.watcher.flush(context.Background())
	assert.True(t, f.watcher.dirty, "rejected start keeps the change pending")
	assert.Nil(t, f.watcher.job)

	close(gate)
	_, err = other.Wait(context.Background())
	require.NoError(t, err)

	f.watcher.flush(context.Background())
	assert.False(t, f.watcher.dirty)
	f.waitJob(t)

	chunks, err := f.store.ListChunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "main.go", chunks[0].FilePath)
}

func TestChangeDuringLoadStaysPending(t *testing.T) {
	f := setup(t)

	f.write(t, "main.go", "package main\n\nfunc main() {}\n")
	f.watcher.noteChange("main.go", false)

	f.watcher.loaded = func() {
		f.watcher.loaded = nil
		f.write(t, "util.go", "package main\n")
		f.watcher.noteChange("util.go", false)
	}
	f.watcher.flush(context.Background())
	assert.True(t, f.watcher.dirty, "change after load must not be dropped")
	f.waitJob(t)

	chunks, err := f.store.ListChunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "main.go", chunks[0].FilePath)

	f.watcher.flush(context.Background())
	assert.False(t, f.watcher.dirty)
	f.waitJob(t)

	chunks, err = f.store.ListChunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "util.go", chunks[1].FilePath)
}

func TestFilteredExtensionIgnored(t *testing.T) {
	f := setup(t)

	src, err := source.NewDeviceSource(f.root, 0, nil, source.WithExtensions("go"))
	require.NoError(t, err)
	f.watcher.src = src

	f.write(t, "README.md", "# readme\n")
	f.watcher.noteChange("README.md", false)
	assert.False(t, f.watcher.dirty)

	f.write(t, "util.go", "package main\n")
	f.watcher.noteChange("util.go", false)
	assert.True(t, f.watcher.dirty)
}
