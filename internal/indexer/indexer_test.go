package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/coderag/internal/config"
	"github.com/nickcecere/coderag/internal/embeddings"
	"github.com/nickcecere/coderag/internal/errs"
	"github.com/nickcecere/coderag/internal/source"
	"github.com/nickcecere/coderag/internal/store"
)

// mockEmbedder implements embeddings.Service for testing. Calls are
// numbered from 1 across the whole test.
type mockEmbedder struct {
	model      string
	dimensions int

	mu    sync.Mutex
	calls int

	// fail, when set, may return an error for a call.
	fail func(call int, text string) error
	// gate, when set, blocks every call until closed.
	gate chan struct{}
	// entered receives a value each time a call reaches the gate.
	entered chan struct{}
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{model: "test-model", dimensions: 768}
}

func (m *mockEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.gate != nil {
		if m.entered != nil {
			select {
			case m.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.fail != nil {
		if err := m.fail(call, text); err != nil {
			return nil, err
		}
	}

	emb := make([]float32, m.dimensions)
	emb[0] = 1
	emb[1+len(text)%(m.dimensions-1)] = 1
	return emb, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := m.Embed(ctx, text, model)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *mockEmbedder) Dimensions() int               { return m.dimensions }
func (m *mockEmbedder) Provider() embeddings.Provider { return embeddings.ProviderOllama }
func (m *mockEmbedder) ModelName() string             { return m.model }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ embeddings.Service = (*mockEmbedder)(nil)

func createTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Indexing.Workers = 1
	return cfg
}

func setupIndexer(t *testing.T, emb embeddings.Service) (*Indexer, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx := New(st, emb, nil, createTestConfig())
	t.Cleanup(idx.Close)
	return idx, st
}

func assertCounterInvariant(t *testing.T, v StatusView) {
	t.Helper()
	assert.True(t, v.Status.Terminal(), "status %s", v.Status)
	assert.Equal(t, v.TotalFiles, v.IndexedFiles+v.FailedFiles)
	assert.NotNil(t, v.CompletedAt)
}

func TestIndexSingleSmallFile(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())

	content := strings.Repeat("x", 40)
	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID: "p1",
		Files:     map[string]string{"a.go": content},
		ChunkSize: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, store.StateCompleted, res.Status.Status)
	assert.Equal(t, 1, res.Status.TotalChunks)
	assert.Equal(t, 1, res.Status.IndexedFiles)
	assert.Equal(t, 100, res.Status.ProgressPercent)
	assert.Equal(t, "Indexing completed successfully", res.Status.Message)
	assert.Empty(t, res.FileErrors)
	assertCounterInvariant(t, res.Status)

	chunks, err := st.ListChunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "File: a.go\n---\n"+content, chunks[0].Content)
	assert.Equal(t, store.Dim768, chunks[0].EmbeddingDim)
}

func TestIndexAbortsWhenServiceUnavailable(t *testing.T) {
	emb := newMockEmbedder()
	emb.fail = func(call int, _ string) error {
		if call >= 2 {
			return errs.E(errs.ServiceUnavailable, "embed", "embedding service is not reachable", nil)
		}
		return nil
	}
	idx, _ := setupIndexer(t, emb)

	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID: "p1",
		Files: map[string]string{
			"a.go": "package a",
			"b.go": "package b",
			"c.go": "package c",
		},
	})
	require.Error(t, err)
	assert.True(t, errs.IsServiceUnavailable(err))

	assert.Equal(t, store.StateFailed, res.Status.Status)
	assert.Equal(t, 1, res.Status.IndexedFiles)
	assert.Equal(t, 2, res.Status.FailedFiles)
	assert.NotEmpty(t, res.Status.ErrorMessage)
	assertCounterInvariant(t, res.Status)

	// The third file was never attempted.
	assert.Equal(t, 2, emb.callCount())
}

func TestIndexOverlappingChunks(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())

	content := strings.Repeat("abcdefghij", 120)
	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID:    "p1",
		Files:        map[string]string{"d.txt": content},
		ChunkSize:    500,
		ChunkOverlap: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, res.Status.Status)

	chunks, err := st.ListChunks("p1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, len(chunks), res.Status.TotalChunks)

	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.LessOrEqual(t, len([]rune(strings.TrimSpace(c.Content))), 500)
	}
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Content
		assert.True(t, strings.HasPrefix(chunks[i].Content, prev[len(prev)-100:]),
			"chunk %d should start with the tail of chunk %d", i, i-1)
	}
}

func TestIndexFileScopedFailures(t *testing.T) {
	emb := newMockEmbedder()
	emb.fail = func(_ int, text string) error {
		if strings.Contains(text, "bad.go") {
			return errs.E(errs.BackendError, "embed", "unexpected status 400", nil)
		}
		return nil
	}
	idx, _ := setupIndexer(t, emb)

	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID:   "p1",
		Files:       map[string]string{"good.go": "package good", "bad.go": "package bad", "blank.go": "  \n\t"},
		Unavailable: []string{"gone.go"},
	})
	require.NoError(t, err)

	assert.Equal(t, store.StateCompletedWithErrors, res.Status.Status)
	assert.Equal(t, 4, res.Status.TotalFiles)
	assert.Equal(t, 1, res.Status.IndexedFiles)
	assert.Equal(t, 3, res.Status.FailedFiles)
	assert.Equal(t, "Indexing completed with 3 failed files", res.Status.Message)
	assert.Empty(t, res.Status.ErrorMessage)
	assertCounterInvariant(t, res.Status)

	require.Len(t, res.FileErrors, 3)
	assert.Equal(t, "file not indexable", res.FileErrors["gone.go"])
	assert.Equal(t, "file not indexable", res.FileErrors["blank.go"])
	assert.Contains(t, res.FileErrors["bad.go"], "400")
}

func TestIndexAllFilesFailed(t *testing.T) {
	emb := newMockEmbedder()
	emb.fail = func(int, string) error {
		return errs.E(errs.BackendError, "embed", "unexpected status 500", nil)
	}
	idx, _ := setupIndexer(t, emb)

	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID: "p1",
		Files:     map[string]string{"a.go": "package a", "b.go": "package b"},
	})
	require.NoError(t, err)

	assert.Equal(t, store.StateFailed, res.Status.Status)
	assert.Equal(t, "All files failed to index", res.Status.ErrorMessage)
	assert.Equal(t, "All files failed to index", res.Status.Message)
	assertCounterInvariant(t, res.Status)
}

func TestIndexUnsupportedDimensionIsFileScoped(t *testing.T) {
	emb := newMockEmbedder()
	emb.dimensions = 512
	idx, _ := setupIndexer(t, emb)

	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID: "p1",
		Files:     map[string]string{"a.go": "package a"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, res.Status.Status)
	assert.Contains(t, res.FileErrors["a.go"], "unsupported embedding dimension")
}

func TestReindexReplacesChunks(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())
	ctx := context.Background()

	_, err := idx.Index(ctx, IndexRequest{ProjectID: "p1", Files: map[string]string{"old.go": "old content"}})
	require.NoError(t, err)
	_, err = idx.Index(ctx, IndexRequest{ProjectID: "p1", Files: map[string]string{"new.go": "new content"}})
	require.NoError(t, err)

	chunks, err := st.ListChunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "new.go", chunks[0].FilePath)
}

func TestIndexRequestDefaults(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())

	res, err := idx.Index(context.Background(), IndexRequest{
		Files: map[string]string{"a.go": "package a"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ProjectID)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, "test-model", res.Status.EmbedModel)
	assert.Equal(t, config.DefaultChunkSize, res.Status.ChunkSize)
	assert.Equal(t, config.DefaultChunkOverlap, res.Status.ChunkOverlap)

	project, err := st.GetProject(res.ProjectID)
	require.NoError(t, err)
	require.NotNil(t, project)
	assert.Equal(t, "Project "+res.ProjectID[:8], project.DisplayName)
	assert.Equal(t, "device", project.Source)
	assert.Equal(t, 1, project.FileCount)
}

func TestConcurrentIndexRejected(t *testing.T) {
	emb := newMockEmbedder()
	emb.gate = make(chan struct{})
	emb.entered = make(chan struct{}, 1)
	idx, st := setupIndexer(t, emb)

	job, err := idx.Start(IndexRequest{ProjectID: "p1", Files: map[string]string{"a.go": "package a"}})
	require.NoError(t, err)
	<-emb.entered

	_, err = idx.Index(context.Background(), IndexRequest{ProjectID: "p1", Files: map[string]string{"b.go": "package b"}})
	assert.True(t, errs.IsJobInProgress(err))

	// A second indexer on the same database is rejected by the status row.
	other := New(st, emb, nil, createTestConfig())
	defer other.Close()
	_, err = other.Index(context.Background(), IndexRequest{ProjectID: "p1", Files: map[string]string{"b.go": "package b"}})
	assert.True(t, errs.IsJobInProgress(err))

	// Other projects are unaffected.
	otherJob, err := idx.Start(IndexRequest{ProjectID: "p2", Files: map[string]string{"c.go": "package c"}})
	require.NoError(t, err)

	close(emb.gate)
	res, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, res.Status.Status)
	_, err = otherJob.Wait(context.Background())
	require.NoError(t, err)

	// The lock is released once the job ends.
	_, err = idx.Index(context.Background(), IndexRequest{ProjectID: "p1", Files: map[string]string{"b.go": "package b"}})
	require.NoError(t, err)
}

func TestDeleteDuringJob(t *testing.T) {
	emb := newMockEmbedder()
	emb.gate = make(chan struct{})
	emb.entered = make(chan struct{}, 1)
	idx, st := setupIndexer(t, emb)

	job, err := idx.Start(IndexRequest{ProjectID: "p1", Files: map[string]string{"a.go": "package a"}})
	require.NoError(t, err)
	<-emb.entered

	require.NoError(t, idx.Delete("p1"))
	close(emb.gate)

	_, err = job.Wait(context.Background())
	assert.True(t, errs.IsSuperseded(err))

	st2, err := st.GetIndexStatus("p1")
	require.NoError(t, err)
	assert.Nil(t, st2, "a deleted status row must not be resurrected")

	chunks, err := st.ListChunks("p1")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	v, err := idx.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, v.Status)
}

func TestCloseCancelsBackgroundJob(t *testing.T) {
	emb := newMockEmbedder()
	emb.gate = make(chan struct{})
	emb.entered = make(chan struct{}, 1)
	idx, st := setupIndexer(t, emb)

	job, err := idx.Start(IndexRequest{ProjectID: "p1", Files: map[string]string{"a.go": "package a", "b.go": "package b"}})
	require.NoError(t, err)
	<-emb.entered

	idx.Close()

	_, err = job.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	row, err := st.GetIndexStatus("p1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.StateFailed, row.Status)
	assert.Equal(t, row.TotalFiles, row.IndexedFiles+row.FailedFiles)
	assert.NotEmpty(t, row.ErrorMessage)
}

func TestPanicMarksJobFailed(t *testing.T) {
	emb := newMockEmbedder()
	emb.fail = func(_ int, text string) error {
		if strings.Contains(text, "boom") {
			panic("embedder exploded")
		}
		return nil
	}
	idx, _ := setupIndexer(t, emb)

	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID: "p1",
		Files:     map[string]string{"a.go": "package a", "boom.go": "package boom"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.Fatal, errs.KindOf(err))

	assert.Equal(t, store.StateFailed, res.Status.Status)
	assert.Contains(t, res.Status.ErrorMessage, "embedder exploded")
	assertCounterInvariant(t, res.Status)
}

func TestCounterInvariantWithWorkers(t *testing.T) {
	emb := newMockEmbedder()
	emb.fail = func(_ int, text string) error {
		if strings.Contains(text, "fail") {
			return errs.E(errs.BackendError, "embed", "unexpected status 502", nil)
		}
		return nil
	}
	idx, _ := setupIndexer(t, emb)

	files := make(map[string]string)
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("f%02d.go", i)
		if i%5 == 0 {
			name = fmt.Sprintf("fail%02d.go", i)
		}
		files[name] = fmt.Sprintf("package f%d\n\nfunc F%d() {}\n", i, i)
	}

	var mu sync.Mutex
	var last Progress
	var reports int

	res, err := idx.Index(context.Background(), IndexRequest{
		ProjectID: "p1",
		Files:     files,
		Workers:   8,
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			assert.GreaterOrEqual(t, p.IndexedFiles+p.FailedFiles, last.IndexedFiles+last.FailedFiles)
			last = p
			reports++
		},
	})
	require.NoError(t, err)

	assert.Equal(t, store.StateCompletedWithErrors, res.Status.Status)
	assert.Equal(t, 32, res.Status.IndexedFiles)
	assert.Equal(t, 8, res.Status.FailedFiles)
	assert.Equal(t, 32, res.Status.TotalChunks)
	assert.Len(t, res.FileErrors, 8)
	assertCounterInvariant(t, res.Status)

	assert.Equal(t, 40, reports)
	assert.Equal(t, 40, last.IndexedFiles+last.FailedFiles)
}

func TestRegistryActiveDuringJob(t *testing.T) {
	emb := newMockEmbedder()
	emb.gate = make(chan struct{})
	emb.entered = make(chan struct{}, 1)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	registry := embeddings.NewModelRegistry()
	idx := New(st, emb, registry, createTestConfig())
	defer idx.Close()

	job, err := idx.Start(IndexRequest{ProjectID: "p1", EmbedModel: "custom-model", Files: map[string]string{"a.go": "package a"}})
	require.NoError(t, err)
	<-emb.entered
	assert.True(t, registry.IsActive("custom-model"))

	close(emb.gate)
	_, err = job.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, registry.IsActive("custom-model"))
}

func TestStatus(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())

	_, err := idx.Status("missing")
	assert.True(t, errs.IsNotFound(err))

	_, err = st.EnsureProject(store.Project{ID: "p1"})
	require.NoError(t, err)

	v, err := idx.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, v.Status)
	assert.Equal(t, 0, v.ProgressPercent)
	assert.Equal(t, "Indexing has not started", v.Message)

	assert.True(t, errs.IsNotFound(idx.Delete("missing")))
}

func TestFindProject(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())

	_, err := st.EnsureProject(store.Project{ID: "p1", DisplayName: "api"})
	require.NoError(t, err)
	_, err = st.EnsureProject(store.Project{ID: "p2", DisplayName: "web"})
	require.NoError(t, err)
	_, err = st.EnsureProject(store.Project{ID: "p3", DisplayName: "web"})
	require.NoError(t, err)

	p, err := idx.FindProject("p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)

	p, err = idx.FindProject("api")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = idx.FindProject("web")
	assert.True(t, errs.IsNotFound(err), "ambiguous name")

	_, err = idx.FindProject("nope")
	assert.True(t, errs.IsNotFound(err))

	_, err = idx.FindProject("")
	assert.True(t, errs.IsNotFound(err))
}

func TestResolveProject(t *testing.T) {
	idx, st := setupIndexer(t, newMockEmbedder())

	dir := t.TempDir()
	_, err := st.EnsureProject(store.Project{ID: source.DeviceProjectID(dir), DisplayName: "repo"})
	require.NoError(t, err)

	for _, ref := range []string{source.DeviceProjectID(dir), "repo", dir} {
		id, err := idx.ResolveProject(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, source.DeviceProjectID(dir), id)
	}

	_, err = idx.ResolveProject(t.TempDir())
	assert.True(t, errs.IsNotFound(err), "unindexed directory")
}

func TestStatusView(t *testing.T) {
	started := time.Now()
	v := NewStatusView("p1", &store.IndexStatus{
		ProjectID:    "p1",
		Status:       store.StateInProgress,
		TotalFiles:   3,
		IndexedFiles: 1,
		FailedFiles:  1,
		StartedAt:    &started,
	})
	assert.Equal(t, 66, v.ProgressPercent)
	assert.Equal(t, "Indexing in progress: 2 of 3 files processed", v.Message)

	v = NewStatusView("p1", &store.IndexStatus{Status: store.StateFailed})
	assert.Equal(t, "Indexing failed", v.Message)
}

func TestDecideOutcome(t *testing.T) {
	tests := []struct {
		name  string
		cur   store.IndexStatus
		abort error
		want  store.Outcome
	}{
		{
			name: "all indexed",
			cur:  store.IndexStatus{TotalFiles: 2, IndexedFiles: 2},
			want: store.Outcome{Status: store.StateCompleted},
		},
		{
			name: "no files",
			cur:  store.IndexStatus{},
			want: store.Outcome{Status: store.StateCompleted},
		},
		{
			name: "some failed",
			cur:  store.IndexStatus{TotalFiles: 3, IndexedFiles: 2, FailedFiles: 1},
			want: store.Outcome{Status: store.StateCompletedWithErrors, FailedFiles: 1},
		},
		{
			name: "all failed",
			cur:  store.IndexStatus{TotalFiles: 2, FailedFiles: 2},
			want: store.Outcome{Status: store.StateFailed, FailedFiles: 2, ErrorMessage: "All files failed to index"},
		},
		{
			name:  "aborted",
			cur:   store.IndexStatus{TotalFiles: 5, IndexedFiles: 2, FailedFiles: 1},
			abort: errs.E(errs.ServiceUnavailable, "embed", "down", nil),
			want:  store.Outcome{Status: store.StateFailed, FailedFiles: 3, ErrorMessage: "embed: down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideOutcome(tt.cur, tt.abort))
		})
	}
}

func TestProjectLocks(t *testing.T) {
	l := NewProjectLocks()
	assert.True(t, l.TryAcquire("a"))
	assert.False(t, l.TryAcquire("a"))
	assert.True(t, l.TryAcquire("b"))
	assert.True(t, l.Held("a"))

	l.Release("a")
	assert.False(t, l.Held("a"))
	assert.True(t, l.TryAcquire("a"))
}
