package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/csv-analyst/embeddings"
	"github.com/fabfab/csv-analyst/ingestion"
	"github.com/fabfab/csv-analyst/knowledge"
	"github.com/fabfab/csv-analyst/storage"
	"github.com/fabfab/csv-analyst/store"
	"github.com/fabfab/csv-analyst/tabular"
)

type stubEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
	onCall func(call int)
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(call)
	}
	if s.failOn[call] {
		return nil, fmt.Errorf("%w: rate limited", embeddings.ErrUnavailable)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(call), 1}
	}
	return out, nil
}

type stubGraph struct {
	synced []knowledge.DatasetGraph
	err    error
}

func (s *stubGraph) SyncDataset(_ context.Context, ds knowledge.DatasetGraph) error {
	s.synced = append(s.synced, ds)
	return s.err
}

type harness struct {
	mem      *store.MemoryStore
	blobs    *storage.LocalStore
	embedder *stubEmbedder
	graph    *stubGraph
	svc      *ingestion.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		mem:      store.NewMemoryStore(),
		blobs:    blobs,
		embedder: &stubEmbedder{failOn: map[int]bool{}},
		graph:    &stubGraph{},
	}
	cfg := ingestion.DefaultConfig()
	cfg.Pacing = 0
	h.svc = ingestion.NewService(h.mem, h.mem, blobs, h.embedder, h.graph, cfg, nil)
	return h
}

func csvRows(n int) []byte {
	var sb strings.Builder
	sb.WriteString("date,category,amount\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "2024-01-%02d,cat%d,%d\n", i%28+1, i%3, i*10)
	}
	return []byte(sb.String())
}

func TestUploadStoresDatasetAndPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Upload(ctx, ingestion.UploadRequest{UserID: "u1", Filename: "spend.csv", Data: csvRows(120)})
	require.NoError(t, err)

	ds := res.Dataset
	assert.Equal(t, "spend.csv", ds.OriginalFilename)
	assert.Equal(t, 120, ds.TotalRows)
	assert.Equal(t, 3, ds.TotalColumns)
	assert.Equal(t, []string{"date", "category", "amount"}, ds.ColumnNames)
	assert.True(t, strings.HasPrefix(ds.StoragePath, "u1/"))
	assert.True(t, strings.HasSuffix(ds.StoragePath, "-spend.csv"))
	assert.Equal(t, tabular.ColumnNumeric, ds.Stats["amount"].Type)

	assert.Len(t, res.Preview.Rows, ingestion.PreviewRows)
	assert.Empty(t, res.Preview.ProcessingNote)

	stored, err := h.mem.GetDataset(ctx, "u1", ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.StoragePath, stored.StoragePath)

	raw, err := h.blobs.Get(ctx, ds.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, csvRows(120), raw)
}

func TestUploadReportsRowCap(t *testing.T) {
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	cfg := ingestion.DefaultConfig()
	cfg.Parse.MaxRows = 10
	svc := ingestion.NewService(store.NewMemoryStore(), store.NewMemoryStore(), blobs, nil, nil, cfg, nil)

	res, err := svc.Upload(context.Background(), ingestion.UploadRequest{UserID: "u1", Filename: "big.csv", Data: csvRows(25)})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Dataset.TotalRows)
	assert.Equal(t, "Only first 10 rows were processed for performance", res.Preview.ProcessingNote)
}

func TestUploadRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Upload(ctx, ingestion.UploadRequest{UserID: "u1", Filename: "notes.pdf", Data: []byte("%PDF")})
	assert.ErrorIs(t, err, ingestion.ErrUnsupportedFormat)
	assert.True(t, ingestion.IsInputError(err))

	_, err = h.svc.Upload(ctx, ingestion.UploadRequest{UserID: "u1", Filename: "empty.csv", Data: []byte("\n  \n")})
	assert.ErrorIs(t, err, tabular.ErrMalformedInput)
	assert.True(t, ingestion.IsInputError(err))

	list, err := h.mem.ListDatasets(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVectorizeStoresEveryChunk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up, err := h.svc.Upload(ctx, ingestion.UploadRequest{UserID: "u1", Filename: "spend.csv", Data: csvRows(120)})
	require.NoError(t, err)

	res, err := h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.VectorizeResult{Processed: 3, Total: 3}, res)

	chunks, err := h.mem.ListByDataset(ctx, up.Dataset.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, store.ChunkMetadata{BatchStart: 101, BatchEnd: 120, RowCount: 20, Headers: []string{"date", "category", "amount"}}, chunks[2].Metadata)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "Data batch (rows 1-50):\n"))
	assert.NotNil(t, chunks[0].Embedding)

	require.Len(t, h.graph.synced, 1)
	g := h.graph.synced[0]
	assert.Equal(t, up.Dataset.ID.String(), g.ID)
	require.Len(t, g.Columns, 3)
	assert.Equal(t, "numeric", g.Columns[2].Type)
	require.Len(t, g.Chunks, 3)
	assert.Equal(t, chunks[0].ID.String(), g.Chunks[0].ID)
	assert.Equal(t, []string{"date", "category", "amount"}, g.Chunks[0].Columns)

	// Running again replaces rather than duplicates.
	_, err = h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.NoError(t, err)
	again, err := h.mem.ListByDataset(ctx, up.Dataset.ID)
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i := range again {
		assert.NotEqual(t, chunks[i].ID, again[i].ID)
	}
	require.Len(t, h.graph.synced, 2)
	assert.Equal(t, again[0].ID.String(), h.graph.synced[1].Chunks[0].ID)
}

func TestRevectorizeDuringOutageKeepsChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up, err := h.svc.Upload(ctx, ingestion.UploadRequest{UserID: "u1", Filename: "spend.csv", Data: csvRows(120)})
	require.NoError(t, err)

	res, err := h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	before, err := h.mem.ListByDataset(ctx, up.Dataset.ID)
	require.NoError(t, err)

	for call := 4; call <= 6; call++ {
		h.embedder.failOn[call] = true
	}
	res, err = h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.VectorizeResult{Processed: 0, Total: 3}, res)

	after, err := h.mem.ListByDataset(ctx, up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.graph.synced, 1)
}

func TestCancelledRevectorizeKeepsPreviousChunks(t *testing.T) {
	h := newHarness(t)
	up, err := h.svc.Upload(context.Background(), ingestion.UploadRequest{UserID: "u1", Filename: "spend.csv", Data: csvRows(120)})
	require.NoError(t, err)
	_, err = h.svc.Vectorize(context.Background(), "u1", up.Dataset.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.embedder.onCall = func(call int) {
		if call == 4 {
			cancel()
		}
	}

	res, err := h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Processed)

	// The three earlier chunks stay next to the one chunk the interrupted run stored.
	n, err := h.mem.CountByDataset(context.Background(), up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, h.graph.synced, 1)
}

func TestVectorizeSkipsFailedEmbeddings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up, err := h.svc.Upload(ctx, ingestion.UploadRequest{UserID: "u1", Filename: "spend.csv", Data: csvRows(120)})
	require.NoError(t, err)
	h.embedder.failOn[2] = true
	h.graph.err = errors.New("neo4j unavailable")

	res, err := h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 3, res.Total)

	chunks, err := h.mem.ListByDataset(ctx, up.Dataset.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].Metadata.BatchStart)
	assert.Equal(t, 101, chunks[1].Metadata.BatchStart)
}

func TestVectorizeStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	up, err := h.svc.Upload(context.Background(), ingestion.UploadRequest{UserID: "u1", Filename: "spend.csv", Data: csvRows(200)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.embedder.onCall = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	res, err := h.svc.Vectorize(ctx, "u1", up.Dataset.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Processed)

	n, err := h.mem.CountByDataset(context.Background(), up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, h.graph.synced, 1)
	assert.Len(t, h.graph.synced[0].Chunks, 2)
}

func TestVectorizeUnknownDataset(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Vectorize(context.Background(), "u1", uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
