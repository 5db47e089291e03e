package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/csv-analyst/chunker"
	"github.com/fabfab/csv-analyst/embeddings"
	"github.com/fabfab/csv-analyst/knowledge"
	"github.com/fabfab/csv-analyst/logging"
	"github.com/fabfab/csv-analyst/storage"
	"github.com/fabfab/csv-analyst/store"
	"github.com/fabfab/csv-analyst/tabular"
)

const (
	PreviewRows   = 100
	DefaultPacing = 100 * time.Millisecond
	defaultLabel  = "Data"
)

// GraphSyncer mirrors a vectorized dataset into the knowledge graph.
type GraphSyncer interface {
	SyncDataset(ctx context.Context, ds knowledge.DatasetGraph) error
}

type Config struct {
	Parse     tabular.ParseOptions
	Stats     tabular.StatsOptions
	BatchSize int
	// Pacing is the delay between consecutive embedding calls.
	Pacing time.Duration
	// ChunkLabel prefixes every chunk heading, e.g. "Financial data".
	ChunkLabel string
}

func DefaultConfig() Config {
	return Config{
		Parse:     tabular.ParseOptions{MaxRows: tabular.DefaultMaxRows},
		Stats:     tabular.DefaultStatsOptions(),
		BatchSize: chunker.DefaultBatchSize,
		Pacing:    DefaultPacing,
	}
}

type UploadRequest struct {
	UserID   string
	Filename string
	Data     []byte
}

type Preview struct {
	Headers        []string      `json:"headers"`
	Rows           [][]string    `json:"rows"`
	TotalRows      int           `json:"totalRows"`
	TotalColumns   int           `json:"totalColumns"`
	Stats          tabular.Stats `json:"stats"`
	ProcessingNote string        `json:"processingNote,omitempty"`
}

type UploadResult struct {
	Dataset *store.Dataset
	Preview Preview
}

type VectorizeResult struct {
	Processed int
	Total     int
}

type Service struct {
	datasets store.DatasetStore
	chunks   store.VectorStore
	blobs    storage.BlobStore
	embedder embeddings.Embedder
	graph    GraphSyncer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService builds the ingestion jobs. graph may be nil.
func NewService(datasets store.DatasetStore, chunks store.VectorStore, blobs storage.BlobStore, embedder embeddings.Embedder, graph GraphSyncer, cfg Config, logger *zap.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = chunker.DefaultBatchSize
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	if cfg.ChunkLabel == "" {
		cfg.ChunkLabel = defaultLabel
	}
	return &Service{
		datasets: datasets,
		chunks:   chunks,
		blobs:    blobs,
		embedder: embedder,
		graph:    graph,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("ingestion"),
		now:      time.Now,
	}
}

// Upload parses and profiles a CSV upload, stores the raw file and records
// the dataset. Nothing is stored when parsing fails.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	parser, err := parserFor(DetectFormat(req.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.Filename)
	}
	table, err := parser.Parse(ctx, req.Data, s.cfg.Parse)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.Filename, err)
	}
	stats, statNotes := tabular.ComputeStats(table, s.cfg.Stats)

	now := s.now().UTC()
	key := storage.Key(req.UserID, req.Filename, now)
	if err := s.blobs.Put(ctx, key, req.Data); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	ds := &store.Dataset{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Filename:         storage.StoredFilename(req.Filename, now),
		OriginalFilename: req.Filename,
		FileSize:         int64(len(req.Data)),
		TotalRows:        table.TotalRows,
		TotalColumns:     table.TotalColumns,
		ColumnNames:      table.Headers,
		Stats:            stats,
		StoragePath:      key,
		CreatedAt:        now,
	}
	if err := s.datasets.CreateDataset(ctx, ds); err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.logger.Warn("remove orphaned upload", zap.String("key", key), zap.Error(delErr))
		}
		return nil, fmt.Errorf("save dataset: %w", err)
	}

	s.logger.Info("dataset uploaded",
		zap.String("dataset_id", ds.ID.String()),
		zap.String("filename", req.Filename),
		zap.Int("rows", ds.TotalRows),
		zap.Int("columns", ds.TotalColumns))

	previewRows := table.Rows
	if len(previewRows) > PreviewRows {
		previewRows = previewRows[:PreviewRows]
	}
	return &UploadResult{
		Dataset: ds,
		Preview: Preview{
			Headers:        table.Headers,
			Rows:           previewRows,
			TotalRows:      table.TotalRows,
			TotalColumns:   table.TotalColumns,
			Stats:          stats,
			ProcessingNote: tabular.ProcessingNote(table.Notes, statNotes),
		},
	}, nil
}

// Vectorize re-reads the stored file and embeds it chunk by chunk. A chunk
// whose embedding or write fails is skipped. Chunks from an earlier run are
// removed only after this run finishes uninterrupted with at least one chunk
// stored, so an outage or cancellation never loses a usable generation. On
// cancellation the chunks stored so far remain and the context error is
// returned with the partial result.
func (s *Service) Vectorize(ctx context.Context, userID string, datasetID uuid.UUID) (VectorizeResult, error) {
	if s.embedder == nil {
		return VectorizeResult{}, fmt.Errorf("embedder not configured")
	}

	ds, err := s.datasets.GetDataset(ctx, userID, datasetID)
	if err != nil {
		return VectorizeResult{}, fmt.Errorf("load dataset: %w", err)
	}
	data, err := s.blobs.Get(ctx, ds.StoragePath)
	if err != nil {
		return VectorizeResult{}, fmt.Errorf("load upload: %w", err)
	}
	parser, err := parserFor(DetectFormat(ds.OriginalFilename))
	if err != nil {
		return VectorizeResult{}, err
	}
	table, err := parser.Parse(ctx, data, s.cfg.Parse)
	if err != nil {
		return VectorizeResult{}, fmt.Errorf("parse %s: %w", ds.OriginalFilename, err)
	}

	prior, err := s.chunks.ListByDataset(ctx, ds.ID)
	if err != nil {
		return VectorizeResult{}, fmt.Errorf("list existing chunks: %w", err)
	}

	log := s.logger.With(zap.String("dataset_id", ds.ID.String()))
	result := VectorizeResult{Total: chunker.Count(len(table.Rows), s.cfg.BatchSize)}
	log.Info("vectorization started", zap.Int("chunks", result.Total))

	graphChunks := make([]knowledge.Chunk, 0, result.Total)
	var runErr error
	first := true
	for c := range chunker.Split(table.Headers, table.Rows, chunker.Options{
		BatchSize:    s.cfg.BatchSize,
		TotalRows:    ds.TotalRows,
		TotalColumns: ds.TotalColumns,
		Label:        s.cfg.ChunkLabel,
	}) {
		if !first {
			if err := sleepContext(ctx, s.cfg.Pacing); err != nil {
				runErr = err
				break
			}
		}
		first = false
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		vector, err := embeddings.EmbedOne(ctx, s.embedder, c.Text)
		if err != nil {
			log.Warn("skip chunk: embedding failed", zap.Int("chunk", c.Index), zap.Error(err))
			continue
		}

		stored := &store.Chunk{
			DatasetID: ds.ID,
			UserID:    ds.UserID,
			Index:     c.Index,
			Text:      c.Text,
			Metadata: store.ChunkMetadata{
				BatchStart: c.StartRow,
				BatchEnd:   c.EndRow,
				RowCount:   c.RowCount,
				Headers:    c.Headers,
			},
			Embedding: vector,
		}
		if err := s.chunks.PutChunk(ctx, stored); err != nil {
			log.Warn("skip chunk: write failed", zap.Int("chunk", c.Index), zap.Error(err))
			continue
		}

		result.Processed++
		graphChunks = append(graphChunks, knowledge.Chunk{
			ID:       stored.ID.String(),
			Index:    c.Index,
			StartRow: c.StartRow,
			EndRow:   c.EndRow,
			Columns:  c.Populated,
		})
		log.Debug("chunk stored", zap.Int("processed", result.Processed), zap.Int("total", result.Total))
	}

	log.Info("vectorization finished", zap.Int("processed", result.Processed), zap.Int("total", result.Total))

	replaced := len(prior) == 0
	if runErr == nil && result.Processed > 0 && len(prior) > 0 {
		if err := s.chunks.DeleteChunks(ctx, ds.ID, chunkIDs(prior)); err != nil {
			log.Warn("remove previous chunks", zap.Int("chunks", len(prior)), zap.Error(err))
		} else {
			replaced = true
			log.Info("previous chunks replaced", zap.Int("chunks", len(prior)))
		}
	} else if len(prior) > 0 {
		log.Warn("previous chunks kept", zap.Int("chunks", len(prior)), zap.Int("processed", result.Processed))
	}

	// The graph mirrors a single generation; it is left alone while the
	// previous one is still stored.
	if s.graph != nil && result.Processed > 0 && replaced {
		// The request context may already be cancelled; the graph should
		// still reflect what was stored.
		graphCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.graph.SyncDataset(graphCtx, datasetGraph(ds, graphChunks)); err != nil {
			log.Warn("knowledge graph sync failed", zap.Error(err))
		}
	}

	if runErr != nil {
		return result, fmt.Errorf("vectorization interrupted: %w", runErr)
	}
	return result, nil
}

func chunkIDs(chunks []store.Chunk) []uuid.UUID {
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

func datasetGraph(ds *store.Dataset, chunks []knowledge.Chunk) knowledge.DatasetGraph {
	columns := make([]knowledge.Column, 0, len(ds.ColumnNames))
	for i, name := range ds.ColumnNames {
		kind := ""
		if stat, ok := ds.Stats[name]; ok {
			kind = string(stat.Type)
		}
		columns = append(columns, knowledge.Column{Name: name, Type: kind, Position: i})
	}
	return knowledge.DatasetGraph{
		ID:        ds.ID.String(),
		UserID:    ds.UserID,
		Filename:  ds.OriginalFilename,
		TotalRows: ds.TotalRows,
		Columns:   columns,
		Chunks:    chunks,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsInputError reports errors caused by the uploaded content rather than by
// the service.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, tabular.ErrMalformedInput)
}
