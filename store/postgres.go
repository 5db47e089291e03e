package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore persists to the tables created by database.EnsureSchema.
// Embeddings use the pgvector column type and may be NULL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) CreateDataset(ctx context.Context, ds *Dataset) error {
	stampDataset(ds)
	stats, err := json.Marshal(ds.Stats)
	if err != nil {
		return fmt.Errorf("%w: encode stats: %v", ErrWriteFailed, err)
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO datasets (id, user_id, filename, original_filename, file_size, total_rows, total_columns, column_names, stats, storage_path, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, ds.ID, ds.UserID, ds.Filename, ds.OriginalFilename, ds.FileSize,
		ds.TotalRows, ds.TotalColumns, ds.ColumnNames, stats, ds.StoragePath, ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert dataset: %v", ErrWriteFailed, err)
	}
	return nil
}

const pgDatasetColumns = `id, user_id, filename, original_filename, file_size, total_rows, total_columns, column_names, stats, storage_path, created_at`

func (s *PostgresStore) GetDataset(ctx context.Context, userID string, id uuid.UUID) (*Dataset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgDatasetColumns+` FROM datasets WHERE id = $1 AND user_id = $2`, id, userID)
	ds, err := scanPgDataset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}

func (s *PostgresStore) ListDatasets(ctx context.Context, userID string) ([]Dataset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgDatasetColumns+` FROM datasets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	out := make([]Dataset, 0)
	for rows.Next() {
		ds, err := scanPgDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, *ds)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanPgDataset(row pgx.Row) (*Dataset, error) {
	var (
		ds    Dataset
		stats []byte
	)
	if err := row.Scan(&ds.ID, &ds.UserID, &ds.Filename, &ds.OriginalFilename, &ds.FileSize,
		&ds.TotalRows, &ds.TotalColumns, &ds.ColumnNames, &stats, &ds.StoragePath, &ds.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stats, &ds.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &ds, nil
}

func (s *PostgresStore) PutChunk(ctx context.Context, chunk *Chunk) error {
	stampChunk(chunk)
	meta, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode chunk metadata: %v", ErrWriteFailed, err)
	}
	var embedding any
	if chunk.Embedding != nil {
		embedding = pgvector.NewVector(chunk.Embedding)
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO data_vectors (id, dataset_id, user_id, chunk_index, chunk_text, chunk_metadata, embedding, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)
    `, chunk.ID, chunk.DatasetID, chunk.UserID, chunk.Index, chunk.Text, meta, embedding, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert chunk: %v", ErrWriteFailed, err)
	}
	return nil
}

const pgChunkColumns = `id, dataset_id, user_id, chunk_index, chunk_text, chunk_metadata, embedding::text, created_at`

func (s *PostgresStore) ListByDataset(ctx context.Context, datasetID uuid.UUID) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+pgChunkColumns+` FROM data_vectors WHERE dataset_id = $1 ORDER BY chunk_index ASC`, datasetID)
}

func (s *PostgresStore) ListRecentByDataset(ctx context.Context, datasetID uuid.UUID, limit int) ([]Chunk, error) {
	if limit <= 0 {
		return s.queryChunks(ctx, `SELECT `+pgChunkColumns+` FROM data_vectors WHERE dataset_id = $1 ORDER BY created_at DESC, chunk_index DESC`, datasetID)
	}
	return s.queryChunks(ctx, `SELECT `+pgChunkColumns+` FROM data_vectors WHERE dataset_id = $1 ORDER BY created_at DESC, chunk_index DESC LIMIT $2`, datasetID, limit)
}

func (s *PostgresStore) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := make([]Chunk, 0)
	for rows.Next() {
		var (
			c         Chunk
			meta      []byte
			embedding *string
		)
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.UserID, &c.Index, &c.Text, &meta, &embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		if embedding != nil {
			var vec pgvector.Vector
			if err := vec.Scan(*embedding); err != nil {
				return nil, fmt.Errorf("decode embedding: %w", err)
			}
			c.Embedding = vec.Slice()
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *PostgresStore) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM data_vectors WHERE dataset_id = $1`, datasetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteByDataset(ctx context.Context, datasetID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM data_vectors WHERE dataset_id = $1`, datasetID); err != nil {
		return fmt.Errorf("%w: delete chunks: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, datasetID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM data_vectors WHERE dataset_id = $1 AND id = ANY($2::uuid[])`, datasetID, keys); err != nil {
		return fmt.Errorf("%w: delete chunks: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	stampSession(session)
	_, err := s.pool.Exec(ctx, `
        INSERT INTO analysis_sessions (id, user_id, dataset_id, session_name, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `, session.ID, session.UserID, session.DatasetID, session.Name, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, userID string, id uuid.UUID) (*Session, error) {
	var session Session
	err := s.pool.QueryRow(ctx, `
        SELECT id, user_id, dataset_id, session_name, created_at
        FROM analysis_sessions WHERE id = $1 AND user_id = $2
    `, id, userID).Scan(&session.ID, &session.UserID, &session.DatasetID, &session.Name, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	stampMessage(msg)
	var provenance []byte
	if msg.Provenance != nil {
		raw, err := json.Marshal(msg.Provenance)
		if err != nil {
			return fmt.Errorf("%w: encode provenance: %v", ErrWriteFailed, err)
		}
		provenance = raw
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO chat_messages (id, session_id, user_id, message_type, content, vector_context, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, msg.ID, msg.SessionID, msg.UserID, string(msg.Type), msg.Content, provenance, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, session_id, user_id, message_type, content, vector_context, created_at
        FROM chat_messages WHERE session_id = $1 ORDER BY created_at ASC
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var (
			msg        ChatMessage
			kind       string
			provenance []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &kind, &msg.Content, &provenance, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = MessageType(kind)
		if provenance != nil {
			msg.Provenance = &Provenance{}
			if err := json.Unmarshal(provenance, msg.Provenance); err != nil {
				return nil, fmt.Errorf("decode provenance: %w", err)
			}
		}
		out = append(out, msg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
