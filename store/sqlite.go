package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore keeps embeddings as JSON text next to the chunk row.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// A single connection keeps :memory: databases and write ordering sane.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS datasets (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        filename TEXT NOT NULL,
        original_filename TEXT NOT NULL,
        file_size INTEGER NOT NULL,
        total_rows INTEGER NOT NULL,
        total_columns INTEGER NOT NULL,
        column_names TEXT NOT NULL,
        stats TEXT NOT NULL,
        storage_path TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS data_vectors (
        id TEXT PRIMARY KEY,
        dataset_id TEXT NOT NULL REFERENCES datasets (id) ON DELETE CASCADE,
        user_id TEXT NOT NULL,
        chunk_index INTEGER NOT NULL,
        chunk_text TEXT NOT NULL,
        chunk_metadata TEXT NOT NULL,
        embedding_json TEXT, -- JSON array of float32, NULL when not embedded
        created_at TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_data_vectors_dataset ON data_vectors (dataset_id, created_at);

    CREATE TABLE IF NOT EXISTS analysis_sessions (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        dataset_id TEXT NOT NULL REFERENCES datasets (id) ON DELETE CASCADE,
        session_name TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chat_messages (
        id TEXT PRIMARY KEY,
        session_id TEXT NOT NULL REFERENCES analysis_sessions (id) ON DELETE CASCADE,
        user_id TEXT NOT NULL,
        message_type TEXT NOT NULL CHECK (message_type IN ('user', 'assistant')),
        content TEXT NOT NULL,
        vector_context TEXT,
        created_at TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateDataset(ctx context.Context, ds *Dataset) error {
	stampDataset(ds)
	columns, err := json.Marshal(ds.ColumnNames)
	if err != nil {
		return fmt.Errorf("%w: encode column names: %v", ErrWriteFailed, err)
	}
	stats, err := json.Marshal(ds.Stats)
	if err != nil {
		return fmt.Errorf("%w: encode stats: %v", ErrWriteFailed, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO datasets (id, user_id, filename, original_filename, file_size, total_rows, total_columns, column_names, stats, storage_path, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID.String(), ds.UserID, ds.Filename, ds.OriginalFilename, ds.FileSize,
		ds.TotalRows, ds.TotalColumns, string(columns), string(stats), ds.StoragePath, ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert dataset: %v", ErrWriteFailed, err)
	}
	return nil
}

const sqliteDatasetColumns = `id, user_id, filename, original_filename, file_size, total_rows, total_columns, column_names, stats, storage_path, created_at`

func (s *SQLiteStore) GetDataset(ctx context.Context, userID string, id uuid.UUID) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDatasetColumns+` FROM datasets WHERE id = ? AND user_id = ?`, id.String(), userID)
	ds, err := scanSQLiteDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}

func (s *SQLiteStore) ListDatasets(ctx context.Context, userID string) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteDatasetColumns+` FROM datasets WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	out := make([]Dataset, 0)
	for rows.Next() {
		ds, err := scanSQLiteDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, *ds)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDataset(row rowScanner) (*Dataset, error) {
	var (
		ds      Dataset
		id      string
		columns string
		stats   string
	)
	if err := row.Scan(&id, &ds.UserID, &ds.Filename, &ds.OriginalFilename, &ds.FileSize,
		&ds.TotalRows, &ds.TotalColumns, &columns, &stats, &ds.StoragePath, &ds.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse dataset id: %w", err)
	}
	ds.ID = parsed
	if err := json.Unmarshal([]byte(columns), &ds.ColumnNames); err != nil {
		return nil, fmt.Errorf("decode column names: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &ds.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &ds, nil
}

func (s *SQLiteStore) PutChunk(ctx context.Context, chunk *Chunk) error {
	stampChunk(chunk)
	meta, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode chunk metadata: %v", ErrWriteFailed, err)
	}
	var embedding sql.NullString
	if chunk.Embedding != nil {
		raw, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fmt.Errorf("%w: encode embedding: %v", ErrWriteFailed, err)
		}
		embedding = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO data_vectors (id, dataset_id, user_id, chunk_index, chunk_text, chunk_metadata, embedding_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID.String(), chunk.DatasetID.String(), chunk.UserID, chunk.Index, chunk.Text, string(meta), embedding, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert chunk: %v", ErrWriteFailed, err)
	}
	return nil
}

const sqliteChunkColumns = `id, dataset_id, user_id, chunk_index, chunk_text, chunk_metadata, embedding_json, created_at`

func (s *SQLiteStore) ListByDataset(ctx context.Context, datasetID uuid.UUID) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+sqliteChunkColumns+` FROM data_vectors WHERE dataset_id = ? ORDER BY chunk_index ASC`, datasetID.String())
}

func (s *SQLiteStore) ListRecentByDataset(ctx context.Context, datasetID uuid.UUID, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryChunks(ctx, `SELECT `+sqliteChunkColumns+` FROM data_vectors WHERE dataset_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, datasetID.String(), limit)
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := make([]Chunk, 0)
	for rows.Next() {
		var (
			c         Chunk
			id        string
			datasetID string
			meta      string
			embedding sql.NullString
		)
		if err := rows.Scan(&id, &datasetID, &c.UserID, &c.Index, &c.Text, &meta, &embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse chunk id: %w", err)
		}
		if c.DatasetID, err = uuid.Parse(datasetID); err != nil {
			return nil, fmt.Errorf("parse dataset id: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		if embedding.Valid {
			if err := json.Unmarshal([]byte(embedding.String), &c.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountByDataset(ctx context.Context, datasetID uuid.UUID) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_vectors WHERE dataset_id = ?`, datasetID.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteByDataset(ctx context.Context, datasetID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM data_vectors WHERE dataset_id = ?`, datasetID.String()); err != nil {
		return fmt.Errorf("%w: delete chunks: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, datasetID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin delete chunks: %v", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM data_vectors WHERE dataset_id = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("%w: prepare delete chunks: %v", ErrWriteFailed, err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, datasetID.String(), id.String()); err != nil {
			return fmt.Errorf("%w: delete chunk %s: %v", ErrWriteFailed, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete chunks: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	stampSession(session)
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO analysis_sessions (id, user_id, dataset_id, session_name, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		session.ID.String(), session.UserID, session.DatasetID.String(), session.Name, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID string, id uuid.UUID) (*Session, error) {
	var (
		session   Session
		datasetID string
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT user_id, dataset_id, session_name, created_at
        FROM analysis_sessions WHERE id = ? AND user_id = ?`, id.String(), userID).
		Scan(&session.UserID, &datasetID, &session.Name, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	session.ID = id
	if session.DatasetID, err = uuid.Parse(datasetID); err != nil {
		return nil, fmt.Errorf("parse dataset id: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	stampMessage(msg)
	var provenance sql.NullString
	if msg.Provenance != nil {
		raw, err := json.Marshal(msg.Provenance)
		if err != nil {
			return fmt.Errorf("%w: encode provenance: %v", ErrWriteFailed, err)
		}
		provenance = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO chat_messages (id, session_id, user_id, message_type, content, vector_context, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.SessionID.String(), msg.UserID, string(msg.Type), msg.Content, provenance, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, message_type, content, vector_context, created_at
        FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var (
			msg        ChatMessage
			id         string
			kind       string
			provenance sql.NullString
			createdAt  time.Time
		)
		if err := rows.Scan(&id, &msg.UserID, &kind, &msg.Content, &provenance, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse message id: %w", err)
		}
		msg.SessionID = sessionID
		msg.Type = MessageType(kind)
		msg.CreatedAt = createdAt
		if provenance.Valid {
			msg.Provenance = &Provenance{}
			if err := json.Unmarshal([]byte(provenance.String), msg.Provenance); err != nil {
				return nil, fmt.Errorf("decode provenance: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
