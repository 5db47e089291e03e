package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaStatements returns the idempotent DDL for the analyst tables. The
// embedding column is nullable so chunks can be stored before, or without,
// an embedding.
func SchemaStatements(dimension int) ([]string, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}

	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS datasets (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			total_rows INT NOT NULL,
			total_columns INT NOT NULL,
			column_names TEXT[] NOT NULL,
			stats JSONB NOT NULL DEFAULT '{}'::jsonb,
			storage_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_datasets_user ON datasets(user_id, created_at DESC)",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_vectors (
			id UUID PRIMARY KEY,
			dataset_id UUID NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			chunk_text TEXT NOT NULL,
			chunk_metadata JSONB NOT NULL,
			embedding VECTOR(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_data_vectors_dataset ON data_vectors(dataset_id, created_at DESC)",
		`CREATE TABLE IF NOT EXISTS analysis_sessions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			dataset_id UUID NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			session_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES analysis_sessions(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			message_type TEXT NOT NULL CHECK (message_type IN ('user', 'assistant')),
			content TEXT NOT NULL,
			vector_context JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at)",
	}, nil
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	stmts, err := SchemaStatements(dimension)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
