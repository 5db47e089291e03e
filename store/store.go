// Package store persists datasets, chunks, analysis sessions and chat
// messages. Similarity search is not delegated to the backend; callers list
// chunks and rank them themselves.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrWriteFailed marks a persistence write that did not complete.
	ErrWriteFailed = errors.New("persistence write failed")
)

type DatasetStore interface {
	CreateDataset(ctx context.Context, ds *Dataset) error
	GetDataset(ctx context.Context, userID string, id uuid.UUID) (*Dataset, error)
	ListDatasets(ctx context.Context, userID string) ([]Dataset, error)
}

type VectorStore interface {
	PutChunk(ctx context.Context, chunk *Chunk) error
	// ListByDataset returns every chunk of the dataset in ascending row order.
	ListByDataset(ctx context.Context, datasetID uuid.UUID) ([]Chunk, error)
	// ListRecentByDataset returns up to limit chunks, newest first.
	ListRecentByDataset(ctx context.Context, datasetID uuid.UUID, limit int) ([]Chunk, error)
	CountByDataset(ctx context.Context, datasetID uuid.UUID) (int, error)
	DeleteByDataset(ctx context.Context, datasetID uuid.UUID) error
	// DeleteChunks removes the listed chunks of a dataset; unknown ids are ignored.
	DeleteChunks(ctx context.Context, datasetID uuid.UUID, ids []uuid.UUID) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, userID string, id uuid.UUID) (*Session, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, msg *ChatMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]ChatMessage, error)
}

type Store interface {
	DatasetStore
	VectorStore
	SessionStore
	MessageStore
	Close() error
}

func stampDataset(ds *Dataset) {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
}

func stampChunk(c *Chunk) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

func stampSession(s *Session) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
}

func stampMessage(m *ChatMessage) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
