package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It backs local runs and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	datasets map[uuid.UUID]Dataset
	chunks   map[uuid.UUID][]Chunk
	sessions map[uuid.UUID]Session
	messages map[uuid.UUID][]ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets: make(map[uuid.UUID]Dataset),
		chunks:   make(map[uuid.UUID][]Chunk),
		sessions: make(map[uuid.UUID]Session),
		messages: make(map[uuid.UUID][]ChatMessage),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateDataset(_ context.Context, ds *Dataset) error {
	stampDataset(ds)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *ds
	stored.ColumnNames = slices.Clone(ds.ColumnNames)
	s.datasets[ds.ID] = stored
	return nil
}

func (s *MemoryStore) GetDataset(_ context.Context, userID string, id uuid.UUID) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[id]
	if !ok || ds.UserID != userID {
		return nil, ErrNotFound
	}
	return &ds, nil
}

func (s *MemoryStore) ListDatasets(_ context.Context, userID string) ([]Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dataset, 0)
	for _, ds := range s.datasets {
		if ds.UserID == userID {
			out = append(out, ds)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PutChunk(_ context.Context, chunk *Chunk) error {
	stampChunk(chunk)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *chunk
	stored.Embedding = slices.Clone(chunk.Embedding)
	s.chunks[chunk.DatasetID] = append(s.chunks[chunk.DatasetID], stored)
	return nil
}

func (s *MemoryStore) ListByDataset(_ context.Context, datasetID uuid.UUID) ([]Chunk, error) {
	s.mu.RLock()
	out := slices.Clone(s.chunks[datasetID])
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Metadata.BatchStart < out[j].Metadata.BatchStart })
	return out, nil
}

func (s *MemoryStore) ListRecentByDataset(_ context.Context, datasetID uuid.UUID, limit int) ([]Chunk, error) {
	s.mu.RLock()
	stored := s.chunks[datasetID]
	out := make([]Chunk, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, stored[i])
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) CountByDataset(_ context.Context, datasetID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[datasetID]), nil
}

func (s *MemoryStore) DeleteByDataset(_ context.Context, datasetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, datasetID)
	return nil
}

func (s *MemoryStore) DeleteChunks(_ context.Context, datasetID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[datasetID][:0:0]
	for _, c := range s.chunks[datasetID] {
		if _, ok := drop[c.ID]; !ok {
			kept = append(kept, c)
		}
	}
	s.chunks[datasetID] = kept
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	stampSession(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, userID string, id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok || session.UserID != userID {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *ChatMessage) error {
	stampMessage(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID uuid.UUID) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[sessionID]), nil
}

var _ Store = (*MemoryStore)(nil)
