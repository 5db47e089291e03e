package chat

import (
	"github.com/google/uuid"

	"github.com/fabfab/csv-analyst/retrieval"
	"github.com/fabfab/csv-analyst/store"
)

type Request struct {
	UserID    string
	DatasetID uuid.UUID
	// SessionID is optional; without it the exchange is not recorded.
	SessionID uuid.UUID
	Question  string
}

type Response struct {
	Answer     string
	Method     retrieval.Method
	Provenance store.Provenance
}

// ChunkInsight is what the knowledge graph knows about one chunk.
type ChunkInsight struct {
	Columns []string
}
