package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/csv-analyst/tabular"
)

// Dataset describes one uploaded file. It is never mutated after creation.
type Dataset struct {
	ID               uuid.UUID     `json:"id"`
	UserID           string        `json:"user_id"`
	Filename         string        `json:"filename"`
	OriginalFilename string        `json:"original_filename"`
	FileSize         int64         `json:"file_size"`
	TotalRows        int           `json:"total_rows"`
	TotalColumns     int           `json:"total_columns"`
	ColumnNames      []string      `json:"column_names"`
	Stats            tabular.Stats `json:"stats"`
	StoragePath      string        `json:"storage_path"`
	CreatedAt        time.Time     `json:"created_at"`
}

type ChunkMetadata struct {
	BatchStart int      `json:"batch_start"`
	BatchEnd   int      `json:"batch_end"`
	RowCount   int      `json:"row_count"`
	Headers    []string `json:"headers"`
}

// Chunk is a stored slice of dataset rows. Embedding is nil when the chunk
// has not been embedded.
type Chunk struct {
	ID        uuid.UUID
	DatasetID uuid.UUID
	UserID    string
	Index     int
	Text      string
	Metadata  ChunkMetadata
	Embedding []float32
	CreatedAt time.Time
}

// Session groups the messages of one analysis conversation over a dataset.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	DatasetID uuid.UUID `json:"dataset_id"`
	Name      string    `json:"session_name"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
)

type ChatMessage struct {
	ID         uuid.UUID   `json:"id"`
	SessionID  uuid.UUID   `json:"session_id"`
	UserID     string      `json:"user_id"`
	Type       MessageType `json:"message_type"`
	Content    string      `json:"content"`
	Provenance *Provenance `json:"vector_context,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

type RowRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Provenance records which retrieval method and which chunks backed an answer.
type Provenance struct {
	SearchMethod     string     `json:"search_method"`
	ChunksUsed       int        `json:"chunks_used"`
	ChunksAvailable  int        `json:"chunks_available"`
	ChunkRanges      []RowRange `json:"chunk_ranges"`
	SimilarityScores []float64  `json:"similarity_scores,omitempty"`
}
