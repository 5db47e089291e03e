// Package knowledge mirrors datasets into a Neo4j graph: datasets own
// columns and chunks, chunks cover the columns they populate and link to the
// next chunk in row order.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type DatasetGraph struct {
	ID        string
	UserID    string
	Filename  string
	TotalRows int
	Columns   []Column
	Chunks    []Chunk
}

type Column struct {
	Name     string
	Type     string
	Position int
}

type Chunk struct {
	ID       string
	Index    int
	StartRow int
	EndRow   int
	// Columns lists the populated columns, by name.
	Columns []string
}

// SyncDataset replaces the graph for one dataset. Chunks are linked with
// NEXT in Index order.
func SyncDataset(ctx context.Context, driver neo4j.DriverWithContext, ds DatasetGraph) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if ds.ID == "" {
		return fmt.Errorf("dataset id is required")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	positions := make(map[string]int, len(ds.Columns))
	for _, col := range ds.Columns {
		positions[col.Name] = col.Position
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Dataset {id: $id})
			SET d.user_id = $user_id,
			    d.filename = $filename,
			    d.total_rows = $total_rows,
			    d.updated_at = datetime()
		`, map[string]any{
			"id":         ds.ID,
			"user_id":    ds.UserID,
			"filename":   ds.Filename,
			"total_rows": ds.TotalRows,
		}); err != nil {
			return nil, fmt.Errorf("upsert dataset node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Dataset {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": ds.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Dataset {id: $id})-[:HAS_COLUMN]->(col:Column)
			DETACH DELETE col
		`, map[string]any{"id": ds.ID}); err != nil {
			return nil, fmt.Errorf("clear existing column nodes: %w", err)
		}

		for _, col := range ds.Columns {
			if _, err := tx.Run(ctx, `
				MATCH (d:Dataset {id: $dataset_id})
				MERGE (col:Column {dataset_id: $dataset_id, name: $name})
				SET col.type = $type,
				    col.position = $position
				MERGE (d)-[:HAS_COLUMN {position: $position}]->(col)
			`, map[string]any{
				"dataset_id": ds.ID,
				"name":       col.Name,
				"type":       col.Type,
				"position":   col.Position,
			}); err != nil {
				return nil, fmt.Errorf("upsert column %q: %w", col.Name, err)
			}
		}

		for _, chunk := range ds.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Dataset {id: $dataset_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.index = $chunk_index,
				    c.start_row = $start_row,
				    c.end_row = $end_row
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, map[string]any{
				"dataset_id":  ds.ID,
				"chunk_id":    chunk.ID,
				"chunk_index": chunk.Index,
				"start_row":   chunk.StartRow,
				"end_row":     chunk.EndRow,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}

			for _, name := range chunk.Columns {
				if _, err := tx.Run(ctx, `
					MATCH (c:Chunk {id: $chunk_id}), (col:Column {dataset_id: $dataset_id, name: $name})
					MERGE (c)-[:COVERS {position: $position}]->(col)
				`, map[string]any{
					"chunk_id":   chunk.ID,
					"dataset_id": ds.ID,
					"name":       name,
					"position":   positions[name],
				}); err != nil {
					return nil, fmt.Errorf("link chunk to column: %w", err)
				}
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Dataset {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			WITH c ORDER BY c.index
			WITH collect(c) AS chunks
			UNWIND range(0, size(chunks) - 2) AS i
			WITH chunks[i] AS current, chunks[i + 1] AS next
			MERGE (current)-[:NEXT]->(next)
		`, map[string]any{"id": ds.ID}); err != nil {
			return nil, fmt.Errorf("link chunk sequence: %w", err)
		}

		return nil, nil
	})

	return err
}

// DeleteDataset removes a dataset with its columns and chunks.
func DeleteDataset(ctx context.Context, driver neo4j.DriverWithContext, datasetID string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (d:Dataset {id: $id})
			OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
			OPTIONAL MATCH (d)-[:HAS_COLUMN]->(col:Column)
			DETACH DELETE c, col, d
		`, map[string]any{"id": datasetID}); err != nil {
			return nil, fmt.Errorf("delete dataset graph: %w", err)
		}
		return nil, nil
	})
	return err
}

// Syncer binds SyncDataset to a driver.
type Syncer struct {
	driver neo4j.DriverWithContext
}

func NewSyncer(driver neo4j.DriverWithContext) *Syncer {
	return &Syncer{driver: driver}
}

func (s *Syncer) SyncDataset(ctx context.Context, ds DatasetGraph) error {
	return SyncDataset(ctx, s.driver, ds)
}
