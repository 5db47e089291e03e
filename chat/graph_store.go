package chat

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type GraphStore interface {
	ChunkInsights(ctx context.Context, chunkIDs []string) (map[string]ChunkInsight, error)
}

type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{driver: driver}
}

// ChunkInsights returns the populated columns of each requested chunk.
// Chunks unknown to the graph are absent from the result.
func (s *Neo4jGraphStore) ChunkInsights(ctx context.Context, chunkIDs []string) (map[string]ChunkInsight, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(chunkIDs) == 0 {
		return map[string]ChunkInsight{}, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Chunk)
		WHERE c.id IN $ids
		OPTIONAL MATCH (c)-[cov:COVERS]->(col:Column)
		WITH c, col, cov
		ORDER BY cov.position
		RETURN c.id AS id,
		       [name IN collect(col.name) WHERE name IS NOT NULL] AS columns
	`, map[string]any{"ids": chunkIDs})
	if err != nil {
		return nil, fmt.Errorf("run neo4j chunk insights query: %w", err)
	}

	insights := make(map[string]ChunkInsight, len(chunkIDs))
	for result.Next(ctx) {
		record := result.Record()
		id, _ := record.Get("id")
		columnsVal, _ := record.Get("columns")
		chunkID, ok := id.(string)
		if !ok {
			continue
		}
		insights[chunkID] = ChunkInsight{Columns: convertStringSlice(columnsVal)}
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j chunk insights result error: %w", err)
	}

	return insights, nil
}

var _ GraphStore = (*Neo4jGraphStore)(nil)

func convertStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if v, ok := value.([]string); ok {
			return v
		}
		return nil
	}

	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}
