package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", StoreDriverMemory)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 0.5, cfg.Retrieve.Threshold)
	assert.Equal(t, 8, cfg.Retrieve.TopK)
	assert.Equal(t, 5, cfg.Retrieve.LowSimilarityTopK)
	assert.Equal(t, 20, cfg.Retrieve.KeywordCandidates)
	assert.Equal(t, 100*time.Millisecond, cfg.Vectors.Pacing)
	assert.Equal(t, 12000, cfg.Context.MaxChars)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "store:\n  driver: sqlite\n  sqlite_path: /tmp/analyst.db\nretrieve:\n  top_k: 4\n  keyword_top_k: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("RETRIEVE_TOP_K", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreDriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/analyst.db", cfg.Store.SQLitePath)
	assert.Equal(t, 6, cfg.Retrieve.TopK)
	assert.Equal(t, 3, cfg.Retrieve.KeywordTopK)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Store:      StoreConfig{Driver: StoreDriverPostgres},
		Embeddings: EmbeddingConfig{Dimension: 1536},
		Retrieve:   RetrieveConfig{Threshold: 0.5},
		Vectors:    VectorConfig{BatchSize: 50},
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Store.Driver = "mongo"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Embeddings.Dimension = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Retrieve.Threshold = 1.5
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Vectors.BatchSize = 0
	assert.Error(t, bad.Validate())
}
