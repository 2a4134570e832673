package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/docfed/internal/coordinator"
)

func TestNormalizeArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"--bootstrap", "--config=fed.yaml", "8080", "fed-1", "localhost:8081"},
		normalizeArgs([]string{"-bootstrap", "-config=fed.yaml", "8080", "fed-1", "localhost:8081"}))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fed.yaml")

	cfg, err := loadConfig(options{configPath: path, bootstrap: true}, []string{"8081", "fed-1", "localhost:8082"})
	require.NoError(t, err)

	assert.Equal(t, "fed-1", cfg.ID)
	assert.Equal(t, "http://localhost:8081", cfg.URL)
	assert.True(t, cfg.Bootstrap)
	assert.Equal(t, []string{"http://localhost:8082"}, cfg.Peers)
	assert.FileExists(t, path)
}

func TestOpenStores(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		st, err := openStores("")
		require.NoError(t, err)
		assert.Nil(t, st.term)
		assert.NoError(t, st.Close())
	})

	t.Run("on disk", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		st, err := openStores(dir)
		require.NoError(t, err)
		require.NotNil(t, st.term)

		require.NoError(t, st.snapshots.Save(coordinator.Snapshot{LeaderID: "db-1"}))
		require.NoError(t, st.Close())

		for _, name := range []string{"credentials.json", "federation.db", "registry.json"} {
			_, err := os.Stat(filepath.Join(dir, name))
			assert.NoError(t, err, name)
		}
	})
}
