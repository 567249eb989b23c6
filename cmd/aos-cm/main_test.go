package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateNodeID(t *testing.T) {
	t.Run("generates and persists a fresh id on first boot", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "id")

		id, err := loadOrCreateNodeID(path)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		_, err = uuid.Parse(id)
		assert.NoError(t, err, "generated id must be a valid uuid")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, id, string(data))
	})

	t.Run("reuses an existing id across restarts", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "id")
		require.NoError(t, os.WriteFile(path, []byte("fixed-node-id\n"), 0o644))

		id, err := loadOrCreateNodeID(path)
		require.NoError(t, err)
		assert.Equal(t, "fixed-node-id", id)
	})
}
