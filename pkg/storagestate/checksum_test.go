package storagestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/stretchr/testify/require"
)

func TestChecksumFileMatchesChecksumBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.dat")
	require.NoError(t, os.WriteFile(path, []byte("hello state"), 0o600))

	fromFile, err := checksumFile(path)
	require.NoError(t, err)
	require.Equal(t, checksumBytes([]byte("hello state")), fromFile)
}

func TestChecksumFileMissingReturnsNotFound(t *testing.T) {
	_, err := checksumFile(filepath.Join(t.TempDir(), "missing.dat"))
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindNotFound))
}

func TestChecksumBytesDiffersOnDifferentContent(t *testing.T) {
	require.NotEqual(t, checksumBytes([]byte("a")), checksumBytes([]byte("b")))
}
