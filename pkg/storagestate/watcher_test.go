package storagestate

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateWatcherDebouncesBurstOfWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.dat")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o600))

	var calls int32
	w, err := newStateWatcher(path, func() { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 3*time.Second, 50*time.Millisecond)
	// give any trailing re-trigger time to land, then confirm the burst
	// collapsed to a single fire rather than one per write.
	time.Sleep(stateChangeDebounce + 200*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStateWatcherCloseStopsFiring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.dat")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o600))

	var calls int32
	w, err := newStateWatcher(path, func() { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))
	time.Sleep(stateChangeDebounce + 200*time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
