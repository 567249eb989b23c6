package imageservice

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

// buildTar packs files (relative path -> content) into an in-memory,
// uncompressed tar stream for use as archive.Apply input.
func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// mapFetcher serves fixed byte payloads by URL and counts how many times
// each URL was fetched, for exercising download coordination.
type mapFetcher struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	calls   map[string]*int64
	beforeFetch func()
}

func newMapFetcher() *mapFetcher {
	return &mapFetcher{blobs: make(map[string][]byte), calls: make(map[string]*int64)}
}

func (f *mapFetcher) set(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[url] = data
	var n int64
	f.calls[url] = &n
}

func (f *mapFetcher) callCount(url string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return atomic.LoadInt64(f.calls[url])
}

func (f *mapFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	data, ok := f.blobs[url]
	counter := f.calls[url]
	before := f.beforeFetch
	f.mu.Unlock()

	if before != nil {
		before()
	}
	if !ok {
		return nil, 0, aoserrors.New(aoserrors.KindNotFound, "mapFetcher: no blob for "+url)
	}
	atomic.AddInt64(counter, 1)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func newTestService(t *testing.T, fetcher Fetcher, downloadCap, installCap int64) (*Service, store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := New(Config{
		ImagesDir:             filepath.Join(t.TempDir(), "images"),
		DownloadsDir:          filepath.Join(t.TempDir(), "downloads"),
		DownloadCapacityBytes: downloadCap,
		InstallCapacityBytes:  installCap,
	}, st, fetcher)
	require.NoError(t, err)
	return svc, st
}

func TestServiceInstallDownloadsVerifiesAndCaches(t *testing.T) {
	tarBytes := buildTar(t, map[string]string{"bin/app": "hello world"})
	want := digest.FromBytes(tarBytes)

	fetcher := newMapFetcher()
	fetcher.set("https://example.invalid/blob", tarBytes)

	svc, _ := newTestService(t, fetcher, 0, 0)
	svc.RegisterSource(want.String(), "https://example.invalid/blob")

	item := types.UpdateItem{ItemID: "item-1", Type: types.ItemTypeLayer, Version: "v1"}
	path, err := svc.Install(context.Background(), item, want.String())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(path, "bin/app"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	stored, err := svc.store.GetUpdateItem("item-1", "v1")
	require.NoError(t, err)
	require.Equal(t, types.ItemStateInstalled, stored.State)
	require.Equal(t, want.String(), stored.IndexDigest)
}

func TestServiceInstallRejectsDigestMismatch(t *testing.T) {
	tarBytes := buildTar(t, map[string]string{"bin/app": "hello world"})
	wrong := digest.FromBytes([]byte("not the real content"))

	fetcher := newMapFetcher()
	fetcher.set("https://example.invalid/blob", tarBytes)

	svc, _ := newTestService(t, fetcher, 0, 0)
	svc.RegisterSource(wrong.String(), "https://example.invalid/blob")

	item := types.UpdateItem{ItemID: "item-1", Type: types.ItemTypeLayer, Version: "v1"}
	_, err := svc.Install(context.Background(), item, wrong.String())
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindInvalidChecksum))
}

func TestServiceInstallCoalescesConcurrentCallers(t *testing.T) {
	tarBytes := buildTar(t, map[string]string{"bin/app": "hello world"})
	want := digest.FromBytes(tarBytes)

	fetcher := newMapFetcher()
	fetcher.set("https://example.invalid/blob", tarBytes)

	release := make(chan struct{})
	var waiting int32
	fetcher.beforeFetch = func() {
		atomic.AddInt32(&waiting, 1)
		<-release
	}

	svc, _ := newTestService(t, fetcher, 0, 0)
	svc.RegisterSource(want.String(), "https://example.invalid/blob")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := types.UpdateItem{ItemID: "item", Type: types.ItemTypeLayer, Version: "v1"}
			_, err := svc.Install(context.Background(), item, want.String())
			errs[i] = err
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&waiting) >= 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), fetcher.callCount("https://example.invalid/blob"))
}

func TestServiceGetBlobsInfoOnlyReturnsMissing(t *testing.T) {
	tarBytes := buildTar(t, map[string]string{"f": "x"})
	cached := digest.FromBytes(tarBytes)
	missing := digest.FromBytes([]byte("something else"))

	fetcher := newMapFetcher()
	fetcher.set("https://example.invalid/cached", tarBytes)
	fetcher.set("https://example.invalid/missing", []byte("ignored"))

	svc, _ := newTestService(t, fetcher, 0, 0)
	svc.RegisterSource(cached.String(), "https://example.invalid/cached")
	svc.RegisterSource(missing.String(), "https://example.invalid/missing")

	item := types.UpdateItem{ItemID: "item-1", Type: types.ItemTypeLayer, Version: "v1"}
	_, err := svc.Install(context.Background(), item, cached.String())
	require.NoError(t, err)

	urls, err := svc.GetBlobsInfo([]string{cached.String(), missing.String()})
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.invalid/missing"}, urls)
}

func TestServiceRemoveThenEvictionReclaimsSpace(t *testing.T) {
	oldTar := buildTar(t, map[string]string{"old": "0123456789"})
	oldDigest := digest.FromBytes(oldTar)

	fetcher := newMapFetcher()
	fetcher.set("https://example.invalid/old", oldTar)

	// Install allocator sized to fit exactly one extracted item (10 bytes
	// of file content) at a time, forcing eviction on the second Install.
	svc, st := newTestService(t, fetcher, 0, 10)
	svc.RegisterSource(oldDigest.String(), "https://example.invalid/old")

	oldItem := types.UpdateItem{ItemID: "old-item", Type: types.ItemTypeLayer, Version: "v1"}
	_, err := svc.Install(context.Background(), oldItem, oldDigest.String())
	require.NoError(t, err)

	require.NoError(t, svc.Remove("old-item", "v1"))
	stored, err := st.GetUpdateItem("old-item", "v1")
	require.NoError(t, err)
	require.Equal(t, types.ItemStateCached, stored.State)

	newTar := buildTar(t, map[string]string{"new": "9876543210"})
	newDigest := digest.FromBytes(newTar)
	fetcher.set("https://example.invalid/new", newTar)
	svc.RegisterSource(newDigest.String(), "https://example.invalid/new")

	newItem := types.UpdateItem{ItemID: "new-item", Type: types.ItemTypeLayer, Version: "v1"}
	_, err = svc.Install(context.Background(), newItem, newDigest.String())
	require.NoError(t, err)

	_, err = st.GetUpdateItem("old-item", "v1")
	require.Error(t, err, "evicted item row should be gone")
	require.True(t, aoserrors.Is(err, aoserrors.KindNotFound))
}

func TestServiceInstallFailsWithNoMemoryWhenNothingEvictable(t *testing.T) {
	tarBytes := buildTar(t, map[string]string{"f": "0123456789"})
	want := digest.FromBytes(tarBytes)

	fetcher := newMapFetcher()
	fetcher.set("https://example.invalid/blob", tarBytes)

	svc, _ := newTestService(t, fetcher, 0, 1) // install allocator far too small
	svc.RegisterSource(want.String(), "https://example.invalid/blob")

	item := types.UpdateItem{ItemID: "item-1", Type: types.ItemTypeLayer, Version: "v1"}
	_, err := svc.Install(context.Background(), item, want.String())
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindNoMemory))
}
