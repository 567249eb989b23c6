package imageservice

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/metrics"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/containerd/containerd/archive"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// zstdMagic is the four-byte zstd frame magic number (RFC 8878 §3.1.1),
// used to decide whether a downloaded blob needs decompression before
// archive.Apply, rather than trial-decoding and failing mid-extract.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Config controls where the cache lives on disk and how much space each
// allocator is allowed to hold.
type Config struct {
	ImagesDir             string
	DownloadsDir          string
	DownloadCapacityBytes int64
	InstallCapacityBytes  int64
}

// Service is the node's single content-addressed artifact cache, shared
// by every item the reconciler installs.
type Service struct {
	cfg Config

	store   store.Store
	fetcher Fetcher

	downloadAlloc *Allocator
	installAlloc  *Allocator

	group singleflight.Group

	urlsMu sync.RWMutex
	urls   map[string]string // digest -> upstream URL, learned from desired status
}

// New builds a Service rooted at cfg's directories, creating them if
// absent.
func New(cfg Config, st store.Store, fetcher Fetcher) (*Service, error) {
	if err := os.MkdirAll(cfg.ImagesDir, 0o755); err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: create images dir", err)
	}
	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: create downloads dir", err)
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}

	return &Service{
		cfg:           cfg,
		store:         st,
		fetcher:       fetcher,
		downloadAlloc: NewAllocator(cfg.DownloadCapacityBytes),
		installAlloc:  NewAllocator(cfg.InstallCapacityBytes),
		urls:          make(map[string]string),
	}, nil
}

// RegisterSource associates digest with the upstream URL the cloud
// advertised for it. The reconciler calls this as desired status items
// arrive, before Install or GetBlobsInfo can resolve them.
func (s *Service) RegisterSource(digestStr, url string) {
	s.urlsMu.Lock()
	defer s.urlsMu.Unlock()
	s.urls[digestStr] = url
}

func (s *Service) lookupSource(digestStr string) (string, bool) {
	s.urlsMu.RLock()
	defer s.urlsMu.RUnlock()
	url, ok := s.urls[digestStr]
	return url, ok
}

func (s *Service) blobPath(d digest.Digest) string {
	return filepath.Join(s.cfg.ImagesDir, d.Algorithm().String(), d.Encoded())
}

func (s *Service) hasBlob(digestStr string) bool {
	d, err := digest.Parse(digestStr)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.blobPath(d))
	return err == nil
}

// sizeOfBlob returns digest d's installed size, preferring whatever a
// prior store row already recorded (cheap, and survives any directory
// holding more than plain file content) and falling back to walking the
// extracted tree for a digest that was committed outside this process.
func (s *Service) sizeOfBlob(d digest.Digest, path string) (int64, error) {
	items, err := s.store.ListUpdateItems()
	if err == nil {
		for _, item := range items {
			if item.IndexDigest == d.String() && item.Size > 0 {
				return item.Size, nil
			}
		}
	}

	var total int64
	walkErr := filepath.WalkDir(path, func(_ string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if walkErr != nil {
		return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: measure cached blob", walkErr)
	}
	return total, nil
}

// Install ensures the artifact named by digestStr is present under a
// stable local path and returns it, coalescing concurrent callers asking
// for the same digest onto a single download.
func (s *Service) Install(ctx context.Context, item types.UpdateItem, digestStr string) (string, error) {
	d, err := digest.Parse(digestStr)
	if err != nil {
		return "", aoserrors.Wrap(aoserrors.KindInvalidArgument, "imageservice: parse digest", err)
	}

	path := s.blobPath(d)
	if _, statErr := os.Stat(path); statErr == nil {
		size, err := s.sizeOfBlob(d, path)
		if err != nil {
			return "", err
		}
		if err := s.recordInstalled(item, d, size); err != nil {
			return "", err
		}
		return path, nil
	}

	result, err, _ := s.group.Do(digestStr, func() (any, error) {
		return s.download(ctx, d)
	})
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	size := result.(int64)
	if err := s.recordInstalled(item, d, size); err != nil {
		return "", err
	}
	metrics.ImageDownloadsTotal.WithLabelValues("success").Inc()
	return path, nil
}

func (s *Service) recordInstalled(item types.UpdateItem, d digest.Digest, size int64) error {
	item.IndexDigest = d.String()
	item.Size = size
	item.State = types.ItemStateInstalled
	item.Timestamp = time.Now()

	if _, err := s.store.GetUpdateItem(item.ItemID, item.Version); err != nil {
		return s.store.AddUpdateItem(&item)
	}
	return s.store.UpdateUpdateItem(&item)
}

// download fetches, verifies and extracts the blob named by d, returning
// its decompressed size. It must only ever be called from inside
// s.group.Do so that concurrent Installs of the same digest share one
// attempt.
func (s *Service) download(ctx context.Context, d digest.Digest) (int64, error) {
	url, ok := s.lookupSource(d.String())
	if !ok {
		return 0, aoserrors.New(aoserrors.KindNotFound, "imageservice: no source registered for "+d.String())
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ImageDownloadDuration)

	body, size, err := fetchWithRetry(ctx, s.fetcher, url)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if size > 0 {
		if err := s.reserveWithEviction(ctx, s.downloadAlloc, size); err != nil {
			return 0, err
		}
		defer s.downloadAlloc.Release(size)
	}

	tmpDir, err := os.MkdirTemp(s.cfg.DownloadsDir, "install-*")
	if err != nil {
		return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: create scratch dir", err)
	}
	defer os.RemoveAll(tmpDir)

	verifier := d.Verifier()
	raw := io.TeeReader(body, verifier)

	extracted, err := extractArchive(ctx, tmpDir, raw)
	if err != nil {
		return 0, err
	}
	if !verifier.Verified() {
		return 0, aoserrors.New(aoserrors.KindInvalidChecksum, "imageservice: digest mismatch for "+d.String())
	}

	if err := s.reserveWithEviction(ctx, s.installAlloc, extracted); err != nil {
		return 0, err
	}

	dest := s.blobPath(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.installAlloc.Release(extracted)
		return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: create blob directory", err)
	}
	if err := os.Rename(tmpDir, dest); err != nil {
		s.installAlloc.Release(extracted)
		return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: commit blob", err)
	}

	return extracted, nil
}

// extractArchive sniffs r for a zstd frame, decompressing through
// klauspost/compress/zstd only when the magic number is present, then
// unpacks the (possibly now-decompressed) tar stream into root via
// containerd's archive.Apply, returning the extracted byte count.
func extractArchive(ctx context.Context, root string, r io.Reader) (int64, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(magic, zstdMagic) {
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: open zstd stream", err)
		}
		defer decoder.Close()

		n, err := archive.Apply(ctx, root, decoder)
		if err != nil {
			return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: extract archive", err)
		}
		return n, nil
	}

	n, err := archive.Apply(ctx, root, br)
	if err != nil {
		return 0, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: extract archive", err)
	}
	return n, nil
}

// reserveWithEviction reserves n bytes from alloc, evicting the oldest
// cached store items (by timestamp) one at a time until the reservation
// fits or no candidate remains.
func (s *Service) reserveWithEviction(ctx context.Context, alloc *Allocator, n int64) error {
	for {
		if alloc.TryReserve(n) {
			return nil
		}

		evicted, err := s.evictOldestCached(ctx)
		if err != nil {
			return err
		}
		if !evicted {
			return aoserrors.New(aoserrors.KindNoMemory, "imageservice: no space and nothing left to evict")
		}
	}
}

// evictOldestCached removes the single oldest item in ItemStateCached and
// releases its bytes back to the install allocator. It reports whether a
// candidate was found.
func (s *Service) evictOldestCached(ctx context.Context) (bool, error) {
	items, err := s.store.ListUpdateItems()
	if err != nil {
		return false, aoserrors.Wrap(aoserrors.KindFailed, "imageservice: list items", err)
	}

	candidates := make([]types.UpdateItem, 0, len(items))
	for _, item := range items {
		if item.State == types.ItemStateCached {
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	victim := candidates[0]

	if err := s.evictItem(ctx, victim); err != nil {
		return false, err
	}
	metrics.ImageEvictionsTotal.Inc()
	return true, nil
}

func (s *Service) evictItem(_ context.Context, item types.UpdateItem) error {
	d, err := digest.Parse(item.IndexDigest)
	if err == nil && !s.digestStillReferenced(item) {
		if err := os.RemoveAll(s.blobPath(d)); err != nil {
			return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: remove evicted blob", err)
		}
		s.installAlloc.Release(item.Size)
	}

	if err := s.store.RemoveUpdateItem(item.ItemID, item.Version); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: remove item row", err)
	}

	log.Info("imageservice: evicted cached item " + item.ItemID + "/" + item.Version)
	return nil
}

// digestStillReferenced reports whether any other store item points at
// the same digest as item and isn't itself being evicted, so a shared
// blob is never deleted while still installed under another item/version.
func (s *Service) digestStillReferenced(item types.UpdateItem) bool {
	items, err := s.store.ListUpdateItems()
	if err != nil {
		return true // fail safe: don't delete if we can't be sure
	}
	for _, other := range items {
		if other.ItemID == item.ItemID && other.Version == item.Version {
			continue
		}
		if other.IndexDigest == item.IndexDigest && other.State != types.ItemStateRemoved {
			return true
		}
	}
	return false
}

// Remove decrements the logical reference an (itemID, version) holds on
// its blob. The underlying item row is marked cached, making it an
// eviction candidate the next time an allocator needs space; nothing is
// deleted from disk synchronously.
func (s *Service) Remove(itemID, version string) error {
	item, err := s.store.GetUpdateItem(itemID, version)
	if err != nil {
		return err
	}

	item.State = types.ItemStateCached
	item.Timestamp = time.Now()
	return s.store.UpdateUpdateItem(item)
}

// GetBlobsInfo resolves upstream URLs for every digest in digests that
// is not already cached locally, so SMs without cloud reachability can
// fetch the rest directly.
func (s *Service) GetBlobsInfo(digests []string) ([]string, error) {
	urls := make([]string, 0, len(digests))
	for _, digestStr := range digests {
		if s.hasBlob(digestStr) {
			continue
		}
		url, ok := s.lookupSource(digestStr)
		if !ok {
			return nil, aoserrors.New(aoserrors.KindNotFound, "imageservice: no source registered for "+digestStr)
		}
		urls = append(urls, url)
	}
	return urls, nil
}
