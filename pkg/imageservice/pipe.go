package imageservice

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/opencontainers/go-digest"
)

// pipeChunkSize is the size of each ImageContent chunk streamed to an SM
// that cannot reach the upstream directly.
const pipeChunkSize = 64 * 1024

// ChunkSender delivers one Pipe transfer to its destination. Its shape
// mirrors pkg/smchannel's ImageContentInfo/ImageContent payloads so the
// caller wiring a Channel to this method needs no translation, but
// imageservice does not import pkg/smchannel directly: components are
// wired together at the supervisor level, not through cross-imports.
type ChunkSender interface {
	SendInfo(digestStr string, size int64) error
	SendChunk(digestStr string, offset int64, chunk []byte, final bool) error
}

// Pipe fetches (or reuses the cached copy of) the blob named by digest
// and streams it to sender in fixed-size chunks, for an SM that cannot
// reach the upstream URL directly. Unlike Install, Pipe does not extract
// the blob: the SM receives the raw artifact exactly as published and is
// responsible for unpacking it itself.
func (s *Service) Pipe(ctx context.Context, digestStr, requestID string, sender ChunkSender) error {
	d, err := digest.Parse(digestStr)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindInvalidArgument, "imageservice: parse digest", err)
	}

	path, err := s.ensureRawBlob(ctx, d)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: open cached blob", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: stat cached blob", err)
	}

	if err := sender.SendInfo(digestStr, info.Size()); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: send ImageContentInfo", err)
	}

	buf := make([]byte, pipeChunkSize)
	var offset int64

	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			final := offset+int64(n) >= info.Size()
			if err := sender.SendChunk(digestStr, offset, buf[:n], final); err != nil {
				return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: send ImageContent chunk", err)
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return aoserrors.Wrap(aoserrors.KindFailed, "imageservice: read cached blob", readErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// ensureRawBlob returns the path to the raw, unextracted bytes for d,
// reusing Install's download coordination and allocators but skipping
// archive extraction: Pipe's whole point is to hand the SM the artifact
// exactly as published.
func (s *Service) ensureRawBlob(ctx context.Context, d digest.Digest) (string, error) {
	path := s.rawBlobPath(d)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	url, ok := s.lookupSource(d.String())
	if !ok {
		return "", aoserrors.New(aoserrors.KindNotFound, "imageservice: no source registered for "+d.String())
	}

	result, err, _ := s.group.Do("raw:"+d.String(), func() (any, error) {
		return s.downloadRaw(ctx, d, url)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Service) downloadRaw(ctx context.Context, d digest.Digest, url string) (string, error) {
	body, size, err := fetchWithRetry(ctx, s.fetcher, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if size > 0 {
		if err := s.reserveWithEviction(ctx, s.downloadAlloc, size); err != nil {
			return "", err
		}
		defer s.downloadAlloc.Release(size)
	}

	tmp, err := os.CreateTemp(s.cfg.DownloadsDir, "raw-*")
	if err != nil {
		return "", aoserrors.Wrap(aoserrors.KindFailed, "imageservice: create scratch file", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	verifier := d.Verifier()
	written, err := io.Copy(tmp, io.TeeReader(body, verifier))
	if err != nil {
		return "", aoserrors.Wrap(aoserrors.KindFailed, "imageservice: write scratch file", err)
	}
	if !verifier.Verified() {
		return "", aoserrors.New(aoserrors.KindInvalidChecksum, "imageservice: digest mismatch for "+d.String())
	}

	if err := s.reserveWithEviction(ctx, s.installAlloc, written); err != nil {
		return "", err
	}

	dest := s.rawBlobPath(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.installAlloc.Release(written)
		return "", aoserrors.Wrap(aoserrors.KindFailed, "imageservice: create raw blob directory", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		s.installAlloc.Release(written)
		return "", aoserrors.Wrap(aoserrors.KindFailed, "imageservice: commit raw blob", err)
	}

	return dest, nil
}

func (s *Service) rawBlobPath(d digest.Digest) string {
	return s.blobPath(d) + ".raw"
}
