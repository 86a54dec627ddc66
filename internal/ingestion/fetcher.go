package ingestion

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/platform/objectstore"
)

const (
	maxMemberBytes = int64(2) << 30
	maxUnpackBytes = int64(5) << 30
)

// Package is the downloaded and extracted archive. The cleanup func returned
// by Fetch removes the job's temp directory and must run on every exit path.
type Package struct {
	ArchivePath      string
	ExtractDir       string
	ArchiveSize      int64
	UncompressedSize int64
}

type Fetcher struct {
	log     *logger.Logger
	store   *objectstore.Client
	tmpRoot string
}

func NewFetcher(log *logger.Logger, store *objectstore.Client, tmpRoot string) *Fetcher {
	if tmpRoot == "" {
		tmpRoot = os.TempDir()
	}
	return &Fetcher{
		log:     log.With("component", "PackageFetcher"),
		store:   store,
		tmpRoot: tmpRoot,
	}
}

// Fetch downloads bucket/key into a fresh per-job directory and unpacks the
// tar.gz. The returned cleanup is safe to call multiple times.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key, externalEventID string) (*Package, func(), error) {
	const stage = "download"

	jobDir, err := os.MkdirTemp(f.tmpRoot, "ingest-"+externalEventID+"-")
	if err != nil {
		return nil, func() {}, stageErr(stage, CodeProcessingFailure, fmt.Errorf("create temp dir: %w", err))
	}
	cleanup := func() {
		if rmErr := os.RemoveAll(jobDir); rmErr != nil {
			f.log.Warn("Failed to remove job temp dir", "dir", jobDir, "error", rmErr)
		}
	}

	archivePath := filepath.Join(jobDir, "package.tar.gz")
	size, err := f.store.DownloadToFile(ctx, bucket, key, archivePath)
	if err != nil {
		cleanup()
		return nil, func() {}, Classify(err, stage)
	}

	extractDir := filepath.Join(jobDir, "extracted")
	if err := os.Mkdir(extractDir, 0o755); err != nil {
		cleanup()
		return nil, func() {}, stageErr(stage, CodeProcessingFailure, fmt.Errorf("create extract dir: %w", err))
	}

	uncompressed, err := extractTarGz(ctx, archivePath, extractDir)
	if err != nil {
		cleanup()
		return nil, func() {}, Classify(err, stage)
	}

	f.log.Debug("Package fetched",
		"bucket", bucket,
		"key", key,
		"archive_bytes", size,
		"uncompressed_bytes", uncompressed,
	)
	return &Package{
		ArchivePath:      archivePath,
		ExtractDir:       extractDir,
		ArchiveSize:      size,
		UncompressedSize: uncompressed,
	}, cleanup, nil
}

// Root returns the extracted archive's single top-level directory. The
// package contract demands exactly one, named after the event.
func (p *Package) Root() (string, error) {
	const stage = "download"
	entries, err := os.ReadDir(p.ExtractDir)
	if err != nil {
		return "", stageErr(stage, CodeProcessingFailure, err)
	}
	var topDirs []string
	for _, e := range entries {
		if e.IsDir() {
			topDirs = append(topDirs, e.Name())
		} else {
			return "", stageErr(stage, CodeValidationError, fmt.Errorf("unexpected top-level file %q in archive", e.Name()))
		}
	}
	if len(topDirs) != 1 {
		return "", stageErr(stage, CodeValidationError, fmt.Errorf("archive must contain exactly one top-level directory, found %d", len(topDirs)))
	}
	return filepath.Join(p.ExtractDir, topDirs[0]), nil
}

// extractTarGz unpacks into destDir, refusing members that escape the
// extraction root or blow the size caps.
func extractTarGz(ctx context.Context, archivePath, destDir string) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, stageErr("download", CodeValidationError, fmt.Errorf("archive is not gzip: %w", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, stageErr("download", CodeValidationError, fmt.Errorf("read tar: %w", err))
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return 0, stageErr("download", CodeValidationError, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, fmt.Errorf("mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if hdr.Size > maxMemberBytes {
				return 0, stageErr("download", CodePayloadTooLarge, fmt.Errorf("member %s is %d bytes (cap %d)", hdr.Name, hdr.Size, maxMemberBytes))
			}
			if total+hdr.Size > maxUnpackBytes {
				return 0, stageErr("download", CodePayloadTooLarge, fmt.Errorf("archive exceeds %d uncompressed bytes", maxUnpackBytes))
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, fmt.Errorf("mkdir parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return 0, fmt.Errorf("create %s: %w", hdr.Name, err)
			}
			n, err := io.Copy(out, io.LimitReader(tr, maxMemberBytes+1))
			closeErr := out.Close()
			if err != nil {
				return 0, fmt.Errorf("write %s: %w", hdr.Name, err)
			}
			if closeErr != nil {
				return 0, fmt.Errorf("close %s: %w", hdr.Name, closeErr)
			}
			if n > maxMemberBytes {
				return 0, stageErr("download", CodePayloadTooLarge, fmt.Errorf("member %s exceeded %d bytes", hdr.Name, maxMemberBytes))
			}
			total += n
		default:
			// Symlinks and specials are dropped: nothing in the package
			// contract needs them, and links are a traversal vector.
			continue
		}
	}
	return total, nil
}

func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == "." {
		return destDir, nil
	}
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || cleaned == ".." {
		return "", fmt.Errorf("archive member %q escapes extraction root", name)
	}
	target := filepath.Join(destDir, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes extraction root", name)
	}
	return target, nil
}
