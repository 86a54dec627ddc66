package ingestion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

const (
	manifestName       = "checksums.sha256"
	checksumBufferSize = 1 << 20
)

var manifestHashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Verifier runs the three-level checksum chain: envelope format, archive
// digest, and the per-file manifest inside the package.
type Verifier struct {
	log *logger.Logger
	// requireSelfListing demands that checksums.sha256 lists itself (the
	// entry is skipped, not recomputed).
	requireSelfListing bool
}

func NewVerifier(log *logger.Logger, requireSelfListing bool) *Verifier {
	return &Verifier{
		log:                log.With("component", "IntegrityVerifier"),
		requireSelfListing: requireSelfListing,
	}
}

// VerifyEnvelopeFormat re-asserts the checksum shape validated at parse
// time as a precondition for the later levels.
func (v *Verifier) VerifyEnvelopeFormat(checksum string) error {
	const stage = "checksum"
	if !checksumPattern.MatchString(checksum) {
		return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("envelope checksum %q is not sha256:<64 lowercase hex>", checksum))
	}
	return nil
}

// VerifyArchive recomputes the SHA-256 of the downloaded archive and
// compares it to the envelope digest.
func (v *Verifier) VerifyArchive(ctx context.Context, archivePath, expectedHex string) error {
	const stage = "checksum"
	actual, err := fileSHA256(ctx, archivePath)
	if err != nil {
		return stageErr(stage, CodeProcessingFailure, err)
	}
	if !digestsEqual(actual, expectedHex) {
		return stageErr(stage, CodeChecksumMismatch, fmt.Errorf(
			"archive digest mismatch: expected=sha256:%s actual=sha256:%s", expectedHex, actual,
		))
	}
	return nil
}

// VerifyManifest parses <root>/checksums.sha256 and recomputes every listed
// file. Missing files, files on disk that the manifest does not cover,
// malformed lines, and digest mismatches all fail the chain.
func (v *Verifier) VerifyManifest(ctx context.Context, rootDir string) error {
	const stage = "checksum"

	manifestPath := filepath.Join(rootDir, manifestName)
	entries, err := parseManifest(manifestPath)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("%s lists no files", manifestName))
	}

	selfListed := false
	coversConversation := false
	verified := 0
	for relPath, expectedHex := range entries {
		if relPath == manifestName {
			selfListed = true
			continue
		}
		if relPath == conversationFileName {
			coversConversation = true
		}
		filePath := filepath.Join(rootDir, filepath.FromSlash(relPath))
		if !strings.HasPrefix(filepath.Clean(filePath), filepath.Clean(rootDir)+string(os.PathSeparator)) {
			return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("manifest path %q escapes package root", relPath))
		}
		actual, err := fileSHA256(ctx, filePath)
		if err != nil {
			if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
				return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("file listed in %s not found: %s", manifestName, relPath))
			}
			return stageErr(stage, CodeProcessingFailure, err)
		}
		if !digestsEqual(actual, expectedHex) {
			return stageErr(stage, CodeChecksumMismatch, fmt.Errorf(
				"digest mismatch for %s: expected=sha256:%s actual=sha256:%s", relPath, expectedHex, actual,
			))
		}
		verified++
	}

	if v.requireSelfListing && !selfListed {
		return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("%s does not list itself", manifestName))
	}
	if !coversConversation {
		return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("%s does not cover %s", manifestName, conversationFileName))
	}

	// Extra files on disk that the manifest never mentions break the chain
	// just like a mismatch: the producer signed a different package.
	if err := v.checkNoExtraFiles(rootDir, entries); err != nil {
		return err
	}

	v.log.Debug("Manifest verified", "files", verified, "self_listed", selfListed)
	return nil
}

func (v *Verifier) checkNoExtraFiles(rootDir string, entries map[string]string) error {
	const stage = "checksum"
	return filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return stageErr(stage, CodeProcessingFailure, err)
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(rootDir, path)
		if relErr != nil {
			return stageErr(stage, CodeProcessingFailure, relErr)
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestName {
			return nil
		}
		if _, listed := entries[rel]; !listed {
			return stageErr(stage, CodeChecksumMismatch, fmt.Errorf("file %s present in package but absent from %s", rel, manifestName))
		}
		return nil
	})
}

func parseManifest(manifestPath string) (map[string]string, error) {
	const stage = "checksum"
	f, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stageErr(stage, CodeChecksumMismatch, fmt.Errorf("required file %s not found in package", manifestName))
		}
		return nil, stageErr(stage, CodeProcessingFailure, err)
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "  ")
		if idx < 0 {
			return nil, stageErr(stage, CodeChecksumMismatch, fmt.Errorf("malformed line %d in %s", lineNum, manifestName))
		}
		hash := strings.TrimSpace(line[:idx])
		relPath := strings.TrimSpace(line[idx+2:])
		if !manifestHashPattern.MatchString(hash) || relPath == "" {
			return nil, stageErr(stage, CodeChecksumMismatch, fmt.Errorf("malformed line %d in %s", lineNum, manifestName))
		}
		entries[filepath.ToSlash(relPath)] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, stageErr(stage, CodeProcessingFailure, err)
	}
	return entries, nil
}

func fileSHA256(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
