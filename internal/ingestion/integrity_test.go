package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// buildPackageDir lays out a valid package root with a manifest covering
// every file, plus the manifest itself when selfList is true.
func buildPackageDir(t *testing.T, files map[string][]byte, selfList bool) string {
	t.Helper()
	dir := t.TempDir()
	var manifest strings.Builder
	for name, data := range files {
		writeFile(t, dir, name, data)
		fmt.Fprintf(&manifest, "%s  %s\n", sha256Hex(data), name)
	}
	if selfList {
		fmt.Fprintf(&manifest, "%s  %s\n", strings.Repeat("0", 64), manifestName)
	}
	writeFile(t, dir, manifestName, []byte(manifest.String()))
	return dir
}

func pipelineCode(t *testing.T, err error) Code {
	t.Helper()
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PipelineError, got %T: %v", err, err)
	}
	return perr.Code
}

func TestVerifyArchiveMatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte("tar bytes")
	writeFile(t, dir, "package.tar.gz", data)
	v := NewVerifier(testLogger(t), true)

	if err := v.VerifyArchive(context.Background(), filepath.Join(dir, "package.tar.gz"), sha256Hex(data)); err != nil {
		t.Fatalf("VerifyArchive: %v", err)
	}
	err := v.VerifyArchive(context.Background(), filepath.Join(dir, "package.tar.gz"), strings.Repeat("0", 64))
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyEnvelopeFormat(t *testing.T) {
	v := NewVerifier(testLogger(t), true)
	if err := v.VerifyEnvelopeFormat("sha256:" + strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("VerifyEnvelopeFormat: %v", err)
	}
	err := v.VerifyEnvelopeFormat("md5:abcdef")
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyManifestHappyPath(t *testing.T) {
	dir := buildPackageDir(t, map[string][]byte{
		conversationFileName: []byte(`{"a":1}`),
		"media/audio.wav":    []byte("wav"),
	}, true)
	v := NewVerifier(testLogger(t), true)
	if err := v.VerifyManifest(context.Background(), dir); err != nil {
		t.Fatalf("VerifyManifest: %v", err)
	}
}

func TestVerifyManifestSelfListingRequired(t *testing.T) {
	dir := buildPackageDir(t, map[string][]byte{
		conversationFileName: []byte(`{"a":1}`),
	}, false)

	strict := NewVerifier(testLogger(t), true)
	err := strict.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("strict: want=%s got=%s", CodeChecksumMismatch, got)
	}

	lenient := NewVerifier(testLogger(t), false)
	if err := lenient.VerifyManifest(context.Background(), dir); err != nil {
		t.Fatalf("lenient: %v", err)
	}
}

func TestVerifyManifestMismatch(t *testing.T) {
	dir := buildPackageDir(t, map[string][]byte{
		conversationFileName: []byte(`{"a":1}`),
	}, true)
	writeFile(t, dir, conversationFileName, []byte(`{"a":2}`))

	v := NewVerifier(testLogger(t), true)
	err := v.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyManifestMissingListedFile(t *testing.T) {
	dir := buildPackageDir(t, map[string][]byte{
		conversationFileName: []byte(`{"a":1}`),
		"media/audio.wav":    []byte("wav"),
	}, true)
	if err := os.Remove(filepath.Join(dir, "media/audio.wav")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	v := NewVerifier(testLogger(t), true)
	err := v.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyManifestExtraFile(t *testing.T) {
	dir := buildPackageDir(t, map[string][]byte{
		conversationFileName: []byte(`{"a":1}`),
	}, true)
	writeFile(t, dir, "logs/extra.log", []byte("surprise"))

	v := NewVerifier(testLogger(t), true)
	err := v.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyManifestMalformedLine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, conversationFileName, []byte(`{"a":1}`))
	writeFile(t, dir, manifestName, []byte("not a manifest line\n"))

	v := NewVerifier(testLogger(t), false)
	err := v.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyManifestMustCoverConversation(t *testing.T) {
	dir := t.TempDir()
	data := []byte("wav")
	writeFile(t, dir, "media/audio.wav", data)
	writeFile(t, dir, conversationFileName, []byte(`{"a":1}`))
	manifest := fmt.Sprintf("%s  media/audio.wav\n%s  %s\n", sha256Hex(data), strings.Repeat("0", 64), manifestName)
	writeFile(t, dir, manifestName, []byte(manifest))

	v := NewVerifier(testLogger(t), true)
	err := v.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}

func TestVerifyManifestMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, conversationFileName, []byte(`{"a":1}`))

	v := NewVerifier(testLogger(t), true)
	err := v.VerifyManifest(context.Background(), dir)
	if got := pipelineCode(t, err); got != CodeChecksumMismatch {
		t.Fatalf("code: want=%s got=%s", CodeChecksumMismatch, got)
	}
}
