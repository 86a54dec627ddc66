package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/voxlore/audio-ingest/internal/platform/objectstore"
	"github.com/voxlore/audio-ingest/internal/platform/qdrant"
)

func TestRetryableFlags(t *testing.T) {
	wantRetryable := map[Code]bool{
		CodeValidationError:        false,
		CodeChecksumMismatch:       false,
		CodeUnknownSchemaMajor:     false,
		CodeDuplicateEvent:         false,
		CodeObjectNotFound:         false,
		CodePayloadTooLarge:        false,
		CodeObjectStoreUnavailable: true,
		CodePersistenceFailure:     true,
		CodeVectorIndexFailure:     true,
		CodeIngestionTimeout:       true,
		CodeProcessingFailure:      true,
		CodeCancelled:              false,
		CodeRetryExhausted:         false,
	}
	for code, want := range wantRetryable {
		if got := code.Retryable(); got != want {
			t.Fatalf("%s retryable: want=%v got=%v", code, want, got)
		}
	}
}

func TestEveryCodeHasHint(t *testing.T) {
	codes := []Code{
		CodeValidationError, CodeChecksumMismatch, CodeUnknownSchemaMajor,
		CodeDuplicateEvent, CodeObjectNotFound, CodePayloadTooLarge,
		CodeObjectStoreUnavailable, CodePersistenceFailure, CodeVectorIndexFailure,
		CodeNLPPartial, CodeIngestionTimeout, CodeProcessingFailure,
		CodeCancelled, CodeRetryExhausted,
	}
	for _, code := range codes {
		if code.Hint() == "" {
			t.Fatalf("%s has empty remediation hint", code)
		}
	}
}

func TestClassifyPlatformErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"context canceled", context.Canceled, CodeCancelled},
		{"deadline exceeded", context.DeadlineExceeded, CodeIngestionTimeout},
		{"object not found", fmt.Errorf("stat: %w", objectstore.ErrNotFound), CodeObjectNotFound},
		{"object too large", fmt.Errorf("cap: %w", objectstore.ErrTooLarge), CodePayloadTooLarge},
		{"store unavailable", &objectstore.UnavailableError{Cause: errors.New("dial tcp")}, CodeObjectStoreUnavailable},
		{"qdrant failure", &qdrant.OperationError{Code: qdrant.OperationErrorTransportFailed, Operation: "upsert"}, CodeVectorIndexFailure},
		{"plain error", errors.New("boom"), CodeProcessingFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			perr := Classify(tc.err, "stage")
			if perr.Code != tc.want {
				t.Fatalf("code: want=%s got=%s", tc.want, perr.Code)
			}
			if perr.Stage != "stage" {
				t.Fatalf("stage: got=%q", perr.Stage)
			}
		})
	}
}

func TestClassifyKeepsExistingPipelineError(t *testing.T) {
	orig := stageErr("checksum", CodeChecksumMismatch, errors.New("digest mismatch"))
	wrapped := fmt.Errorf("verify: %w", orig)
	perr := Classify(wrapped, "other")
	if perr.Code != CodeChecksumMismatch || perr.Stage != "checksum" {
		t.Fatalf("classification lost: code=%s stage=%s", perr.Code, perr.Stage)
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	perr := stageErr("download", CodeObjectStoreUnavailable, cause)
	if !errors.Is(perr, cause) {
		t.Fatalf("Unwrap chain broken")
	}
}
