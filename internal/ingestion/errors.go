package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxlore/audio-ingest/internal/platform/embedding"
	"github.com/voxlore/audio-ingest/internal/platform/objectstore"
	"github.com/voxlore/audio-ingest/internal/platform/qdrant"
)

// Code is the cross-team error code carried on job rows, DLQ records, and
// the failures_total metric.
type Code string

const (
	CodeValidationError        Code = "validation_error"
	CodeChecksumMismatch       Code = "checksum_mismatch"
	CodeUnknownSchemaMajor     Code = "unknown_schema_major"
	CodeDuplicateEvent         Code = "duplicate_event"
	CodeObjectNotFound         Code = "object_not_found"
	CodePayloadTooLarge        Code = "payload_too_large"
	CodeObjectStoreUnavailable Code = "object_store_unavailable"
	CodePersistenceFailure     Code = "persistence_failure"
	CodeVectorIndexFailure     Code = "vector_index_failure"
	CodeNLPPartial             Code = "nlp_partial"
	CodeIngestionTimeout       Code = "ingestion_timeout"
	CodeProcessingFailure      Code = "processing_failure"
	CodeCancelled              Code = "cancelled"
	CodeRetryExhausted         Code = "retry_exhausted"
)

var retryable = map[Code]bool{
	CodeObjectStoreUnavailable: true,
	CodePersistenceFailure:     true,
	CodeVectorIndexFailure:     true,
	CodeIngestionTimeout:       true,
	CodeProcessingFailure:      true,
}

var remediationHints = map[Code]string{
	CodeValidationError:        "Fix payload schema/format and republish within 24h",
	CodeChecksumMismatch:       "Rebuild archive and republish",
	CodeUnknownSchemaMajor:     "Producer emitted an unsupported schema major; coordinate a contract upgrade",
	CodeDuplicateEvent:         "Investigate duplication; resend only if new transcript",
	CodeObjectNotFound:         "Package missing or expired in object store; produce a fresh drop",
	CodePayloadTooLarge:        "Split or compress the archive below the size caps and republish",
	CodeObjectStoreUnavailable: "Automatic retry will occur; no action needed",
	CodePersistenceFailure:     "Automatic retry will occur; platform team investigating if persistent",
	CodeVectorIndexFailure:     "Automatic retry will occur; check vector store health if persistent",
	CodeIngestionTimeout:       "Automatic retry will occur; no action needed",
	CodeProcessingFailure:      "Automatic retry will occur; contact platform team with trace_id if persistent",
	CodeCancelled:              "Worker shut down mid-flight; event will be re-delivered",
	CodeRetryExhausted:         "Retry budget exhausted; replay from DLQ after the root cause is fixed",
}

// Retryable reports whether the broker should re-deliver an event that
// failed with this code.
func (c Code) Retryable() bool { return retryable[c] }

// Hint returns the operator-facing remediation hint; never empty.
func (c Code) Hint() string {
	if h, ok := remediationHints[c]; ok {
		return h
	}
	return "Contact platform team with trace_id for investigation"
}

// PipelineError is the typed result every stage returns on failure. The
// router is the only component that turns one into a retry-or-DLQ decision.
type PipelineError struct {
	Code  Code
	Stage string
	Cause error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return "pipeline error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s at stage %s: %v", e.Code, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s at stage %s", e.Code, e.Stage)
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func stageErr(stage string, code Code, cause error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Cause: cause}
}

// Classify maps an arbitrary error surfaced at a stage to its code. Typed
// platform errors keep their classification; everything else is an
// uncategorized processing_failure.
func Classify(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.Canceled) {
		return stageErr(stage, CodeCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return stageErr(stage, CodeIngestionTimeout, err)
	}

	if errors.Is(err, objectstore.ErrNotFound) {
		return stageErr(stage, CodeObjectNotFound, err)
	}
	if errors.Is(err, objectstore.ErrTooLarge) {
		return stageErr(stage, CodePayloadTooLarge, err)
	}
	var unavailable *objectstore.UnavailableError
	if errors.As(err, &unavailable) {
		return stageErr(stage, CodeObjectStoreUnavailable, err)
	}

	var qErr *qdrant.OperationError
	if errors.As(err, &qErr) {
		return stageErr(stage, CodeVectorIndexFailure, err)
	}

	var tErr *embedding.TransportError
	if errors.As(err, &tErr) {
		return stageErr(stage, CodeProcessingFailure, err)
	}

	return stageErr(stage, CodeProcessingFailure, err)
}
