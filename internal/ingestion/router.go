package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/voxlore/audio-ingest/internal/observability"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/platform/redisstream"
	"github.com/voxlore/audio-ingest/internal/repos"
	"github.com/voxlore/audio-ingest/internal/types"
)

// Decision is what the consumer does with the stream entry after a failure.
type Decision int

const (
	// DecisionAck acknowledges the entry so the broker never re-delivers.
	DecisionAck Decision = iota
	// DecisionRelease leaves the entry pending for broker re-delivery.
	DecisionRelease
)

// Router is the single place that converts a stage failure into a
// retry-or-DLQ decision, with the job row and DLQ side effects.
type Router struct {
	log     *logger.Logger
	stream  *redisstream.Client
	jobs    repos.IngestionJobRepo
	metrics *observability.Metrics
}

func NewRouter(log *logger.Logger, stream *redisstream.Client, jobs repos.IngestionJobRepo, metrics *observability.Metrics) *Router {
	return &Router{
		log:     log.With("component", "ErrorRouter"),
		stream:  stream,
		jobs:    jobs,
		metrics: metrics,
	}
}

// Route classifies the failure against the job's retry budget and applies
// the side effects. job may be nil when the failure happened before a row
// existed (parse failures).
func (r *Router) Route(ctx context.Context, rawValues map[string]interface{}, env *Envelope, job *types.IngestionJob, perr *PipelineError) Decision {
	code := perr.Code
	cause := perr.Error()

	traceID := ""
	externalEventID := ""
	attempts := 0
	maxRetries := 3
	if env != nil {
		traceID = env.TraceID
		externalEventID = env.ExternalEventID
	}
	if job != nil {
		attempts = job.RetryCount
		if job.MaxRetries > 0 {
			maxRetries = job.MaxRetries
		}
	}

	log := r.log.With("external_event_id", externalEventID, "trace_id", traceID, "error_code", string(code))

	// Cancellation is not a failure: release the entry, delete nothing,
	// and let re-delivery pick the event up after restart.
	if code == CodeCancelled {
		log.Info("Processing cancelled; releasing entry for re-delivery", "stage", perr.Stage)
		r.updateJobError(ctx, job, code, cause, false)
		return DecisionRelease
	}

	if code.Retryable() && attempts >= maxRetries {
		log.Warn("Retry budget exhausted; upgrading classification",
			"attempts", attempts,
			"max_retries", maxRetries,
			"cause_code", string(code),
		)
		cause = fmt.Sprintf("%s (cause: %s)", CodeRetryExhausted, cause)
		code = CodeRetryExhausted
	}

	r.metrics.FailuresTotal.Inc(string(code))

	if code.Retryable() {
		log.Warn("Retryable failure; releasing entry for re-delivery",
			"stage", perr.Stage,
			"attempts", attempts,
			"error", perr.Cause,
		)
		r.metrics.RetriesTotal.Inc(string(code))
		r.updateJobError(ctx, job, code, cause, false)
		return DecisionRelease
	}

	log.Error("Terminal failure; routing to DLQ",
		"stage", perr.Stage,
		"attempts", attempts,
		"error", perr.Cause,
	)
	r.updateJobError(ctx, job, code, cause, true)
	r.publishDLQ(ctx, rawValues, code, cause, traceID, attempts)
	return DecisionAck
}

// updateJobError records the failure on the job row. terminal moves the
// job to failed; otherwise the row keeps its in-flight state so a retry
// can resume cleanly.
func (r *Router) updateJobError(ctx context.Context, job *types.IngestionJob, code Code, message string, terminal bool) {
	if job == nil {
		return
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"error_code":    string(code),
		"error_message": message,
		"last_error_at": now,
	}
	if terminal {
		updates["status"] = types.JobStatusFailed
		updates["completed_at"] = now
	}
	// Detached from the worker context so a shutdown still records the
	// error.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.jobs.UpdateFields(opCtx, nil, job.ID, updates); err != nil {
		r.log.Error("Failed to record error on job row", "job_id", job.ID, "error", err)
	}
}

// publishDLQ appends the original envelope plus the classification to the
// dead-letter stream. Best-effort: a DLQ write failure is logged and never
// changes the ack decision.
func (r *Router) publishDLQ(ctx context.Context, rawValues map[string]interface{}, code Code, message, traceID string, attempts int) {
	fields := make(map[string]interface{}, len(rawValues)+6)
	for k, v := range rawValues {
		fields[k] = v
	}
	fields["error_code"] = string(code)
	fields["error_message"] = message
	fields["remediation_hint"] = code.Hint()
	fields["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	fields["attempt_count"] = attempts
	if traceID != "" {
		fields["trace_id"] = traceID
	}

	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.stream.PublishDLQ(dlqCtx, fields); err != nil {
		r.log.Error("DLQ publish failed (continuing)", "error", err, "error_code", string(code))
		return
	}
	r.metrics.DLQPublished.Inc()
}
