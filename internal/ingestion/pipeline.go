package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/voxlore/audio-ingest/internal/nlp"
	"github.com/voxlore/audio-ingest/internal/observability"
	"github.com/voxlore/audio-ingest/internal/platform/ctxutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/repos"
	"github.com/voxlore/audio-ingest/internal/types"
)

// StageTimeouts are the per-stage deadlines; enrichment-internal phases
// carry their own inside the engine.
type StageTimeouts struct {
	Download time.Duration
	Checksum time.Duration
	Validate time.Duration
	Enrich   time.Duration
	Persist  time.Duration
}

func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Download: 60 * time.Second,
		Checksum: 30 * time.Second,
		Validate: 5 * time.Second,
		Enrich:   5 * time.Minute,
		Persist:  10 * time.Second,
	}
}

// Outcome reports what one delivery produced.
type Outcome struct {
	Duplicate bool
	Job       *types.IngestionJob
}

// Pipeline drives one event from parsed envelope to terminal job state:
// fetch, verify, validate, enrich, persist.
type Pipeline struct {
	log       *logger.Logger
	db        *gorm.DB
	jobs      repos.IngestionJobRepo
	convs     repos.ConversationRepo
	fetcher   *Fetcher
	verifier  *Verifier
	validator *Validator
	engine    *nlp.Engine
	metrics   *observability.Metrics
	timeouts  StageTimeouts
}

func NewPipeline(
	log *logger.Logger,
	db *gorm.DB,
	jobs repos.IngestionJobRepo,
	convs repos.ConversationRepo,
	fetcher *Fetcher,
	verifier *Verifier,
	validator *Validator,
	engine *nlp.Engine,
	metrics *observability.Metrics,
	timeouts StageTimeouts,
) *Pipeline {
	return &Pipeline{
		log:       log.With("component", "IngestionPipeline"),
		db:        db,
		jobs:      jobs,
		convs:     convs,
		fetcher:   fetcher,
		verifier:  verifier,
		validator: validator,
		engine:    engine,
		metrics:   metrics,
		timeouts:  timeouts,
	}
}

// Process runs the staged pipeline for one parsed envelope. A nil error
// with Duplicate=false means the job is completed and durable.
func (p *Pipeline) Process(ctx context.Context, env *Envelope, maxRetries int) (*Outcome, *PipelineError) {
	start := time.Now()
	log := p.log.With("external_event_id", env.ExternalEventID, "trace_id", env.TraceID)
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{
		TraceID:         env.TraceID,
		ExternalEventID: env.ExternalEventID,
	})

	for _, w := range env.Warnings {
		log.Warn("Envelope accepted with warning", "warning", w)
	}
	if env.Priority == "high" {
		p.metrics.HighPriorityTotal.Inc()
		log.Info("High priority event")
	}

	// Claim or re-activate the job row; a completed row is a duplicate.
	candidate := &types.IngestionJob{
		ExternalEventID: env.ExternalEventID,
		TraceID:         env.TraceID,
		SourceBucket:    env.Bucket,
		SourceKey:       env.ObjectKey,
		Checksum:        env.Checksum,
		SchemaVersion:   env.SchemaVersion,
		RetryCount:      env.RetryCount,
		MaxRetries:      maxRetries,
	}
	job, duplicate, err := repos.ClaimForAttempt(ctx, p.db, p.jobs, candidate)
	if err != nil {
		return nil, stageErr("claim", CodePersistenceFailure, err)
	}
	if duplicate {
		log.Info("Event already completed; skipping", "job_id", job.ID)
		p.metrics.DuplicatesTotal.Inc()
		return &Outcome{Duplicate: true, Job: job}, nil
	}

	outcome := &Outcome{Job: job}

	// C3: download + extract.
	spanCtx, span := observability.StartStageSpan(ctx, "download", env.ExternalEventID, env.TraceID)
	dlCtx, dlCancel := context.WithTimeout(spanCtx, p.timeouts.Download)
	pkg, cleanup, perr := p.fetchPackage(dlCtx, env)
	dlCancel()
	span.End()
	if perr != nil {
		return outcome, perr
	}
	defer cleanup()
	p.metrics.DownloadSize.Observe(float64(pkg.ArchiveSize))
	if uErr := p.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"file_size_bytes": pkg.ArchiveSize,
	}); uErr != nil {
		log.Warn("Failed to record archive size on job", "error", uErr)
	}

	// C4: three-level checksum chain.
	spanCtx, span = observability.StartStageSpan(ctx, "checksum", env.ExternalEventID, env.TraceID)
	rootDir, perr := p.verifyIntegrity(spanCtx, env, pkg)
	span.End()
	if perr != nil {
		return outcome, perr
	}

	// C5: structural + semantic document validation.
	p.updateStatus(ctx, log, job, types.JobStatusValidating)
	spanCtx, span = observability.StartStageSpan(ctx, "validate", env.ExternalEventID, env.TraceID)
	doc, perr := p.validateDocument(spanCtx, env, rootDir)
	span.End()
	if perr != nil {
		return outcome, perr
	}
	p.metrics.Segments.Observe(float64(len(doc.Segments)))
	p.metrics.Participants.Observe(float64(len(doc.Participants)))

	// C6: chunk, embed, index, annotate.
	p.updateStatus(ctx, log, job, types.JobStatusEmbedding)
	conversationID := uuid.New()
	spanCtx, span = observability.StartStageSpan(ctx, "embed", env.ExternalEventID, env.TraceID)
	enrichCtx, enrichCancel := context.WithTimeout(spanCtx, p.timeouts.Enrich)
	result, err := p.engine.Process(enrichCtx, conversationID.String(), env.ExternalEventID, env.TraceID, doc)
	enrichCancel()
	span.End()
	if err != nil {
		return outcome, Classify(err, "embed")
	}
	p.metrics.NLPDuration.Observe(result.NLPDuration.Seconds(), result.NLPSource)

	// C7: persist conversation, turns, and the terminal job state in one
	// transaction.
	spanCtx, span = observability.StartStageSpan(ctx, "persist", env.ExternalEventID, env.TraceID)
	persistCtx, persistCancel := context.WithTimeout(spanCtx, p.timeouts.Persist)
	perr = p.persist(persistCtx, job, conversationID, env, doc, result, start)
	persistCancel()
	span.End()
	if perr != nil {
		// Vector points are already durable; roll them back before the
		// event is released for re-delivery.
		p.compensateVectors(ctx, log, conversationID.String())
		return outcome, perr
	}

	p.metrics.CompletedTotal.Inc()
	p.metrics.NLPSourceTotal.Inc(result.NLPSource)
	p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	log.Info("Ingestion completed",
		"job_id", job.ID,
		"conversation_id", conversationID,
		"segments", len(doc.Segments),
		"chunks", len(result.Chunks),
		"nlp_source", result.NLPSource,
		"nlp_partial", result.NLPPartial,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

func (p *Pipeline) fetchPackage(ctx context.Context, env *Envelope) (*Package, func(), *PipelineError) {
	pkg, cleanup, err := p.fetcher.Fetch(ctx, env.Bucket, env.ObjectKey, env.ExternalEventID)
	if err != nil {
		return nil, nil, Classify(err, "download")
	}
	return pkg, cleanup, nil
}

func (p *Pipeline) verifyIntegrity(ctx context.Context, env *Envelope, pkg *Package) (string, *PipelineError) {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Checksum)
	defer cancel()
	start := time.Now()
	defer func() {
		p.metrics.ChecksumDuration.Observe(time.Since(start).Seconds())
	}()

	if err := p.verifier.VerifyEnvelopeFormat(env.Checksum); err != nil {
		return "", Classify(err, "checksum")
	}
	if err := p.verifier.VerifyArchive(ctx, pkg.ArchivePath, env.ChecksumHex()); err != nil {
		return "", Classify(err, "checksum")
	}
	rootDir, err := pkg.Root()
	if err != nil {
		return "", Classify(err, "checksum")
	}
	if err := p.verifier.VerifyManifest(ctx, rootDir); err != nil {
		return "", Classify(err, "checksum")
	}
	return rootDir, nil
}

func (p *Pipeline) validateDocument(ctx context.Context, env *Envelope, rootDir string) (*types.Document, *PipelineError) {
	start := time.Now()
	defer func() {
		p.metrics.ValidationDuration.Observe(time.Since(start).Seconds())
	}()
	// Validation is local CPU and file reads and is not interrupted midway; a
	// run that overshoots the stage deadline fails as ingestion_timeout.
	deadline := start.Add(p.timeouts.Validate)
	if err := ctx.Err(); err != nil {
		return nil, Classify(err, "validate")
	}

	if err := p.validator.CheckRootName(rootDir, env.ExternalEventID); err != nil {
		return nil, Classify(err, "validate")
	}
	doc, _, err := p.validator.ValidateDocument(rootDir, env.ExternalEventID)
	if err != nil {
		return nil, Classify(err, "validate")
	}
	if time.Now().After(deadline) {
		return nil, stageErr("validate", CodeIngestionTimeout, fmt.Errorf("document validation exceeded its %s deadline", p.timeouts.Validate))
	}
	return doc, nil
}

// persist writes conversation + turns and flips the job to completed in a
// single transaction, so a completed job always implies durable rows.
func (p *Pipeline) persist(ctx context.Context, job *types.IngestionJob, conversationID uuid.UUID, env *Envelope, doc *types.Document, result *nlp.Result, start time.Time) *PipelineError {
	conv, turns := buildRows(conversationID, env, doc, result)

	processingMeta := map[string]interface{}{
		"num_segments":     len(doc.Segments),
		"num_participants": len(doc.Participants),
		"num_chunks":       len(result.Chunks),
		"num_embeddings":   len(result.PointIDs),
		"num_persons":      len(result.Aggregates.TopPersons),
		"avg_stars":        result.Aggregates.AvgStars,
		"chunk_strategy":   string(result.Strategy),
		"nlp_source":       result.NLPSource,
		"nlp_duration_ms":  result.NLPDuration.Milliseconds(),
	}
	if result.NLPPartial {
		processingMeta["nlp_error"] = result.NLPError
	}
	metaJSON, err := json.Marshal(processingMeta)
	if err != nil {
		return stageErr("persist", CodeProcessingFailure, err)
	}

	now := time.Now().UTC()
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, cErr := p.convs.CreateWithTurns(ctx, tx, conv, turns); cErr != nil {
			return cErr
		}
		return p.jobs.UpdateFields(ctx, tx, job.ID, map[string]interface{}{
			"status":                 types.JobStatusCompleted,
			"conversation_id":        conversationID,
			"nlp_source":             result.NLPSource,
			"processing_metadata":    datatypes.JSON(metaJSON),
			"completed_at":           now,
			"processing_duration_ms": time.Since(start).Milliseconds(),
			"error_code":             "",
			"error_message":          "",
		})
	})
	if err != nil {
		return stageErr("persist", CodePersistenceFailure, err)
	}
	return nil
}

func (p *Pipeline) compensateVectors(ctx context.Context, log *logger.Logger, conversationID string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.engine.DeleteVectors(delCtx, conversationID); err != nil {
		log.Error("Compensating vector delete failed after persistence failure",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}
	log.Info("Compensating vector delete completed", "conversation_id", conversationID)
}

func (p *Pipeline) updateStatus(ctx context.Context, log *logger.Logger, job *types.IngestionJob, status string) {
	if err := p.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"status": status}); err != nil {
		log.Warn("Failed to update job status", "status", status, "error", err)
	}
	job.Status = status
}

// buildRows maps the validated document plus enrichment output onto the
// persistence models.
func buildRows(conversationID uuid.UUID, env *Envelope, doc *types.Document, result *nlp.Result) (*types.Conversation, []*types.ConversationTurn) {
	participantsJSON, _ := json.Marshal(doc.Participants)
	tagsJSON, _ := json.Marshal(doc.Tags)
	topicsJSON, _ := json.Marshal(result.Aggregates.TopPersonNames())
	pointIDsJSON, _ := json.Marshal(result.PointIDs)

	analytics := map[string]interface{}{}
	for k, v := range doc.Analytics {
		analytics[k] = v
	}
	if result.NLPSource != nlp.SourceNone {
		analytics["sentiment"] = result.Aggregates
	}
	analyticsJSON, _ := json.Marshal(analytics)

	var qualityJSON []byte
	if doc.QualityFlags != nil {
		qualityJSON, _ = json.Marshal(doc.QualityFlags)
	}

	durationSec := doc.MeetingMetadata.DurationSec
	if durationSec == 0 && doc.MeetingMetadata.EndAt != nil {
		durationSec = int(doc.MeetingMetadata.EndAt.Sub(doc.MeetingMetadata.ScheduledStart).Seconds())
	}

	conv := &types.Conversation{
		ID:              conversationID,
		ExternalEventID: doc.ExternalEventID,
		TraceID:         env.TraceID,
		SourceSystem:    doc.SourceSystem,
		Title:           doc.MeetingMetadata.Title,
		Date:            doc.MeetingMetadata.ScheduledStart,
		DurationSec:     durationSec,
		PrimaryLanguage: doc.PrimaryLanguage,
		SchemaVersion:   doc.SchemaVersion,
		Participants:    participantsJSON,
		Tags:            tagsJSON,
		MainTopics:      topicsJSON,
		QualityFlags:    qualityJSON,
		Analytics:       analyticsJSON,
		NLPSource:       result.NLPSource,
		NLPPartial:      result.NLPPartial,
		ChunkCount:      len(result.Chunks),
		VectorPointIDs:  pointIDsJSON,
	}

	// Segment -> owning chunk, for the turn's vector reference.
	segmentChunk := map[int]int{}
	for _, c := range result.Chunks {
		for _, segIdx := range c.SegmentIdxs {
			segmentChunk[segIdx] = c.Index
		}
	}

	turns := make([]*types.ConversationTurn, 0, len(doc.Segments))
	for i := range doc.Segments {
		seg := &doc.Segments[i]
		turn := &types.ConversationTurn{
			TurnIndex:  i,
			SegmentID:  seg.SegmentID,
			SpeakerID:  seg.SpeakerID,
			Text:       seg.Text,
			StartMs:    seg.StartMs,
			EndMs:      seg.EndMs,
			Language:   seg.Language,
			Confidence: seg.Confidence,
		}
		if i < len(result.Annotations) {
			a := result.Annotations[i]
			if a.Sentiment != nil {
				turn.SentimentLabel = a.Sentiment.Label
				turn.SentimentScore = a.Sentiment.Score
				turn.SentimentStars = a.Sentiment.Stars
				if turn.SentimentStars == 0 {
					turn.SentimentStars = nlp.StarsFromLabel(a.Sentiment.Label)
				}
			}
			if len(a.Entities) > 0 {
				entJSON, _ := json.Marshal(a.Entities)
				turn.Entities = entJSON
			}
		}
		if chunkIdx, ok := segmentChunk[i]; ok && len(result.PointIDs) > chunkIdx {
			turn.VectorPointID = result.PointIDs[chunkIdx]
		}
		turns = append(turns, turn)
	}
	return conv, turns
}
