package nlp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxlore/audio-ingest/internal/types"
	"github.com/voxlore/audio-ingest/internal/platform/embedding"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/platform/qdrant"
)

// NLP source recorded on the job: upstream annotations consumed, locally
// computed, or skipped entirely.
const (
	SourceUpstream = "upstream"
	SourceLocal    = "local"
	SourceNone     = "none"
)

var pointNamespaceUUID = uuid.MustParse("7c9e2f41-88a4-4c1d-9d6e-0b2f3a5c7e91")

// VectorIndex is the slice of the vector store the engine drives.
type VectorIndex interface {
	EnsureCollection(ctx context.Context) error
	UpsertPoints(ctx context.Context, points []qdrant.Point) error
	DeleteByConversation(ctx context.Context, conversationID string) error
}

// Result is everything the enrichment pass produced, joined and ready for
// persistence.
type Result struct {
	NLPSource   string
	Strategy    ChunkStrategy
	Chunks      []Chunk
	PointIDs    []string
	Annotations []TurnAnnotation
	Aggregates  Aggregates
	NLPPartial  bool
	NLPError    string
	NLPDuration time.Duration
}

// Per-phase deadlines. Chunking is pure computation and runs before, and
// outside, the embed deadline; NER and sentiment each get their own.
type Timeouts struct {
	Embed     time.Duration
	NER       time.Duration
	Sentiment time.Duration
	Vector    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Embed:     120 * time.Second,
		NER:       60 * time.Second,
		Sentiment: 60 * time.Second,
		Vector:    30 * time.Second,
	}
}

type Engine struct {
	log       *logger.Logger
	embedder  embedding.Provider
	index     VectorIndex
	annotator Annotator
	batchSize int
	timeouts  Timeouts
}

// NewEngine builds the enrichment engine. annotator may be nil: legacy
// conversations then skip local annotation with nlp_source=none.
func NewEngine(log *logger.Logger, embedder embedding.Provider, index VectorIndex, annotator Annotator, annotateBatch int) (*Engine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedding provider required")
	}
	if index == nil {
		return nil, fmt.Errorf("vector index required")
	}
	if annotateBatch <= 0 {
		annotateBatch = 32
	}
	return &Engine{
		log:       log.With("component", "EnrichmentEngine"),
		embedder:  embedder,
		index:     index,
		annotator: annotator,
		batchSize: annotateBatch,
		timeouts:  DefaultTimeouts(),
	}, nil
}

func (e *Engine) WithTimeouts(t Timeouts) *Engine {
	e.timeouts = t
	return e
}

// DetectSource decides enriched vs legacy: upstream annotations are only
// trusted from schema 1.1 onward.
func (e *Engine) DetectSource(doc *types.Document) string {
	major, minor := splitVersion(doc.SchemaVersion)
	versionOK := major > 1 || (major == 1 && minor >= 1)
	if versionOK && doc.HasUpstreamAnnotations() {
		return SourceUpstream
	}
	if e.annotator != nil {
		return SourceLocal
	}
	return SourceNone
}

// Process chunks, embeds, indexes, and annotates one conversation.
// Chunking, embedding, and vector indexing failures fail the job;
// annotation failures only mark the result partial. On an indexing failure
// every point already written for the conversation is deleted before the
// error returns.
func (e *Engine) Process(ctx context.Context, conversationID, externalEventID, traceID string, doc *types.Document) (*Result, error) {
	log := e.log.With("external_event_id", externalEventID, "trace_id", traceID)

	res := &Result{
		NLPSource:   e.DetectSource(doc),
		Annotations: make([]TurnAnnotation, len(doc.Segments)),
	}

	res.Strategy = ChooseStrategy(len(doc.Participants), doc.Segments)
	chunks, err := ChunkSegments(res.Strategy, doc.Segments)
	if err != nil {
		return nil, err
	}
	res.Chunks = chunks
	log.Info("Chunked conversation",
		"strategy", string(res.Strategy),
		"segments", len(doc.Segments),
		"chunks", len(chunks),
		"nlp_source", res.NLPSource,
	)

	var vectors [][]float32
	nlpStart := time.Now()

	// Embedding and annotation are independent; run them side by side and
	// join before indexing. Annotation failures are contained here.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, embErr := e.embedChunks(gctx, chunks)
		if embErr != nil {
			return embErr
		}
		vectors = v
		return nil
	})
	g.Go(func() error {
		e.annotate(gctx, log, doc, res)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.NLPDuration = time.Since(nlpStart)

	if err := e.indexChunks(ctx, conversationID, externalEventID, traceID, chunks, vectors, res); err != nil {
		return nil, err
	}

	res.Aggregates = Aggregate(res.Annotations)
	return res, nil
}

func (e *Engine) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Embed)
	defer cancel()
	vectors := make([][]float32, 0, len(chunks))
	batch := e.embedder.BatchSize()
	for start := 0; start < len(chunks); start += batch {
		end := start + batch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		batchVectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d..%d: %w", start, end-1, err)
		}
		vectors = append(vectors, batchVectors...)
	}
	return vectors, nil
}

// annotate fills res.Annotations from upstream segments or the local
// annotator. Never returns an error: failure marks the result partial.
func (e *Engine) annotate(ctx context.Context, log *logger.Logger, doc *types.Document, res *Result) {
	switch res.NLPSource {
	case SourceUpstream:
		for i := range doc.Segments {
			a := doc.Segments[i].Annotations
			if a == nil {
				continue
			}
			res.Annotations[i] = TurnAnnotation{
				Sentiment: a.Sentiment,
				Entities:  a.Entities,
			}
		}
	case SourceLocal:
		if err := e.annotateLocal(ctx, doc, res); err != nil {
			log.Warn("Local annotation failed; continuing without NLP annotations", "error", err)
			res.NLPPartial = true
			res.NLPError = err.Error()
		}
	default:
		log.Warn("No upstream annotations and no local models; skipping NLP annotations")
	}
}

// annotateLocal runs NER and sentiment over segment batches. The two model
// families are independent and run concurrently; batches within each are
// unordered.
func (e *Engine) annotateLocal(ctx context.Context, doc *types.Document, res *Result) error {
	texts := make([]string, len(doc.Segments))
	for i := range doc.Segments {
		texts[i] = doc.Segments[i].Text
	}

	entities := make([][]types.Entity, len(texts))
	sentiments := make([]types.Sentiment, len(texts))

	nerCtx, nerCancel := context.WithTimeout(ctx, e.timeouts.NER)
	defer nerCancel()
	sentCtx, sentCancel := context.WithTimeout(ctx, e.timeouts.Sentiment)
	defer sentCancel()

	var g errgroup.Group
	for start := 0; start < len(texts); start += e.batchSize {
		start := start
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			out, err := e.annotator.Entities(nerCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("ner batch %d..%d: %w", start, end-1, err)
			}
			copy(entities[start:end], out)
			return nil
		})
		g.Go(func() error {
			out, err := e.annotator.Sentiments(sentCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("sentiment batch %d..%d: %w", start, end-1, err)
			}
			copy(sentiments[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range texts {
		s := sentiments[i]
		res.Annotations[i] = TurnAnnotation{
			Sentiment: &types.Sentiment{Label: s.Label, Score: s.Score, Stars: s.Stars},
			Entities:  entities[i],
		}
	}
	return nil
}

// indexChunks writes all points as one ordered batch. A failure triggers
// the compensating delete so no orphan points survive a failed job.
func (e *Engine) indexChunks(ctx context.Context, conversationID, externalEventID, traceID string, chunks []Chunk, vectors [][]float32, res *Result) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: chunks=%d vectors=%d", len(chunks), len(vectors))
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Vector)
	defer cancel()
	if err := e.index.EnsureCollection(ctx); err != nil {
		return err
	}

	points := make([]qdrant.Point, 0, len(chunks))
	pointIDs := make([]string, 0, len(chunks))
	for i, c := range chunks {
		id := PointID(conversationID, c.Index)
		pointIDs = append(pointIDs, id)
		points = append(points, qdrant.Point{
			ID:     id,
			Vector: vectors[i],
			Payload: map[string]any{
				"conversation_id":   conversationID,
				"external_event_id": externalEventID,
				"trace_id":          traceID,
				"speakers":          c.SpeakerIDs,
				"turn_range":        []string{c.FirstSegmentID, c.LastSegmentID},
				"chunk_index":       c.Index,
				"text":              c.Text,
			},
		})
	}

	if err := e.index.UpsertPoints(ctx, points); err != nil {
		// The compensating delete must run even when the upsert died to a
		// deadline, so it gets a detached context.
		delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeouts.Vector)
		defer delCancel()
		if delErr := e.index.DeleteByConversation(delCtx, conversationID); delErr != nil {
			e.log.Error("Compensating vector delete failed",
				"conversation_id", conversationID,
				"error", delErr,
			)
		}
		return err
	}
	res.PointIDs = pointIDs
	return nil
}

// DeleteVectors removes every point for the conversation; the pipeline
// calls it when a later stage fails after indexing succeeded.
func (e *Engine) DeleteVectors(ctx context.Context, conversationID string) error {
	return e.index.DeleteByConversation(ctx, conversationID)
}

// PointID derives a stable point id so re-processing the same conversation
// overwrites rather than duplicates.
func PointID(conversationID string, chunkIndex int) string {
	name := conversationID + ":" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(pointNamespaceUUID, []byte(name)).String()
}

func splitVersion(v string) (major, minor int) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}
