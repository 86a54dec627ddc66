package nlp

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/voxlore/audio-ingest/internal/types"
)

// ChunkStrategy is the tagged variant selected once per conversation.
type ChunkStrategy string

const (
	StrategyTurnBased      ChunkStrategy = "turn_based"
	StrategySpeakerGrouped ChunkStrategy = "speaker_grouped"
	StrategySlidingWindow  ChunkStrategy = "sliding_window"
	StrategySemantic       ChunkStrategy = "semantic"
)

const (
	minChunkTokens      = 50
	maxChunkTokens      = 1000
	slidingWindowTokens = 512
	slidingOverlap      = 64
	semanticDropCosine  = 0.35

	turnBasedMedianMax  = 300
	slidingWindowMedian = 600
)

// Chunk is a unit of contiguous segments assembled for embedding.
type Chunk struct {
	Index          int
	Text           string
	SpeakerIDs     []string
	FirstSegmentID string
	LastSegmentID  string
	SegmentIdxs    []int
}

// ChooseStrategy applies the selection rules in order; the first matching
// row wins.
func ChooseStrategy(participants int, segments []types.Segment) ChunkStrategy {
	median := medianTokens(segments)
	switch {
	case participants <= 2 && median <= turnBasedMedianMax:
		return StrategyTurnBased
	case participants >= 3:
		return StrategySpeakerGrouped
	case median > slidingWindowMedian:
		return StrategySlidingWindow
	default:
		return StrategySemantic
	}
}

// ChunkSegments runs the chosen strategy over the segments.
func ChunkSegments(strategy ChunkStrategy, segments []types.Segment) ([]Chunk, error) {
	switch strategy {
	case StrategyTurnBased:
		return chunkTurnBased(segments), nil
	case StrategySpeakerGrouped:
		return chunkSpeakerGrouped(segments), nil
	case StrategySlidingWindow:
		return chunkSlidingWindow(segments), nil
	case StrategySemantic:
		return chunkSemantic(segments), nil
	default:
		return nil, fmt.Errorf("unknown chunk strategy %q", strategy)
	}
}

type chunkBuilder struct {
	chunks  []Chunk
	segIdxs []int
	lines   []string
	tokens  int
}

func (b *chunkBuilder) add(idx int, seg *types.Segment) {
	b.segIdxs = append(b.segIdxs, idx)
	b.lines = append(b.lines, seg.SpeakerID+": "+seg.Text)
	b.tokens += tokenCount(seg.Text)
}

func (b *chunkBuilder) flush(segments []types.Segment) {
	if len(b.segIdxs) == 0 {
		return
	}
	seen := make(map[string]bool)
	var speakers []string
	for _, i := range b.segIdxs {
		id := segments[i].SpeakerID
		if !seen[id] {
			seen[id] = true
			speakers = append(speakers, id)
		}
	}
	b.chunks = append(b.chunks, Chunk{
		Index:          len(b.chunks),
		Text:           strings.Join(b.lines, "\n"),
		SpeakerIDs:     speakers,
		FirstSegmentID: segments[b.segIdxs[0]].SegmentID,
		LastSegmentID:  segments[b.segIdxs[len(b.segIdxs)-1]].SegmentID,
		SegmentIdxs:    append([]int(nil), b.segIdxs...),
	})
	b.segIdxs = b.segIdxs[:0]
	b.lines = b.lines[:0]
	b.tokens = 0
}

// turn-based: one chunk per segment, with undersized runs merged forward
// until the minimum size is met.
func chunkTurnBased(segments []types.Segment) []Chunk {
	var b chunkBuilder
	for i := range segments {
		b.add(i, &segments[i])
		if b.tokens >= minChunkTokens {
			b.flush(segments)
		}
	}
	b.flush(segments)
	return b.chunks
}

// speaker-grouped: contiguous run per speaker, capped at the max size.
func chunkSpeakerGrouped(segments []types.Segment) []Chunk {
	var b chunkBuilder
	currentSpeaker := ""
	for i := range segments {
		seg := &segments[i]
		if len(b.segIdxs) > 0 && (seg.SpeakerID != currentSpeaker || b.tokens+tokenCount(seg.Text) > maxChunkTokens) {
			b.flush(segments)
		}
		currentSpeaker = seg.SpeakerID
		b.add(i, seg)
	}
	b.flush(segments)
	return b.chunks
}

// sliding-window: fixed token window with overlap carried from the tail.
func chunkSlidingWindow(segments []types.Segment) []Chunk {
	var b chunkBuilder
	carried := 0
	for i := range segments {
		b.add(i, &segments[i])
		if b.tokens < slidingWindowTokens {
			continue
		}
		flushed := append([]int(nil), b.segIdxs...)
		b.flush(segments)
		// Carry tail segments back in until the overlap budget is met.
		overlap := 0
		var carry []int
		for j := len(flushed) - 1; j >= 0; j-- {
			t := tokenCount(segments[flushed[j]].Text)
			if overlap+t > slidingOverlap {
				break
			}
			carry = append([]int{flushed[j]}, carry...)
			overlap += t
		}
		for _, idx := range carry {
			b.add(idx, &segments[idx])
		}
		carried = len(carry)
	}
	// A tail holding any segment not yet in a window is flushed even below
	// the minimum size, so every segment lands in some chunk.
	if b.tokens >= minChunkTokens || len(b.chunks) == 0 || len(b.segIdxs) > carried {
		b.flush(segments)
	}
	return b.chunks
}

// semantic: greedy accumulation that breaks when a segment's term vector
// drifts below the cosine threshold against the running chunk mean.
func chunkSemantic(segments []types.Segment) []Chunk {
	var b chunkBuilder
	mean := map[string]float64{}
	count := 0
	for i := range segments {
		seg := &segments[i]
		tf := termFreq(seg.Text)
		if count > 0 && b.tokens >= minChunkTokens {
			if cosine(tf, mean) < semanticDropCosine || b.tokens+tokenCount(seg.Text) > maxChunkTokens {
				b.flush(segments)
				mean = map[string]float64{}
				count = 0
			}
		}
		b.add(i, seg)
		accumulate(mean, tf, count)
		count++
	}
	b.flush(segments)
	return b.chunks
}

func tokenCount(text string) int {
	return len(strings.Fields(text))
}

func medianTokens(segments []types.Segment) int {
	if len(segments) == 0 {
		return 0
	}
	counts := make([]int, len(segments))
	for i := range segments {
		counts[i] = tokenCount(segments[i].Text)
	}
	sort.Ints(counts)
	mid := len(counts) / 2
	if len(counts)%2 == 0 {
		return (counts[mid-1] + counts[mid]) / 2
	}
	return counts[mid]
}

func termFreq(text string) map[string]float64 {
	tf := map[string]float64{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if tok == "" {
			continue
		}
		tf[tok]++
	}
	return tf
}

// accumulate folds tf into the running mean of n prior vectors.
func accumulate(mean map[string]float64, tf map[string]float64, n int) {
	scale := float64(n) / float64(n+1)
	for k := range mean {
		mean[k] *= scale
	}
	for k, v := range tf {
		mean[k] += v / float64(n+1)
	}
}

func cosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for k, va := range a {
		normA += va * va
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
