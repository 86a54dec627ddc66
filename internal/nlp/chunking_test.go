package nlp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/voxlore/audio-ingest/internal/types"
)

func segmentsWithTokens(n, tokensEach int, speakers ...string) []types.Segment {
	if len(speakers) == 0 {
		speakers = []string{"spk-1"}
	}
	out := make([]types.Segment, n)
	for i := range out {
		out[i] = types.Segment{
			SegmentID: fmt.Sprintf("seg-%d", i+1),
			SpeakerID: speakers[i%len(speakers)],
			Text:      strings.TrimSpace(strings.Repeat("mot ", tokensEach)),
			StartMs:   int64(i * 1000),
			EndMs:     int64(i*1000 + 900),
		}
	}
	return out
}

func TestChooseStrategy(t *testing.T) {
	cases := []struct {
		name         string
		participants int
		segments     []types.Segment
		want         ChunkStrategy
	}{
		{"two speakers short turns", 2, segmentsWithTokens(10, 20, "a", "b"), StrategyTurnBased},
		{"three speakers", 3, segmentsWithTokens(10, 20, "a", "b", "c"), StrategySpeakerGrouped},
		{"three speakers long turns", 3, segmentsWithTokens(10, 700, "a", "b", "c"), StrategySpeakerGrouped},
		{"two speakers very long turns", 2, segmentsWithTokens(10, 700, "a", "b"), StrategySlidingWindow},
		{"two speakers medium turns", 2, segmentsWithTokens(10, 400, "a", "b"), StrategySemantic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChooseStrategy(tc.participants, tc.segments); got != tc.want {
				t.Fatalf("strategy: want=%s got=%s", tc.want, got)
			}
		})
	}
}

func TestChunkTurnBasedMergesSmallSegments(t *testing.T) {
	// 10-token segments are below the minimum; expect merging, not one
	// chunk per segment.
	segments := segmentsWithTokens(10, 10, "a", "b")
	chunks, err := ChunkSegments(StrategyTurnBased, segments)
	if err != nil {
		t.Fatalf("ChunkSegments: %v", err)
	}
	if len(chunks) >= len(segments) {
		t.Fatalf("expected merged chunks, got %d for %d segments", len(chunks), len(segments))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk index: want=%d got=%d", i, c.Index)
		}
		if c.FirstSegmentID == "" || c.LastSegmentID == "" {
			t.Fatalf("chunk %d missing turn range", i)
		}
	}
}

func TestChunkSpeakerGroupedKeepsRuns(t *testing.T) {
	segments := []types.Segment{
		{SegmentID: "seg-1", SpeakerID: "a", Text: "un deux trois"},
		{SegmentID: "seg-2", SpeakerID: "a", Text: "quatre cinq six"},
		{SegmentID: "seg-3", SpeakerID: "b", Text: "sept huit neuf"},
		{SegmentID: "seg-4", SpeakerID: "a", Text: "dix onze douze"},
	}
	chunks, err := ChunkSegments(StrategySpeakerGrouped, segments)
	if err != nil {
		t.Fatalf("ChunkSegments: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("want 3 speaker runs, got %d", len(chunks))
	}
	if len(chunks[0].SpeakerIDs) != 1 || chunks[0].SpeakerIDs[0] != "a" {
		t.Fatalf("run 0 speakers: %v", chunks[0].SpeakerIDs)
	}
	if chunks[0].FirstSegmentID != "seg-1" || chunks[0].LastSegmentID != "seg-2" {
		t.Fatalf("run 0 range: %s..%s", chunks[0].FirstSegmentID, chunks[0].LastSegmentID)
	}
	if chunks[1].SpeakerIDs[0] != "b" {
		t.Fatalf("run 1 speakers: %v", chunks[1].SpeakerIDs)
	}
}

func TestChunkSlidingWindowOverlaps(t *testing.T) {
	// 64 segments x 32 tokens = 2048 tokens; window 512 with overlap 64.
	segments := segmentsWithTokens(64, 32, "a")
	chunks, err := ChunkSegments(StrategySlidingWindow, segments)
	if err != nil {
		t.Fatalf("ChunkSegments: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected several windows, got %d", len(chunks))
	}
	// Consecutive windows share their boundary segments.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].SegmentIdxs
		cur := chunks[i].SegmentIdxs
		if cur[0] > prev[len(prev)-1] {
			t.Fatalf("windows %d and %d do not overlap", i-1, i)
		}
	}
}

func TestChunkSemanticSplitsOnTopicShift(t *testing.T) {
	budget := strings.TrimSpace(strings.Repeat("budget dépenses trimestre chiffres finance ", 20))
	vacation := strings.TrimSpace(strings.Repeat("vacances plage montagne été voyage ", 20))
	segments := []types.Segment{
		{SegmentID: "seg-1", SpeakerID: "a", Text: budget},
		{SegmentID: "seg-2", SpeakerID: "b", Text: budget},
		{SegmentID: "seg-3", SpeakerID: "a", Text: vacation},
		{SegmentID: "seg-4", SpeakerID: "b", Text: vacation},
	}
	chunks, err := ChunkSegments(StrategySemantic, segments)
	if err != nil {
		t.Fatalf("ChunkSegments: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected a split at the topic shift, got %d chunk(s)", len(chunks))
	}
	if chunks[0].LastSegmentID != "seg-2" {
		t.Fatalf("first chunk should end at seg-2, got %s", chunks[0].LastSegmentID)
	}
}

func TestChunkEveryStrategyCoversAllSegments(t *testing.T) {
	segments := segmentsWithTokens(30, 40, "a", "b", "c")
	for _, strategy := range []ChunkStrategy{StrategyTurnBased, StrategySpeakerGrouped, StrategySlidingWindow, StrategySemantic} {
		chunks, err := ChunkSegments(strategy, segments)
		if err != nil {
			t.Fatalf("%s: %v", strategy, err)
		}
		covered := map[int]bool{}
		for _, c := range chunks {
			for _, idx := range c.SegmentIdxs {
				covered[idx] = true
			}
		}
		for i := range segments {
			if !covered[i] {
				t.Fatalf("%s: segment %d not covered", strategy, i)
			}
		}
	}
}

func TestMedianTokens(t *testing.T) {
	segments := []types.Segment{
		{Text: "un"},
		{Text: "un deux trois"},
		{Text: "un deux trois quatre cinq"},
	}
	if got := medianTokens(segments); got != 3 {
		t.Fatalf("median: want=3 got=%d", got)
	}
}
