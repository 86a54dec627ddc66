package nlp

import (
	"testing"

	"github.com/voxlore/audio-ingest/internal/types"
)

func sentiment(label string, stars int) *types.Sentiment {
	return &types.Sentiment{Label: label, Score: 0.9, Stars: stars}
}

func TestAggregateSentiment(t *testing.T) {
	annotations := []TurnAnnotation{
		{Sentiment: sentiment("positive", 4)},
		{Sentiment: sentiment("very_negative", 1)},
		{Sentiment: sentiment("neutral", 3)},
		{Sentiment: sentiment("positive", 4)},
	}
	agg := Aggregate(annotations)

	if agg.AnnotatedSegments != 4 {
		t.Fatalf("annotated: want=4 got=%d", agg.AnnotatedSegments)
	}
	if agg.AvgStars != 3.0 {
		t.Fatalf("avg stars: want=3.0 got=%v", agg.AvgStars)
	}
	if agg.OverallSentiment != "neutral" {
		t.Fatalf("overall: want=neutral got=%q", agg.OverallSentiment)
	}
	if agg.Distribution["positive"] != 2 || agg.Distribution["very_negative"] != 1 {
		t.Fatalf("distribution: %v", agg.Distribution)
	}
	if agg.NumPositive != 2 || agg.NumNegative != 1 || agg.NumNeutral != 1 {
		t.Fatalf("counts: pos=%d neg=%d neu=%d", agg.NumPositive, agg.NumNegative, agg.NumNeutral)
	}
	// 4 -> 1 and 1 -> 3 are both shifts of two or more stars.
	if len(agg.Shifts) != 2 {
		t.Fatalf("shifts: want=2 got=%d (%v)", len(agg.Shifts), agg.Shifts)
	}
	if agg.Shifts[0].TurnIndex != 1 || agg.Shifts[0].FromStars != 4 || agg.Shifts[0].ToStars != 1 {
		t.Fatalf("first shift: %+v", agg.Shifts[0])
	}
}

func TestAggregateEntities(t *testing.T) {
	annotations := []TurnAnnotation{
		{Entities: []types.Entity{
			{Type: EntityPerson, Text: "Jean"},
			{Type: EntityOrganization, Text: "Acme"},
		}},
		{Entities: []types.Entity{
			{Type: EntityPerson, Text: "Jean"},
			{Type: EntityPerson, Text: "Alice"},
			{Type: EntityLocation, Text: "Paris"},
		}},
	}
	agg := Aggregate(annotations)

	if agg.EntityTypeCounts[EntityPerson] != 3 {
		t.Fatalf("person count: want=3 got=%d", agg.EntityTypeCounts[EntityPerson])
	}
	if len(agg.TopPersons) != 2 {
		t.Fatalf("top persons: %v", agg.TopPersons)
	}
	if agg.TopPersons[0].Name != "Jean" || agg.TopPersons[0].Mentions != 2 {
		t.Fatalf("top person: %+v", agg.TopPersons[0])
	}
	names := agg.TopPersonNames()
	if len(names) != 2 || names[0] != "Jean" {
		t.Fatalf("top person names: %v", names)
	}
}

func TestAggregateTopPersonsCapped(t *testing.T) {
	var annotations []TurnAnnotation
	for _, name := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		annotations = append(annotations, TurnAnnotation{
			Entities: []types.Entity{{Type: EntityPerson, Text: name}},
		})
	}
	agg := Aggregate(annotations)
	if len(agg.TopPersons) != 5 {
		t.Fatalf("top persons cap: want=5 got=%d", len(agg.TopPersons))
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate(nil)
	if agg.AvgStars != 0 || agg.OverallSentiment != "" || agg.AnnotatedSegments != 0 {
		t.Fatalf("empty aggregate not neutral: %+v", agg)
	}
}

func TestStarsLabelRoundTrip(t *testing.T) {
	for stars := 1; stars <= 5; stars++ {
		if got := StarsFromLabel(LabelFromStars(stars)); got != stars {
			t.Fatalf("round trip %d: got=%d", stars, got)
		}
	}
	if StarsFromLabel("mixed") != 3 {
		t.Fatalf("mixed should map to 3 stars")
	}
}
