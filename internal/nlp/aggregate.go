package nlp

import (
	"math"
	"sort"
	"strings"

	"github.com/voxlore/audio-ingest/internal/types"
)

// TurnAnnotation holds the per-segment results joined before persistence,
// whatever their source.
type TurnAnnotation struct {
	Sentiment *types.Sentiment
	Entities  []types.Entity
}

type SentimentShift struct {
	TurnIndex int    `json:"turn_index"`
	From      string `json:"from"`
	To        string `json:"to"`
	FromStars int    `json:"from_stars"`
	ToStars   int    `json:"to_stars"`
}

type PersonMention struct {
	Name     string `json:"name"`
	Mentions int    `json:"mentions"`
}

// Aggregates are the conversation-level rollups stored in the analytics
// column and summarized into job metadata.
type Aggregates struct {
	AvgStars          float64          `json:"avg_stars"`
	OverallSentiment  string           `json:"overall_sentiment"`
	Distribution      map[string]int   `json:"distribution"`
	Shifts            []SentimentShift `json:"sentiment_shifts,omitempty"`
	NumPositive       int              `json:"num_positive"`
	NumNegative       int              `json:"num_negative"`
	NumNeutral        int              `json:"num_neutral"`
	EntityTypeCounts  map[string]int   `json:"entity_type_counts"`
	TopPersons        []PersonMention  `json:"top_persons,omitempty"`
	AnnotatedSegments int              `json:"annotated_segments"`
}

// Aggregate rolls per-turn annotations up into conversation stats.
// Segments without a sentiment annotation simply do not contribute.
func Aggregate(annotations []TurnAnnotation) Aggregates {
	agg := Aggregates{
		Distribution:     map[string]int{},
		EntityTypeCounts: map[string]int{},
	}

	personCounts := map[string]int{}
	var starSum int
	var starCount int
	prevStars := 0
	prevLabel := ""

	for i, a := range annotations {
		if a.Sentiment != nil {
			stars := a.Sentiment.Stars
			if stars < 1 || stars > 5 {
				stars = StarsFromLabel(a.Sentiment.Label)
			}
			label := a.Sentiment.Label
			if label == "" {
				label = LabelFromStars(stars)
			}
			agg.Distribution[label]++
			starSum += stars
			starCount++
			switch {
			case stars >= 4:
				agg.NumPositive++
			case stars <= 2:
				agg.NumNegative++
			default:
				agg.NumNeutral++
			}
			if prevStars != 0 && abs(prevStars-stars) >= 2 {
				agg.Shifts = append(agg.Shifts, SentimentShift{
					TurnIndex: i,
					From:      prevLabel,
					To:        label,
					FromStars: prevStars,
					ToStars:   stars,
				})
			}
			prevStars = stars
			prevLabel = label
			agg.AnnotatedSegments++
		}
		for _, e := range a.Entities {
			agg.EntityTypeCounts[e.Type]++
			if e.Type == EntityPerson {
				name := strings.TrimSpace(e.Text)
				if name != "" {
					personCounts[name]++
				}
			}
		}
	}

	if starCount > 0 {
		agg.AvgStars = round1(float64(starSum) / float64(starCount))
		agg.OverallSentiment = LabelFromStars(int(math.Round(agg.AvgStars)))
	}
	agg.TopPersons = topPersons(personCounts, 5)
	return agg
}

// TopPersonNames returns the names only, for the conversation's main_topics
// column.
func (a Aggregates) TopPersonNames() []string {
	out := make([]string, 0, len(a.TopPersons))
	for _, p := range a.TopPersons {
		out = append(out, p.Name)
	}
	return out
}

func topPersons(counts map[string]int, n int) []PersonMention {
	out := make([]PersonMention, 0, len(counts))
	for name, c := range counts {
		out = append(out, PersonMention{Name: name, Mentions: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mentions == out[j].Mentions {
			return out[i].Name < out[j].Name
		}
		return out[i].Mentions > out[j].Mentions
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
