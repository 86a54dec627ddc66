package types

import (
	"encoding/json"
	"time"
)

type Location struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	DisplayName string  `json:"display_name,omitempty"`
	Address     string  `json:"address,omitempty"`
	Floor       string  `json:"floor,omitempty"`
	Room        string  `json:"room,omitempty"`
}

type MeetingMetadata struct {
	ScheduledStart time.Time  `json:"scheduled_start"`
	Title          string     `json:"title,omitempty"`
	DurationSec    int        `json:"duration_sec,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Location       *Location  `json:"location,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	Organizer      string     `json:"organizer,omitempty"`
	Agenda         string     `json:"agenda,omitempty"`
}

type Participant struct {
	SpeakerID   string         `json:"speaker_id"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email,omitempty"`
	Role        string         `json:"role,omitempty"`
	Company     string         `json:"company,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Entity struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	StartChar  int     `json:"start_char,omitempty"`
	EndChar    int     `json:"end_char,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Stars int     `json:"stars,omitempty"`
}

type SegmentAnnotations struct {
	Topics    []string   `json:"topics,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

type Segment struct {
	SegmentID   string              `json:"segment_id"`
	SpeakerID   string              `json:"speaker_id"`
	StartMs     int64               `json:"start_ms"`
	EndMs       int64               `json:"end_ms"`
	Text        string              `json:"text"`
	Language    string              `json:"language"`
	Confidence  float64             `json:"confidence"`
	Channel     *int                `json:"channel,omitempty"`
	Annotations *SegmentAnnotations `json:"annotations,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

type QualityFlags struct {
	LowConfidence     bool `json:"low_confidence"`
	MissingAudio      bool `json:"missing_audio"`
	OverlappingSpeech bool `json:"overlapping_speech"`
}

// Document is the validated conversation payload. Unknown top-level keys
// survive in Unknown so downstream consumers see everything the producer
// sent.
type Document struct {
	SchemaVersion   string          `json:"schema_version"`
	ExternalEventID string          `json:"external_event_id"`
	SourceSystem    string          `json:"source_system"`
	CreatedAt       time.Time       `json:"created_at"`
	MeetingMetadata MeetingMetadata `json:"meeting_metadata"`
	Participants    []Participant   `json:"participants"`
	Segments        []Segment       `json:"segments"`
	Analytics       map[string]any  `json:"analytics,omitempty"`
	Attachments     map[string]any  `json:"attachments,omitempty"`
	QualityFlags    *QualityFlags   `json:"quality_flags,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	PrimaryLanguage string          `json:"primary_language,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`

	Unknown map[string]json.RawMessage `json:"-"`
}

// HasUpstreamAnnotations reports whether any segment carries a non-empty
// sentiment or entity annotation.
func (d *Document) HasUpstreamAnnotations() bool {
	for i := range d.Segments {
		a := d.Segments[i].Annotations
		if a == nil {
			continue
		}
		if a.Sentiment != nil || len(a.Entities) > 0 {
			return true
		}
	}
	return false
}

// SpeakerIDs returns the distinct speaker ids over all segments in first-
// appearance order.
func (d *Document) SpeakerIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range d.Segments {
		id := d.Segments[i].SpeakerID
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
