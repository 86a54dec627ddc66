package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Conversation struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ExternalEventID string    `gorm:"column:external_event_id;uniqueIndex;not null" json:"external_event_id"`
	TraceID         string    `gorm:"column:trace_id;index" json:"trace_id"`
	SourceSystem    string    `gorm:"column:source_system" json:"source_system"`

	Title           string    `gorm:"column:title" json:"title,omitempty"`
	Date            time.Time `gorm:"column:date;not null;index" json:"date"`
	DurationSec     int       `gorm:"column:duration_sec" json:"duration_sec,omitempty"`
	PrimaryLanguage string    `gorm:"column:primary_language" json:"primary_language,omitempty"`
	SchemaVersion   string    `gorm:"column:schema_version" json:"schema_version"`

	Participants datatypes.JSON `gorm:"column:participants;type:jsonb" json:"participants,omitempty"`
	Tags         datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	MainTopics   datatypes.JSON `gorm:"column:main_topics;type:jsonb" json:"main_topics,omitempty"`
	QualityFlags datatypes.JSON `gorm:"column:quality_flags;type:jsonb" json:"quality_flags,omitempty"`
	Analytics    datatypes.JSON `gorm:"column:analytics;type:jsonb" json:"analytics,omitempty"`

	NLPSource  string `gorm:"column:nlp_source" json:"nlp_source"`
	NLPPartial bool   `gorm:"column:nlp_partial;not null;default:false" json:"nlp_partial"`
	ChunkCount int    `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`

	// Point identifiers written to the vector collection, in chunk order.
	VectorPointIDs datatypes.JSON `gorm:"column:vector_point_ids;type:jsonb" json:"vector_point_ids,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }
