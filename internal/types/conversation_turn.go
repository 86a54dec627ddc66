package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ConversationTurn struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"column:conversation_id;type:uuid;not null;index" json:"conversation_id"`

	TurnIndex  int     `gorm:"column:turn_index;not null" json:"turn_index"`
	SegmentID  string  `gorm:"column:segment_id;not null" json:"segment_id"`
	SpeakerID  string  `gorm:"column:speaker_id;not null" json:"speaker_id"`
	Text       string  `gorm:"column:text;type:text;not null" json:"text"`
	StartMs    int64   `gorm:"column:start_ms;not null" json:"start_ms"`
	EndMs      int64   `gorm:"column:end_ms;not null" json:"end_ms"`
	Language   string  `gorm:"column:language" json:"language"`
	Confidence float64 `gorm:"column:confidence" json:"confidence"`

	SentimentLabel string         `gorm:"column:sentiment_label" json:"sentiment_label,omitempty"`
	SentimentScore float64        `gorm:"column:sentiment_score" json:"sentiment_score,omitempty"`
	SentimentStars int            `gorm:"column:sentiment_stars" json:"sentiment_stars,omitempty"`
	Entities       datatypes.JSON `gorm:"column:entities;type:jsonb" json:"entities,omitempty"`

	VectorPointID string `gorm:"column:vector_point_id" json:"vector_point_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ConversationTurn) TableName() string { return "conversation_turns" }
