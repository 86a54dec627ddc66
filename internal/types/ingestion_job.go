package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job lifecycle states. A job reaches completed or failed at most once;
// every other state is transient and safe to re-enter on re-delivery.
const (
	JobStatusPending     = "pending"
	JobStatusDownloading = "downloading"
	JobStatusValidating  = "validating"
	JobStatusEmbedding   = "embedding"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
)

const (
	NLPSourceUpstream = "upstream"
	NLPSourceLocal    = "local"
	NLPSourceNone     = "none"
)

type IngestionJob struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ExternalEventID string    `gorm:"column:external_event_id;uniqueIndex;not null" json:"external_event_id"`
	TraceID         string    `gorm:"column:trace_id;index" json:"trace_id"`

	SourceBucket  string `gorm:"column:source_bucket;not null" json:"source_bucket"`
	SourceKey     string `gorm:"column:source_key;not null" json:"source_key"`
	Checksum      string `gorm:"column:checksum" json:"checksum"`
	SchemaVersion string `gorm:"column:schema_version" json:"schema_version"`

	Status     string `gorm:"column:status;not null;default:'pending';index" json:"status"`
	RetryCount int    `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries int    `gorm:"column:max_retries;not null;default:3" json:"max_retries"`

	CreatedAt   time.Time  `gorm:"not null;default:now()" json:"created_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastErrorAt *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`

	ErrorCode    string `gorm:"column:error_code;index" json:"error_code,omitempty"`
	ErrorMessage string `gorm:"column:error_message;type:text" json:"error_message,omitempty"`

	NLPSource          string         `gorm:"column:nlp_source" json:"nlp_source,omitempty"`
	ProcessingMetadata datatypes.JSON `gorm:"column:processing_metadata;type:jsonb" json:"processing_metadata,omitempty"`

	ConversationID       *uuid.UUID `gorm:"column:conversation_id;type:uuid" json:"conversation_id,omitempty"`
	FileSizeBytes        int64      `gorm:"column:file_size_bytes" json:"file_size_bytes,omitempty"`
	ProcessingDurationMs int64      `gorm:"column:processing_duration_ms" json:"processing_duration_ms,omitempty"`
}

func (IngestionJob) TableName() string { return "ingestion_jobs" }

// Terminal reports whether the job can never change state again.
func (j *IngestionJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
