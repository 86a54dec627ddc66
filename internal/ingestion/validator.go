package ingestion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/types"
)

const conversationFileName = "conversation.json"

var knownDocumentKeys = map[string]bool{
	"schema_version":    true,
	"external_event_id": true,
	"source_system":     true,
	"created_at":        true,
	"meeting_metadata":  true,
	"participants":      true,
	"segments":          true,
	"analytics":         true,
	"attachments":       true,
	"quality_flags":     true,
	"tags":              true,
	"primary_language":  true,
	"metadata":          true,
}

var knownLanguages = map[string]bool{
	"fr": true, "en": true, "es": true, "de": true, "it": true, "pt": true,
}

type Validator struct {
	log         *logger.Logger
	knownMajors map[int]bool
}

func NewValidator(log *logger.Logger, knownMajors []int) *Validator {
	set := make(map[int]bool, len(knownMajors))
	for _, m := range knownMajors {
		set[m] = true
	}
	return &Validator{
		log:         log.With("component", "PayloadValidator"),
		knownMajors: set,
	}
}

// CheckRootName asserts the package's top-level directory is named after
// the envelope's external event id.
func (v *Validator) CheckRootName(rootDir, externalEventID string) error {
	const stage = "validate"
	if filepath.Base(rootDir) != externalEventID {
		return stageErr(stage, CodeValidationError, fmt.Errorf(
			"archive root %q does not match external_event_id %q", filepath.Base(rootDir), externalEventID,
		))
	}
	return nil
}

// ValidateDocument parses and validates <root>/conversation.json. Warnings
// are soft findings; the error is a validation_error or
// unknown_schema_major, or a processing_failure when the file exists but
// cannot be read.
func (v *Validator) ValidateDocument(rootDir, externalEventID string) (*types.Document, []string, error) {
	const stage = "validate"

	raw, err := os.ReadFile(filepath.Join(rootDir, conversationFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, stageErr(stage, CodeValidationError, fmt.Errorf("required file %s missing from package", conversationFileName))
		}
		return nil, nil, stageErr(stage, CodeProcessingFailure, err)
	}
	if len(raw) >= 3 && raw[0] == 0xEF && raw[1] == 0xBB && raw[2] == 0xBF {
		return nil, nil, stageErr(stage, CodeValidationError, fmt.Errorf("%s must be UTF-8 without BOM", conversationFileName))
	}

	var topLevel map[string]json.RawMessage
	if err := json.Unmarshal(raw, &topLevel); err != nil {
		return nil, nil, stageErr(stage, CodeValidationError, fmt.Errorf("%s is not valid JSON: %w", conversationFileName, err))
	}

	var doc types.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, stageErr(stage, CodeValidationError, fmt.Errorf("%s does not match the conversation schema: %w", conversationFileName, err))
	}

	var warnings []string
	for key := range topLevel {
		if !knownDocumentKeys[key] {
			if doc.Unknown == nil {
				doc.Unknown = make(map[string]json.RawMessage)
			}
			doc.Unknown[key] = topLevel[key]
			warnings = append(warnings, fmt.Sprintf("unknown top-level key %q preserved", key))
		}
	}

	if err := v.validateFields(&doc, externalEventID); err != nil {
		return nil, warnings, err
	}
	warnings = append(warnings, v.softChecks(&doc)...)

	for _, w := range warnings {
		v.log.Warn("Document validation warning", "external_event_id", externalEventID, "warning", w)
	}
	return &doc, warnings, nil
}

func (v *Validator) validateFields(doc *types.Document, externalEventID string) error {
	const stage = "validate"

	if doc.SchemaVersion == "" {
		return stageErr(stage, CodeValidationError, fmt.Errorf("schema_version is required"))
	}
	if !schemaVersionPattern.MatchString(doc.SchemaVersion) {
		return stageErr(stage, CodeValidationError, fmt.Errorf("schema_version %q is not major.minor", doc.SchemaVersion))
	}
	major, _ := strconv.Atoi(strings.SplitN(doc.SchemaVersion, ".", 2)[0])
	if !v.knownMajors[major] {
		return stageErr(stage, CodeUnknownSchemaMajor, fmt.Errorf("document schema major %d not in accepted set", major))
	}

	if doc.ExternalEventID == "" {
		return stageErr(stage, CodeValidationError, fmt.Errorf("external_event_id is required"))
	}
	if !externalEventIDPattern.MatchString(doc.ExternalEventID) {
		return stageErr(stage, CodeValidationError, fmt.Errorf("document external_event_id %q is malformed", doc.ExternalEventID))
	}
	if doc.ExternalEventID != externalEventID {
		return stageErr(stage, CodeValidationError, fmt.Errorf(
			"document external_event_id %q does not match envelope %q", doc.ExternalEventID, externalEventID,
		))
	}
	if doc.SourceSystem == "" {
		return stageErr(stage, CodeValidationError, fmt.Errorf("source_system is required"))
	}
	if doc.CreatedAt.IsZero() {
		return stageErr(stage, CodeValidationError, fmt.Errorf("created_at is required"))
	}

	if doc.MeetingMetadata.ScheduledStart.IsZero() {
		return stageErr(stage, CodeValidationError, fmt.Errorf("meeting_metadata.scheduled_start is required"))
	}
	if doc.MeetingMetadata.DurationSec <= 0 && doc.MeetingMetadata.EndAt == nil {
		return stageErr(stage, CodeValidationError, fmt.Errorf("meeting_metadata requires duration_sec or end_at"))
	}

	if len(doc.Participants) == 0 {
		return stageErr(stage, CodeValidationError, fmt.Errorf("participants must not be empty"))
	}
	speakers := make(map[string]bool, len(doc.Participants))
	for i, p := range doc.Participants {
		if p.SpeakerID == "" {
			return stageErr(stage, CodeValidationError, fmt.Errorf("participants[%d].speaker_id is required", i))
		}
		speakers[p.SpeakerID] = true
	}

	if len(doc.Segments) == 0 {
		return stageErr(stage, CodeValidationError, fmt.Errorf("segments must not be empty"))
	}
	for i, s := range doc.Segments {
		if s.SegmentID == "" {
			return stageErr(stage, CodeValidationError, fmt.Errorf("segments[%d].segment_id is required", i))
		}
		if s.StartMs < 0 || s.EndMs < s.StartMs {
			return stageErr(stage, CodeValidationError, fmt.Errorf(
				"segment %s has invalid bounds start_ms=%d end_ms=%d", s.SegmentID, s.StartMs, s.EndMs,
			))
		}
		if strings.TrimSpace(s.Text) == "" {
			return stageErr(stage, CodeValidationError, fmt.Errorf("segment %s has empty text", s.SegmentID))
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return stageErr(stage, CodeValidationError, fmt.Errorf("segment %s confidence %v outside [0,1]", s.SegmentID, s.Confidence))
		}
		if !knownLanguage(s.Language) {
			return stageErr(stage, CodeValidationError, fmt.Errorf("segment %s has unknown language %q", s.SegmentID, s.Language))
		}
		if !speakers[s.SpeakerID] {
			return stageErr(stage, CodeValidationError, fmt.Errorf(
				"segment %s references unknown speaker_id %q", s.SegmentID, s.SpeakerID,
			))
		}
	}
	return nil
}

// softChecks are the consistency findings that warn without failing:
// producers get latitude on ordering and bookkeeping flags.
func (v *Validator) softChecks(doc *types.Document) []string {
	var warnings []string

	var prevEnd int64
	for i := range doc.Segments {
		s := &doc.Segments[i]
		if s.StartMs < prevEnd {
			warnings = append(warnings, fmt.Sprintf(
				"segment %s overlaps previous segment (start_ms=%d prev_end_ms=%d)", s.SegmentID, s.StartMs, prevEnd,
			))
		}
		prevEnd = s.EndMs
	}

	if doc.QualityFlags != nil && doc.QualityFlags.LowConfidence {
		lowConf := 0
		for i := range doc.Segments {
			if doc.Segments[i].Confidence < 0.7 {
				lowConf++
			}
		}
		if lowConf == 0 {
			warnings = append(warnings, "quality_flags.low_confidence set but no segment has confidence < 0.7")
		}
	}

	if doc.PrimaryLanguage != "" {
		found := false
		for i := range doc.Segments {
			if baseLanguage(doc.Segments[i].Language) == baseLanguage(doc.PrimaryLanguage) {
				found = true
				break
			}
		}
		if !found {
			warnings = append(warnings, fmt.Sprintf("primary_language %q not present among segment languages", doc.PrimaryLanguage))
		}
	}

	return warnings
}

func knownLanguage(lang string) bool {
	return knownLanguages[baseLanguage(lang)]
}

func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if idx := strings.Index(lang, "-"); idx > 0 {
		lang = lang[:idx]
	}
	return lang
}
