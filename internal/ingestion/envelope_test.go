package ingestion

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validEnvelopeValues() map[string]interface{} {
	return map[string]interface{}{
		"external_event_id": "rec-20251003T091500Z-3f9c4241",
		"package_uri":       "minio://ingestion/drop/2025/10/03/rec-20251003T091500Z-3f9c4241.tar.gz",
		"checksum":          "sha256:" + strings.Repeat("ab", 32),
		"schema_version":    "1.1",
		"retry_count":       "0",
		"produced_at":       "2025-10-03T09:16:00Z",
		"producer":          `{"service":"transcript","instance":"transcript-1"}`,
		"priority":          "high",
		"metadata":          `{"trace_id":"550e8400-e29b-41d4-a716-446655440000","region":"eu-west-1"}`,
	}
}

func TestParseValidEnvelope(t *testing.T) {
	p := NewParser([]int{1})
	env, err := p.Parse(validEnvelopeValues())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.ExternalEventID != "rec-20251003T091500Z-3f9c4241" {
		t.Fatalf("ExternalEventID: got=%q", env.ExternalEventID)
	}
	if env.Bucket != "ingestion" {
		t.Fatalf("Bucket: want=%q got=%q", "ingestion", env.Bucket)
	}
	if env.ObjectKey != "drop/2025/10/03/rec-20251003T091500Z-3f9c4241.tar.gz" {
		t.Fatalf("ObjectKey: got=%q", env.ObjectKey)
	}
	if env.SchemaMajor != 1 || env.SchemaMinor != 1 {
		t.Fatalf("schema version: got=%d.%d", env.SchemaMajor, env.SchemaMinor)
	}
	if env.TraceID != "550e8400-e29b-41d4-a716-446655440000" {
		t.Fatalf("TraceID: got=%q", env.TraceID)
	}
	if env.Producer.Service != "transcript" {
		t.Fatalf("Producer.Service: got=%q", env.Producer.Service)
	}
	if env.Priority != "high" {
		t.Fatalf("Priority: got=%q", env.Priority)
	}
	if env.Metadata["region"] != "eu-west-1" {
		t.Fatalf("unknown metadata key not preserved: %v", env.Metadata)
	}
	if got := env.ChecksumHex(); got != strings.Repeat("ab", 32) {
		t.Fatalf("ChecksumHex: got=%q", got)
	}
	if len(env.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", env.Warnings)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(map[string]interface{})
		wantCode Code
	}{
		{"missing external_event_id", func(v map[string]interface{}) { delete(v, "external_event_id") }, CodeValidationError},
		{"malformed external_event_id", func(v map[string]interface{}) { v["external_event_id"] = "rec-bogus" }, CodeValidationError},
		{"missing package_uri", func(v map[string]interface{}) { delete(v, "package_uri") }, CodeValidationError},
		{"package_uri without key", func(v map[string]interface{}) { v["package_uri"] = "minio://bucket" }, CodeValidationError},
		{"uppercase checksum", func(v map[string]interface{}) { v["checksum"] = "sha256:" + strings.Repeat("AB", 32) }, CodeValidationError},
		{"short checksum", func(v map[string]interface{}) { v["checksum"] = "sha256:abcd" }, CodeValidationError},
		{"unknown schema major", func(v map[string]interface{}) { v["schema_version"] = "2.0" }, CodeUnknownSchemaMajor},
		{"bad schema version", func(v map[string]interface{}) { v["schema_version"] = "1" }, CodeValidationError},
		{"negative retry_count", func(v map[string]interface{}) { v["retry_count"] = "-1" }, CodeValidationError},
		{"retry_count above bound", func(v map[string]interface{}) { v["retry_count"] = "11" }, CodeValidationError},
		{"bad produced_at", func(v map[string]interface{}) { v["produced_at"] = "yesterday" }, CodeValidationError},
		{"bad priority", func(v map[string]interface{}) { v["priority"] = "urgent" }, CodeValidationError},
		{"missing metadata", func(v map[string]interface{}) { delete(v, "metadata") }, CodeValidationError},
		{"missing trace_id", func(v map[string]interface{}) { v["metadata"] = `{"region":"eu"}` }, CodeValidationError},
		{"non-v4 trace_id", func(v map[string]interface{}) { v["metadata"] = `{"trace_id":"00000000-0000-1000-8000-000000000000"}` }, CodeValidationError},
	}

	p := NewParser([]int{1})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values := validEnvelopeValues()
			tc.mutate(values)
			_, err := p.Parse(values)
			if err == nil {
				t.Fatalf("expected error")
			}
			var perr *PipelineError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *PipelineError, got %T", err)
			}
			if perr.Code != tc.wantCode {
				t.Fatalf("code: want=%s got=%s (%v)", tc.wantCode, perr.Code, err)
			}
		})
	}
}

func TestParseFutureTimestampWarns(t *testing.T) {
	p := NewParser([]int{1})
	values := validEnvelopeValues()
	future := time.Now().UTC().Add(48 * time.Hour)
	id := "rec-" + future.Format("20060102T150405Z") + "-3f9c4241"
	values["external_event_id"] = id

	env, err := p.Parse(values)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(env.Warnings) != 1 {
		t.Fatalf("want 1 warning, got %v", env.Warnings)
	}
}

func TestParseDefaultsPriority(t *testing.T) {
	p := NewParser([]int{1})
	values := validEnvelopeValues()
	delete(values, "priority")
	env, err := p.Parse(values)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Priority != "normal" {
		t.Fatalf("Priority default: want=normal got=%q", env.Priority)
	}
}
