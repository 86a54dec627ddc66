package redisstream

import (
	"testing"
	"time"
)

func TestResolveConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_STREAM_NAME", "")
	t.Setenv("REDIS_CONSUMER_GROUP", "")
	t.Setenv("REDIS_DLQ_STREAM", "")
	t.Setenv("REDIS_BATCH_SIZE", "")
	t.Setenv("REDIS_BLOCK_MS", "")

	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("ResolveConfigFromEnv: %v", err)
	}
	if cfg.Stream != "audio.ingestion" {
		t.Fatalf("Stream default: got=%q", cfg.Stream)
	}
	if cfg.Group != "rag-ingestion" {
		t.Fatalf("Group default: got=%q", cfg.Group)
	}
	if cfg.DLQStream != "audio.ingestion.deadletter" {
		t.Fatalf("DLQStream default: got=%q", cfg.DLQStream)
	}
	if cfg.BatchSize != 16 {
		t.Fatalf("BatchSize default: got=%d", cfg.BatchSize)
	}
	if cfg.BlockTimeout != 2*time.Second {
		t.Fatalf("BlockTimeout default: got=%s", cfg.BlockTimeout)
	}
	if cfg.ReclaimIdle != 15*time.Minute {
		t.Fatalf("ReclaimIdle default: got=%s", cfg.ReclaimIdle)
	}
}

func TestResolveConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://redis:6379/1")
	t.Setenv("REDIS_STREAM_NAME", "audio.ingestion.test")
	t.Setenv("REDIS_BATCH_SIZE", "32")
	t.Setenv("REDIS_BLOCK_MS", "500")

	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("ResolveConfigFromEnv: %v", err)
	}
	if cfg.Stream != "audio.ingestion.test" {
		t.Fatalf("Stream: got=%q", cfg.Stream)
	}
	if cfg.BatchSize != 32 {
		t.Fatalf("BatchSize: got=%d", cfg.BatchSize)
	}
	if cfg.BlockTimeout != 500*time.Millisecond {
		t.Fatalf("BlockTimeout: got=%s", cfg.BlockTimeout)
	}
}

func TestResolveConfigFromEnvRequiresURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := ResolveConfigFromEnv(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}
