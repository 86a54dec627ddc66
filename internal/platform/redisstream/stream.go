package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

type Config struct {
	URL           string
	Stream        string
	Group         string
	DLQStream     string
	BatchSize     int
	BlockTimeout  time.Duration
	ReclaimIdle   time.Duration
}

func ResolveConfigFromEnv() (Config, error) {
	url := envutil.Str("REDIS_URL", "")
	if url == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required")
	}
	return Config{
		URL:          url,
		Stream:       envutil.Str("REDIS_STREAM_NAME", "audio.ingestion"),
		Group:        envutil.Str("REDIS_CONSUMER_GROUP", "rag-ingestion"),
		DLQStream:    envutil.Str("REDIS_DLQ_STREAM", "audio.ingestion.deadletter"),
		BatchSize:    envutil.Int("REDIS_BATCH_SIZE", 16),
		BlockTimeout: envutil.Dur("REDIS_BLOCK_MS", 2*time.Second),
		ReclaimIdle:  envutil.Dur("REDIS_RECLAIM_IDLE_MS", 15*time.Minute),
	}, nil
}

// Message is one stream entry. Values keys are the flat envelope fields;
// producer and metadata arrive JSON-encoded.
type Message struct {
	ID     string
	Values map[string]interface{}
}

type Client struct {
	log *logger.Logger
	rdb *goredis.Client
	cfg Config
}

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Client{
		log: log.With("service", "RedisStreamClient", "stream", cfg.Stream, "group", cfg.Group),
		rdb: rdb,
		cfg: cfg,
	}, nil
}

// EnsureGroup creates the consumer group, tolerating a group that already
// exists (BUSYGROUP).
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			c.log.Info("Consumer group already exists")
			return nil
		}
		return fmt.Errorf("create consumer group: %w", err)
	}
	c.log.Info("Created consumer group")
	return nil
}

// ReadBatch blocks up to the configured block timeout for new entries
// addressed to this consumer. An empty slice means the timeout elapsed.
func (c *Client) ReadBatch(ctx context.Context, consumer string, count int) ([]Message, error) {
	if count <= 0 {
		count = c.cfg.BatchSize
	}
	streams, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []Message
	for _, stream := range streams {
		for _, m := range stream.Messages {
			out = append(out, Message{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// ReclaimStale claims pending entries idle longer than the reclaim
// threshold onto this consumer so abandoned deliveries get reprocessed.
func (c *Client) ReclaimStale(ctx context.Context, consumer string, count int) ([]Message, error) {
	if count <= 0 {
		count = c.cfg.BatchSize
	}
	msgs, _, err := c.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: consumer,
		MinIdle:  c.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Values: m.Values})
	}
	if len(out) > 0 {
		c.log.Info("Reclaimed stale pending entries", "count", len(out))
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, messageID).Err()
}

// PublishDLQ appends a record to the dead-letter stream. Callers treat
// failures here as best-effort.
func (c *Client) PublishDLQ(ctx context.Context, fields map[string]interface{}) error {
	return c.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: fields,
	}).Err()
}

// PendingCount reports the number of delivered-but-unacked entries for the
// group, for the stream-pending gauge.
func (c *Client) PendingCount(ctx context.Context) (int64, error) {
	p, err := c.rdb.XPending(ctx, c.cfg.Stream, c.cfg.Group).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return p.Count, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Config() Config { return c.cfg }

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
