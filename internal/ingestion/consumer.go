package ingestion

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/voxlore/audio-ingest/internal/observability"
	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/platform/redisstream"
	"github.com/voxlore/audio-ingest/internal/types"
)

type ConsumerConfig struct {
	// ConsumerName must be stable across restarts so pending entries can
	// be claimed back; <service>-<hostname> by convention.
	ConsumerName string
	MaxParallel  int
	MaxRetries   int
	GracePeriod  time.Duration
}

func ResolveConsumerConfigFromEnv() ConsumerConfig {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	defaultParallel := runtime.NumCPU()
	if defaultParallel > 4 {
		defaultParallel = 4
	}
	return ConsumerConfig{
		ConsumerName: envutil.Str("CONSUMER_NAME", "audio-ingest-"+host),
		MaxParallel:  envutil.Int("MAX_PARALLEL_JOBS", defaultParallel),
		MaxRetries:   envutil.Int("MAX_RETRIES", 3),
		GracePeriod:  envutil.Dur("SHUTDOWN_GRACE_MS", 30*time.Second),
	}
}

// Consumer owns the read/dispatch/ack loop on the ingestion stream. Each
// event is handled start-to-ack by a single worker goroutine; the slot
// channel bounds how many run at once.
type Consumer struct {
	log      *logger.Logger
	stream   *redisstream.Client
	parser   *Parser
	pipeline *Pipeline
	router   *Router
	metrics  *observability.Metrics
	cfg      ConsumerConfig
}

func NewConsumer(
	log *logger.Logger,
	stream *redisstream.Client,
	parser *Parser,
	pipeline *Pipeline,
	router *Router,
	metrics *observability.Metrics,
	cfg ConsumerConfig,
) (*Consumer, error) {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ConsumerName == "" {
		return nil, fmt.Errorf("consumer name required")
	}
	return &Consumer{
		log:      log.With("component", "StreamConsumer", "consumer", cfg.ConsumerName),
		stream:   stream,
		parser:   parser,
		pipeline: pipeline,
		router:   router,
		metrics:  metrics,
		cfg:      cfg,
	}, nil
}

// Run blocks until ctx is cancelled, then drains in-flight events up to
// the grace period. Entries that were read but never acked stay pending
// and are reclaimed later.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("Consumer started",
		"max_parallel", c.cfg.MaxParallel,
		"max_retries", c.cfg.MaxRetries,
	)

	slots := make(chan struct{}, c.cfg.MaxParallel)
	var wg sync.WaitGroup
	reclaimTicker := time.NewTicker(time.Minute)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.drain(&wg)
		default:
		}

		// Backpressure: only ask the broker for as many entries as we
		// have free worker slots.
		free := c.cfg.MaxParallel - len(slots)
		if free <= 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var batch []redisstream.Message
		select {
		case <-reclaimTicker.C:
			reclaimed, err := c.stream.ReclaimStale(ctx, c.cfg.ConsumerName, free)
			if err != nil && ctx.Err() == nil {
				c.log.Warn("Reclaim of stale entries failed", "error", err)
			}
			batch = reclaimed
		default:
		}

		if len(batch) == 0 {
			read, err := c.stream.ReadBatch(ctx, c.cfg.ConsumerName, free)
			if err != nil {
				if ctx.Err() != nil {
					return c.drain(&wg)
				}
				c.log.Error("Stream read failed; backing off", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}
			batch = read
		}

		for _, msg := range batch {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return c.drain(&wg)
			}
			wg.Add(1)
			go func(m redisstream.Message) {
				defer func() {
					if r := recover(); r != nil {
						c.log.Error("Worker panic", "message_id", m.ID, "panic", r)
					}
					<-slots
					wg.Done()
				}()
				c.handle(ctx, m)
			}(msg)
		}
	}
}

func (c *Consumer) drain(wg *sync.WaitGroup) error {
	c.log.Info("Draining in-flight events", "grace", c.cfg.GracePeriod.String())
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("Consumer stopped cleanly")
		return nil
	case <-time.After(c.cfg.GracePeriod):
		c.log.Warn("Grace period elapsed with events still in flight")
		return nil
	}
}

// handle walks one entry through received -> parsed -> processed and
// decides the ack.
func (c *Consumer) handle(ctx context.Context, msg redisstream.Message) {
	received := time.Now()
	c.metrics.MessagesTotal.Inc()
	c.metrics.Inflight.Inc()
	defer c.metrics.Inflight.Dec()

	env, parseErr := c.parser.Parse(msg.Values)
	var perr *PipelineError
	if parseErr != nil {
		perr = Classify(parseErr, "parse")
	}
	if perr != nil {
		c.log.Warn("Envelope rejected", "message_id", msg.ID, "error", perr)
		if c.router.Route(ctx, msg.Values, nil, nil, perr) == DecisionAck {
			c.ack(ctx, msg.ID, received)
		}
		return
	}
	c.metrics.TraceIDPresent.Inc()

	outcome, perr := c.pipeline.Process(ctx, env, c.cfg.MaxRetries)
	if perr != nil {
		var job *types.IngestionJob
		if outcome != nil {
			job = outcome.Job
		}
		if c.router.Route(ctx, msg.Values, env, job, perr) == DecisionAck {
			c.ack(ctx, msg.ID, received)
		}
		return
	}
	c.ack(ctx, msg.ID, received)
}

func (c *Consumer) ack(ctx context.Context, messageID string, received time.Time) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.stream.Ack(ackCtx, messageID); err != nil {
		c.log.Error("Ack failed; entry will be re-delivered", "message_id", messageID, "error", err)
		return
	}
	c.metrics.AckLatency.Observe(time.Since(received).Seconds())
}
