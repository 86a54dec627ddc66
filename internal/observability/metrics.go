package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

// Metrics is the audio_ingest_* instrument set. Duplicates get their own
// counter and are not folded into failures_total, so the failure-rate SLO
// stays a real failure rate.
type Metrics struct {
	MessagesTotal      *Counter
	CompletedTotal     *Counter
	FailuresTotal      *CounterVec
	DuplicatesTotal    *Counter
	Inflight           *Gauge
	StreamPending      *Gauge
	AckLatency         *HistogramVec
	ValidationDuration *Summary
	ChecksumDuration   *Summary
	ProcessingDuration *HistogramVec
	NLPDuration        *HistogramVec
	DownloadSize       *HistogramVec
	Segments           *HistogramVec
	Participants       *HistogramVec
	TraceIDPresent     *Counter
	DLQPublished       *Counter
	RetriesTotal       *CounterVec
	NLPSourceTotal     *CounterVec
	HighPriorityTotal  *Counter
	JobsByStatus       *GaugeVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Init(log *logger.Logger) *Metrics {
	initOnce.Do(func() {
		instance = &Metrics{
			MessagesTotal:  NewCounter("audio_ingest_messages_total", "Total messages received from the ingestion stream."),
			CompletedTotal: NewCounter("audio_ingest_completed_total", "Total jobs completed successfully."),
			FailuresTotal: NewCounterVec(
				"audio_ingest_failures_total",
				"Total ingestion failures by error code. Duplicates are counted separately.",
				[]string{"reason"},
			),
			DuplicatesTotal: NewCounter("audio_ingest_duplicates_total", "Re-deliveries of already-completed events."),
			Inflight:        NewGauge("audio_ingest_messages_inflight", "Events currently being processed by this worker."),
			StreamPending:   NewGauge("audio_ingest_stream_pending", "Delivered-but-unacked entries in the consumer group."),
			AckLatency: NewHistogramVec(
				"audio_ingest_ack_latency_seconds",
				"Time from message receipt to ack.",
				[]string{},
				[]float64{0.5, 1, 2, 3, 5, 10, 30},
			),
			ValidationDuration: NewSummary(
				"audio_ingest_validation_duration_seconds",
				"Time spent validating the conversation document.",
			),
			ChecksumDuration: NewSummary(
				"audio_ingest_checksum_validation_duration_seconds",
				"Time spent on the three-level checksum chain.",
			),
			ProcessingDuration: NewHistogramVec(
				"audio_ingest_processing_duration_seconds",
				"Total processing time from claim to terminal state.",
				[]string{},
				[]float64{5, 10, 30, 60, 120, 300, 600},
			),
			NLPDuration: NewHistogramVec(
				"audio_ingest_nlp_duration_seconds",
				"Enrichment duration by nlp source.",
				[]string{"source"},
				[]float64{1, 5, 10, 30, 60, 120, 300},
			),
			DownloadSize: NewHistogramVec(
				"audio_ingest_download_size_bytes",
				"Downloaded archive size in bytes.",
				[]string{},
				[]float64{1e6, 10e6, 50e6, 100e6, 200e6, 500e6, 1e9, 5e9},
			),
			Segments: NewHistogramVec(
				"audio_ingest_conversation_segments",
				"Segments per conversation.",
				[]string{},
				[]float64{10, 50, 100, 200, 500, 1000, 2000},
			),
			Participants: NewHistogramVec(
				"audio_ingest_conversation_participants",
				"Participants per conversation.",
				[]string{},
				[]float64{1, 2, 3, 5, 10, 20},
			),
			TraceIDPresent: NewCounter("audio_ingest_trace_id_present_total", "Messages carrying a valid trace_id."),
			DLQPublished:   NewCounter("audio_ingest_dlq_published_total", "Records appended to the dead-letter stream."),
			RetriesTotal: NewCounterVec(
				"audio_ingest_retries_total",
				"Events released for broker re-delivery by error code.",
				[]string{"reason"},
			),
			NLPSourceTotal: NewCounterVec(
				"audio_ingest_nlp_source_total",
				"Completed jobs by nlp source.",
				[]string{"source"},
			),
			HighPriorityTotal: NewCounter("audio_ingest_high_priority_total", "Messages flagged priority=high."),
			JobsByStatus:      NewGaugeVec("audio_ingest_jobs_by_status", "Job rows by lifecycle state.", []string{"status"}),
		}
		if log != nil {
			log.Info("Ingestion metrics enabled")
		}
	})
	return instance
}

func Current() *Metrics { return instance }

// StartServer exposes /metrics and /healthz until the context ends.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string, healthz func(context.Context) error) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.WriteHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthz != nil {
			checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := healthz(checkCtx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.MessagesTotal,
		m.CompletedTotal,
		m.FailuresTotal,
		m.DuplicatesTotal,
		m.Inflight,
		m.StreamPending,
		m.AckLatency,
		m.ValidationDuration,
		m.ChecksumDuration,
		m.ProcessingDuration,
		m.NLPDuration,
		m.DownloadSize,
		m.Segments,
		m.Participants,
		m.TraceIDPresent,
		m.DLQPublished,
		m.RetriesTotal,
		m.NLPSourceTotal,
		m.HighPriorityTotal,
		m.JobsByStatus,
	}
	for _, wr := range writers {
		if err := wr.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

// StartStreamDepthCollector samples the consumer group's pending-entry
// count on an interval.
func (m *Metrics) StartStreamDepthCollector(ctx context.Context, log *logger.Logger, pending func(context.Context) (int64, error)) {
	if m == nil || pending == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(scrapeInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pending(ctx)
				if err != nil {
					if log != nil {
						log.Warn("metrics: stream pending query failed", "error", err)
					}
					continue
				}
				m.StreamPending.Set(float64(n))
			}
		}
	}()
}

// StartJobStatusCollector samples job rows grouped by lifecycle state.
func (m *Metrics) StartJobStatusCollector(ctx context.Context, log *logger.Logger, counts func(context.Context) (map[string]int64, error)) {
	if m == nil || counts == nil {
		return
	}
	statuses := []string{"pending", "downloading", "validating", "embedding", "completed", "failed"}
	go func() {
		ticker := time.NewTicker(scrapeInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rows, err := counts(ctx)
				if err != nil {
					if log != nil {
						log.Warn("metrics: job status query failed", "error", err)
					}
					continue
				}
				for _, s := range statuses {
					m.JobsByStatus.Set(float64(rows[s]), s)
				}
			}
		}
	}()
}

func scrapeInterval() time.Duration {
	return 15 * time.Second
}
