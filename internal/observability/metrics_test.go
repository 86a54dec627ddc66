package observability

import (
	"strings"
	"testing"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

func loggerForTest() (*logger.Logger, error) {
	return logger.New("development")
}

func TestCounterVecExposition(t *testing.T) {
	c := NewCounterVec("test_failures_total", "Failures by reason.", []string{"reason"})
	c.Inc("checksum_mismatch")
	c.Inc("checksum_mismatch")
	c.Inc("validation_error")

	var b strings.Builder
	if err := c.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, "# TYPE test_failures_total counter") {
		t.Fatalf("missing TYPE line:\n%s", out)
	}
	if !strings.Contains(out, `test_failures_total{reason="checksum_mismatch"} 2.0`) {
		t.Fatalf("missing labeled sample:\n%s", out)
	}
	if c.Value("checksum_mismatch") != 2 {
		t.Fatalf("Value: want=2 got=%v", c.Value("checksum_mismatch"))
	}
}

func TestGaugeIncDec(t *testing.T) {
	g := NewGauge("test_inflight", "In-flight events.")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("gauge: want=1 got=%v", g.Value())
	}
	g.Set(7)
	if g.Value() != 7 {
		t.Fatalf("gauge after Set: want=7 got=%v", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogramVec("test_latency_seconds", "Latency.", []string{}, []float64{0.5, 1, 2})
	h.Observe(0.3)
	h.Observe(1.5)
	h.Observe(10)

	var b strings.Builder
	if err := h.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	for _, want := range []string{
		`test_latency_seconds_bucket{le="0.5"} 1`,
		`test_latency_seconds_bucket{le="2"} 2`,
		`test_latency_seconds_bucket{le="+Inf"} 3`,
		`test_latency_seconds_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if h.Count() != 3 {
		t.Fatalf("Count: want=3 got=%d", h.Count())
	}
}

func TestHistogramVecLabels(t *testing.T) {
	h := NewHistogramVec("test_nlp_seconds", "NLP duration.", []string{"source"}, []float64{1, 10})
	h.Observe(0.5, "upstream")
	h.Observe(2, "local")
	if h.Count("upstream") != 1 || h.Count("local") != 1 {
		t.Fatalf("per-label counts wrong")
	}
}

func TestSummaryExposition(t *testing.T) {
	s := NewSummary("test_validation_seconds", "Validation duration.")
	s.Observe(0.25)
	s.Observe(0.75)

	var b strings.Builder
	if err := s.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, "# TYPE test_validation_seconds summary") {
		t.Fatalf("missing TYPE line:\n%s", out)
	}
	if !strings.Contains(out, "test_validation_seconds_sum 1.0") {
		t.Fatalf("missing sum:\n%s", out)
	}
	if !strings.Contains(out, "test_validation_seconds_count 2") {
		t.Fatalf("missing count:\n%s", out)
	}
}

func TestMetricsFullExposition(t *testing.T) {
	log, err := loggerForTest()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	m := Init(log)
	m.MessagesTotal.Inc()
	m.FailuresTotal.Inc("checksum_mismatch")
	m.NLPSourceTotal.Inc("upstream")
	m.AckLatency.Observe(0.8)

	var b strings.Builder
	if err := m.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	for _, name := range []string{
		"audio_ingest_messages_total",
		"audio_ingest_failures_total",
		"audio_ingest_duplicates_total",
		"audio_ingest_messages_inflight",
		"audio_ingest_ack_latency_seconds",
		"audio_ingest_validation_duration_seconds",
		"audio_ingest_checksum_validation_duration_seconds",
		"audio_ingest_processing_duration_seconds",
		"audio_ingest_nlp_duration_seconds",
		"audio_ingest_download_size_bytes",
		"audio_ingest_conversation_segments",
		"audio_ingest_conversation_participants",
		"audio_ingest_trace_id_present_total",
		"audio_ingest_dlq_published_total",
		"audio_ingest_retries_total",
		"audio_ingest_nlp_source_total",
	} {
		if !strings.Contains(out, name) {
			t.Fatalf("exposition missing %q", name)
		}
	}
}

func TestLabelEscaping(t *testing.T) {
	got := labelString([]string{"reason"}, []string{`bad"value`})
	if got != `{reason="bad\"value"}` {
		t.Fatalf("escaping: got=%q", got)
	}
}
