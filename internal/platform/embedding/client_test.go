package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

func embedLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestEmbedNormalizesAndOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("model: got=%q", req.Model)
		}
		// Return out of order on purpose; the client must reorder by index.
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0, 2, 0}},
				{"index": 0, "embedding": []float64{3, 0, 4}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewClient(embedLogger(t), Config{Endpoint: srv.URL, Model: "test-model", Dim: 3, BatchSize: 8})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	vectors, err := p.Embed(context.Background(), []string{"premier", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("vectors: want=2 got=%d", len(vectors))
	}
	// [3,0,4] normalized -> [0.6, 0, 0.8]
	if math.Abs(float64(vectors[0][0])-0.6) > 1e-6 || math.Abs(float64(vectors[0][2])-0.8) > 1e-6 {
		t.Fatalf("vector 0 not normalized: %v", vectors[0])
	}
	var norm float64
	for _, f := range vectors[1] {
		norm += float64(f) * float64(f)
	}
	if math.Abs(norm-1) > 1e-6 {
		t.Fatalf("vector 1 norm: %v", norm)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float64{1, 2}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewClient(embedLogger(t), Config{Endpoint: srv.URL, Model: "m", Dim: 3, BatchSize: 8})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := p.Embed(context.Background(), []string{"texte"}); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestEmbedServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewClient(embedLogger(t), Config{Endpoint: srv.URL, Model: "m", Dim: 3, BatchSize: 8})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = p.Embed(context.Background(), []string{"texte"})
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	p, err := NewClient(embedLogger(t), Config{Endpoint: "http://localhost:1", Model: "m", Dim: 3, BatchSize: 8})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	vectors, err := p.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil): %v", err)
	}
	if len(vectors) != 0 {
		t.Fatalf("want empty result")
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	out := normalize([]float64{0, 0, 0})
	for _, f := range out {
		if f != 0 {
			t.Fatalf("zero vector must stay zero: %v", out)
		}
	}
}
