package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

func storeLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func newTestStore(t *testing.T, handler http.Handler) (*VectorStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := NewVectorStore(storeLogger(t), Config{
		URL:        srv.URL,
		Collection: "conversations",
		VectorDim:  4,
		Distance:   "Cosine",
	})
	if err != nil {
		t.Fatalf("NewVectorStore: %v", err)
	}
	return store, srv
}

func okEnvelope(result any) []byte {
	raw, _ := json.Marshal(map[string]any{"result": result, "status": "ok", "time": 0.001})
	return raw
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created bool
	var indexed int
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/conversations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if created {
				w.Write(okEnvelope(map[string]any{}))
				return
			}
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":{"error":"Not found"}}`))
		case http.MethodPut:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			vectors := body["vectors"].(map[string]any)
			if vectors["size"].(float64) != 4 || vectors["distance"] != "Cosine" {
				t.Errorf("unexpected create body: %v", body)
			}
			created = true
			w.Write(okEnvelope(true))
		}
	})
	mux.HandleFunc("/collections/conversations/index", func(w http.ResponseWriter, r *http.Request) {
		indexed++
		w.Write(okEnvelope(true))
	})

	store, _ := newTestStore(t, mux)
	if err := store.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if !created {
		t.Fatalf("collection not created")
	}
	if indexed != 3 {
		t.Fatalf("payload indexes: want=3 got=%d", indexed)
	}
}

func TestEnsureCollectionDimensionMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Write(okEnvelope(map[string]any{
			"config": map[string]any{
				"params": map[string]any{
					"vectors": map[string]any{"size": 768, "distance": "Cosine"},
				},
			},
		}))
	})
	store, _ := newTestStore(t, mux)
	err := store.EnsureCollection(context.Background())
	if err == nil {
		t.Fatalf("expected dimension mismatch")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code != OperationErrorValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpsertPointsValidatesDimension(t *testing.T) {
	store, _ := newTestStore(t, http.NewServeMux())
	err := store.UpsertPoints(context.Background(), []Point{
		{ID: "p1", Vector: []float32{1, 2}},
	})
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code != OperationErrorValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpsertPointsSendsOrderedBatch(t *testing.T) {
	var got []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/conversations/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []map[string]any `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body.Points
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("upsert must wait for durability")
		}
		w.Write(okEnvelope(true))
	})

	store, _ := newTestStore(t, mux)
	err := store.UpsertPoints(context.Background(), []Point{
		{ID: "p0", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"chunk_index": 0}},
		{ID: "p1", Vector: []float32{0, 1, 0, 0}, Payload: map[string]any{"chunk_index": 1}},
	})
	if err != nil {
		t.Fatalf("UpsertPoints: %v", err)
	}
	if len(got) != 2 || got[0]["id"] != "p0" || got[1]["id"] != "p1" {
		t.Fatalf("batch order lost: %v", got)
	}
}

func TestDeleteByConversationFilter(t *testing.T) {
	var filter map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/conversations/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		filter = body["filter"].(map[string]any)
		w.Write(okEnvelope(true))
	})

	store, _ := newTestStore(t, mux)
	if err := store.DeleteByConversation(context.Background(), "conv-1"); err != nil {
		t.Fatalf("DeleteByConversation: %v", err)
	}
	raw, _ := json.Marshal(filter)
	if string(raw) == "" || !json.Valid(raw) {
		t.Fatalf("filter not sent")
	}
	must := filter["must"].([]any)[0].(map[string]any)
	if must["key"] != "conversation_id" {
		t.Fatalf("filter key: %v", must)
	}
}

func TestCountByConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/conversations/points/count", func(w http.ResponseWriter, r *http.Request) {
		w.Write(okEnvelope(map[string]any{"count": 7}))
	})
	store, _ := newTestStore(t, mux)
	n, err := store.CountByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("CountByConversation: %v", err)
	}
	if n != 7 {
		t.Fatalf("count: want=7 got=%d", n)
	}
}

func TestDoJSONSurfacesQdrantError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/conversations/points", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":{"error":"wal full"}}`))
	})
	store, _ := newTestStore(t, mux)
	err := store.UpsertPoints(context.Background(), []Point{
		{ID: "p0", Vector: []float32{1, 0, 0, 0}},
	})
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %T", err)
	}
	if opErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status: got=%d", opErr.StatusCode)
	}
	if !opErr.Retryable() {
		t.Fatalf("5xx must be retryable")
	}
}
