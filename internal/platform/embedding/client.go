package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

type Config struct {
	Endpoint  string
	APIKey    string
	Model     string
	Dim       int
	BatchSize int
}

func ResolveConfigFromEnv() (Config, error) {
	endpoint := envutil.Str("EMBEDDING_ENDPOINT", "")
	if endpoint == "" {
		return Config{}, fmt.Errorf("EMBEDDING_ENDPOINT is required")
	}
	return Config{
		Endpoint:  endpoint,
		APIKey:    envutil.Str("EMBEDDING_API_KEY", ""),
		Model:     envutil.Str("EMBEDDING_MODEL", "intfloat/multilingual-e5-large-instruct"),
		Dim:       envutil.Int("EMBEDDING_DIM", 1024),
		BatchSize: envutil.Int("EMBEDDING_BATCH", 32),
	}, nil
}

// Provider produces unit-length dense vectors for text inputs. The backend
// speaks the /v1/embeddings wire shape, which both hosted providers and
// local inference servers expose.
type Provider interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dim() int
	BatchSize() int
}

type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("embedding provider unavailable: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

type client struct {
	log        *logger.Logger
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

func NewClient(log *logger.Logger, cfg Config) (Provider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("embedding endpoint required")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be positive, got %d", cfg.Dim)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &client{
		log:     log.With("service", "EmbeddingClient", "model", cfg.Model),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *client) Dim() int       { return c.cfg.Dim }
func (c *client) BatchSize() int { return c.cfg.BatchSize }

// Embed returns one vector per input, normalized to unit length, in input
// order.
func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	req := embeddingsRequest{Model: c.cfg.Model, Input: clean}
	var resp embeddingsResponse
	if err := c.do(ctx, "/v1/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(clean) {
		return nil, fmt.Errorf("embedding count mismatch: requested=%d returned=%d", len(clean), len(resp.Data))
	}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index out of range: %d", d.Index)
		}
		if len(d.Embedding) != c.cfg.Dim {
			return nil, fmt.Errorf(
				"embedding dimension mismatch: expected=%d got=%d (index %d)",
				c.cfg.Dim, len(d.Embedding), d.Index,
			)
		}
		out[d.Index] = normalize(d.Embedding)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embedding missing for input index %d", i)
		}
	}
	return out, nil
}

func normalize(v []float64) []float32 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, f := range v {
		out[i] = float32(f / norm)
	}
	return out
}

func (c *client) do(ctx context.Context, path string, in any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return fmt.Errorf("encode embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &TransportError{Cause: err}
		}
		return &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if readErr != nil {
		return fmt.Errorf("read embeddings response: %w", readErr)
	}
	if resp.StatusCode >= 500 {
		return &TransportError{Cause: fmt.Errorf("embedding provider status=%d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := raw
		if len(body) > 512 {
			body = body[:512]
		}
		return fmt.Errorf("embedding provider status=%d body=%q", resp.StatusCode, body)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode embeddings response: %w", err)
	}
	return nil
}
