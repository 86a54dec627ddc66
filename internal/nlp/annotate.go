package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxlore/audio-ingest/internal/types"
	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

// Entity types the local NER model emits.
const (
	EntityPerson       = "PERSON"
	EntityLocation     = "LOCATION"
	EntityOrganization = "ORGANIZATION"
	EntityDate         = "DATE"
	EntityTime         = "TIME"
	EntityMoney        = "MONEY"
	EntityMisc         = "MISC"
)

// Annotator runs local NER and sentiment over segment text batches. Both
// calls take raw texts and return results in input order.
type Annotator interface {
	Entities(ctx context.Context, texts []string) ([][]types.Entity, error)
	Sentiments(ctx context.Context, texts []string) ([]types.Sentiment, error)
}

type AnnotatorConfig struct {
	Endpoint  string
	BatchSize int
}

func ResolveAnnotatorConfigFromEnv() AnnotatorConfig {
	return AnnotatorConfig{
		Endpoint:  envutil.Str("NLP_ENDPOINT", ""),
		BatchSize: envutil.Int("NLP_BATCH_SIZE", 32),
	}
}

type httpAnnotator struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

// NewAnnotator returns nil (no error) when no endpoint is configured:
// absence of local models is a supported mode, not a failure.
func NewAnnotator(log *logger.Logger, cfg AnnotatorConfig) (Annotator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	return &httpAnnotator{
		log:     log.With("service", "NLPAnnotator"),
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

type annotateRequest struct {
	Inputs []string `json:"inputs"`
}

type nerResponse struct {
	Results [][]struct {
		Type       string  `json:"type"`
		Text       string  `json:"text"`
		StartChar  int     `json:"start_char"`
		EndChar    int     `json:"end_char"`
		Confidence float64 `json:"confidence"`
	} `json:"results"`
}

type sentimentResponse struct {
	Results []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
		Stars int     `json:"stars"`
	} `json:"results"`
}

func (a *httpAnnotator) Entities(ctx context.Context, texts []string) ([][]types.Entity, error) {
	if len(texts) == 0 {
		return [][]types.Entity{}, nil
	}
	var resp nerResponse
	if err := a.do(ctx, "/v1/ner", annotateRequest{Inputs: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(texts) {
		return nil, fmt.Errorf("ner result count mismatch: requested=%d returned=%d", len(texts), len(resp.Results))
	}
	out := make([][]types.Entity, len(texts))
	for i, ents := range resp.Results {
		converted := make([]types.Entity, 0, len(ents))
		for _, e := range ents {
			converted = append(converted, types.Entity{
				Type:       normalizeEntityType(e.Type),
				Text:       e.Text,
				StartChar:  e.StartChar,
				EndChar:    e.EndChar,
				Confidence: e.Confidence,
			})
		}
		out[i] = converted
	}
	return out, nil
}

func (a *httpAnnotator) Sentiments(ctx context.Context, texts []string) ([]types.Sentiment, error) {
	if len(texts) == 0 {
		return []types.Sentiment{}, nil
	}
	var resp sentimentResponse
	if err := a.do(ctx, "/v1/sentiment", annotateRequest{Inputs: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(texts) {
		return nil, fmt.Errorf("sentiment result count mismatch: requested=%d returned=%d", len(texts), len(resp.Results))
	}
	out := make([]types.Sentiment, len(texts))
	for i, r := range resp.Results {
		stars := r.Stars
		if stars < 1 || stars > 5 {
			stars = StarsFromLabel(r.Label)
		}
		out[i] = types.Sentiment{
			Label: r.Label,
			Score: r.Score,
			Stars: stars,
		}
	}
	return out, nil
}

func (a *httpAnnotator) do(ctx context.Context, path string, in any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return fmt.Errorf("encode nlp request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build nlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nlp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if readErr != nil {
		return fmt.Errorf("read nlp response: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := raw
		if len(body) > 512 {
			body = body[:512]
		}
		return fmt.Errorf("nlp endpoint status=%d body=%q", resp.StatusCode, body)
	}
	return json.Unmarshal(raw, out)
}

// StarsFromLabel maps the 5-label scale onto 1..5 stars.
func StarsFromLabel(label string) int {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "very_negative":
		return 1
	case "negative":
		return 2
	case "neutral", "mixed":
		return 3
	case "positive":
		return 4
	case "very_positive":
		return 5
	default:
		return 3
	}
}

// LabelFromStars is the inverse mapping used for aggregates.
func LabelFromStars(stars int) string {
	switch {
	case stars <= 1:
		return "very_negative"
	case stars == 2:
		return "negative"
	case stars == 3:
		return "neutral"
	case stars == 4:
		return "positive"
	default:
		return "very_positive"
	}
}

func normalizeEntityType(t string) string {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "PER", "PERSON":
		return EntityPerson
	case "LOC", "LOCATION":
		return EntityLocation
	case "ORG", "ORGANIZATION":
		return EntityOrganization
	case "DATE":
		return EntityDate
	case "TIME":
		return EntityTime
	case "MONEY":
		return EntityMoney
	default:
		return EntityMisc
	}
}
