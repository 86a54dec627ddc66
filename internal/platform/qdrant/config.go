package qdrant

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/voxlore/audio-ingest/internal/platform/envutil"
)

type Config struct {
	URL        string
	Collection string
	VectorDim  int
	Distance   string
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL        ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL        ConfigErrorCode = "invalid_url"
	ConfigErrorMissingCollection ConfigErrorCode = "missing_collection"
	ConfigErrorInvalidVectorDim  ConfigErrorCode = "invalid_vector_dim"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid qdrant config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "QDRANT_URL is required"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf(
			"invalid QDRANT_URL=%q; expected absolute URL like http://qdrant:6333",
			e.Value,
		)
	case ConfigErrorMissingCollection:
		return "QDRANT_COLLECTION is required"
	case ConfigErrorInvalidVectorDim:
		return fmt.Sprintf(
			"invalid EMBEDDING_DIM=%q; expected positive integer",
			e.Value,
		)
	default:
		return "invalid qdrant config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveConfigFromEnv() (Config, error) {
	rawURL := envutil.Str("QDRANT_URL", "")
	if rawURL == "" {
		return Config{}, &ConfigError{Code: ConfigErrorMissingURL}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return Config{}, &ConfigError{Code: ConfigErrorInvalidURL, Value: rawURL, Cause: err}
	}

	collection := envutil.Str("QDRANT_COLLECTION", "conversations")
	if strings.TrimSpace(collection) == "" {
		return Config{}, &ConfigError{Code: ConfigErrorMissingCollection}
	}

	rawDim := envutil.Str("EMBEDDING_DIM", "1024")
	dim, err := strconv.Atoi(rawDim)
	if err != nil || dim <= 0 {
		return Config{}, &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: rawDim, Cause: err}
	}

	return Config{
		URL:        rawURL,
		Collection: collection,
		VectorDim:  dim,
		Distance:   "Cosine",
	}, nil
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return &ConfigError{Code: ConfigErrorMissingCollection}
	}
	if cfg.VectorDim <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: strconv.Itoa(cfg.VectorDim)}
	}
	return nil
}
