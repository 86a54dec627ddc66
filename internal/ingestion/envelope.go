package ingestion

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	externalEventIDPattern = regexp.MustCompile(`^rec-\d{8}T\d{6}Z-[a-f0-9]{8}$`)
	checksumPattern        = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
	schemaVersionPattern   = regexp.MustCompile(`^\d+\.\d+$`)
)

const maxEnvelopeRetryCount = 10

type Producer struct {
	Service  string `json:"service"`
	Instance string `json:"instance,omitempty"`
}

// Envelope is the parsed and validated stream event. After Parse returns,
// every field is typed and no further I/O is needed to interpret it.
type Envelope struct {
	ExternalEventID string
	PackageURI      string
	Bucket          string
	ObjectKey       string
	Checksum        string
	SchemaVersion   string
	SchemaMajor     int
	SchemaMinor     int
	RetryCount      int
	ProducedAt      time.Time
	Producer        Producer
	Priority        string
	TraceID         string
	// Metadata preserves unknown keys for forwarding; trace_id is the only
	// key the pipeline dispatches on.
	Metadata map[string]string

	// Warnings carries accepted-with-warning findings (e.g. clock skew).
	Warnings []string
}

// ChecksumHex returns the digest without the sha256: prefix.
func (e *Envelope) ChecksumHex() string {
	return strings.TrimPrefix(e.Checksum, "sha256:")
}

type Parser struct {
	knownMajors map[int]bool
}

func NewParser(knownMajors []int) *Parser {
	set := make(map[int]bool, len(knownMajors))
	for _, m := range knownMajors {
		set[m] = true
	}
	return &Parser{knownMajors: set}
}

// Parse validates the flat stream fields and returns the typed envelope.
// All failures are validation_error except an unrecognized schema major,
// which gets its own code.
func (p *Parser) Parse(values map[string]interface{}) (*Envelope, error) {
	const stage = "parse"

	get := func(key string) string {
		v, ok := values[key]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return strings.TrimSpace(fmt.Sprint(v))
		}
		return strings.TrimSpace(s)
	}

	env := &Envelope{}

	env.ExternalEventID = get("external_event_id")
	if env.ExternalEventID == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field external_event_id"))
	}
	if !externalEventIDPattern.MatchString(env.ExternalEventID) {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("external_event_id %q does not match rec-<ts>-<hex8>", env.ExternalEventID))
	}

	env.PackageURI = get("package_uri")
	if env.PackageURI == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field package_uri"))
	}
	bucket, key, err := splitPackageURI(env.PackageURI)
	if err != nil {
		return nil, stageErr(stage, CodeValidationError, err)
	}
	env.Bucket, env.ObjectKey = bucket, key

	env.Checksum = get("checksum")
	if env.Checksum == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field checksum"))
	}
	if !checksumPattern.MatchString(env.Checksum) {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("checksum %q is not sha256:<64 lowercase hex>", env.Checksum))
	}

	env.SchemaVersion = get("schema_version")
	if env.SchemaVersion == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field schema_version"))
	}
	if !schemaVersionPattern.MatchString(env.SchemaVersion) {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("schema_version %q is not major.minor", env.SchemaVersion))
	}
	parts := strings.SplitN(env.SchemaVersion, ".", 2)
	env.SchemaMajor, _ = strconv.Atoi(parts[0])
	env.SchemaMinor, _ = strconv.Atoi(parts[1])
	if !p.knownMajors[env.SchemaMajor] {
		return nil, stageErr(stage, CodeUnknownSchemaMajor, fmt.Errorf("schema major %d not in accepted set", env.SchemaMajor))
	}

	rawRetry := get("retry_count")
	if rawRetry == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field retry_count"))
	}
	retry, err := strconv.Atoi(rawRetry)
	if err != nil || retry < 0 || retry > maxEnvelopeRetryCount {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("retry_count %q out of range 0..%d", rawRetry, maxEnvelopeRetryCount))
	}
	env.RetryCount = retry

	rawProducedAt := get("produced_at")
	if rawProducedAt == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field produced_at"))
	}
	producedAt, err := time.Parse(time.RFC3339, rawProducedAt)
	if err != nil {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("produced_at %q is not RFC3339: %w", rawProducedAt, err))
	}
	env.ProducedAt = producedAt.UTC()

	if rawProducer := get("producer"); rawProducer != "" {
		if err := json.Unmarshal([]byte(rawProducer), &env.Producer); err != nil {
			return nil, stageErr(stage, CodeValidationError, fmt.Errorf("producer is not valid JSON: %w", err))
		}
		env.Producer.Service = strings.TrimSpace(env.Producer.Service)
		env.Producer.Instance = strings.TrimSpace(env.Producer.Instance)
	}

	env.Priority = get("priority")
	if env.Priority == "" {
		env.Priority = "normal"
	}
	if env.Priority != "normal" && env.Priority != "high" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("priority %q must be normal or high", env.Priority))
	}

	rawMetadata := get("metadata")
	if rawMetadata == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("missing required field metadata"))
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(rawMetadata), &metadata); err != nil {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("metadata is not a JSON object of strings: %w", err))
	}
	env.Metadata = metadata
	env.TraceID = strings.TrimSpace(metadata["trace_id"])
	if env.TraceID == "" {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("metadata.trace_id is required"))
	}
	parsedTrace, err := uuid.Parse(env.TraceID)
	if err != nil || parsedTrace.Version() != 4 {
		return nil, stageErr(stage, CodeValidationError, fmt.Errorf("metadata.trace_id %q is not a UUID v4", env.TraceID))
	}

	// Event ids stamped more than a day ahead are accepted with a warning:
	// producers with skewed clocks happen, and rejecting loses data.
	if ts, ok := eventIDTimestamp(env.ExternalEventID); ok {
		if ts.After(time.Now().UTC().Add(24 * time.Hour)) {
			env.Warnings = append(env.Warnings, fmt.Sprintf("external_event_id timestamp %s is more than 24h in the future", ts.Format(time.RFC3339)))
		}
	}

	return env, nil
}

func splitPackageURI(raw string) (bucket, key string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("package_uri %q is not a URI: %w", raw, err)
	}
	if parsed.Scheme == "" {
		return "", "", fmt.Errorf("package_uri %q missing scheme", raw)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("package_uri %q missing bucket", raw)
	}
	key = strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("package_uri %q missing object key", raw)
	}
	return parsed.Host, key, nil
}

func eventIDTimestamp(externalEventID string) (time.Time, bool) {
	// rec-20251003T091500Z-3f9c4241
	parts := strings.SplitN(externalEventID, "-", 3)
	if len(parts) != 3 {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102T150405Z", parts[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
