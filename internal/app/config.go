package app

import (
	"strconv"
	"strings"

	"github.com/voxlore/audio-ingest/internal/ingestion"
	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

type Config struct {
	KnownSchemaMajors  []int
	RequireSelfListing bool
	TmpDir             string
	MetricsAddr        string
	NLPEnableLocal     bool
	Consumer           ingestion.ConsumerConfig
	StageTimeouts      ingestion.StageTimeouts
}

func LoadConfig(log *logger.Logger) Config {
	majorsRaw := envutil.Str("KNOWN_SCHEMA_MAJORS", "1")
	var majors []int
	for _, part := range strings.Split(majorsRaw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := strconv.Atoi(part)
		if err != nil {
			log.Warn("Ignoring invalid schema major", "value", part)
			continue
		}
		majors = append(majors, m)
	}
	if len(majors) == 0 {
		majors = []int{1}
	}

	metricsAddr := ""
	if port := envutil.Int("METRICS_PORT", 9090); port > 0 {
		metricsAddr = ":" + strconv.Itoa(port)
	}

	return Config{
		KnownSchemaMajors:  majors,
		RequireSelfListing: envutil.Bool("CHECKSUM_REQUIRE_SELF_LISTING", true),
		TmpDir:             envutil.Str("TMP_DIR", ""),
		MetricsAddr:        metricsAddr,
		NLPEnableLocal:     envutil.Bool("NLP_ENABLE_LOCAL", true),
		Consumer:           ingestion.ResolveConsumerConfigFromEnv(),
		StageTimeouts:      ingestion.DefaultStageTimeouts(),
	}
}
