package app

import (
	"fmt"

	"github.com/voxlore/audio-ingest/internal/nlp"
	"github.com/voxlore/audio-ingest/internal/platform/embedding"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/platform/objectstore"
	"github.com/voxlore/audio-ingest/internal/platform/qdrant"
	"github.com/voxlore/audio-ingest/internal/platform/redisstream"
)

type Clients struct {
	Stream      *redisstream.Client
	ObjectStore *objectstore.Client
	VectorStore *qdrant.VectorStore
	Embedder    embedding.Provider
	Annotator   nlp.Annotator
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	streamCfg, err := redisstream.ResolveConfigFromEnv()
	if err != nil {
		return Clients{}, fmt.Errorf("resolve redis config: %w", err)
	}
	stream, err := redisstream.NewClient(log, streamCfg)
	if err != nil {
		return Clients{}, fmt.Errorf("init redis stream client: %w", err)
	}

	storeCfg, err := objectstore.ResolveConfigFromEnv()
	if err != nil {
		_ = stream.Close()
		return Clients{}, fmt.Errorf("resolve object store config: %w", err)
	}
	store, err := objectstore.NewClient(log, storeCfg)
	if err != nil {
		_ = stream.Close()
		return Clients{}, fmt.Errorf("init object store client: %w", err)
	}

	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		_ = stream.Close()
		return Clients{}, fmt.Errorf("resolve qdrant config: %w", err)
	}
	vectors, err := qdrant.NewVectorStore(log, qdrantCfg)
	if err != nil {
		_ = stream.Close()
		return Clients{}, fmt.Errorf("init qdrant vector store: %w", err)
	}

	embedCfg, err := embedding.ResolveConfigFromEnv()
	if err != nil {
		_ = stream.Close()
		return Clients{}, fmt.Errorf("resolve embedding config: %w", err)
	}
	if embedCfg.Dim != qdrantCfg.VectorDim {
		_ = stream.Close()
		return Clients{}, fmt.Errorf(
			"embedding dim %d does not match vector collection dim %d", embedCfg.Dim, qdrantCfg.VectorDim,
		)
	}
	embedder, err := embedding.NewClient(log, embedCfg)
	if err != nil {
		_ = stream.Close()
		return Clients{}, fmt.Errorf("init embedding client: %w", err)
	}

	var annotator nlp.Annotator
	if cfg.NLPEnableLocal {
		annotator, err = nlp.NewAnnotator(log, nlp.ResolveAnnotatorConfigFromEnv())
		if err != nil {
			_ = stream.Close()
			return Clients{}, fmt.Errorf("init nlp annotator: %w", err)
		}
		if annotator == nil {
			log.Warn("NLP_ENABLE_LOCAL set but no NLP_ENDPOINT configured; legacy conversations will skip annotations")
		}
	}

	return Clients{
		Stream:      stream,
		ObjectStore: store,
		VectorStore: vectors,
		Embedder:    embedder,
		Annotator:   annotator,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Stream != nil {
		_ = c.Stream.Close()
	}
}
