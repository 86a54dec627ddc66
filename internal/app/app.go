package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/voxlore/audio-ingest/internal/db"
	"github.com/voxlore/audio-ingest/internal/ingestion"
	"github.com/voxlore/audio-ingest/internal/nlp"
	"github.com/voxlore/audio-ingest/internal/observability"
	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/repos"
)

// App owns the ingestion worker's full lifecycle: init -> run -> teardown,
// with teardown guaranteed on every exit path.
type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Clients  Clients
	Metrics  *observability.Metrics
	Consumer *ingestion.Consumer

	jobs  repos.IngestionJobRepo
	convs repos.ConversationRepo

	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "audio-ingest",
		Environment: envutil.Str("DEPLOY_ENV", "dev"),
		Version:     envutil.Str("SERVICE_VERSION", "dev"),
	})

	metrics := observability.Init(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	clients, err := wireClients(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	jobRepo := repos.NewIngestionJobRepo(theDB, log)
	convRepo := repos.NewConversationRepo(theDB, log)

	engine, err := nlp.NewEngine(log, clients.Embedder, clients.VectorStore, clients.Annotator, envutil.Int("NLP_BATCH_SIZE", 32))
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, fmt.Errorf("init enrichment engine: %w", err)
	}

	fetcher := ingestion.NewFetcher(log, clients.ObjectStore, cfg.TmpDir)
	verifier := ingestion.NewVerifier(log, cfg.RequireSelfListing)
	validator := ingestion.NewValidator(log, cfg.KnownSchemaMajors)
	parser := ingestion.NewParser(cfg.KnownSchemaMajors)

	pipeline := ingestion.NewPipeline(
		log, theDB, jobRepo, convRepo,
		fetcher, verifier, validator, engine,
		metrics, cfg.StageTimeouts,
	)
	router := ingestion.NewRouter(log, clients.Stream, jobRepo, metrics)

	consumer, err := ingestion.NewConsumer(log, clients.Stream, parser, pipeline, router, metrics, cfg.Consumer)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, fmt.Errorf("init consumer: %w", err)
	}

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Clients:      clients,
		Metrics:      metrics,
		Consumer:     consumer,
		jobs:         jobRepo,
		convs:        convRepo,
		otelShutdown: otelShutdown,
	}, nil
}

// Run starts the observability surfaces and blocks in the consumer loop
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr, a.healthz)
	a.Metrics.StartStreamDepthCollector(ctx, a.Log, a.Clients.Stream.PendingCount)
	a.Metrics.StartJobStatusCollector(ctx, a.Log, func(cctx context.Context) (map[string]int64, error) {
		return a.jobs.CountByStatus(cctx, nil)
	})
	return a.Consumer.Run(ctx)
}

func (a *App) healthz(ctx context.Context) error {
	if err := a.Clients.Stream.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	a.Clients.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
