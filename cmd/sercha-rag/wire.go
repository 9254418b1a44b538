package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/ai"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/events/natsevents"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/prompts"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/rerank/httprerank"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/search"
	kwmemory "github.com/custodia-labs/sercha-rag/internal/adapters/driven/search/memory"
	kwsqlite "github.com/custodia-labs/sercha-rag/internal/adapters/driven/search/sqlite"
	docmemory "github.com/custodia-labs/sercha-rag/internal/adapters/driven/storage/memory"
	storagesqlite "github.com/custodia-labs/sercha-rag/internal/adapters/driven/storage/sqlite"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/vector"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driving/cli"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/services"
	"github.com/custodia-labs/sercha-rag/internal/logger"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors"
	"github.com/custodia-labs/sercha-rag/internal/tracer"
)

// bootstrap loads the configuration and builds the services.
func bootstrap(ctx context.Context, opts cli.Options) (*cli.Services, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, opts.Verbose)
}

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

// build wires every adapter named in cfg into the driving services.
func build(ctx context.Context, cfg *config.Config, verbose bool) (_ *cli.Services, err error) {
	logger.SetVerbose(verbose || cfg.Logging.Verbose)
	if cfg.Logging.File != "" {
		logger.SetFile(logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
	}

	var cleanup closers
	defer func() {
		if err != nil {
			_ = cleanup.close()
		}
	}()

	shutdownTracing, err := tracer.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	cleanup.add(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	logger.Section("Models")
	models, err := ai.Init(ctx, cfg.Embedding, cfg.Generation)
	if err != nil {
		return nil, err
	}
	cleanup.add(models.Close)

	embedder := services.NewEmbeddingClient(models.Embedding,
		services.WithBatchSize(cfg.Embedding.BatchSize),
		services.WithEmbedConcurrency(cfg.Embedding.Concurrency),
		services.WithRetry(cfg.Embedding.MaxAttempts, cfg.Embedding.InitialBackoff.Duration, cfg.Embedding.MaxBackoff.Duration),
		services.WithCallTimeout(cfg.Embedding.Timeout.Duration),
		services.WithRateLimit(cfg.Embedding.RequestsPerSecond, 1),
		services.WithQueryCacheTTL(cfg.Embedding.QueryCacheTTL.Duration),
	)

	logger.Section("Indexes")
	dims := cfg.Embedding.Dimensions
	if dims == 0 {
		dims = embedder.Dimensions()
	}
	vectors, err := vector.NewRegistry().Open(ctx, cfg.Vector, dims)
	if err != nil {
		return nil, err
	}
	cleanup.add(vectors.Close)
	logger.Info("vector index: %s (dimensions %d)", vectors.Name(), dims)

	keywords, err := openKeywordIndex(cfg.Keyword)
	if err != nil {
		return nil, err
	}
	if keywords != nil {
		cleanup.add(keywords.Close)
		logger.Info("keyword index: %s", cfg.Keyword.Backend)
	}

	logger.Section("Storage")
	var (
		docStore driven.DocumentStore
		mirror   *storagesqlite.SessionMirror
	)
	if cfg.Storage.Path != "" {
		store, err := storagesqlite.NewStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		cleanup.add(store.Close)
		docStore = store.DocumentStore()
		if cfg.Session.Mirror {
			mirror = store.SessionMirror()
		}
		logger.Info("document store: %s", store.Path())
	} else {
		docStore = docmemory.NewDocumentStore()
		if cfg.Session.Mirror {
			logger.Warn("session.mirror needs storage.path; sessions are not mirrored")
		}
	}

	var events driven.EventPublisher = natsevents.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err := natsevents.New(ctx, natsevents.Config{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Stream:        cfg.Events.Stream,
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(pub.Close)
		events = pub
	}

	registry := postprocessors.NewRegistry()
	postprocessors.RegisterDefaults(registry)
	pipeline, err := registry.BuildPipeline(cfg.PipelineConfig())
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	promptStore, err := prompts.New(cfg.Context.PromptDir)
	if err != nil {
		return nil, err
	}

	scorer, err := newScorer(cfg.Rerank)
	if err != nil {
		return nil, err
	}

	retrieverOpts := []services.RetrieverOption{
		services.WithRetrievalTimeout(cfg.Retrieval.Timeout.Duration),
	}
	if keywords != nil {
		retrieverOpts = append(retrieverOpts,
			services.WithKeywordSearch(keywords),
			services.WithDegradeToKeyword(cfg.Retrieval.DegradeToKeyword),
		)
	}
	retriever := services.NewRetriever(embedder, vectors, retrieverOpts...)
	reranker := services.NewReranker(scorer, cfg.Rerank.TopN, cfg.Rerank.FinalK, cfg.Rerank.Timeout.Duration)

	sessionOpts := []services.SessionOption{
		services.WithIdleTimeout(cfg.Session.IdleTimeout.Duration),
		services.WithMaxTurns(cfg.Session.MaxTurns),
		services.WithSweepInterval(cfg.Session.SweepInterval.Duration),
		services.WithTombstoneTTL(cfg.Session.TombstoneTTL.Duration),
	}
	if mirror != nil {
		sessionOpts = append(sessionOpts, services.WithSessionMirror(mirror))
	}
	sessions := services.NewSessionManager(sessionOpts...)
	cleanup.add(sessions.Close)

	chat := services.NewChatService(models.LLM, sessions,
		services.NewContextAssembler(cfg.Context.Budget, cfg.Context.HistoryShare),
		promptStore,
		services.WithRAG(retriever, reranker),
		services.WithRetrievalLimits(cfg.Retrieval.TopK, cfg.Retrieval.CandidatePool),
		services.WithFailurePolicy(cfg.Retrieval.FailurePolicy),
		services.WithMaxMessage(cfg.Context.MaxMessage),
		services.WithGeneration(cfg.Generation.Timeout.Duration, cfg.Generation.MaxTokens, cfg.Generation.Temperature),
		services.WithModels(cfg.Generation.Models),
	)

	svc := &cli.Services{
		Chat:      chat,
		Ingestion: services.NewIngestionService(pipeline, embedder, vectors, keywords, docStore, events),
		Sessions:  sessions,
		Search:    services.NewSearchService(retriever, reranker, cfg.Retrieval.CandidatePool),
		Health: func(ctx context.Context) ([]cli.HealthCheck, error) {
			checks, err := ai.Validate(ctx, cfg)
			out := make([]cli.HealthCheck, 0, len(checks))
			for _, c := range checks {
				out = append(out, cli.HealthCheck{Service: c.Service, Name: c.Name, Err: c.Err})
			}
			return out, err
		},
		Close: cleanup.close,
	}
	if mirror != nil {
		svc.SessionLog = mirror.Events
	}
	return svc, nil
}

// openKeywordIndex returns nil when keyword search is disabled. Every call
// on the returned engine is bounded by cfg.Timeout.
func openKeywordIndex(cfg config.KeywordConfig) (driven.SearchEngine, error) {
	switch cfg.Backend {
	case domain.KeywordBackendNone:
		return nil, nil
	case domain.KeywordBackendMemory:
		return search.WithTimeout(kwmemory.New(), cfg.Timeout.Duration), nil
	case domain.KeywordBackendSQLite:
		e, err := kwsqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return search.WithTimeout(e, cfg.Timeout.Duration), nil
	default:
		return nil, fmt.Errorf("keyword backend %q: %w", cfg.Backend, domain.ErrUnsupportedType)
	}
}

// newScorer returns nil for provider "none", which makes the re-ranker
// truncate the retrieval order.
func newScorer(cfg config.RerankConfig) (driven.RerankScorer, error) {
	switch cfg.Provider {
	case domain.RerankNone:
		return nil, nil
	case domain.RerankLexical:
		return services.LexicalScorer{}, nil
	case domain.RerankHTTP:
		s, err := httprerank.New(httprerank.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("rerank provider %q: %w", cfg.Provider, domain.ErrUnsupportedType)
	}
}
