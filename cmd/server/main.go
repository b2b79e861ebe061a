package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/banking/aml-agents/internal/agents"
	"github.com/banking/aml-agents/internal/alerts"
	"github.com/banking/aml-agents/internal/api"
	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/events"
	"github.com/banking/aml-agents/internal/inference"
	"github.com/banking/aml-agents/internal/patterns"
	"github.com/banking/aml-agents/internal/pkg/logger"
	"github.com/banking/aml-agents/internal/pkg/metrics"
	"github.com/banking/aml-agents/internal/pkg/telemetry"
	"github.com/banking/aml-agents/internal/repository/postgres"
	redisrepo "github.com/banking/aml-agents/internal/repository/redis"
	"github.com/banking/aml-agents/internal/repository/s3"
	"github.com/banking/aml-agents/internal/retrieval"
	"github.com/banking/aml-agents/internal/rules"
	"github.com/banking/aml-agents/internal/screening"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	lg, err := logger.New(cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, cfg.Telemetry.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing and metrics
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		lg.Fatal("failed to set up tracing", logger.ErrorField(err))
	}
	collector := metrics.New(lg)
	metricsServer := collector.StartServer(fmt.Sprintf(":%d", cfg.Server.MetricsPort))

	// 4. Rules and pattern detection
	ruleEngine, err := rules.NewEngine(&cfg.Rules, lg)
	if err != nil {
		lg.Fatal("failed to create rules engine", logger.ErrorField(err))
	}
	if rs, _, err := ruleEngine.LoadFile(cfg.Rules.Path); err != nil {
		lg.Warn("starting without rules", logger.StringField("path", cfg.Rules.Path), logger.ErrorField(err))
	} else {
		collector.SetRuleSetVersion(rs.Version)
	}
	patternEngine := patterns.NewEngine(&cfg.Patterns, lg)

	// 5. Inference provider behind circuit breakers
	ollama := inference.NewOllamaClient(cfg.Agents.ProviderURL, cfg.Agents.EmbeddingModel)
	provider := inference.NewBreakerProvider(ollama, "inference", &cfg.Agents, lg)
	embedder := inference.NewBreakerEmbedder(ollama, "embeddings", &cfg.Agents, lg)

	// 6. Knowledge base
	index := buildIndex(ctx, cfg, embedder, lg)

	// 7. Agents
	l1 := agents.NewLLMAgent(domain.RoleL1, cfg.Agents.L1Model, provider, cfg.Agents.CallTimeout)
	l2 := agents.NewLLMAgent(domain.RoleL2, cfg.Agents.L2Model, provider, cfg.Agents.CallTimeout)
	rag := agents.NewRAGAgent(index, provider, cfg.Agents.RAGModel, cfg.Agents.ContextTopK, cfg.Agents.CallTimeout)
	opts := []agents.Option{
		agents.WithL2(l2),
		agents.WithContextProvider(rag),
		agents.WithRecorder(collector),
	}
	if cfg.Agents.RAGAssessment {
		opts = append(opts, agents.WithSpecialist(rag))
	}
	orchestrator, err := agents.NewOrchestrator(&cfg.Agents, l1, lg, opts...)
	if err != nil {
		lg.Fatal("failed to create orchestrator", logger.ErrorField(err))
	}

	// 8. Alerts and cases
	alertRepo, caseRepo, closeStore := buildStores(ctx, cfg, lg)
	defer closeStore()

	managerOpts := []alerts.ManagerOption{alerts.WithRecorder(collector)}
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(ctx, cfg.Redis)
		if err != nil {
			lg.Fatal("failed to connect to redis", logger.ErrorField(err))
		}
		defer client.Close()
		managerOpts = append(managerOpts, alerts.WithTriggerIndex(redisrepo.NewTriggerIndex(client, cfg.Redis)))
	}
	if cfg.Kafka.Enabled {
		producer, err := events.NewAlertProducer(cfg.Kafka)
		if err != nil {
			lg.Fatal("failed to create alert producer", logger.ErrorField(err))
		}
		publisher := events.NewAlertPublisher(producer, cfg.Kafka.AlertsTopic)
		defer publisher.Close()
		managerOpts = append(managerOpts, alerts.WithNotifier(publisher))
	}
	alertManager, err := alerts.NewAlertManager(alertRepo, &cfg.Alerts, lg, managerOpts...)
	if err != nil {
		lg.Fatal("failed to create alert manager", logger.ErrorField(err))
	}

	var archiver alerts.Archiver
	if cfg.Storage.Enabled {
		s3Archiver, err := s3.NewArchiver(ctx, cfg.Storage)
		if err != nil {
			lg.Fatal("failed to initialize case archive", logger.ErrorField(err))
		}
		archiver = s3Archiver
	}
	caseManager := alerts.NewCaseManager(caseRepo, alertManager, archiver, lg)

	// 9. Screening pipeline
	engine := screening.NewEngine(ruleEngine, patternEngine, orchestrator, alertManager, collector, &cfg.Screening, lg)

	// 10. Kafka consumer
	if cfg.Kafka.Enabled {
		consumer, err := events.NewTransactionConsumer(cfg.Kafka, engine, lg)
		if err != nil {
			lg.Fatal("failed to create kafka consumer", logger.ErrorField(err))
		}
		defer consumer.Close()
		go func() {
			lg.Info("starting kafka consumer loop")
			if err := consumer.Start(ctx); err != nil {
				lg.Error("kafka consumer failed", logger.ErrorField(err))
			}
		}()
	}

	// 11. HTTP API
	handler := api.NewHandler(engine, orchestrator, alertManager, caseManager, ruleEngine, collector, patternEngine, lg)
	e := api.NewServer(cfg, handler, engine, lg)
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("shutting down the server", logger.ErrorField(err))
		}
	}()
	lg.Info("server started", logger.StringField("addr", serverAddr))

	// Wait for interrupt signal to gracefully shutdown the server with a timeout
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown failed", logger.ErrorField(err))
	}
	if err := collector.Shutdown(shutdownCtx, metricsServer); err != nil {
		lg.Error("metrics shutdown failed", logger.ErrorField(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		lg.Error("tracer shutdown failed", logger.ErrorField(err))
	}

	lg.Info("server exited properly")
}

// buildIndex loads the knowledge base. A missing or invalid file leaves the
// index empty; context requests then return no documents.
func buildIndex(ctx context.Context, cfg *config.Config, embedder retrieval.Embedder, lg *logger.Logger) *retrieval.Index {
	var opts []retrieval.Option
	if cfg.Retrieval.EmbedOnLoad {
		opts = append(opts, retrieval.WithEmbedder(embedder))
	}

	docs, diags, err := retrieval.LoadKnowledgeFile(cfg.Retrieval.KnowledgeBasePath)
	if err != nil {
		lg.Warn("knowledge base not loaded", logger.StringField("path", cfg.Retrieval.KnowledgeBasePath), logger.ErrorField(err))
	}
	for _, d := range diags {
		lg.Warn("knowledge entry rejected", logger.StringField("item", d.Item), logger.StringField("reason", d.Reason))
	}

	if cfg.Retrieval.ElasticEnabled {
		es, err := retrieval.NewElasticSearcher(cfg.Retrieval)
		if err != nil {
			lg.Warn("elasticsearch unavailable, using in-memory keyword search", logger.ErrorField(err))
		} else if err := es.IndexDocuments(ctx, docs); err != nil {
			lg.Warn("failed to index knowledge base in elasticsearch", logger.ErrorField(err))
		} else {
			opts = append(opts, retrieval.WithKeywordSearcher(es))
		}
	}

	index := retrieval.NewIndex(lg, opts...)
	index.Replace(ctx, docs, cfg.Retrieval.EmbedOnLoad)
	lg.Info("knowledge base loaded", logger.IntField("documents", index.Len()))
	return index
}

// buildStores returns Postgres repositories when enabled, otherwise the in-memory store
func buildStores(ctx context.Context, cfg *config.Config, lg *logger.Logger) (alerts.AlertRepository, alerts.CaseRepository, func()) {
	if !cfg.Database.Enabled {
		store := alerts.NewMemoryStore()
		lg.Warn("database disabled, alerts and cases are kept in memory")
		return store, store, func() {}
	}
	store, err := postgres.NewStore(ctx, cfg.Database)
	if err != nil {
		lg.Fatal("failed to connect to postgres", logger.ErrorField(err))
	}
	if err := store.EnsureSchema(ctx); err != nil {
		lg.Fatal("failed to prepare schema", logger.ErrorField(err))
	}
	return store, store, store.Close
}
