// Package app wires configuration, stores, and services into a runnable
// application. Commands build an App and pick the pieces they need.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/admission"
	"github.com/askpage/askpage/internal/api"
	"github.com/askpage/askpage/internal/clock/system"
	"github.com/askpage/askpage/internal/config"
	"github.com/askpage/askpage/internal/crawl"
	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/id/uuid"
	"github.com/askpage/askpage/internal/llm"
	"github.com/askpage/askpage/internal/logging"
	"github.com/askpage/askpage/internal/resilience"
	"github.com/askpage/askpage/internal/store/memory"
	mongostore "github.com/askpage/askpage/internal/store/mongo"
	"github.com/askpage/askpage/internal/worker"
)

// App holds the shared service graph.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Jobs       engine.JobStore
	Publishers engine.PublisherStore
	Results    engine.ResultStore
	Breakers   *resilience.Registry
	Limiter    *resilience.Limiter
	Controller *admission.Controller

	clock engine.Clock
	idGen engine.IDGenerator
	mongo *mongostore.Store
	ready func(context.Context) error
}

// New builds the shared graph: logger, stores, resilience primitives, and
// the admission controller. It fails fast when the configured store backend
// is unreachable.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		clock:  system.New(),
		idGen:  uuid.NewGenerator(),
	}

	switch cfg.Store.Backend {
	case "memory":
		s := memory.New()
		a.Jobs, a.Publishers, a.Results = s.Jobs(), s.Publishers(), s.Results()
		logger.Warn("using in-memory store; data is lost on restart")
	case "mongo":
		s, err := mongostore.NewStore(ctx, mongostore.Config{
			URI:      cfg.Store.Mongo.URI,
			Database: cfg.Store.Mongo.Database,
			Timeout:  time.Duration(cfg.Store.Mongo.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		a.mongo = s
		a.ready = s.Ping
		a.Jobs, a.Publishers, a.Results = s.Jobs(), s.Publishers(), s.Results()
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}

	breakerConfigs := make(map[string]resilience.BreakerConfig, len(cfg.Breakers))
	for name, b := range cfg.Breakers {
		breakerConfigs[name] = resilience.BreakerConfig{
			FailMax: b.FailMax,
			Timeout: b.Timeout(),
		}
	}
	a.Breakers = resilience.NewRegistry(
		breakerConfigs,
		resilience.BreakerConfig{FailMax: 5, Timeout: time.Minute},
		a.clock,
		logger,
	)

	limits := make(map[string]resilience.Limit, len(cfg.RateLimit))
	for class, rl := range cfg.RateLimit {
		limits[class] = resilience.Limit{Requests: rl.Requests, Window: rl.Window()}
	}
	a.Limiter = resilience.NewLimiter(limits)

	a.Controller = admission.New(
		a.Publishers, a.Jobs, a.Results,
		a.idGen, a.clock,
		engine.JobConfig{
			QuestionCount:   cfg.Admission.QuestionCount,
			SummaryMaxWords: cfg.Admission.SummaryMaxWords,
			Model:           cfg.Admission.Model,
		},
		logger,
	)

	return a, nil
}

// Server builds the HTTP server over the shared graph.
func (a *App) Server() *api.Server {
	return api.NewServer(
		a.Controller,
		a.Publishers,
		a.Jobs,
		a.Limiter,
		a.ready,
		time.Duration(a.Config.Server.TimeoutSeconds)*time.Second,
		a.Logger,
	)
}

// Pool builds the worker pool. It is separate from New because only the
// work command needs an LLM API key.
func (a *App) Pool() (*worker.Pool, error) {
	client, err := llm.NewClient(llm.Config{
		APIKey:         a.Config.LLM.APIKey,
		Model:          a.Config.LLM.Model,
		EmbeddingModel: a.Config.LLM.EmbeddingModel,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	fetcher := crawl.NewFetcher(crawl.Config{
		UserAgent:    a.Config.Crawler.UserAgent,
		Timeout:      a.Config.Crawler.Timeout(),
		MaxBodyBytes: a.Config.Crawler.MaxBodyBytes,
	}, a.Logger)

	return worker.New(
		a.Jobs, a.Publishers, a.Results,
		fetcher, client,
		a.Breakers,
		a.idGen, a.clock,
		worker.Config{
			Count:         a.Config.Worker.Count,
			PollInterval:  a.Config.Worker.PollInterval(),
			StageTimeout:  a.Config.Worker.StageTimeout(),
			StaleAfter:    a.Config.Worker.StaleAfter(),
			SweepInterval: a.Config.Worker.SweepInterval(),
			MaxAttempts:   a.Config.Worker.MaxAttempts,
		},
		a.Logger,
	), nil
}

// Close releases held resources.
func (a *App) Close(ctx context.Context) {
	if a.mongo != nil {
		if err := a.mongo.Close(ctx); err != nil {
			a.Logger.Warn("store close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
