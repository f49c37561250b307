// Package worker implements the background processing pool: cooperative
// polling loops that claim queued jobs and run the crawl → generate →
// persist pipeline, plus the staleness sweep that rescues jobs stranded by
// a crashed worker.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/resilience"
	"github.com/askpage/askpage/internal/telemetry"
)

// Breaker names for the downstream dependencies the pipeline calls.
const (
	breakerCrawler       = "crawler"
	breakerLLM           = "llm_service"
	breakerDocumentStore = "document_store"
)

// Config controls pool behavior.
type Config struct {
	// Count is the number of polling loops.
	Count int
	// PollInterval is the idle wait between queue scans.
	PollInterval time.Duration
	// StageTimeout bounds each crawl/LLM/persist invocation. It is distinct
	// from and shorter than the breakers' open timeouts; a timeout counts
	// as a breaker failure.
	StageTimeout time.Duration
	// StaleAfter is the processing age past which the sweep reclaims a job.
	StaleAfter time.Duration
	// SweepInterval is the period of the staleness sweep.
	SweepInterval time.Duration
	// MaxAttempts fails a job instead of requeueing it again.
	MaxAttempts int
}

// Pool consumes queued jobs and executes the pipeline.
type Pool struct {
	jobs       engine.JobStore
	publishers engine.PublisherStore
	results    engine.ResultStore
	crawler    engine.Crawler
	llm        engine.LLMService
	breakers   *resilience.Registry
	idGen      engine.IDGenerator
	clock      engine.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Pool.
func New(
	jobs engine.JobStore,
	publishers engine.PublisherStore,
	results engine.ResultStore,
	crawler engine.Crawler,
	llm engine.LLMService,
	breakers *resilience.Registry,
	idGen engine.IDGenerator,
	clock engine.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	return &Pool{
		jobs:       jobs,
		publishers: publishers,
		results:    results,
		crawler:    crawler,
		llm:        llm,
		breakers:   breakers,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, polling for jobs until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.poll(ctx, p.logger.With(zap.Int("worker", n)))
		}(i)
	}
	if p.cfg.SweepInterval > 0 && p.cfg.StaleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sweep(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) poll(ctx context.Context, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.jobs.ClaimOldest(ctx)
		if errors.Is(err, engine.ErrNotFound) {
			p.idle(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", zap.Error(err))
			p.idle(ctx)
			continue
		}
		p.process(ctx, logger, job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

// process runs one claimed job to a terminal state. A stage failure marks
// the job failed and never escapes, so one bad job cannot poison the loop.
func (p *Pool) process(ctx context.Context, logger *zap.Logger, job engine.Job) {
	logger = logger.With(zap.String("job_id", job.ID), zap.String("blog_url", job.BlogURL))
	logger.Info("job claimed", zap.Int("attempt", job.Attempts))

	var page engine.Page
	err := p.stage(ctx, breakerCrawler, "crawl", func(ctx context.Context) error {
		var ferr error
		page, ferr = p.crawler.Fetch(ctx, job.BlogURL)
		return ferr
	})
	if err != nil {
		p.finish(ctx, logger, job, engine.JobStatusFailed, err.Error())
		return
	}
	if strings.TrimSpace(page.Text) == "" {
		p.finish(ctx, logger, job, engine.JobStatusSkipped, "no extractable article text")
		return
	}

	// The three generation calls are independent given the crawled text;
	// running them sequentially would roughly triple latency.
	var (
		summary   string
		questions []engine.Question
		embedding []float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.stage(gctx, breakerLLM, "summarize", func(ctx context.Context) error {
			var serr error
			summary, serr = p.llm.Summarize(ctx, page.Text, job.Config.SummaryMaxWords)
			return serr
		})
	})
	g.Go(func() error {
		return p.stage(gctx, breakerLLM, "questions", func(ctx context.Context) error {
			var qerr error
			questions, qerr = p.llm.GenerateQuestions(ctx, page.Text, job.Config.QuestionCount)
			return qerr
		})
	})
	g.Go(func() error {
		return p.stage(gctx, breakerLLM, "embed", func(ctx context.Context) error {
			var eerr error
			embedding, eerr = p.llm.Embed(ctx, page.Text)
			return eerr
		})
	})
	if err := g.Wait(); err != nil {
		p.finish(ctx, logger, job, engine.JobStatusFailed, err.Error())
		return
	}

	setID, err := p.idGen.NewID()
	if err != nil {
		p.finish(ctx, logger, job, engine.JobStatusFailed, "generate result id: "+err.Error())
		return
	}
	set := engine.QuestionSet{
		ID:          setID,
		BlogURL:     job.BlogURL,
		PublisherID: job.PublisherID,
		JobID:       job.ID,
		BlogInfo:    engine.BlogInfo{URL: job.BlogURL, Title: page.Title},
		Questions:   questions,
		Summary:     summary,
		Embedding:   embedding,
		CreatedAt:   p.clock.Now(),
	}
	err = p.stage(ctx, breakerDocumentStore, "persist", func(ctx context.Context) error {
		return p.results.Save(ctx, set)
	})
	if err != nil {
		p.finish(ctx, logger, job, engine.JobStatusFailed, err.Error())
		return
	}

	p.finish(ctx, logger, job, engine.JobStatusCompleted, "")
}

// stage wraps one pipeline step in its circuit breaker, the per-call
// timeout, and metrics.
func (p *Pool) stage(ctx context.Context, breaker, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := p.breakers.Do(ctx, breaker, func(ctx context.Context) error {
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
		return fn(stageCtx)
	})
	telemetry.ObservePipelineStage(name, time.Since(start), err)
	if err != nil {
		return &engine.PipelineStageError{Stage: name, Err: err}
	}
	return nil
}

// finish applies the terminal transition and releases the quota slot. The
// conditional MarkTerminal makes the release happen exactly once even if the
// sweep or another worker raced us.
func (p *Pool) finish(ctx context.Context, logger *zap.Logger, job engine.Job, status engine.JobStatus, errText string) {
	err := p.jobs.MarkTerminal(ctx, job.ID, status, errText)
	if errors.Is(err, engine.ErrNotFound) {
		logger.Warn("job already terminal", zap.String("status", string(status)))
		return
	}
	if err != nil {
		// The job stays active; the staleness sweep will reclaim it.
		logger.Error("terminal transition failed", zap.Error(err))
		return
	}
	telemetry.ObserveJobTerminal(string(status))
	p.releaseSlot(ctx, logger, job.PublisherID)

	if status == engine.JobStatusCompleted {
		logger.Info("job completed")
		return
	}
	logger.Warn("job finished without results",
		zap.String("status", string(status)),
		zap.String("error", errText),
	)
}

func (p *Pool) releaseSlot(ctx context.Context, logger *zap.Logger, publisherID string) {
	err := p.publishers.ReleaseSlot(ctx, publisherID)
	if err == nil {
		return
	}
	var violation *engine.InvariantViolationError
	if errors.As(err, &violation) {
		telemetry.ObserveInvariantViolation()
		logger.Error("quota underflow on release", zap.String("publisher_id", publisherID), zap.Error(err))
		return
	}
	logger.Error("slot release failed", zap.String("publisher_id", publisherID), zap.Error(err))
}
