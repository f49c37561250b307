package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/clock/system"
	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/id/uuid"
	"github.com/askpage/askpage/internal/resilience"
	"github.com/askpage/askpage/internal/store/memory"
)

type fakeCrawler struct {
	mu    sync.Mutex
	page  engine.Page
	err   error
	calls int
}

func (f *fakeCrawler) Fetch(_ context.Context, url string) (engine.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return engine.Page{}, f.err
	}
	page := f.page
	page.URL = url
	return page, nil
}

type fakeLLM struct {
	mu           sync.Mutex
	summaryErr   error
	questionsErr error
	embedErr     error
	calls        []string
}

func (f *fakeLLM) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeLLM) Summarize(context.Context, string, int) (string, error) {
	f.record("summarize")
	return "a short summary", f.summaryErr
}

func (f *fakeLLM) GenerateQuestions(context.Context, string, int) ([]engine.Question, error) {
	f.record("questions")
	if f.questionsErr != nil {
		return nil, f.questionsErr
	}
	return []engine.Question{{Text: "What is this about?", Answer: "Things."}}, nil
}

func (f *fakeLLM) Embed(context.Context, string) ([]float32, error) {
	f.record("embed")
	return []float32{0.1, 0.2}, f.embedErr
}

func testRegistry() *resilience.Registry {
	return resilience.NewRegistry(nil,
		resilience.BreakerConfig{FailMax: 100, Timeout: time.Minute},
		system.New(), zap.NewNop())
}

func newPool(s *memory.Store, crawler engine.Crawler, llm engine.LLMService, cfg Config) *Pool {
	return New(
		s.Jobs(), s.Publishers(), s.Results(),
		crawler, llm,
		testRegistry(),
		uuid.NewGenerator(), system.New(),
		cfg, zap.NewNop(),
	)
}

// seedClaimedJob inserts a publisher with one reserved slot and a claimed job.
func seedClaimedJob(t *testing.T, s *memory.Store) engine.Job {
	t.Helper()
	ctx := context.Background()
	s.SeedPublisher(engine.Publisher{ID: "pub-1", Domain: "example.com", MaxBlogsPerDay: 5, BlogSlotsReserved: 1})
	require.NoError(t, s.Jobs().Insert(ctx, engine.Job{
		ID:          "job-1",
		PublisherID: "pub-1",
		BlogURL:     "https://example.com/post",
		Status:      engine.JobStatusQueued,
		Config:      engine.JobConfig{QuestionCount: 3, SummaryMaxWords: 100},
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}))
	job, err := s.Jobs().ClaimOldest(ctx)
	require.NoError(t, err)
	return job
}

func TestProcessCompletesAndReleasesSlot(t *testing.T) {
	t.Parallel()

	s := memory.New()
	job := seedClaimedJob(t, s)
	crawler := &fakeCrawler{page: engine.Page{Title: "A Post", Text: "body text"}}
	llm := &fakeLLM{}
	p := newPool(s, crawler, llm, Config{})

	p.process(context.Background(), zap.NewNop(), job)

	ctx := context.Background()
	got, err := s.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusCompleted, got.Status)

	set, err := s.Results().GetByBlogURL(ctx, job.BlogURL)
	require.NoError(t, err)
	require.Equal(t, job.ID, set.JobID)
	require.Equal(t, "A Post", set.BlogInfo.Title)
	require.Equal(t, "a short summary", set.Summary)
	require.Len(t, set.Questions, 1)
	require.Len(t, set.Embedding, 2)

	pub, err := s.Publishers().Get(ctx, "pub-1")
	require.NoError(t, err)
	require.Zero(t, pub.BlogSlotsReserved)

	require.ElementsMatch(t, []string{"summarize", "questions", "embed"}, llm.calls)
}

func TestProcessCrawlFailure(t *testing.T) {
	t.Parallel()

	s := memory.New()
	job := seedClaimedJob(t, s)
	crawler := &fakeCrawler{err: errors.New("connection refused")}
	p := newPool(s, crawler, &fakeLLM{}, Config{})

	p.process(context.Background(), zap.NewNop(), job)

	ctx := context.Background()
	got, err := s.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusFailed, got.Status)
	require.Contains(t, got.Error, "crawl")
	require.Contains(t, got.Error, "connection refused")

	// The failure still released the slot.
	pub, err := s.Publishers().Get(ctx, "pub-1")
	require.NoError(t, err)
	require.Zero(t, pub.BlogSlotsReserved)

	_, err = s.Results().GetByBlogURL(ctx, job.BlogURL)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestProcessLLMStageFailure(t *testing.T) {
	t.Parallel()

	s := memory.New()
	job := seedClaimedJob(t, s)
	crawler := &fakeCrawler{page: engine.Page{Title: "A Post", Text: "body"}}
	llm := &fakeLLM{questionsErr: errors.New("model overloaded")}
	p := newPool(s, crawler, llm, Config{})

	p.process(context.Background(), zap.NewNop(), job)

	got, err := s.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusFailed, got.Status)
	require.Contains(t, got.Error, "questions")

	pub, err := s.Publishers().Get(context.Background(), "pub-1")
	require.NoError(t, err)
	require.Zero(t, pub.BlogSlotsReserved)
}

func TestProcessSkipsEmptyContent(t *testing.T) {
	t.Parallel()

	s := memory.New()
	job := seedClaimedJob(t, s)
	crawler := &fakeCrawler{page: engine.Page{Title: "A Post", Text: "   "}}
	llm := &fakeLLM{}
	p := newPool(s, crawler, llm, Config{})

	p.process(context.Background(), zap.NewNop(), job)

	got, err := s.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusSkipped, got.Status)
	require.Empty(t, llm.calls)

	pub, err := s.Publishers().Get(context.Background(), "pub-1")
	require.NoError(t, err)
	require.Zero(t, pub.BlogSlotsReserved)
}

// barrierLLM only returns once all three generation calls have started, so
// the test fails if the pipeline runs them sequentially.
type barrierLLM struct {
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newBarrierLLM() *barrierLLM {
	return &barrierLLM{release: make(chan struct{})}
}

func (b *barrierLLM) wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == 3 {
		close(b.release)
	}
	b.mu.Unlock()
	select {
	case <-b.release:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("generation calls did not overlap")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *barrierLLM) Summarize(ctx context.Context, _ string, _ int) (string, error) {
	return "summary", b.wait(ctx)
}

func (b *barrierLLM) GenerateQuestions(ctx context.Context, _ string, _ int) ([]engine.Question, error) {
	return []engine.Question{{Text: "Q", Answer: "A"}}, b.wait(ctx)
}

func (b *barrierLLM) Embed(ctx context.Context, _ string) ([]float32, error) {
	return []float32{1}, b.wait(ctx)
}

func TestProcessRunsGenerationInParallel(t *testing.T) {
	t.Parallel()

	s := memory.New()
	job := seedClaimedJob(t, s)
	crawler := &fakeCrawler{page: engine.Page{Title: "A Post", Text: "body"}}
	p := newPool(s, crawler, newBarrierLLM(), Config{StageTimeout: 5 * time.Second})

	p.process(context.Background(), zap.NewNop(), job)

	got, err := s.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusCompleted, got.Status)
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()
	s.SeedPublisher(engine.Publisher{ID: "pub-1", Domain: "example.com", MaxBlogsPerDay: 5, BlogSlotsReserved: 2})
	for _, id := range []string{"job-a", "job-b"} {
		require.NoError(t, s.Jobs().Insert(ctx, engine.Job{
			ID:          id,
			PublisherID: "pub-1",
			BlogURL:     "https://example.com/" + id,
			Status:      engine.JobStatusQueued,
			Config:      engine.JobConfig{QuestionCount: 3},
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}))
	}

	crawler := &fakeCrawler{page: engine.Page{Title: "T", Text: "body"}}
	p := newPool(s, crawler, &fakeLLM{}, Config{Count: 2, PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		p.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		a, errA := s.Jobs().Get(ctx, "job-a")
		b, errB := s.Jobs().Get(ctx, "job-b")
		return errA == nil && errB == nil &&
			a.Status == engine.JobStatusCompleted && b.Status == engine.JobStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	pub, err := s.Publishers().Get(ctx, "pub-1")
	require.NoError(t, err)
	require.Zero(t, pub.BlogSlotsReserved)
}
