package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askpage/askpage/internal/engine"
)

// settableClock drives updated_at stamps without touching the wall clock.
type settableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *settableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *settableClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func newJob(id, publisherID, url string, created time.Time) engine.Job {
	return engine.Job{
		ID:          id,
		PublisherID: publisherID,
		BlogURL:     url,
		Status:      engine.JobStatusQueued,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestInsertRejectsDuplicateActiveJob(t *testing.T) {
	t.Parallel()

	jobs := New().Jobs()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, jobs.Insert(ctx, newJob("a", "pub-1", "https://example.com/p", now)))
	err := jobs.Insert(ctx, newJob("b", "pub-1", "https://example.com/p", now))
	require.ErrorIs(t, err, engine.ErrDuplicateJob)

	// A different key is unaffected.
	require.NoError(t, jobs.Insert(ctx, newJob("c", "pub-1", "https://example.com/q", now)))
}

func TestInsertAllowedAfterTerminal(t *testing.T) {
	t.Parallel()

	jobs := New().Jobs()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, jobs.Insert(ctx, newJob("a", "pub-1", "https://example.com/p", now)))
	_, err := jobs.ClaimOldest(ctx)
	require.NoError(t, err)
	require.NoError(t, jobs.MarkTerminal(ctx, "a", engine.JobStatusFailed, "crawl failed"))

	// Resubmission creates a fresh queued job with no cooldown.
	require.NoError(t, jobs.Insert(ctx, newJob("b", "pub-1", "https://example.com/p", now)))
}

func TestClaimOldestOrderAndExhaustion(t *testing.T) {
	t.Parallel()

	jobs := New().Jobs()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, jobs.Insert(ctx, newJob("newer", "pub-1", "https://example.com/b", base.Add(time.Second))))
	require.NoError(t, jobs.Insert(ctx, newJob("older", "pub-1", "https://example.com/a", base)))

	first, err := jobs.ClaimOldest(ctx)
	require.NoError(t, err)
	require.Equal(t, "older", first.ID)
	require.Equal(t, engine.JobStatusProcessing, first.Status)
	require.Equal(t, 1, first.Attempts)

	second, err := jobs.ClaimOldest(ctx)
	require.NoError(t, err)
	require.Equal(t, "newer", second.ID)

	_, err = jobs.ClaimOldest(ctx)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestClaimOldestConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	jobs := New().Jobs()
	ctx := context.Background()
	require.NoError(t, jobs.Insert(ctx, newJob("only", "pub-1", "https://example.com/p", time.Now().UTC())))

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job, err := jobs.ClaimOldest(ctx); err == nil {
				wins <- job.ID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var claimed []string
	for id := range wins {
		claimed = append(claimed, id)
	}
	require.Len(t, claimed, 1)
}

func TestMarkTerminalOnlyOnce(t *testing.T) {
	t.Parallel()

	jobs := New().Jobs()
	ctx := context.Background()
	require.NoError(t, jobs.Insert(ctx, newJob("a", "pub-1", "https://example.com/p", time.Now().UTC())))
	_, err := jobs.ClaimOldest(ctx)
	require.NoError(t, err)

	require.NoError(t, jobs.MarkTerminal(ctx, "a", engine.JobStatusCompleted, ""))
	// A second terminal transition is rejected, so the slot release runs once.
	require.ErrorIs(t, jobs.MarkTerminal(ctx, "a", engine.JobStatusFailed, "late"), engine.ErrNotFound)
}

func TestRequeueStale(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &settableClock{now: base}
	jobs := NewWithClock(clock).Jobs()
	ctx := context.Background()

	require.NoError(t, jobs.Insert(ctx, newJob("stuck", "pub-1", "https://example.com/p", base.Add(-time.Hour))))
	claimed, err := jobs.ClaimOldest(ctx)
	require.NoError(t, err)
	require.Equal(t, "stuck", claimed.ID)
	// The claim stamped updated_at from the injected clock, not the wall
	// clock.
	require.Equal(t, base, claimed.UpdatedAt)

	// Nothing stale yet: the claim just refreshed updated_at.
	requeued, err := jobs.RequeueStale(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, requeued)

	requeued, err = jobs.RequeueStale(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, requeued, 1)

	job, err := jobs.Get(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusQueued, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestReserveSlotBoundary(t *testing.T) {
	t.Parallel()

	s := New()
	s.SeedPublisher(engine.Publisher{ID: "pub-1", MaxBlogsPerDay: 3})
	pubs := s.Publishers()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := pubs.ReserveSlot(ctx, "pub-1")
		require.NoError(t, err)
		require.True(t, ok, "reservation %d", i+1)
	}

	ok, err := pubs.ReserveSlot(ctx, "pub-1")
	require.NoError(t, err)
	require.False(t, ok)

	p, err := pubs.Get(ctx, "pub-1")
	require.NoError(t, err)
	require.Equal(t, 3, p.BlogSlotsReserved)
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	t.Parallel()

	s := New()
	s.SeedPublisher(engine.Publisher{ID: "pub-1", MaxBlogsPerDay: 3, BlogSlotsReserved: 1})
	pubs := s.Publishers()
	ctx := context.Background()

	require.NoError(t, pubs.ReleaseSlot(ctx, "pub-1"))

	err := pubs.ReleaseSlot(ctx, "pub-1")
	var violation *engine.InvariantViolationError
	require.ErrorAs(t, err, &violation)

	p, err := pubs.Get(ctx, "pub-1")
	require.NoError(t, err)
	require.Zero(t, p.BlogSlotsReserved)
}

func TestReserveSlotConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	s.SeedPublisher(engine.Publisher{ID: "pub-1", MaxBlogsPerDay: 5})
	pubs := s.Publishers()
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	granted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := pubs.ReserveSlot(ctx, "pub-1"); err == nil && ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	require.Equal(t, 5, count)
}

func TestResultsRoundTrip(t *testing.T) {
	t.Parallel()

	results := New().Results()
	ctx := context.Background()

	_, err := results.GetByBlogURL(ctx, "https://example.com/p")
	require.ErrorIs(t, err, engine.ErrNotFound)

	set := engine.QuestionSet{
		ID:      "set-1",
		BlogURL: "https://example.com/p",
		Questions: []engine.Question{
			{Text: "What is covered?", Answer: "The basics."},
		},
	}
	require.NoError(t, results.Save(ctx, set))

	got, err := results.GetByBlogURL(ctx, "https://example.com/p")
	require.NoError(t, err)
	require.Equal(t, "set-1", got.ID)
	require.Len(t, got.Questions, 1)
}
