package engine

import (
	"context"
	"time"
)

// JobStore persists Jobs. Implementations must make Claim and the terminal
// transitions single conditional updates; that is the only concurrency
// contract the worker pool relies on.
type JobStore interface {
	// Insert stores a new job. Returns ErrDuplicateJob when an active job
	// for the same (publisher, blog URL) key already exists and the backend
	// can detect it at insert time.
	Insert(ctx context.Context, job Job) error
	// Get loads one job by id or returns ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// FindActive returns the queued or processing job for the key, or
	// ErrNotFound.
	FindActive(ctx context.Context, publisherID, blogURL string) (Job, error)
	// ListActive returns every active job for the key ordered by creation
	// time ascending. Used by the admission re-check after insert.
	ListActive(ctx context.Context, publisherID, blogURL string) ([]Job, error)
	// Delete removes a job by id. Used only to discard the loser of the
	// admission insert race.
	Delete(ctx context.Context, id string) error
	// ClaimOldest atomically transitions the oldest queued job to
	// processing and returns it, or ErrNotFound when nothing is queued.
	ClaimOldest(ctx context.Context) (Job, error)
	// MarkTerminal conditionally moves an active job to a terminal status,
	// recording errText for failed/skipped outcomes. Returns ErrNotFound
	// when the job is missing or already terminal, so callers can release
	// the quota slot exactly once.
	MarkTerminal(ctx context.Context, id string, status JobStatus, errText string) error
	// RequeueStale returns processing jobs untouched since the cutoff to
	// queued and reports them, so the sweep can decide their fate.
	RequeueStale(ctx context.Context, cutoff time.Time) ([]Job, error)
}

// PublisherStore resolves credentials and owns the quota ledger. ReserveSlot
// and ReleaseSlot must be single atomic conditional updates against the
// publisher record; no read-then-write window is permitted.
type PublisherStore interface {
	// GetByAPIKey resolves a credential to a publisher or returns ErrNotFound.
	GetByAPIKey(ctx context.Context, apiKey string) (Publisher, error)
	// Get loads a publisher by id or returns ErrNotFound.
	Get(ctx context.Context, id string) (Publisher, error)
	// ReserveSlot increments blog_slots_reserved if it is below the daily
	// maximum. Returns false with no mutation when the quota is exhausted.
	ReserveSlot(ctx context.Context, publisherID string) (bool, error)
	// ReleaseSlot decrements blog_slots_reserved, clamping at zero. A
	// decrement attempt at zero returns an InvariantViolationError that
	// callers log rather than surface.
	ReleaseSlot(ctx context.Context, publisherID string) error
}

// ResultStore holds generated question sets keyed by normalized blog URL.
type ResultStore interface {
	// GetByBlogURL returns the question set for the URL or ErrNotFound.
	GetByBlogURL(ctx context.Context, blogURL string) (QuestionSet, error)
	// Save writes the question set for a completed job.
	Save(ctx context.Context, set QuestionSet) error
}

// Crawler fetches a blog post and extracts its readable content.
type Crawler interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// LLMService is the language-model collaborator. The three calls are
// independent given the crawled text and are run in parallel by the worker.
type LLMService interface {
	Summarize(ctx context.Context, text string, maxWords int) (string, error)
	GenerateQuestions(ctx context.Context, text string, n int) ([]Question, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
