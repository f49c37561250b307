// Package memory provides in-memory store implementations for tests and
// single-process deployments. All conditional updates run under one mutex,
// giving the same atomicity the mongo backend gets from single-document
// conditional updates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/askpage/askpage/internal/clock/system"
	"github.com/askpage/askpage/internal/engine"
)

// Store holds the shared state behind the per-collection views.
type Store struct {
	mu         sync.Mutex
	clock      engine.Clock
	jobs       map[string]engine.Job
	publishers map[string]engine.Publisher
	results    map[string]engine.QuestionSet // keyed by normalized blog URL
}

// New constructs an empty Store on the system clock.
func New() *Store {
	return NewWithClock(system.New())
}

// NewWithClock constructs an empty Store stamping updated_at from the given
// clock, so staleness tests control time entirely.
func NewWithClock(clock engine.Clock) *Store {
	return &Store{
		clock:      clock,
		jobs:       make(map[string]engine.Job),
		publishers: make(map[string]engine.Publisher),
		results:    make(map[string]engine.QuestionSet),
	}
}

// Jobs returns the engine.JobStore view.
func (s *Store) Jobs() *JobStore { return &JobStore{s: s} }

// Publishers returns the engine.PublisherStore view.
func (s *Store) Publishers() *PublisherStore { return &PublisherStore{s: s} }

// Results returns the engine.ResultStore view.
func (s *Store) Results() *ResultStore { return &ResultStore{s: s} }

// SeedPublisher inserts or replaces a publisher record.
func (s *Store) SeedPublisher(p engine.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers[p.ID] = p
}

// JobStore implements engine.JobStore.
type JobStore struct {
	s *Store
}

// Insert stores a new job, enforcing the at-most-one-active-job key.
func (j *JobStore) Insert(_ context.Context, job engine.Job) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	for _, existing := range j.s.jobs {
		if existing.Active && existing.PublisherID == job.PublisherID && existing.BlogURL == job.BlogURL {
			return engine.ErrDuplicateJob
		}
	}
	job.Active = job.Status.Active()
	j.s.jobs[job.ID] = job
	return nil
}

// Get loads one job by id.
func (j *JobStore) Get(_ context.Context, id string) (engine.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok {
		return engine.Job{}, engine.ErrNotFound
	}
	return job, nil
}

// FindActive returns the queued or processing job for the key.
func (j *JobStore) FindActive(_ context.Context, publisherID, blogURL string) (engine.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	for _, job := range j.s.jobs {
		if job.Active && job.PublisherID == publisherID && job.BlogURL == blogURL {
			return job, nil
		}
	}
	return engine.Job{}, engine.ErrNotFound
}

// ListActive returns active jobs for the key ordered by creation time.
func (j *JobStore) ListActive(_ context.Context, publisherID, blogURL string) ([]engine.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var out []engine.Job
	for _, job := range j.s.jobs {
		if job.Active && job.PublisherID == publisherID && job.BlogURL == blogURL {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

// Delete removes a job by id.
func (j *JobStore) Delete(_ context.Context, id string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, ok := j.s.jobs[id]; !ok {
		return engine.ErrNotFound
	}
	delete(j.s.jobs, id)
	return nil
}

// ClaimOldest atomically claims the oldest queued job.
func (j *JobStore) ClaimOldest(_ context.Context) (engine.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var oldest *engine.Job
	for id := range j.s.jobs {
		job := j.s.jobs[id]
		if job.Status != engine.JobStatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			copied := job
			oldest = &copied
		}
	}
	if oldest == nil {
		return engine.Job{}, engine.ErrNotFound
	}
	oldest.Status = engine.JobStatusProcessing
	oldest.Attempts++
	oldest.UpdatedAt = j.s.clock.Now()
	j.s.jobs[oldest.ID] = *oldest
	return *oldest, nil
}

// MarkTerminal conditionally finishes an active job.
func (j *JobStore) MarkTerminal(_ context.Context, id string, status engine.JobStatus, errText string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok || !job.Status.Active() {
		return engine.ErrNotFound
	}
	job.Status = status
	job.Active = false
	job.Error = errText
	job.UpdatedAt = j.s.clock.Now()
	j.s.jobs[id] = job
	return nil
}

// RequeueStale returns stale processing jobs to queued.
func (j *JobStore) RequeueStale(_ context.Context, cutoff time.Time) ([]engine.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var requeued []engine.Job
	for id, job := range j.s.jobs {
		if job.Status != engine.JobStatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.Status = engine.JobStatusQueued
		job.UpdatedAt = j.s.clock.Now()
		j.s.jobs[id] = job
		requeued = append(requeued, job)
	}
	return requeued, nil
}

// PublisherStore implements engine.PublisherStore.
type PublisherStore struct {
	s *Store
}

// GetByAPIKey resolves a credential to a publisher.
func (p *PublisherStore) GetByAPIKey(_ context.Context, apiKey string) (engine.Publisher, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if apiKey == "" {
		return engine.Publisher{}, engine.ErrNotFound
	}
	for _, pub := range p.s.publishers {
		if pub.APIKey == apiKey {
			return pub, nil
		}
	}
	return engine.Publisher{}, engine.ErrNotFound
}

// Get loads a publisher by id.
func (p *PublisherStore) Get(_ context.Context, id string) (engine.Publisher, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pub, ok := p.s.publishers[id]
	if !ok {
		return engine.Publisher{}, engine.ErrNotFound
	}
	return pub, nil
}

// ReserveSlot atomically reserves one quota slot if any remain.
func (p *PublisherStore) ReserveSlot(_ context.Context, publisherID string) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pub, ok := p.s.publishers[publisherID]
	if !ok {
		return false, engine.ErrNotFound
	}
	if pub.BlogSlotsReserved >= pub.MaxBlogsPerDay {
		return false, nil
	}
	pub.BlogSlotsReserved++
	p.s.publishers[publisherID] = pub
	return true, nil
}

// ReleaseSlot returns one quota slot, clamping at zero.
func (p *PublisherStore) ReleaseSlot(_ context.Context, publisherID string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pub, ok := p.s.publishers[publisherID]
	if !ok {
		return engine.ErrNotFound
	}
	if pub.BlogSlotsReserved == 0 {
		return &engine.InvariantViolationError{
			Detail: "release at zero reserved slots for publisher " + publisherID,
		}
	}
	pub.BlogSlotsReserved--
	p.s.publishers[publisherID] = pub
	return nil
}

// ResultStore implements engine.ResultStore.
type ResultStore struct {
	s *Store
}

// GetByBlogURL returns the question set for a normalized URL.
func (r *ResultStore) GetByBlogURL(_ context.Context, blogURL string) (engine.QuestionSet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	set, ok := r.s.results[blogURL]
	if !ok {
		return engine.QuestionSet{}, engine.ErrNotFound
	}
	return set, nil
}

// Save writes the question set for a completed job.
func (r *ResultStore) Save(_ context.Context, set engine.QuestionSet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.results[set.BlogURL] = set
	return nil
}
