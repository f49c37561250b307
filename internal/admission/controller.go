// Package admission implements the check-and-load decision: serve cached
// results, report an in-flight job, or admit a new one under the publisher's
// quota. It is the only writer of quota reservations on the request path.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/telemetry"
)

// ProcessingStatus classifies an admission outcome.
type ProcessingStatus string

// Outcome statuses returned to the widget.
const (
	StatusReady      ProcessingStatus = "ready"
	StatusProcessing ProcessingStatus = "processing"
	StatusNotStarted ProcessingStatus = "not_started"
)

// Messages shown to polling clients.
const (
	msgQueued     = "Your questions are queued - check back shortly"
	msgProcessing = "Still processing - check back in a few seconds"
	msgStarted    = "Processing started - check back in 30-60 seconds"
)

// Outcome is the result of one check-and-load call.
type Outcome struct {
	Status    ProcessingStatus
	JobID     string
	Message   string
	Questions []engine.Question
	BlogInfo  engine.BlogInfo
}

// Controller composes the stores into the admission decision.
type Controller struct {
	publishers engine.PublisherStore
	jobs       engine.JobStore
	results    engine.ResultStore
	idGen      engine.IDGenerator
	clock      engine.Clock
	jobConfig  engine.JobConfig
	logger     *zap.Logger
}

// New constructs a Controller. jobConfig is snapshotted onto each admitted
// job so later configuration changes do not alter queued work.
func New(
	publishers engine.PublisherStore,
	jobs engine.JobStore,
	results engine.ResultStore,
	idGen engine.IDGenerator,
	clock engine.Clock,
	jobConfig engine.JobConfig,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		publishers: publishers,
		jobs:       jobs,
		results:    results,
		idGen:      idGen,
		clock:      clock,
		jobConfig:  jobConfig,
		logger:     logger,
	}
}

// outcomeError labels rejected admissions in the outcomes metric.
const outcomeError = "error"

// CheckAndLoad runs the admission algorithm. The step order is load-bearing:
// the fast path and in-flight check must not touch the quota ledger, and the
// quota reservation must precede job creation so a failed insert can roll
// the slot back.
func (c *Controller) CheckAndLoad(ctx context.Context, apiKey, rawURL string) (Outcome, error) {
	outcome, err := c.checkAndLoad(ctx, apiKey, rawURL)
	if err != nil {
		telemetry.ObserveAdmission(outcomeError)
		return Outcome{}, err
	}
	return outcome, nil
}

func (c *Controller) checkAndLoad(ctx context.Context, apiKey, rawURL string) (Outcome, error) {
	pub, err := c.publishers.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, engine.ErrNotFound) {
		return Outcome{}, &engine.AuthenticationError{Reason: "unknown api key"}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve publisher: %w", err)
	}

	blogURL, err := engine.NormalizeURL(rawURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", engine.ErrInvalidURL, err)
	}

	if host := engine.URLHost(blogURL); !engine.HostMatchesDomain(host, pub.Domain) {
		return Outcome{}, &engine.DomainMismatchError{Host: host, Domain: pub.Domain}
	}

	// Fast path: existing results answer immediately, touching neither the
	// job store nor the quota ledger.
	set, err := c.results.GetByBlogURL(ctx, blogURL)
	if err == nil {
		telemetry.ObserveAdmission(string(StatusReady))
		return Outcome{
			Status:    StatusReady,
			Questions: shuffled(set.Questions),
			BlogInfo:  set.BlogInfo,
		}, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return Outcome{}, fmt.Errorf("load results: %w", err)
	}

	// In-flight check: an active job means a worker already owns this URL.
	if job, err := c.jobs.FindActive(ctx, pub.ID, blogURL); err == nil {
		telemetry.ObserveAdmission(string(StatusProcessing))
		return processingOutcome(job), nil
	} else if !errors.Is(err, engine.ErrNotFound) {
		return Outcome{}, fmt.Errorf("find active job: %w", err)
	}

	if !pub.Whitelisted(blogURL) {
		return Outcome{}, &engine.WhitelistViolationError{BlogURL: blogURL}
	}

	reserved, err := c.publishers.ReserveSlot(ctx, pub.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve quota slot: %w", err)
	}
	if !reserved {
		return Outcome{}, &engine.UsageLimitExceededError{PublisherID: pub.ID, Limit: pub.MaxBlogsPerDay}
	}

	// From here on a failure before the insert commits must return the slot.
	outcome, err := c.createJob(ctx, pub, blogURL)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (c *Controller) createJob(ctx context.Context, pub engine.Publisher, blogURL string) (Outcome, error) {
	jobID, err := c.idGen.NewID()
	if err != nil {
		c.releaseSlot(ctx, pub.ID)
		return Outcome{}, fmt.Errorf("generate job id: %w", err)
	}

	now := c.clock.Now()
	job := engine.Job{
		ID:          jobID,
		PublisherID: pub.ID,
		BlogURL:     blogURL,
		Status:      engine.JobStatusQueued,
		Config:      c.jobConfig,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = c.jobs.Insert(ctx, job)
	if errors.Is(err, engine.ErrDuplicateJob) {
		// Lost the creation race outright: adopt the winner's job.
		c.releaseSlot(ctx, pub.ID)
		existing, ferr := c.jobs.FindActive(ctx, pub.ID, blogURL)
		if ferr != nil {
			return Outcome{}, fmt.Errorf("load racing job: %w", ferr)
		}
		telemetry.ObserveAdmission(string(StatusProcessing))
		return processingOutcome(existing), nil
	}
	if err != nil {
		c.releaseSlot(ctx, pub.ID)
		return Outcome{}, fmt.Errorf("insert job: %w", err)
	}

	// Post-insert re-check: two racing requests may both have passed the
	// in-flight check. Both insert, both observe the same creation order,
	// and the later one discards its job, which is what makes the
	// at-most-one-active-job invariant hold under concurrency.
	active, err := c.jobs.ListActive(ctx, pub.ID, blogURL)
	if err != nil {
		// The job is committed and the slot is held, so the state is
		// consistent; the duplicate (if any) resolves on the next poll.
		c.logger.Warn("duplicate re-check failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	} else if len(active) > 0 && active[0].ID != jobID {
		if derr := c.jobs.Delete(ctx, jobID); derr != nil {
			c.logger.Error("discard racing job failed", zap.String("job_id", jobID), zap.Error(derr))
		}
		c.releaseSlot(ctx, pub.ID)
		telemetry.ObserveAdmission(string(StatusProcessing))
		return processingOutcome(active[0]), nil
	}

	telemetry.ObserveAdmission(string(StatusNotStarted))
	return Outcome{
		Status:  StatusNotStarted,
		JobID:   jobID,
		Message: msgStarted,
	}, nil
}

// releaseSlot rolls back a reservation; an underflow is an accounting bug
// that is logged and counted, never surfaced.
func (c *Controller) releaseSlot(ctx context.Context, publisherID string) {
	err := c.publishers.ReleaseSlot(ctx, publisherID)
	if err == nil {
		return
	}
	var violation *engine.InvariantViolationError
	if errors.As(err, &violation) {
		telemetry.ObserveInvariantViolation()
		c.logger.Error("quota underflow on rollback",
			zap.String("publisher_id", publisherID),
			zap.Error(err),
		)
		return
	}
	c.logger.Error("quota rollback failed",
		zap.String("publisher_id", publisherID),
		zap.Error(err),
	)
}

func processingOutcome(job engine.Job) Outcome {
	msg := msgProcessing
	if job.Status == engine.JobStatusQueued {
		msg = msgQueued
	}
	return Outcome{
		Status:  StatusProcessing,
		JobID:   job.ID,
		Message: msg,
	}
}

// shuffled returns a randomized copy so stored order never leaks to clients.
func shuffled(questions []engine.Question) []engine.Question {
	out := make([]engine.Question, len(questions))
	copy(out, questions)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
