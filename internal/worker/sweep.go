package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
)

// sweep periodically rescues jobs stuck in processing, which otherwise
// strand their publisher's quota slot after a worker crash.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	cutoff := p.clock.Now().Add(-p.cfg.StaleAfter)
	requeued, err := p.jobs.RequeueStale(ctx, cutoff)
	if err != nil {
		p.logger.Error("stale sweep failed", zap.Error(err))
		return
	}
	for _, job := range requeued {
		logger := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
		if job.Attempts >= p.cfg.MaxAttempts {
			// Repeatedly abandoned: give up rather than loop forever.
			p.finish(ctx, logger, job, engine.JobStatusFailed,
				fmt.Sprintf("abandoned after %d attempts", job.Attempts))
			continue
		}
		logger.Warn("stale job requeued")
	}
}
