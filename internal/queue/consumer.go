package queue

import (
	"context"
	"time"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
)

type CampaignRunner interface {
	RunCampaign(ctx context.Context, runID string, source campaign.Source, target campaign.Target) (campaign.Result, error)
}

// Consumer runs queued jobs one at a time.
type Consumer struct {
	runner CampaignRunner
}

func NewConsumer(runner CampaignRunner) *Consumer {
	return &Consumer{runner: runner}
}

// Run returns nil once jobs is closed and drained, or ctx.Err() when ctx is
// cancelled first. A run in progress sees the cancellation through its own
// context.
func (c *Consumer) Run(ctx context.Context, jobs <-chan campaign.Job) error {
	logx.L().Infow("consumer_started")
	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("consumer_stopping", "reason", ctx.Err())
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				logx.L().Infow("consumer_drained")
				return nil
			}
			c.Handle(ctx, job)
		}
	}
}

// Handle runs one job on a context of its own.
func (c *Consumer) Handle(ctx context.Context, job campaign.Job) (campaign.Result, error) {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logx.Run(job.RunID, job.Source.CampaignTag)
	if !job.EnqueuedAt.IsZero() {
		log.Infow("job_dequeued", "waited", time.Since(job.EnqueuedAt))
	}
	res, err := c.runner.RunCampaign(jctx, job.RunID, job.Source, job.Target)
	if err != nil {
		log.Warnw("job_failed", "state", res.State, "error", err)
		return res, err
	}
	log.Infow("job_completed", "sent", res.SentCount, "valid", res.ValidCount)
	return res, nil
}
