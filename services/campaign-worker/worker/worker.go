// Package worker runs campaign jobs taken off RabbitMQ.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/orchestrator"
	"github.com/Mutter0815/campaign-dispatch/internal/queue"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
	"github.com/Mutter0815/campaign-dispatch/pkg/rmq"
)

type republisher interface {
	PublishJSONWithHeaders(ctx context.Context, body []byte, headers amqp.Table) error
}

type Worker struct {
	Cons       *rmq.Consumer
	Pub        republisher
	Jobs       *queue.Consumer
	MaxRetries int

	delay func(retries int) time.Duration
}

func New(cons *rmq.Consumer, pub *rmq.Publisher, runner queue.CampaignRunner, maxRetries int) *Worker {
	return &Worker{Cons: cons, Pub: pub, Jobs: queue.NewConsumer(runner), MaxRetries: maxRetries, delay: backoffDelay}
}

func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.Cons.Consume()
	if err != nil {
		return err
	}
	logx.L().Infow("worker_started", "queue", w.Cons.Queue)

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("worker_stopping")
			return ctx.Err()

		case d, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed")
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

// handle acks every delivery exactly once, or nacks it back to the broker when
// the worker is shutting down mid-run.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	metrics.WorkerJobsConsumed.Inc()
	defer func() { metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds()) }()

	var job campaign.Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.RunID == "" {
		logx.L().Warnw("job_unmarshal_error", "error", err)
		_ = d.Ack(false)
		return
	}
	fields := []any{"run_id", job.RunID, "campaign", job.Source.CampaignTag}

	_, err := w.Jobs.Handle(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if ctx.Err() != nil && !reachedDispatch(err) {
		logx.L().Infow("job_returned_on_shutdown", fields...)
		_ = d.Nack(false, true)
		return
	}
	if !retryable(err) {
		logx.L().Warnw("job_dropped", append(fields, "error", err)...)
		_ = d.Ack(false)
		return
	}

	retries := headerRetries(d.Headers)
	if retries >= w.MaxRetries {
		logx.L().Warnw("drop_after_retries", append(fields, "retries", retries, "error", err)...)
		_ = d.Ack(false)
		return
	}

	delay := w.delay(retries + 1)
	metrics.WorkerJobRetries.Inc()
	logx.L().Infow("retry_requeue", append(fields, "retries", retries+1, "delay", delay.String())...)
	if err := w.requeueMessage(ctx, d, retries+1, delay); err != nil {
		logx.L().Errorw("retry_publish_error", append(fields, "retries", retries+1, "error", err)...)
		_ = d.Nack(false, true)
	}
}

// reachedDispatch reports whether the run may already have sent mail. Such a
// run is never repeated.
func reachedDispatch(err error) bool {
	var runErr *orchestrator.RunError
	return errors.As(err, &runErr) && runErr.State == campaign.StateDispatching
}

func retryable(err error) bool {
	var runErr *orchestrator.RunError
	if !errors.As(err, &runErr) || errors.Is(err, campaign.ErrPipelinePanic) {
		return false
	}
	return runErr.State == campaign.StateLoading || runErr.State == campaign.StateValidating
}

func (w *Worker) requeueMessage(ctx context.Context, d amqp.Delivery, retries int, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	headers := copyHeaders(d.Headers)
	setHeaderRetries(&headers, retries)

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Pub.PublishJSONWithHeaders(pubCtx, d.Body, headers); err != nil {
		return err
	}

	return d.Ack(false)
}

func headerRetries(h amqp.Table) int {
	if h == nil {
		return 0
	}
	if v, ok := h["x-retries"]; ok {
		switch t := v.(type) {
		case int32:
			return int(t)
		case int64:
			return int(t)
		case int:
			return t
		case int16:
			return int(t)
		case uint8:
			return int(t)
		}
	}
	return 0
}

func setHeaderRetries(h *amqp.Table, n int) {
	if *h == nil {
		*h = amqp.Table{}
	}
	(*h)["x-retries"] = int32(n)
}

func backoffDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	sec := math.Pow(2, float64(retries-1))
	return time.Duration(sec) * time.Second
}

func copyHeaders(h amqp.Table) amqp.Table {
	if h == nil {
		return amqp.Table{}
	}
	dup := make(amqp.Table, len(h))
	for k, v := range h {
		dup[k] = v
	}
	return dup
}
