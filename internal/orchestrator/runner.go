// Package orchestrator runs one campaign end to end: load the recipients,
// validate the active ones, dispatch the survivors and report the totals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/dispatch"
	"github.com/Mutter0815/campaign-dispatch/internal/sink"
	"github.com/Mutter0815/campaign-dispatch/internal/validation"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
)

type RecordSource interface {
	Records(ctx context.Context, bucket, key string) (iter.Seq2[campaign.Record, error], error)
}

type AddressValidator interface {
	Validate(ctx context.Context, address string) (validation.Result, error)
}

// ValidatorFactory returns the validator for one run. Verdicts it caches for
// the run must not outlive it.
type ValidatorFactory func() AddressValidator

type Dispatcher interface {
	Send(ctx context.Context, runID string, addrs []string, target campaign.Target, source campaign.Source) (dispatch.Report, error)
}

type Config struct {
	ValidationConcurrency int
	FlushTimeout          time.Duration
}

// RunError is a fatal run failure together with the state it happened in.
type RunError struct {
	State campaign.State
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("campaign run failed while %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

type Runner struct {
	source     RecordSource
	validators ValidatorFactory
	dispatcher Dispatcher
	writer     sink.Writer
	cfg        Config
}

func New(source RecordSource, validators ValidatorFactory, dispatcher Dispatcher, writer sink.Writer, cfg Config) *Runner {
	if cfg.ValidationConcurrency <= 0 {
		cfg.ValidationConcurrency = 20
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	return &Runner{
		source:     source,
		validators: validators,
		dispatcher: dispatcher,
		writer:     writer,
		cfg:        cfg,
	}
}

// run carries the mutable state of one RunCampaign call.
type run struct {
	res       campaign.Result
	sink      *sink.Sink
	log       *zap.SugaredLogger
	validator AddressValidator
}

func (r *run) enter(s campaign.State) {
	r.res.State = s
	r.log.Infow("campaign_state", "state", s)
}

// RunCampaign executes one run. The Result is always populated with the
// counts reached so far; the error is a *RunError when the run failed.
// Invalid recipients are flushed once at the end whatever the outcome.
func (r *Runner) RunCampaign(ctx context.Context, runID string, source campaign.Source, target campaign.Target) (res campaign.Result, err error) {
	started := time.Now()
	st := &run{
		res:       campaign.Result{RunID: runID},
		sink:      sink.New(),
		log:       logx.Run(runID, source.CampaignTag),
		validator: r.validators(),
	}
	st.log.Infow("campaign_run_started", "bucket", source.Bucket, "key", source.Key, "template", target.TemplateName)

	defer func() {
		if p := recover(); p != nil {
			st.log.Errorw("campaign_run_panic", "panic", p, "stack", string(debug.Stack()))
			err = &RunError{State: st.res.State, Err: fmt.Errorf("%w: %v", campaign.ErrPipelinePanic, p)}
		}
		r.flush(ctx, runID, source.CampaignTag, st)

		if err != nil {
			st.res.Error = err.Error()
			st.res.State = campaign.StateFailed
			st.log.Errorw("campaign_run_failed", "error", err)
		} else {
			st.res.State = campaign.StateCompleted
		}
		metrics.RunsTotal.WithLabelValues(string(st.res.State)).Inc()
		metrics.RunDuration.Observe(time.Since(started).Seconds())
		st.log.Infow("campaign_run_finished",
			"state", st.res.State,
			"total", st.res.TotalRecords,
			"valid", st.res.ValidCount,
			"invalid", st.res.InvalidCount,
			"inactive", st.res.InactiveCount,
			"duplicate", st.res.DuplicateCount,
			"malformed", st.res.MalformedCount,
			"sent", st.res.SentCount,
			"failed", st.res.FailedCount,
			"duration", time.Since(started),
		)
		res = st.res
	}()

	st.enter(campaign.StateLoading)
	addrs, err := r.load(ctx, source, st)
	if err != nil {
		return st.res, &RunError{State: campaign.StateLoading, Err: err}
	}

	st.enter(campaign.StateValidating)
	valid, err := r.validate(ctx, addrs, st)
	if err != nil {
		return st.res, &RunError{State: campaign.StateValidating, Err: err}
	}

	st.enter(campaign.StateDispatching)
	rep, err := r.dispatcher.Send(ctx, runID, valid, target, source)
	st.res.SentCount = rep.Sent
	st.res.FailedCount = len(rep.Failed)
	if err != nil {
		return st.res, &RunError{State: campaign.StateDispatching, Err: err}
	}
	return st.res, nil
}

// load drains the record stream and returns the active addresses, first
// occurrence wins on case-insensitive duplicates.
func (r *Runner) load(ctx context.Context, source campaign.Source, st *run) ([]string, error) {
	seq, err := r.source.Records(ctx, source.Bucket, source.Key)
	if err != nil {
		return nil, err
	}

	var addrs []string
	seen := map[string]struct{}{}
	for rec, err := range seq {
		var rowErr *campaign.RowError
		switch {
		case errors.As(err, &rowErr):
			st.res.MalformedCount++
			st.log.Infow("recipient_row_skipped", "line", rowErr.Line, "error", rowErr.Err)
			continue
		case err != nil:
			return nil, err
		}

		st.res.TotalRecords++
		if !rec.IsActive {
			st.res.InactiveCount++
			continue
		}
		k := strings.ToLower(rec.Email)
		if _, dup := seen[k]; dup {
			st.res.DuplicateCount++
			continue
		}
		seen[k] = struct{}{}
		addrs = append(addrs, rec.Email)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return addrs, nil
}

// validate checks addrs under the outer limiter and returns the valid ones in
// input order. Rejected addresses go to the run's sink.
func (r *Runner) validate(ctx context.Context, addrs []string, st *run) ([]string, error) {
	var (
		g        errgroup.Group
		ok       = make([]bool, len(addrs))
		mu       sync.Mutex
		panicErr error
	)
	g.SetLimit(r.cfg.ValidationConcurrency)

	for i, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					st.log.Errorw("validation_panic", "address", addr, "panic", p, "stack", string(debug.Stack()))
					mu.Lock()
					if panicErr == nil {
						panicErr = fmt.Errorf("%w: %v", campaign.ErrPipelinePanic, p)
					}
					mu.Unlock()
				}
			}()
			res, err := st.validator.Validate(ctx, addr)
			if err != nil {
				return nil
			}
			if !res.Valid {
				st.sink.Add(addr, res.Reason)
				st.log.Infow("recipient_invalid", "address", addr, "reason", res.Reason)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if panicErr != nil {
		return nil, panicErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	valid := make([]string, 0, len(addrs))
	for i, addr := range addrs {
		if ok[i] {
			valid = append(valid, addr)
		}
	}
	st.res.ValidCount = len(valid)
	st.res.InvalidCount = len(addrs) - len(valid)
	return valid, nil
}

// flush runs on a context detached from cancellation so a cancelled run still
// records what it rejected.
func (r *Runner) flush(ctx context.Context, runID, campaignTag string, st *run) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
	defer cancel()

	n, err := st.sink.Flush(fctx, runID, campaignTag, r.writer)
	if err != nil {
		st.log.Errorw("invalid_recipients_flush_failed", "error", err)
		return
	}
	if n > 0 {
		st.log.Infow("invalid_recipients_flushed", "count", n)
	}
}
