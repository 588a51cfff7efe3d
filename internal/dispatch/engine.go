// Package dispatch sends validated recipients through an email provider in
// rate-limited batches.
//
// Batches run strictly one after another with a pause in between; inside a
// batch a small number of sends run concurrently. A send throttled by the
// provider is retried with a linearly growing delay up to a retry ceiling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
)

type Config struct {
	BatchSize      int
	Concurrency    int
	MaxRetries     int
	RetryBaseDelay time.Duration
	BatchDelay     time.Duration
	SendTimeout    time.Duration

	// Base URLs the per-recipient token is appended to.
	UnsubscribeURL string
	RequestURL     string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

type Failure struct {
	Address string
	Reason  string
	Retries int
}

type Report struct {
	Sent   int
	Failed []Failure
}

type Engine struct {
	provider  Provider
	templates TemplateStore
	tokens    TokenSource
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

// WithSleep replaces the wait used for backoff and batch pauses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithTokens(ts TokenSource) Option {
	return func(e *Engine) { e.tokens = ts }
}

func New(provider Provider, templates TemplateStore, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		provider:  provider,
		templates: templates,
		tokens:    RandomTokens{},
		cfg:       cfg,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send delivers target to every address in addrs at most once and reports how
// many the provider accepted. Per-address failures are reported, never
// returned. The error is non-nil when the template cannot be loaded or ctx is
// cancelled between sends; the report then covers what was done so far.
func (e *Engine) Send(ctx context.Context, runID string, addrs []string, target campaign.Target, source campaign.Source) (Report, error) {
	log := logx.Run(runID, source.CampaignTag)

	tmpl, err := e.templates.Get(ctx, target.TemplateName)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Report{}, cerr
		}
		if !errors.Is(err, campaign.ErrTemplateNotFound) {
			err = fmt.Errorf("%w: %v", campaign.ErrTemplateNotFound, err)
		}
		return Report{}, err
	}

	addrs = unique(addrs)
	var rep Report
	for i := 0; i < len(addrs); i += e.cfg.BatchSize {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
				return rep, err
			}
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		batch := addrs[i:min(i+e.cfg.BatchSize, len(addrs))]
		sent, failed := e.sendBatch(ctx, log, batch, tmpl, target, source)
		rep.Sent += sent
		rep.Failed = append(rep.Failed, failed...)
		log.Debugw("batch_sent", "batch", i/e.cfg.BatchSize, "size", len(batch), "sent", sent)
	}
	return rep, ctx.Err()
}

func (e *Engine) sendBatch(ctx context.Context, log *zap.SugaredLogger, batch []string, tmpl string, target campaign.Target, source campaign.Source) (int, []Failure) {
	var (
		g      errgroup.Group
		sent   atomic.Int64
		mu     sync.Mutex
		failed []Failure
	)
	g.SetLimit(e.cfg.Concurrency)

	fail := func(f Failure) {
		metrics.EmailSendFailures.Inc()
		mu.Lock()
		failed = append(failed, f)
		mu.Unlock()
	}

	for _, addr := range batch {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					log.Errorw("send_panic", "address", addr, "panic", p)
					fail(Failure{Address: addr, Reason: fmt.Sprintf("%v: %v", campaign.ErrPipelinePanic, p)})
				}
			}()
			if err := ctx.Err(); err != nil {
				fail(Failure{Address: addr, Reason: "run cancelled before send"})
				return nil
			}
			retries, err := e.sendWithRetry(ctx, e.message(addr, tmpl, target, source))
			if err != nil {
				log.Warnw("send_failed", "address", addr, "retries", retries, "error", err)
				fail(Failure{Address: addr, Reason: err.Error(), Retries: retries})
				return nil
			}
			sent.Add(1)
			metrics.EmailsSent.Inc()
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load()), failed
}

func (e *Engine) message(addr, tmpl string, target campaign.Target, source campaign.Source) *Message {
	token := e.tokens.Token(addr)
	msg := &Message{
		From:    target.FromAddress,
		To:      addr,
		Subject: target.Subject,
		HTML: render(tmpl,
			withToken(e.cfg.UnsubscribeURL, "token", token),
			withToken(e.cfg.RequestURL, "emailid", token),
		),
	}
	if source.CampaignTag != "" {
		msg.Tags = map[string]string{"campaign": source.CampaignTag}
	}
	return msg
}

// sendWithRetry retries only on rate-exceeded, waiting attempt*RetryBaseDelay
// before retry number attempt. It returns the number of retries performed.
func (e *Engine) sendWithRetry(ctx context.Context, msg *Message) (int, error) {
	for retries := 0; ; retries++ {
		err := e.sendOnce(ctx, msg)
		if err == nil {
			return retries, nil
		}
		if !errors.Is(err, campaign.ErrSendRateExceeded) {
			if !errors.Is(err, campaign.ErrSendFailed) {
				err = fmt.Errorf("%w: %v", campaign.ErrSendFailed, err)
			}
			return retries, err
		}
		if retries >= e.cfg.MaxRetries {
			return retries, fmt.Errorf("giving up after %d retries: %w", retries, err)
		}

		metrics.EmailSendRetries.Inc()
		if werr := e.sleep(ctx, time.Duration(retries+1)*e.cfg.RetryBaseDelay); werr != nil {
			return retries, fmt.Errorf("%w: retry abandoned: %v", campaign.ErrSendFailed, werr)
		}
	}
}

// sendOnce detaches the provider call from ctx: a cancelled run lets calls
// already in flight finish instead of cutting them off mid-request.
func (e *Engine) sendOnce(ctx context.Context, msg *Message) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	defer cancel()
	return e.provider.Send(sctx, msg)
}

func unique(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		k := strings.ToLower(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
