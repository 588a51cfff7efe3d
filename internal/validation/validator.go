// Package validation decides whether a recipient address should be sent to.
//
// Each address passes three ordered stages and stops at the first failure:
//
//  1. syntax: the address is a bare, well-formed mailbox (no I/O)
//  2. suppression: the provider's suppression list does not contain it
//  3. mail exchange: its domain publishes MX records, or at least resolves
//
// Stages report a tagged Outcome. An Indeterminate outcome (the lookup
// itself failed) is mapped per stage: the suppression stage fails open and
// lets the address through, the mail-exchange stage fails closed and rejects
// it.
//
// Suppression answers are cached per address and mail-exchange answers per
// domain. Concurrent misses for the same key share one lookup.
package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
)

const (
	ReasonSyntax     = "invalid email syntax"
	ReasonSuppressed = "address is on the suppression list"
	ReasonNoMX       = "no mail-exchange record"
)

// ErrNotListed is returned by a SuppressionLookup when the address is not on
// the list. It is a definitive "not suppressed", not a failure.
var ErrNotListed = errors.New("validation: address not on suppression list")

type SuppressionLookup interface {
	Suppressed(ctx context.Context, address string) (bool, error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Verdict int

const (
	Valid Verdict = iota
	Invalid
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	}
	return "indeterminate"
}

// Outcome is the result of a single stage.
type Outcome struct {
	Verdict Verdict
	Reason  string
	Err     error
}

type Result struct {
	Valid  bool
	Reason string
}

type Config struct {
	SuppressionConcurrency int
	MXConcurrency          int
	LookupTimeout          time.Duration
}

func (c *Config) applyDefaults() {
	if c.SuppressionConcurrency <= 0 {
		c.SuppressionConcurrency = 3
	}
	if c.MXConcurrency <= 0 {
		c.MXConcurrency = 5
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
}

type Validator struct {
	suppression SuppressionLookup
	resolver    Resolver
	caches      *Caches
	cfg         Config

	suppressionSem *semaphore.Weighted
	mxSem          *semaphore.Weighted
	flights        singleflight.Group
	syntax         *validator.Validate
}

// New returns a Validator that is safe for unbounded concurrent use. Its
// caches live as long as the Validator; use ForRun to get one per run.
func New(suppression SuppressionLookup, resolver Resolver, caches *Caches, cfg Config) *Validator {
	cfg.applyDefaults()
	if caches == nil {
		caches = NewCaches(nil, nil)
	}
	return &Validator{
		suppression:    suppression,
		resolver:       resolver,
		caches:         caches,
		cfg:            cfg,
		suppressionSem: semaphore.NewWeighted(int64(cfg.SuppressionConcurrency)),
		mxSem:          semaphore.NewWeighted(int64(cfg.MXConcurrency)),
		syntax:         validator.New(),
	}
}

// ForRun returns a Validator with empty run-scoped caches. It shares the
// lookups, the stage limiters and the shared cache layers with v, so the
// limits hold across runs executing at the same time.
func (v *Validator) ForRun() *Validator {
	return &Validator{
		suppression:    v.suppression,
		resolver:       v.resolver,
		caches:         v.caches.forRun(),
		cfg:            v.cfg,
		suppressionSem: v.suppressionSem,
		mxSem:          v.mxSem,
		syntax:         v.syntax,
	}
}

// Validate runs the three stages. The returned error is non-nil only when ctx
// is done; nothing observed after cancellation is cached.
func (v *Validator) Validate(ctx context.Context, address string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	domain, out := v.checkSyntax(address)
	if out.Verdict != Valid {
		metrics.RecipientsValidated.WithLabelValues("invalid_syntax").Inc()
		return Result{Reason: out.Reason}, nil
	}

	out = v.checkSuppression(ctx, address)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if out.Verdict == Indeterminate {
		logx.L().Warnw("suppression_lookup_failed", "address", address, "error", out.Err)
		out.Verdict = Valid
	}
	if out.Verdict == Invalid {
		metrics.RecipientsValidated.WithLabelValues("suppressed").Inc()
		return Result{Reason: out.Reason}, nil
	}

	out = v.checkMX(ctx, domain)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if out.Verdict == Indeterminate {
		logx.L().Infow("mx_lookup_failed", "domain", domain, "error", out.Err)
		out = Outcome{Verdict: Invalid, Reason: ReasonNoMX, Err: out.Err}
	}
	if out.Verdict == Invalid {
		metrics.RecipientsValidated.WithLabelValues("no_mx").Inc()
		return Result{Reason: out.Reason}, nil
	}

	metrics.RecipientsValidated.WithLabelValues("valid").Inc()
	return Result{Valid: true}, nil
}

// checkSyntax accepts only a bare mailbox: "Name <a@b.c>" parses as an
// address but is not one. It returns the ASCII form of the domain.
func (v *Validator) checkSyntax(address string) (string, Outcome) {
	bad := Outcome{Verdict: Invalid, Reason: ReasonSyntax}

	if err := v.syntax.Var(address, "required,email"); err != nil {
		return "", bad
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return "", bad
	}

	at := strings.LastIndexByte(address, '@')
	domain, err := idna.Lookup.ToASCII(strings.ToLower(address[at+1:]))
	if err != nil || domain == "" {
		return "", bad
	}
	return domain, Outcome{Verdict: Valid}
}

func (v *Validator) checkSuppression(ctx context.Context, address string) Outcome {
	key := strings.ToLower(address)
	suppressed, err := v.shared(ctx, "suppression:"+key, v.caches.suppression, key, false, func(ctx context.Context) (bool, bool, error) {
		if err := v.suppressionSem.Acquire(ctx, 1); err != nil {
			return false, false, err
		}
		defer v.suppressionSem.Release(1)

		lctx, cancel := context.WithTimeout(ctx, v.cfg.LookupTimeout)
		defer cancel()
		s, err := v.suppression.Suppressed(lctx, address)
		if errors.Is(err, ErrNotListed) {
			return false, true, nil
		}
		if err != nil {
			return false, false, err
		}
		return s, true, nil
	})
	switch {
	case err != nil:
		return Outcome{Verdict: Indeterminate, Err: err}
	case suppressed:
		return Outcome{Verdict: Invalid, Reason: ReasonSuppressed}
	}
	return Outcome{Verdict: Valid}
}

func (v *Validator) checkMX(ctx context.Context, domain string) Outcome {
	reachable, err := v.shared(ctx, "mx:"+domain, v.caches.mx, domain, true, func(ctx context.Context) (bool, bool, error) {
		if err := v.mxSem.Acquire(ctx, 1); err != nil {
			return false, false, err
		}
		defer v.mxSem.Release(1)

		lctx, cancel := context.WithTimeout(ctx, v.cfg.LookupTimeout)
		defer cancel()
		return v.reachable(lctx, domain)
	})
	switch {
	case err != nil:
		return Outcome{Verdict: Indeterminate, Err: err}
	case !reachable:
		return Outcome{Verdict: Invalid, Reason: ReasonNoMX}
	}
	return Outcome{Verdict: Valid}
}

// reachable reports whether domain accepts mail. definitive is false when the
// answer came from a lookup error rather than from DNS itself.
func (v *Validator) reachable(ctx context.Context, domain string) (ok, definitive bool, err error) {
	mxs, mxErr := v.resolver.LookupMX(ctx, domain)
	if len(mxs) > 0 {
		// RFC 7505 null MX: the domain explicitly accepts no mail.
		if len(mxs) == 1 && mxs[0].Host == "." {
			return false, true, nil
		}
		return true, true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, false, err
	}

	hosts, hostErr := v.resolver.LookupHost(ctx, domain)
	if len(hosts) > 0 {
		return true, true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	if notFound(mxErr) && notFound(hostErr) {
		return false, true, nil
	}
	return false, false, fmt.Errorf("resolve %s: %w", domain, errors.Join(mxErr, hostErr))
}

func notFound(err error) bool {
	if err == nil {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

type lookupFunc func(ctx context.Context) (value, definitive bool, err error)

type flightResult struct {
	value bool
}

// errFlightCancelled marks a shared lookup abandoned because the context of
// the caller that started it was cancelled.
var errFlightCancelled = errors.New("validation: shared lookup cancelled")

// shared answers key from the cache or runs lookup once for all concurrent
// callers. The cache is written inside the flight so a caller arriving after
// the flight finished always hits it. With failClosed set, a failed lookup
// is remembered as false for the rest of the run.
//
// Nothing is cached when the flight's context was cancelled. A caller whose
// own context is still live starts a new flight in that case; a caller whose
// context ends stops waiting at once.
func (v *Validator) shared(ctx context.Context, flightKey string, l *layer, key string, failClosed bool, lookup lookupFunc) (bool, error) {
	if val, ok := l.get(ctx, key); ok {
		return val, nil
	}
	for {
		ch := v.flights.DoChan(flightKey, func() (any, error) {
			if val, ok := l.get(ctx, key); ok {
				return flightResult{value: val}, nil
			}
			val, definitive, err := lookup(ctx)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errFlightCancelled, ctx.Err())
			}
			if err != nil {
				if failClosed {
					l.put(ctx, key, false, false)
				}
				return nil, err
			}
			l.put(ctx, key, val, definitive)
			return flightResult{value: val}, nil
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case res = <-ch:
		}
		if res.Err == nil {
			return res.Val.(flightResult).value, nil
		}
		if errors.Is(res.Err, errFlightCancelled) && ctx.Err() == nil {
			continue
		}
		return false, res.Err
	}
}
