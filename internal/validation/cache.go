package validation

import (
	"context"
	"errors"
	"sync"

	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
)

var ErrCacheMiss = errors.New("validation: cache miss")

// Cache memoizes one boolean per key. Add is insert-if-absent: once a key is
// written the first value stays authoritative.
type Cache interface {
	Get(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string, value bool) error
}

type MemoryCache struct {
	m sync.Map
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{} }

func (c *MemoryCache) Get(_ context.Context, key string) (bool, error) {
	v, ok := c.m.Load(key)
	if !ok {
		return false, ErrCacheMiss
	}
	return v.(bool), nil
}

func (c *MemoryCache) Add(_ context.Context, key string, value bool) error {
	c.m.LoadOrStore(key, value)
	return nil
}

func (c *MemoryCache) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool { n++; return true })
	return n
}

// layer pairs a run-scoped memory cache with an optional cache shared across
// runs. Only definitive answers reach the shared cache; a fail-closed verdict
// produced by a lookup error lives for the current run only.
type layer struct {
	name   string
	local  *MemoryCache
	shared Cache
}

func (l *layer) get(ctx context.Context, key string) (bool, bool) {
	if v, err := l.local.Get(ctx, key); err == nil {
		metrics.CacheLookups.WithLabelValues(l.name, "hit").Inc()
		return v, true
	}
	if l.shared != nil {
		v, err := l.shared.Get(ctx, key)
		switch {
		case err == nil:
			_ = l.local.Add(ctx, key, v)
			metrics.CacheLookups.WithLabelValues(l.name, "shared_hit").Inc()
			return v, true
		case !errors.Is(err, ErrCacheMiss):
			logx.L().Warnw("validation_cache_read_error", "cache", l.name, "key", key, "error", err)
		}
	}
	metrics.CacheLookups.WithLabelValues(l.name, "miss").Inc()
	return false, false
}

func (l *layer) put(ctx context.Context, key string, value, definitive bool) {
	_ = l.local.Add(ctx, key, value)
	if !definitive || l.shared == nil {
		return
	}
	if err := l.shared.Add(ctx, key, value); err != nil {
		logx.L().Warnw("validation_cache_write_error", "cache", l.name, "key", key, "error", err)
	}
}

// Caches holds the two independent validation caches: mail-exchange
// reachability keyed by domain and suppression status keyed by address.
type Caches struct {
	mx          *layer
	suppression *layer
}

// NewCaches returns run-scoped caches. sharedMX and sharedSuppression may be
// nil; when set they are consulted on a local miss and receive definitive
// answers, so their TTL is the staleness bound across runs.
func NewCaches(sharedMX, sharedSuppression Cache) *Caches {
	return &Caches{
		mx:          &layer{name: "mx", local: NewMemoryCache(), shared: sharedMX},
		suppression: &layer{name: "suppression", local: NewMemoryCache(), shared: sharedSuppression},
	}
}

// forRun returns empty run-scoped layers in front of the same shared caches.
func (c *Caches) forRun() *Caches {
	return NewCaches(c.mx.shared, c.suppression.shared)
}
