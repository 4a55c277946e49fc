// Package ratelimit bounds concurrent and per-second usage of named external
// resources shared by many jobs.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config tunes the limits for one resource.
type Config struct {
	// Concurrency is the maximum number of in-flight calls. Default: 4.
	Concurrency int64 `yaml:"concurrency" mapstructure:"concurrency"`
	// RPS is the sustained request rate. Zero means unlimited.
	RPS float64 `yaml:"rps" mapstructure:"rps"`
	// Burst is the rate limiter burst size. Default: max(int(RPS), 1).
	Burst int `yaml:"burst" mapstructure:"burst"`
	// AcquireTimeout bounds how long a caller may wait for a slot. Zero
	// means wait until the context is done.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Burst <= 0 && c.RPS > 0 {
		c.Burst = max(int(c.RPS), 1)
	}
	return c
}

type resource struct {
	cfg     Config
	slots   *semaphore.Weighted
	limiter *rate.Limiter
}

// Limiter hands out slots for named external resources. Slot acquisition is
// FIFO (semaphore.Weighted serves waiters in order), so slow-arriving jobs
// are not starved by faster ones.
type Limiter struct {
	mu        sync.Mutex
	resources map[string]*resource
	defaults  Config
	overrides map[string]Config
}

// New creates a Limiter with defaults applied to every resource not named in
// overrides.
func New(defaults Config, overrides map[string]Config) *Limiter {
	return &Limiter{
		resources: make(map[string]*resource),
		defaults:  defaults.withDefaults(),
		overrides: overrides,
	}
}

// Acquire blocks the calling goroutine until a slot for the named resource is
// free (or the context / acquire timeout expires) and the request rate allows
// another call. The returned release function is idempotent and must be
// called on both the success and failure paths of the guarded call.
func (l *Limiter) Acquire(ctx context.Context, name string) (func(), error) {
	res := l.get(name)

	acquireCtx := ctx
	if res.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, res.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := res.slots.Acquire(acquireCtx, 1); err != nil {
		return nil, eris.Wrapf(err, "ratelimit: acquire slot for %s", name)
	}

	if res.limiter != nil {
		if err := res.limiter.Wait(acquireCtx); err != nil {
			res.slots.Release(1)
			return nil, eris.Wrapf(err, "ratelimit: rate wait for %s", name)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { res.slots.Release(1) })
	}, nil
}

// Available returns how many slots for the named resource could still be
// acquired without blocking. Intended for tests and progress reporting.
func (l *Limiter) Available(name string) int64 {
	res := l.get(name)
	var n int64
	for res.slots.TryAcquire(1) {
		n++
	}
	res.slots.Release(n)
	return n
}

func (l *Limiter) get(name string) *resource {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.resources[name]; ok {
		return res
	}

	cfg := l.defaults
	if override, ok := l.overrides[name]; ok {
		cfg = override.withDefaults()
	}

	res := &resource{
		cfg:   cfg,
		slots: semaphore.NewWeighted(cfg.Concurrency),
	}
	if cfg.RPS > 0 {
		res.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}
	l.resources[name] = res
	return res
}
