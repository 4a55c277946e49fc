package connector

import (
	"context"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/ratelimit"
	"github.com/forkline/ops-cli/internal/resilience"
)

// Adapter guards every outbound call: a rate-limiter slot is acquired before
// the call, a per-resource circuit breaker sheds load from a failing service,
// and transient failures retry with linear backoff (baseDelay * attempt).
type Adapter struct {
	limiter  *ratelimit.Limiter
	breakers *resilience.ResourceBreakers
	retry    resilience.RetryConfig
}

// NewAdapter creates an Adapter. retry supplies the default attempt limit and
// base delay; a job's ExecConfig can override both per call.
func NewAdapter(limiter *ratelimit.Limiter, breakers *resilience.ResourceBreakers, retry resilience.RetryConfig) *Adapter {
	return &Adapter{
		limiter:  limiter,
		breakers: breakers,
		retry:    retry,
	}
}

// BreakerStates reports the circuit state per resource, for the status surface.
func (a *Adapter) BreakerStates() map[string]resilience.CircuitState {
	return a.breakers.States()
}

// Invoke runs call against the named resource under the adapter's guards.
// The rate-limiter slot is held only for the duration of each attempt, so a
// call sleeping in backoff does not starve other callers.
func Invoke[T any](ctx context.Context, a *Adapter, resource, operation string, cfg model.ExecConfig, call func(ctx context.Context) (T, error)) (T, error) {
	retry := a.retry
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		retry.BaseDelay = cfg.BaseDelay
	}
	retry.OnRetry = resilience.RetryLogger(resource, operation)

	breaker := a.breakers.Get(resource)
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		var zero T
		if err := breaker.Allow(); err != nil {
			// An open circuit is a health signal, not a verdict on the
			// request: report it as retryable.
			return zero, resilience.NewTransientError(err, 0)
		}

		release, err := a.limiter.Acquire(ctx, resource)
		if err != nil {
			return zero, err
		}
		defer release()

		val, err := call(ctx)
		breaker.Record(err)
		return val, err
	})
}
