// Package dispatch bounds concurrent calls to the AI provider. Callers
// beyond the concurrency limit wait in FIFO order; beyond the pending bound
// they are turned away with ErrSaturated.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"chainflow/internal/logging"
	"chainflow/internal/metrics"
	"chainflow/internal/services"
	"chainflow/pkg/models"
)

// ErrSaturated is returned by Submit when the pending queue is full.
var ErrSaturated = errors.New("dispatch pool saturated")

// Config sizes the pool.
type Config struct {
	ConcurrencyLimit int
	MaxPending       int
	RequestTimeout   time.Duration
	MaxAttempts      int
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond  float64
	Burst          int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) setDefaults() {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 5
	}
	if c.MaxPending < 0 {
		c.MaxPending = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Pool is the outbound gateway to the AI provider.
type Pool struct {
	provider services.Provider
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	logger   *logging.Logger
	tracer   trace.Tracer

	total     atomic.Int64
	active    atomic.Int64
	pending   atomic.Int64
	failed    atomic.Int64
	saturated atomic.Int64
	succeeded atomic.Int64
	latencyUs atomic.Int64
}

// NewPool creates a new Pool.
func NewPool(provider services.Provider, cfg Config, logger *logging.Logger) *Pool {
	cfg.setDefaults()
	p := &Pool{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		logger:   logger,
		tracer:   otel.Tracer("chainflow/dispatch"),
	}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return p
}

// Submit runs req on the provider once a slot is free. Requests queue in
// arrival order; when MaxPending requests are already waiting it fails
// fast with ErrSaturated.
func (p *Pool) Submit(ctx context.Context, req services.ProviderRequest) (*services.ProviderResponse, error) {
	ctx, span := p.tracer.Start(ctx, "dispatch.submit")
	defer span.End()
	p.total.Add(1)

	if !p.sem.TryAcquire(1) {
		if p.pending.Add(1) > int64(p.cfg.MaxPending) {
			p.pending.Add(-1)
			p.saturated.Add(1)
			metrics.RecordDispatch("saturated", 0)
			span.SetStatus(codes.Error, "saturated")
			return nil, ErrSaturated
		}
		p.publishLoad()
		err := p.sem.Acquire(ctx, 1)
		p.pending.Add(-1)
		if err != nil {
			p.publishLoad()
			return nil, fmt.Errorf("waiting for dispatch slot: %w", err)
		}
	}
	defer p.sem.Release(1)

	p.active.Add(1)
	p.publishLoad()
	defer func() {
		p.active.Add(-1)
		p.publishLoad()
	}()

	start := time.Now()
	resp, attempts, err := p.invoke(ctx, req)
	span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
	if err != nil {
		p.failed.Add(1)
		metrics.RecordDispatch("failed", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("provider request failed", "attempt", attempts, "error", err)
		return nil, err
	}

	elapsed := time.Since(start)
	p.succeeded.Add(1)
	p.latencyUs.Add(elapsed.Microseconds())
	metrics.RecordDispatch("success", elapsed.Seconds())
	return resp, nil
}

// invoke calls the provider with a per-attempt timeout, retrying timeouts
// and retryable provider statuses.
func (p *Pool) invoke(ctx context.Context, req services.ProviderRequest) (*services.ProviderResponse, int, error) {
	attempts := 0
	operation := func() (*services.ProviderResponse, error) {
		attempts++
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()

		resp, err := p.provider.Invoke(attemptCtx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) || services.IsRetryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialBackoff
	policy.MaxInterval = p.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.MaxAttempts-1)), ctx)

	resp, err := backoff.RetryNotifyWithData(operation, retries, func(err error, wait time.Duration) {
		p.logger.Debug("retrying provider request", "attempt", attempts, "wait", wait, "error", err)
	})
	return resp, attempts, err
}

func (p *Pool) publishLoad() {
	metrics.SetDispatchLoad(p.active.Load(), p.pending.Load())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() models.DispatchStats {
	stats := models.DispatchStats{
		TotalRequests:     p.total.Load(),
		ActiveRequests:    p.active.Load(),
		PendingRequests:   p.pending.Load(),
		FailedRequests:    p.failed.Load(),
		SaturatedRequests: p.saturated.Load(),
		ConcurrencyLimit:  p.cfg.ConcurrencyLimit,
		MaxPending:        p.cfg.MaxPending,
	}
	if n := p.succeeded.Load(); n > 0 {
		stats.AvgLatencyMs = float64(p.latencyUs.Load()) / float64(n) / 1000
	}
	return stats
}
