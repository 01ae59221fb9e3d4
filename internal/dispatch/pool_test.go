package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainflow/internal/logging"
	"chainflow/internal/services"
)

// blockingProvider holds every call until release is closed.
type blockingProvider struct {
	release chan struct{}
	calls   atomic.Int64
}

func (p *blockingProvider) Invoke(ctx context.Context, req services.ProviderRequest) (*services.ProviderResponse, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
		return &services.ProviderResponse{Text: "ok"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scriptedProvider returns errs in order, then succeeds.
type scriptedProvider struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (p *scriptedProvider) Invoke(ctx context.Context, req services.ProviderRequest) (*services.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	return &services.ProviderResponse{Text: "generated"}, nil
}

func fastConfig(limit, pending, attempts int) Config {
	return Config{
		ConcurrencyLimit: limit,
		MaxPending:       pending,
		RequestTimeout:   time.Second,
		MaxAttempts:      attempts,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	}
}

func TestLimitPlusOneQueues(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	pool := NewPool(provider, fastConfig(5, 10, 1), logging.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Submit(context.Background(), services.ProviderRequest{})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.ActiveRequests == 5 && s.PendingRequests == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(5), provider.calls.Load())

	close(provider.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.ActiveRequests)
	assert.Equal(t, int64(0), stats.PendingRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)
	assert.Equal(t, 5, stats.ConcurrencyLimit)
}

func TestSaturationFailsFast(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	pool := NewPool(provider, fastConfig(1, 2, 1), logging.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Submit(context.Background(), services.ProviderRequest{})
		}()
	}
	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.ActiveRequests == 1 && s.PendingRequests == 2
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := pool.Submit(context.Background(), services.ProviderRequest{})
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), pool.Stats().SaturatedRequests)

	close(provider.release)
	wg.Wait()
	assert.Equal(t, int64(0), pool.Stats().PendingRequests)
}

func TestRetryableErrorsAreRetried(t *testing.T) {
	provider := &scriptedProvider{errs: []error{
		&services.StatusError{Service: "provider", StatusCode: 429},
		&services.StatusError{Service: "provider", StatusCode: 503},
	}}
	pool := NewPool(provider, fastConfig(2, 2, 3), logging.Nop())

	resp, err := pool.Submit(context.Background(), services.ProviderRequest{})
	require.NoError(t, err)
	assert.Equal(t, "generated", resp.Text)
	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, int64(0), pool.Stats().FailedRequests)
	assert.Greater(t, pool.Stats().AvgLatencyMs, 0.0)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	provider := &scriptedProvider{errs: []error{&services.StatusError{Service: "provider", StatusCode: 400}}}
	pool := NewPool(provider, fastConfig(2, 2, 3), logging.Nop())

	_, err := pool.Submit(context.Background(), services.ProviderRequest{})
	var statusErr *services.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, int64(1), pool.Stats().FailedRequests)
}

func TestTimeoutsAreRetriedThenFail(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	cfg := fastConfig(1, 1, 2)
	cfg.RequestTimeout = 20 * time.Millisecond
	pool := NewPool(provider, cfg, logging.Nop())

	_, err := pool.Submit(context.Background(), services.ProviderRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(2), provider.calls.Load())
	assert.Equal(t, int64(1), pool.Stats().FailedRequests)
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	pool := NewPool(provider, fastConfig(1, 1, 1), logging.Nop())

	go func() { _, _ = pool.Submit(context.Background(), services.ProviderRequest{}) }()
	require.Eventually(t, func() bool { return pool.Stats().ActiveRequests == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Submit(ctx, services.ProviderRequest{})
		done <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().PendingRequests == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int64(0), pool.Stats().PendingRequests)
	close(provider.release)
}

func TestRateLimit(t *testing.T) {
	provider := &scriptedProvider{}
	cfg := fastConfig(3, 3, 1)
	cfg.RatePerSecond = 20
	cfg.Burst = 1
	pool := NewPool(provider, cfg, logging.Nop())

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := pool.Submit(context.Background(), services.ProviderRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
