// Package scheduler is the tick loop that moves due runs forward.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"chainflow/internal/executor"
	"chainflow/internal/logging"
	"chainflow/internal/metrics"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/internal/schedule"
	"chainflow/pkg/models"
)

// Outcomes the scheduler itself decides, besides the executor's.
const (
	outcomeDeferred = "deferred"
	outcomePaused   = "paused"
	outcomeOrphaned = "orphaned"
	outcomeError    = "error"
	outcomePanic    = "panic"
)

// Store is the persistence the scheduler reads.
type Store interface {
	repository.ChainStore
	repository.RunStore
}

// StepExecutor runs the current step of a run; *executor.Executor
// implements it.
type StepExecutor interface {
	Execute(ctx context.Context, chain *models.Chain, run *models.ChainRun) (executor.Outcome, error)
}

// Config sizes the tick loop.
type Config struct {
	TickInterval time.Duration
	Workers      int
	BatchSize    int
}

// Scheduler periodically executes due runs.
type Scheduler struct {
	store    Store
	tracker  *runs.Tracker
	executor StepExecutor
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time

	running atomic.Bool
	claims  sync.Map
	ticks   atomic.Int64
	skipped atomic.Int64

	tickCounter metric.Int64Counter
	stepCounter metric.Int64Counter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Scheduler.
func New(store Store, tracker *runs.Tracker, exec StepExecutor, cfg Config, logger *logging.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	s := &Scheduler{
		store:    store,
		tracker:  tracker,
		executor: exec,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}

	meter := otel.Meter("chainflow/scheduler")
	if c, err := meter.Int64Counter("chainflow.scheduler.ticks",
		metric.WithDescription("Scheduler ticks by result")); err == nil {
		s.tickCounter = c
	}
	if c, err := meter.Int64Counter("chainflow.scheduler.steps",
		metric.WithDescription("Due runs handled by outcome")); err == nil {
		s.stepCounter = c
	}
	return s
}

// WithClock overrides the scheduler's clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start recovers runs orphaned by a crash and starts the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.tracker.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover runs: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval, "workers", s.cfg.Workers)
	return nil
}

// Stop ends the loop and waits for the running tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick processes one batch of due runs. It returns false without doing
// anything when another tick is still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.countTick(ctx, "skipped")
		s.logger.Warn("tick skipped, previous tick still running")
		return false
	}
	defer s.running.Store(false)
	s.ticks.Add(1)
	s.countTick(ctx, "run")

	now := s.now().UTC()
	due, err := s.store.ListDueRuns(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due runs", "error", err)
		return true
	}
	if len(due) == 0 {
		return true
	}

	cache := newChainCache(s.store)
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, run := range due {
		g.Go(func() error {
			s.process(ctx, cache, run, now)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug("tick finished", "due", len(due))
	return true
}

// process handles one due run. Nothing it does escapes the tick, and every
// path that leaves the run untouched moves it out of the due set so a stuck
// run cannot hold a batch slot.
func (s *Scheduler) process(ctx context.Context, cache *chainCache, run *models.ChainRun, now time.Time) {
	if _, claimed := s.claims.LoadOrStore(run.ID, struct{}{}); claimed {
		return
	}
	defer s.claims.Delete(run.ID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing run", "chain_id", run.ChainID, "run_id", run.ID,
				"attempt", run.Attempts+1, "panic", fmt.Sprint(r))
			s.countStep(ctx, outcomePanic)
			s.retryLater(ctx, run, now)
		}
	}()

	chain, err := cache.get(ctx, run.ChainID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("due run has no chain, cancelling", "chain_id", run.ChainID, "run_id", run.ID)
		s.countStep(ctx, outcomeOrphaned)
		if _, err := s.tracker.Cancel(ctx, run.ID, models.CancelReasonChainDeleted); err != nil && !errors.Is(err, runs.ErrTerminalRun) {
			s.logger.Error("failed to cancel orphaned run", "chain_id", run.ChainID, "run_id", run.ID, "error", err)
			s.retryLater(ctx, run, now)
		}
		return
	}
	if err != nil {
		s.logger.Error("failed to load chain", "chain_id", run.ChainID, "run_id", run.ID, "error", err)
		s.countStep(ctx, outcomeError)
		s.retryLater(ctx, run, now)
		return
	}
	if !chain.Active {
		// Paused between listing and loading; ListDueRuns skips it from now on.
		s.countStep(ctx, outcomePaused)
		return
	}

	if opens, open := s.gate(chain, now); !open {
		if _, err := s.tracker.Defer(ctx, run.ID, run.CurrentStepIndex, opens); err != nil && !errors.Is(err, runs.ErrStaleRun) {
			s.logger.Error("failed to defer run", "chain_id", chain.ID, "run_id", run.ID, "error", err)
			s.countStep(ctx, outcomeError)
			return
		}
		s.logger.Debug("run deferred to next window", "chain_id", chain.ID, "run_id", run.ID, "next_fire_at", opens)
		s.countStep(ctx, outcomeDeferred)
		return
	}

	outcome, err := s.executor.Execute(ctx, chain, run)
	if err != nil {
		s.logger.Error("failed to execute step", "chain_id", chain.ID, "run_id", run.ID,
			"attempt", run.Attempts+1, "error", err)
		s.countStep(ctx, outcomeError)
		s.retryLater(ctx, run, now)
		return
	}
	s.countStep(ctx, string(outcome))
}

// retryLater pushes a run that could not be handled one tick forward
// without counting an attempt.
func (s *Scheduler) retryLater(ctx context.Context, run *models.ChainRun, now time.Time) {
	_, err := s.tracker.Defer(ctx, run.ID, run.CurrentStepIndex, now.Add(s.cfg.TickInterval))
	if err != nil && !errors.Is(err, runs.ErrStaleRun) && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("failed to push run to next tick", "chain_id", run.ChainID, "run_id", run.ID, "error", err)
	}
}

// gate reports whether the chain's schedule is open at now. When closed it
// also returns when the run should be tried again: the next window start,
// or a day later when the schedule has no enabled day.
func (s *Scheduler) gate(chain *models.Chain, now time.Time) (time.Time, bool) {
	loc, err := schedule.Location(chain.Timezone)
	if err != nil {
		s.logger.Warn("invalid chain timezone, using UTC", "chain_id", chain.ID, "timezone", chain.Timezone)
		loc = time.UTC
	}
	local := now.In(loc)
	if schedule.IsWithinWindow(chain.Schedule, local) {
		return now, true
	}
	if next, ok := schedule.NextWindowStart(chain.Schedule, local); ok {
		return next.UTC(), false
	}
	return now.Add(24 * time.Hour), false
}

func (s *Scheduler) countTick(ctx context.Context, result string) {
	metrics.RecordTick(result == "skipped")
	if s.tickCounter != nil {
		s.tickCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (s *Scheduler) countStep(ctx context.Context, outcome string) {
	metrics.RecordStepOutcome(outcome)
	if s.stepCounter != nil {
		s.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Stats reports run counts and tick counters.
func (s *Scheduler) Stats(ctx context.Context) (models.SchedulerStats, error) {
	stats := models.SchedulerStats{
		Ticks:        s.ticks.Load(),
		SkippedTicks: s.skipped.Load(),
	}
	counts, err := s.store.CountRunsByStatus(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count runs: %w", err)
	}
	stats.ActiveRuns = counts[models.RunActive] + counts[models.RunPending]
	stats.FailedRuns = counts[models.RunFailed]

	due, err := s.store.CountDueRuns(ctx, s.now().UTC())
	if err != nil {
		return stats, fmt.Errorf("failed to count due runs: %w", err)
	}
	stats.PendingSteps = due
	return stats, nil
}

// chainCache loads each chain at most once per tick.
type chainCache struct {
	store  repository.ChainStore
	mu     sync.Mutex
	chains map[string]*models.Chain
}

func newChainCache(store repository.ChainStore) *chainCache {
	return &chainCache{store: store, chains: make(map[string]*models.Chain)}
}

func (c *chainCache) get(ctx context.Context, id string) (*models.Chain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chain, ok := c.chains[id]; ok {
		return chain, nil
	}
	chain, err := c.store.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	c.chains[id] = chain
	return chain, nil
}
