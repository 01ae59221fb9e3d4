package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/pkg/models"
)

var (
	// ErrRunLimitReached is returned by Start when the entity already used up
	// the chain's run limit.
	ErrRunLimitReached = errors.New("run limit reached")
	// ErrChainNotRunnable is returned by Start for inactive or empty chains.
	ErrChainNotRunnable = errors.New("chain cannot start runs")
	// ErrStaleRun is returned when a step result no longer applies because
	// the run moved on or was finished in the meantime.
	ErrStaleRun = errors.New("run is no longer at the expected step")
	// ErrTerminalRun is returned when cancelling a finished run.
	ErrTerminalRun = errors.New("run already finished")
)

const maxConflictRetries = 5

// Tracker owns every write to a run's status and step index.
type Tracker struct {
	repo   repository.RunStore
	logger *logging.Logger
	now    func() time.Time
}

// NewTracker creates a new Tracker.
func NewTracker(repo repository.RunStore, logger *logging.Logger) *Tracker {
	return &Tracker{repo: repo, logger: logger, now: time.Now}
}

// WithClock overrides the tracker's clock.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Start creates a run of chain for entityID. An existing open run is
// returned unchanged with created=false.
func (t *Tracker) Start(ctx context.Context, chain *models.Chain, entityID string) (run *models.ChainRun, created bool, err error) {
	open, err := t.repo.FindOpenRun(ctx, chain.ID, entityID)
	if err == nil {
		return open, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	count, err := t.repo.CountRuns(ctx, chain.ID, entityID)
	if err != nil {
		return nil, false, err
	}
	guard := CanStart(StartContext{
		ChainID:     chain.ID,
		ChainActive: chain.Active,
		StepCount:   len(chain.Steps),
		RunLimit:    chain.RunLimit,
		RunCount:    count,
	})
	if !guard.Allowed {
		if chain.RunLimit > 0 && count >= chain.RunLimit {
			return nil, false, fmt.Errorf("%s: %w", guard.Reason, ErrRunLimitReached)
		}
		return nil, false, fmt.Errorf("%s: %w", guard.Reason, ErrChainNotRunnable)
	}

	now := t.now().UTC()
	next := now.Add(chain.Steps[0].Delay())
	run = &models.ChainRun{
		ID:         uuid.NewString(),
		ChainID:    chain.ID,
		EntityID:   entityID,
		NextFireAt: &next,
		Status:     models.RunPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.repo.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrDuplicateRun) {
			open, findErr := t.repo.FindOpenRun(ctx, chain.ID, entityID)
			if findErr != nil {
				return nil, false, findErr
			}
			return open, false, nil
		}
		return nil, false, err
	}

	run, err = t.activate(ctx, run.ID)
	if err != nil {
		return nil, false, err
	}
	t.logger.Info("run started", "chain_id", chain.ID, "run_id", run.ID, "entity_id", entityID, "next_fire_at", next)
	return run, true, nil
}

// activate promotes a pending run. A run that is already past pending is
// returned as is.
func (t *Tracker) activate(ctx context.Context, runID string) (*models.ChainRun, error) {
	return t.mutate(ctx, runID, func(run *models.ChainRun) (bool, error) {
		if !CanActivate(run).Allowed {
			return false, nil
		}
		run.Status = models.RunActive
		return true, nil
	})
}

// Cancel stops a non-terminal run immediately, whatever its schedule.
func (t *Tracker) Cancel(ctx context.Context, runID, reason string) (*models.ChainRun, error) {
	run, err := t.mutate(ctx, runID, func(run *models.ChainRun) (bool, error) {
		if guard := CanCancel(run); !guard.Allowed {
			return false, fmt.Errorf("%s: %w", guard.Reason, ErrTerminalRun)
		}
		t.finish(run, models.RunCancelled)
		run.CancelReason = reason
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("run cancelled", "chain_id", run.ChainID, "run_id", run.ID, "reason", reason)
	return run, nil
}

// CancelForEntity cancels the entity's open runs, of one chain when chainID
// is set or of every chain otherwise.
func (t *Tracker) CancelForEntity(ctx context.Context, chainID, entityID, reason string) (int, error) {
	var open []*models.ChainRun
	if chainID != "" {
		run, err := t.repo.FindOpenRun(ctx, chainID, entityID)
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		open = append(open, run)
	} else {
		for _, status := range []models.RunStatus{models.RunPending, models.RunActive} {
			runs, err := t.repo.ListRuns(ctx, models.RunFilter{EntityID: entityID, Status: status, Limit: 1000})
			if err != nil {
				return 0, err
			}
			open = append(open, runs...)
		}
	}

	cancelled := 0
	for _, run := range open {
		_, err := t.Cancel(ctx, run.ID, reason)
		if errors.Is(err, ErrTerminalRun) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// Advance records a successful step. Past the last step the run completes;
// otherwise it moves to the next step, due after that step's delay.
func (t *Tracker) Advance(ctx context.Context, chain *models.Chain, runID string, expectedStep int) (*models.ChainRun, error) {
	return t.mutate(ctx, runID, func(run *models.ChainRun) (bool, error) {
		if guard := CanFireStep(run, expectedStep); !guard.Allowed {
			return false, fmt.Errorf("%s: %w", guard.Reason, ErrStaleRun)
		}
		now := t.now().UTC()
		run.FiredCount++
		run.LastFiredAt = &now
		run.Attempts = 0
		run.LastError = ""

		nextIndex := expectedStep + 1
		next, ok := chain.StepAt(nextIndex)
		if !ok {
			t.finish(run, models.RunCompleted)
			return true, nil
		}
		if guard := CanMoveTo(run, nextIndex); !guard.Allowed {
			return false, guard.Error()
		}
		fireAt := now.Add(next.Delay())
		run.CurrentStepIndex = nextIndex
		run.NextFireAt = &fireAt
		return true, nil
	})
}

// Complete finishes a run whose step index is past the chain's last step,
// which happens when a chain is shortened under a live run.
func (t *Tracker) Complete(ctx context.Context, runID string, expectedStep int) (*models.ChainRun, error) {
	return t.mutate(ctx, runID, func(run *models.ChainRun) (bool, error) {
		if guard := CanFireStep(run, expectedStep); !guard.Allowed {
			return false, fmt.Errorf("%s: %w", guard.Reason, ErrStaleRun)
		}
		t.finish(run, models.RunCompleted)
		return true, nil
	})
}

// RecordFailure counts a failed attempt of the current step. Below
// maxAttempts the step is retried after backoff; at maxAttempts the run fails.
func (t *Tracker) RecordFailure(ctx context.Context, runID string, expectedStep int, cause error, maxAttempts int, backoff time.Duration) (*models.ChainRun, error) {
	return t.mutate(ctx, runID, func(run *models.ChainRun) (bool, error) {
		if guard := CanFireStep(run, expectedStep); !guard.Allowed {
			return false, fmt.Errorf("%s: %w", guard.Reason, ErrStaleRun)
		}
		run.Attempts++
		run.LastError = cause.Error()
		if run.Attempts >= maxAttempts {
			t.finish(run, models.RunFailed)
			return true, nil
		}
		retryAt := t.now().UTC().Add(backoff)
		run.NextFireAt = &retryAt
		return true, nil
	})
}

// Defer pushes the current step to at without touching attempts.
func (t *Tracker) Defer(ctx context.Context, runID string, expectedStep int, at time.Time) (*models.ChainRun, error) {
	return t.mutate(ctx, runID, func(run *models.ChainRun) (bool, error) {
		if guard := CanFireStep(run, expectedStep); !guard.Allowed {
			return false, fmt.Errorf("%s: %w", guard.Reason, ErrStaleRun)
		}
		fireAt := at.UTC()
		run.NextFireAt = &fireAt
		return true, nil
	})
}

// Recover promotes runs left pending by a crash between insert and
// activation.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	pending, err := t.repo.ListRuns(ctx, models.RunFilter{Status: models.RunPending, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending runs: %w", err)
	}
	recovered := 0
	for _, run := range pending {
		if _, err := t.activate(ctx, run.ID); err != nil {
			t.logger.Error("failed to recover run", "chain_id", run.ChainID, "run_id", run.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		t.logger.Info("recovered pending runs", "count", recovered)
	}
	return recovered, nil
}

func (t *Tracker) finish(run *models.ChainRun, status models.RunStatus) {
	now := t.now().UTC()
	run.Status = status
	run.NextFireAt = nil
	run.FinishedAt = &now
}

// mutate applies fn to the latest copy of a run and writes it back,
// re-reading on version conflicts. fn reports whether it changed the run.
func (t *Tracker) mutate(ctx context.Context, runID string, fn func(run *models.ChainRun) (bool, error)) (*models.ChainRun, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		run, err := t.repo.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		changed, err := fn(run)
		if err != nil {
			return nil, err
		}
		if !changed {
			return run, nil
		}
		run.UpdatedAt = t.now().UTC()
		err = t.repo.UpdateRun(ctx, run)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	}
	return nil, fmt.Errorf("run %s: %w after %d attempts", runID, repository.ErrConflict, maxConflictRetries)
}
