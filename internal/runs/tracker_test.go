package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func twoStepChain(runLimit int) *models.Chain {
	return &models.Chain{
		ID:            "chain-1",
		AgentID:       "agent-1",
		Name:          "two steps",
		Active:        true,
		ConditionType: models.ConditionAny,
		RunLimit:      runLimit,
		Timezone:      "UTC",
		Steps: []models.ChainStep{
			{ID: "s1", Order: 1, DelayValue: 10, DelayUnit: models.DelayMinute,
				Actions: []models.ChainStepAction{{ID: "a1", Type: models.ActionSendMessage}}},
			{ID: "s2", Order: 2, DelayValue: 1, DelayUnit: models.DelayDay,
				Actions: []models.ChainStepAction{{ID: "a2", Type: models.ActionTagEntity}}},
		},
		Schedule: models.DefaultSchedule(),
	}
}

func newTestTracker(t *testing.T, chain *models.Chain) (*Tracker, *repository.MemoryStore, *fakeClock) {
	t.Helper()
	repo := repository.NewMemoryStore()
	require.NoError(t, repo.CreateChain(context.Background(), chain))
	clock := &fakeClock{t: time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)}
	return NewTracker(repo, logging.Nop()).WithClock(clock.Now), repo, clock
}

func TestStartIsIdempotent(t *testing.T) {
	chain := twoStepChain(0)
	tracker, _, clock := newTestTracker(t, chain)
	ctx := context.Background()

	run, created, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.RunActive, run.Status)
	assert.Equal(t, 0, run.CurrentStepIndex)
	require.NotNil(t, run.NextFireAt)
	assert.True(t, run.NextFireAt.Equal(clock.Now().Add(10*time.Minute)))

	again, created, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)
}

func TestStartRefusesInactiveChain(t *testing.T) {
	chain := twoStepChain(0)
	chain.Active = false
	tracker, _, _ := newTestTracker(t, chain)

	_, _, err := tracker.Start(context.Background(), chain, "e1")
	assert.ErrorIs(t, err, ErrChainNotRunnable)
}

func TestRunLifecycleWithRunLimit(t *testing.T) {
	chain := twoStepChain(1)
	tracker, _, clock := newTestTracker(t, chain)
	ctx := context.Background()

	run, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	run, err = tracker.Advance(ctx, chain, run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RunActive, run.Status)
	assert.Equal(t, 1, run.CurrentStepIndex)
	assert.Equal(t, 1, run.FiredCount)
	assert.True(t, run.NextFireAt.Equal(clock.Now().Add(24*time.Hour)))

	_, err = tracker.Advance(ctx, chain, run.ID, 0)
	assert.ErrorIs(t, err, ErrStaleRun, "a step result for an older step is discarded")

	clock.Advance(24 * time.Hour)
	run, err = tracker.Advance(ctx, chain, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 2, run.FiredCount)
	assert.Nil(t, run.NextFireAt)
	assert.NotNil(t, run.FinishedAt)

	_, _, err = tracker.Start(ctx, chain, "e1")
	assert.ErrorIs(t, err, ErrRunLimitReached)

	_, created, err := tracker.Start(ctx, chain, "e2")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	chain := twoStepChain(0)
	tracker, _, _ := newTestTracker(t, chain)
	ctx := context.Background()

	run, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	run, err = tracker.Cancel(ctx, run.ID, models.CancelReasonManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)
	assert.Equal(t, models.CancelReasonManual, run.CancelReason)

	_, err = tracker.Cancel(ctx, run.ID, models.CancelReasonManual)
	assert.ErrorIs(t, err, ErrTerminalRun)
	_, err = tracker.Advance(ctx, chain, run.ID, 0)
	assert.ErrorIs(t, err, ErrStaleRun)
	_, err = tracker.RecordFailure(ctx, run.ID, 0, errors.New("late"), 3, time.Minute)
	assert.ErrorIs(t, err, ErrStaleRun)
	_, err = tracker.Defer(ctx, run.ID, 0, time.Now())
	assert.ErrorIs(t, err, ErrStaleRun)
}

func TestRecordFailureFailsAtMaxAttempts(t *testing.T) {
	chain := twoStepChain(0)
	tracker, _, clock := newTestTracker(t, chain)
	ctx := context.Background()

	run, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)

	for attempt := 1; attempt < 3; attempt++ {
		run, err = tracker.RecordFailure(ctx, run.ID, 0, errors.New("crm down"), 3, 2*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, models.RunActive, run.Status)
		assert.Equal(t, attempt, run.Attempts)
		assert.Equal(t, "crm down", run.LastError)
		assert.True(t, run.NextFireAt.Equal(clock.Now().Add(2*time.Minute)))
	}

	run, err = tracker.RecordFailure(ctx, run.ID, 0, errors.New("crm down"), 3, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, 3, run.Attempts)
	assert.Nil(t, run.NextFireAt)
}

func TestAdvanceResetsAttempts(t *testing.T) {
	chain := twoStepChain(0)
	tracker, _, _ := newTestTracker(t, chain)
	ctx := context.Background()

	run, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	_, err = tracker.RecordFailure(ctx, run.ID, 0, errors.New("timeout"), 5, time.Minute)
	require.NoError(t, err)

	run, err = tracker.Advance(ctx, chain, run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Attempts)
	assert.Empty(t, run.LastError)
}

func TestDeferKeepsStepAndAttempts(t *testing.T) {
	chain := twoStepChain(0)
	tracker, _, _ := newTestTracker(t, chain)
	ctx := context.Background()

	run, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	_, err = tracker.RecordFailure(ctx, run.ID, 0, errors.New("timeout"), 5, time.Minute)
	require.NoError(t, err)

	opens := time.Date(2026, 10, 21, 8, 0, 0, 0, time.UTC)
	run, err = tracker.Defer(ctx, run.ID, 0, opens)
	require.NoError(t, err)
	assert.Equal(t, 0, run.CurrentStepIndex)
	assert.Equal(t, 1, run.Attempts)
	assert.True(t, run.NextFireAt.Equal(opens))
}

func TestCompletePastLastStep(t *testing.T) {
	chain := twoStepChain(0)
	tracker, repo, _ := newTestTracker(t, chain)
	ctx := context.Background()

	run, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	run.CurrentStepIndex = 4
	require.NoError(t, repo.UpdateRun(ctx, run))

	run, err = tracker.Complete(ctx, run.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 4, run.CurrentStepIndex)
}

func TestCancelForEntity(t *testing.T) {
	chain := twoStepChain(0)
	other := twoStepChain(0)
	other.ID = "chain-2"
	tracker, repo, _ := newTestTracker(t, chain)
	require.NoError(t, repo.CreateChain(context.Background(), other))
	ctx := context.Background()

	_, _, err := tracker.Start(ctx, chain, "e1")
	require.NoError(t, err)
	_, _, err = tracker.Start(ctx, other, "e1")
	require.NoError(t, err)
	_, _, err = tracker.Start(ctx, chain, "e2")
	require.NoError(t, err)

	n, err := tracker.CancelForEntity(ctx, chain.ID, "e1", models.CancelReasonExcluded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tracker.CancelForEntity(ctx, "", "e1", models.CancelReasonEntityRemoved)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tracker.CancelForEntity(ctx, chain.ID, "nobody", models.CancelReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	open, err := repo.FindOpenRun(ctx, chain.ID, "e2")
	require.NoError(t, err)
	assert.Equal(t, models.RunActive, open.Status)
}

func TestRecoverActivatesPendingRuns(t *testing.T) {
	chain := twoStepChain(0)
	tracker, repo, clock := newTestTracker(t, chain)
	ctx := context.Background()

	next := clock.Now().Add(time.Minute)
	require.NoError(t, repo.CreateRun(ctx, &models.ChainRun{
		ID: "orphan", ChainID: chain.ID, EntityID: "e1", Status: models.RunPending, NextFireAt: &next, Version: 1,
	}))

	n, err := tracker.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := repo.GetRun(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.RunActive, run.Status)

	n, err = tracker.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// racingStore lets another writer bump the run right before the tracker's
// first write.
type racingStore struct {
	*repository.MemoryStore
	raced bool
}

func (s *racingStore) UpdateRun(ctx context.Context, run *models.ChainRun) error {
	if !s.raced {
		s.raced = true
		current, err := s.MemoryStore.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		current.Attempts = 2
		if err := s.MemoryStore.UpdateRun(ctx, current); err != nil {
			return err
		}
	}
	return s.MemoryStore.UpdateRun(ctx, run)
}

func TestMutateRetriesOnConflict(t *testing.T) {
	chain := twoStepChain(0)
	_, mem, _ := newTestTracker(t, chain)
	ctx := context.Background()
	next := time.Now()
	require.NoError(t, mem.CreateRun(ctx, &models.ChainRun{
		ID: "r1", ChainID: chain.ID, EntityID: "e1", Status: models.RunActive, NextFireAt: &next, Version: 1,
	}))

	store := &racingStore{MemoryStore: mem}
	tracker := NewTracker(store, logging.Nop())
	run, err := tracker.RecordFailure(ctx, "r1", 0, errors.New("boom"), 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Attempts, "the retry applies on top of the concurrent write")
	assert.Equal(t, 3, run.Version)
}
