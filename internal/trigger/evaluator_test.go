package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/pkg/models"
)

func testChain(id string, conditionType models.ConditionType, stages ...string) *models.Chain {
	chain := &models.Chain{
		ID:            id,
		AgentID:       "agent-1",
		Name:          id,
		Active:        true,
		ConditionType: conditionType,
		Timezone:      "UTC",
		Steps: []models.ChainStep{{ID: id + "-s1", Order: 1, DelayValue: 1, DelayUnit: models.DelayHour,
			Actions: []models.ChainStepAction{{ID: id + "-a1", Type: models.ActionTagEntity}}}},
		Schedule:  models.DefaultSchedule(),
		CreatedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, stage := range stages {
		chain.Conditions = append(chain.Conditions, models.ChainCondition{ChainID: id, StageID: stage})
	}
	return chain
}

func newTestEvaluator(t *testing.T, chains ...*models.Chain) (*Evaluator, *repository.MemoryStore) {
	t.Helper()
	repo := repository.NewMemoryStore()
	for _, chain := range chains {
		require.NoError(t, repo.CreateChain(context.Background(), chain))
	}
	tracker := runs.NewTracker(repo, logging.Nop())
	return NewEvaluator(repo, tracker, logging.Nop()), repo
}

func stageChanged(entity, stage string) models.TriggerEvent {
	return models.TriggerEvent{Type: models.TriggerStageChanged, AgentID: "agent-1", EntityID: entity, StageID: stage}
}

func TestStageChangeStartsMatchingChains(t *testing.T) {
	anyStage := testChain("any", models.ConditionAny)
	qualified := testChain("qualified", models.ConditionSpecific, "qualified")
	won := testChain("won", models.ConditionSpecific, "won")
	paused := testChain("paused", models.ConditionAny)
	paused.Active = false
	eval, repo := newTestEvaluator(t, anyStage, qualified, won, paused)
	ctx := context.Background()

	result, err := eval.Evaluate(ctx, stageChanged("lead-1", "qualified"))
	require.NoError(t, err)
	assert.Len(t, result.Started, 2)
	assert.Empty(t, result.Existing)

	for _, id := range []string{"any", "qualified"} {
		_, err := repo.FindOpenRun(ctx, id, "lead-1")
		assert.NoError(t, err, id)
	}
	for _, id := range []string{"won", "paused"} {
		_, err := repo.FindOpenRun(ctx, id, "lead-1")
		assert.ErrorIs(t, err, repository.ErrNotFound, id)
	}

	again, err := eval.Evaluate(ctx, stageChanged("lead-1", "qualified"))
	require.NoError(t, err)
	assert.Empty(t, again.Started)
	assert.ElementsMatch(t, result.Started, again.Existing)
}

func TestExclusionCancelsOpenRun(t *testing.T) {
	chain := testChain("nurture", models.ConditionSpecific, "lead", "contacted")
	chain.ExcludeMatched = true
	keep := testChain("keep", models.ConditionSpecific, "lead")
	eval, repo := newTestEvaluator(t, chain, keep)
	ctx := context.Background()

	_, err := eval.Evaluate(ctx, stageChanged("lead-1", "lead"))
	require.NoError(t, err)

	result, err := eval.Evaluate(ctx, stageChanged("lead-1", "contacted"))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Cancelled, "a matching stage keeps the run")

	result, err = eval.Evaluate(ctx, stageChanged("lead-1", "won"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cancelled)

	cancelled, err := repo.ListRuns(ctx, models.RunFilter{ChainID: "nurture", Status: models.RunCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, models.CancelReasonExcluded, cancelled[0].CancelReason)

	_, err = repo.FindOpenRun(ctx, "keep", "lead-1")
	assert.NoError(t, err, "chains without exclusion keep running")
}

func TestExclusionAppliesToInactiveChains(t *testing.T) {
	chain := testChain("nurture", models.ConditionSpecific, "lead")
	chain.ExcludeMatched = true
	eval, repo := newTestEvaluator(t, chain)
	ctx := context.Background()

	_, err := eval.Evaluate(ctx, stageChanged("lead-1", "lead"))
	require.NoError(t, err)

	chain.Active = false
	require.NoError(t, repo.ReplaceChain(ctx, chain))

	result, err := eval.Evaluate(ctx, stageChanged("lead-1", "lost"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cancelled)
}

func TestRunLimitRefusalIsNotAnError(t *testing.T) {
	chain := testChain("once", models.ConditionAny)
	chain.RunLimit = 1
	eval, repo := newTestEvaluator(t, chain)
	ctx := context.Background()

	result, err := eval.Evaluate(ctx, stageChanged("lead-1", "a"))
	require.NoError(t, err)
	require.Len(t, result.Started, 1)

	run, err := repo.GetRun(ctx, result.Started[0])
	require.NoError(t, err)
	run.Status = models.RunCompleted
	require.NoError(t, repo.UpdateRun(ctx, run))

	result, err = eval.Evaluate(ctx, stageChanged("lead-1", "b"))
	require.NoError(t, err)
	assert.Empty(t, result.Started)
	assert.Equal(t, 1, result.Refused)
}

func TestEntityRemovedCancelsEverywhere(t *testing.T) {
	first := testChain("first", models.ConditionAny)
	second := testChain("second", models.ConditionAny)
	eval, _ := newTestEvaluator(t, first, second)
	ctx := context.Background()

	_, err := eval.Evaluate(ctx, stageChanged("lead-1", "x"))
	require.NoError(t, err)
	_, err = eval.Evaluate(ctx, stageChanged("lead-2", "x"))
	require.NoError(t, err)

	result, err := eval.Evaluate(ctx, models.TriggerEvent{Type: models.TriggerEntityRemoved, EntityID: "lead-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Cancelled)

	result, err = eval.Evaluate(ctx, models.TriggerEvent{Type: models.TriggerEntityRemoved, AgentID: "agent-1", EntityID: "lead-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Cancelled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		event models.TriggerEvent
		valid bool
	}{
		{"stage change", stageChanged("e", "s"), true},
		{"missing stage", stageChanged("e", ""), false},
		{"missing entity", stageChanged("", "s"), false},
		{"missing agent", models.TriggerEvent{Type: models.TriggerStageChanged, EntityID: "e", StageID: "s"}, false},
		{"removal without agent", models.TriggerEvent{Type: models.TriggerEntityRemoved, EntityID: "e"}, true},
		{"unknown type", models.TriggerEvent{Type: "merged", EntityID: "e"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.event)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}

func TestHandleJob(t *testing.T) {
	eval, repo := newTestEvaluator(t, testChain("any", models.ConditionAny))
	ctx := context.Background()

	payload, err := json.Marshal(stageChanged("lead-9", "new"))
	require.NoError(t, err)
	require.NoError(t, eval.HandleJob(ctx, &models.WebhookJob{ID: "j1", SourceID: "crm", Payload: payload}))
	_, err = repo.FindOpenRun(ctx, "any", "lead-9")
	assert.NoError(t, err)

	err = eval.HandleJob(ctx, &models.WebhookJob{ID: "j2", SourceID: "crm", Payload: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
