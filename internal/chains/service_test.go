package chains

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

func newTestService() (*Service, *repository.MemoryStore) {
	repo := repository.NewMemoryStore()
	svc := NewService(repo, logging.Nop())
	svc.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return svc, repo
}

func validChain() *models.Chain {
	return &models.Chain{
		AgentID:       "agent-1",
		Name:          "  Nurture  ",
		ConditionType: models.ConditionSpecific,
		Conditions:    []models.ChainCondition{{StageID: "lead"}, {StageID: "lead"}, {StageID: "qualified"}},
		Steps: []models.ChainStep{
			{Order: 7, DelayValue: 1, DelayUnit: models.DelayDay, Actions: []models.ChainStepAction{
				{Order: 3, Type: models.ActionWaitForReply},
			}},
			{Order: 2, DelayValue: 10, DelayUnit: models.DelayMinute, Actions: []models.ChainStepAction{
				{Order: 5, Type: models.ActionTagEntity, Params: map[string]string{"tag": "warm"}},
				{Order: 1, Type: models.ActionSendMessage, Instruction: "Greet {{.EntityID}}"},
			}},
		},
	}
}

func TestCreateNormalizes(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	chain, err := svc.Create(ctx, validChain())
	require.NoError(t, err)

	assert.NotEmpty(t, chain.ID)
	assert.Equal(t, "Nurture", chain.Name)
	assert.Equal(t, "UTC", chain.Timezone)
	assert.Len(t, chain.Conditions, 2)
	require.Len(t, chain.Steps, 2)
	assert.Equal(t, 1, chain.Steps[0].Order)
	assert.Equal(t, models.DelayMinute, chain.Steps[0].DelayUnit)
	assert.Equal(t, 2, chain.Steps[1].Order)
	assert.Equal(t, models.ActionSendMessage, chain.Steps[0].Actions[0].Type)
	assert.Equal(t, 0, chain.Steps[0].Actions[0].Order)
	assert.Equal(t, 1, chain.Steps[0].Actions[1].Order)
	assert.NotEmpty(t, chain.Steps[0].ID)
	assert.Equal(t, chain.Steps[0].ID, chain.Steps[0].Actions[0].StepID)
	assert.Equal(t, models.DefaultSchedule()[0].StartTime, chain.Schedule[0].StartTime)
	assert.Len(t, chain.Schedule, 7)

	stored, err := svc.Get(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, chain.Steps[1].ID, stored.Steps[1].ID)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	chain := &models.Chain{
		ConditionType: models.ConditionSpecific,
		Timezone:      "Mars/Olympus",
		RunLimit:      -1,
		Steps: []models.ChainStep{
			{DelayValue: -1, DelayUnit: "week"},
			{DelayUnit: models.DelayHour, Actions: []models.ChainStepAction{{Instruction: "{{.Broken"}}},
		},
		Schedule: models.DefaultSchedule()[:6],
	}
	Normalize(chain)
	err := Validate(chain)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	for _, field := range []string{
		"agent_id", "name", "conditions", "run_limit", "timezone", "schedule",
		"steps[0].delay_unit", "steps[0].delay_value", "steps[0].actions",
		"steps[1].actions[0].type", "steps[1].actions[0].instruction",
	} {
		assert.Contains(t, verr.Fields, field)
	}
	assert.Contains(t, err.Error(), "invalid chain")
}

func TestValidateBoundsStepDelay(t *testing.T) {
	tests := []struct {
		name  string
		value int
		unit  models.DelayUnit
		ok    bool
	}{
		{"ten years of days", 3650, models.DelayDay, true},
		{"one day past the bound", 3651, models.DelayDay, false},
		{"int64 overflow in days", 200000, models.DelayDay, false},
		{"hours at the bound", 3650 * 24, models.DelayHour, true},
		{"minutes past the bound", 3650*24*60 + 1, models.DelayMinute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &models.Chain{
				AgentID: "agent-1", Name: "long wait", ConditionType: models.ConditionAny,
				Steps: []models.ChainStep{{DelayValue: tt.value, DelayUnit: tt.unit,
					Actions: []models.ChainStepAction{{Type: models.ActionTagEntity}}}},
			}
			Normalize(chain)
			err := Validate(chain)
			if tt.ok {
				assert.NoError(t, err)
				assert.Positive(t, chain.Steps[0].Delay())
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields["steps[0].delay_value"], "3650 days")
		})
	}
}

func TestDelayNeverWrapsNegative(t *testing.T) {
	step := models.ChainStep{DelayValue: 200000, DelayUnit: models.DelayDay}
	assert.Equal(t, models.MaxStepDelay, step.Delay())
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]models.ChainSchedule)
	}{
		{"duplicate weekday", func(s []models.ChainSchedule) { s[1].Weekday = 0 }},
		{"malformed time", func(s []models.ChainSchedule) { s[2].StartTime = "8am" }},
		{"crosses midnight", func(s []models.ChainSchedule) { s[3].StartTime, s[3].EndTime = "22:00", "02:00" }},
		{"empty window", func(s []models.ChainSchedule) { s[4].EndTime = s[4].StartTime }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := validChain()
			chain.Schedule = models.DefaultSchedule()
			tt.mutate(chain.Schedule)
			Normalize(chain)

			var verr *ValidationError
			require.ErrorAs(t, Validate(chain), &verr)
			assert.Contains(t, verr.Fields, "schedule")
		})
	}
}

func TestUpdateReplacesGraph(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, validChain())
	require.NoError(t, err)

	replacement := &models.Chain{
		Name:     "Single step",
		Timezone: "Europe/Berlin",
		Steps: []models.ChainStep{{DelayValue: 0, DelayUnit: models.DelayMinute,
			Actions: []models.ChainStepAction{{Type: models.ActionUpdateField, Params: map[string]string{"field": "f", "value": "v"}}}}},
	}
	updated, err := svc.Update(ctx, created.ID, replacement)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "agent-1", updated.AgentID)
	assert.Equal(t, models.ConditionAny, updated.ConditionType)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Single step", got.Name)
	assert.Empty(t, got.Conditions)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.ActionUpdateField, got.Steps[0].Actions[0].Type)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
}

func TestUpdateInvalidLeavesChainUntouched(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, validChain())
	require.NoError(t, err)

	_, err = svc.Update(ctx, created.ID, &models.Chain{Name: "no steps"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nurture", got.Name)
	assert.Len(t, got.Steps, 2)

	_, err = svc.Update(ctx, "missing", validChain())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteCancelsRuns(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, validChain())
	require.NoError(t, err)

	next := time.Now()
	require.NoError(t, repo.CreateRun(ctx, &models.ChainRun{
		ID: "run-1", ChainID: created.ID, EntityID: "e1", Status: models.RunActive, NextFireAt: &next, Version: 1,
	}))

	n, err := svc.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	chains, err := svc.List(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, chains)

	run, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.CancelReasonChainDeleted, run.CancelReason)
}
