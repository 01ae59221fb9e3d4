// Package chains owns chain definitions: validation, normalization and the
// CRUD operations exposed over the API.
package chains

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/internal/schedule"
	"chainflow/pkg/models"
)

// ValidationError lists every configuration problem found in a chain,
// keyed by field path.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid chain: " + strings.Join(parts, "; ")
}

// Service manages chain definitions.
type Service struct {
	repo   repository.ChainStore
	logger *logging.Logger
	now    func() time.Time
}

// NewService creates a new Service.
func NewService(repo repository.ChainStore, logger *logging.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Create validates, normalizes and stores a new chain.
func (s *Service) Create(ctx context.Context, chain *models.Chain) (*models.Chain, error) {
	chain = chain.Clone()
	Normalize(chain)
	if err := Validate(chain); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	chain.ID = uuid.NewString()
	chain.CreatedAt = now
	chain.UpdatedAt = now
	assignIDs(chain)

	if err := s.repo.CreateChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("failed to create chain: %w", err)
	}
	s.logger.Info("chain created", "chain_id", chain.ID, "agent_id", chain.AgentID, "steps", len(chain.Steps))
	return chain, nil
}

// Update replaces a chain's header and its whole graph. It is not a patch:
// fields left out of the request fall back to their defaults.
func (s *Service) Update(ctx context.Context, id string, chain *models.Chain) (*models.Chain, error) {
	existing, err := s.repo.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	chain = chain.Clone()
	chain.AgentID = existing.AgentID
	Normalize(chain)
	if err := Validate(chain); err != nil {
		return nil, err
	}
	chain.ID = id
	chain.CreatedAt = existing.CreatedAt
	chain.UpdatedAt = s.now().UTC()
	assignIDs(chain)

	if err := s.repo.ReplaceChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("failed to update chain %s: %w", id, err)
	}
	s.logger.Info("chain updated", "chain_id", id, "steps", len(chain.Steps))
	return chain, nil
}

// Get loads a chain.
func (s *Service) Get(ctx context.Context, id string) (*models.Chain, error) {
	return s.repo.GetChain(ctx, id)
}

// List returns an agent's chains.
func (s *Service) List(ctx context.Context, agentID string) ([]*models.Chain, error) {
	chains, err := s.repo.ListChains(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	if chains == nil {
		chains = []*models.Chain{}
	}
	return chains, nil
}

// Delete soft-deletes a chain and cancels its open runs.
func (s *Service) Delete(ctx context.Context, id string) (int, error) {
	cancelled, err := s.repo.DeleteChain(ctx, id, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.logger.Info("chain deleted", "chain_id", id, "cancelled_runs", cancelled)
	return cancelled, nil
}

// Normalize sorts and renumbers steps (1..n) and actions (0..n-1), collapses
// duplicate conditions and fills defaults.
func Normalize(chain *models.Chain) {
	chain.Name = strings.TrimSpace(chain.Name)
	if chain.ConditionType == "" {
		chain.ConditionType = models.ConditionAny
	}
	if chain.Timezone == "" {
		chain.Timezone = "UTC"
	}

	seen := make(map[string]bool, len(chain.Conditions))
	conditions := make([]models.ChainCondition, 0, len(chain.Conditions))
	for _, cond := range chain.Conditions {
		stage := strings.TrimSpace(cond.StageID)
		if stage == "" || seen[stage] {
			continue
		}
		seen[stage] = true
		conditions = append(conditions, models.ChainCondition{StageID: stage})
	}
	chain.Conditions = conditions

	sort.SliceStable(chain.Steps, func(i, j int) bool { return chain.Steps[i].Order < chain.Steps[j].Order })
	for i := range chain.Steps {
		step := &chain.Steps[i]
		step.Order = i + 1
		sort.SliceStable(step.Actions, func(a, b int) bool { return step.Actions[a].Order < step.Actions[b].Order })
		for j := range step.Actions {
			step.Actions[j].Order = j
			step.Actions[j].Type = models.ActionType(strings.TrimSpace(string(step.Actions[j].Type)))
		}
	}

	if len(chain.Schedule) == 0 {
		chain.Schedule = models.DefaultSchedule()
	}
	sort.SliceStable(chain.Schedule, func(i, j int) bool { return chain.Schedule[i].Weekday < chain.Schedule[j].Weekday })
}

// Validate checks a normalized chain and reports every problem at once.
func Validate(chain *models.Chain) error {
	fields := make(map[string]string)
	if chain.AgentID == "" {
		fields["agent_id"] = "is required"
	}
	if chain.Name == "" {
		fields["name"] = "is required"
	}
	switch chain.ConditionType {
	case models.ConditionAny:
	case models.ConditionSpecific:
		if len(chain.Conditions) == 0 {
			fields["conditions"] = "specific chains need at least one stage"
		}
	default:
		fields["condition_type"] = fmt.Sprintf("unknown condition type %q", chain.ConditionType)
	}
	if chain.RunLimit < 0 {
		fields["run_limit"] = "must not be negative"
	}
	if _, err := time.LoadLocation(chain.Timezone); err != nil {
		fields["timezone"] = fmt.Sprintf("unknown time zone %q", chain.Timezone)
	}
	if len(chain.Steps) == 0 {
		fields["steps"] = "at least one step is required"
	}
	for i, step := range chain.Steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		switch step.DelayUnit {
		case models.DelayMinute, models.DelayHour, models.DelayDay:
		default:
			fields[prefix+".delay_unit"] = fmt.Sprintf("unknown delay unit %q", step.DelayUnit)
		}
		if step.DelayValue < 0 {
			fields[prefix+".delay_value"] = "must not be negative"
		} else if int64(step.DelayValue) > int64(models.MaxStepDelay/step.DelayUnit.Duration()) {
			fields[prefix+".delay_value"] = fmt.Sprintf("must not exceed %d days", int(models.MaxStepDelay/(24*time.Hour)))
		}
		if len(step.Actions) == 0 {
			fields[prefix+".actions"] = "at least one action is required"
		}
		for j, action := range step.Actions {
			actionPrefix := fmt.Sprintf("%s.actions[%d]", prefix, j)
			if action.Type == "" {
				fields[actionPrefix+".type"] = "is required"
			}
			if _, err := template.New("instruction").Parse(action.Instruction); err != nil {
				fields[actionPrefix+".instruction"] = err.Error()
			}
		}
	}
	if err := schedule.Validate(chain.Schedule); err != nil {
		fields["schedule"] = err.Error()
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// assignIDs gives every step and action a fresh id and back-reference.
func assignIDs(chain *models.Chain) {
	for i := range chain.Conditions {
		chain.Conditions[i].ChainID = chain.ID
	}
	for i := range chain.Schedule {
		chain.Schedule[i].ChainID = chain.ID
	}
	for i := range chain.Steps {
		step := &chain.Steps[i]
		step.ID = uuid.NewString()
		step.ChainID = chain.ID
		for j := range step.Actions {
			step.Actions[j].ID = uuid.NewString()
			step.Actions[j].StepID = step.ID
		}
	}
}
