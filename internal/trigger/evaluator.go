// Package trigger matches CRM events against chain conditions and starts or
// cancels runs.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chainflow/internal/logging"
	"chainflow/internal/metrics"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/pkg/models"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid trigger event")

// Result summarizes what one event did.
type Result struct {
	Started   []string `json:"started"`
	Existing  []string `json:"existing"`
	Cancelled int      `json:"cancelled"`
	Refused   int      `json:"refused"`
}

// Evaluator turns trigger events into run starts and cancellations.
type Evaluator struct {
	chains  repository.ChainStore
	tracker *runs.Tracker
	logger  *logging.Logger
}

// NewEvaluator creates a new Evaluator.
func NewEvaluator(chains repository.ChainStore, tracker *runs.Tracker, logger *logging.Logger) *Evaluator {
	return &Evaluator{chains: chains, tracker: tracker, logger: logger}
}

// Validate checks the fields an event type requires.
func Validate(event models.TriggerEvent) error {
	if event.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidEvent)
	}
	switch event.Type {
	case models.TriggerStageChanged:
		if event.AgentID == "" {
			return fmt.Errorf("%w: agent_id is required", ErrInvalidEvent)
		}
		if event.StageID == "" {
			return fmt.Errorf("%w: stage_id is required", ErrInvalidEvent)
		}
	case models.TriggerEntityRemoved:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
	}
	return nil
}

// Evaluate applies one event. Chains are evaluated independently; errors
// from individual chains are joined and returned with the partial result.
// Re-applying an event is safe: starts are idempotent and cancelling a
// finished run is a no-op.
func (e *Evaluator) Evaluate(ctx context.Context, event models.TriggerEvent) (*Result, error) {
	if err := Validate(event); err != nil {
		return nil, err
	}
	result := &Result{Started: []string{}, Existing: []string{}}

	if event.Type == models.TriggerEntityRemoved {
		err := e.removeEntity(ctx, event, result)
		return result, err
	}

	chains, err := e.chains.ListChains(ctx, event.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}

	var errs []error
	for _, chain := range chains {
		if matches(chain, event.StageID) {
			if !chain.Active {
				continue
			}
			if err := e.start(ctx, chain, event.EntityID, result); err != nil {
				errs = append(errs, fmt.Errorf("chain %s: %w", chain.ID, err))
			}
			continue
		}
		if chain.ExcludeMatched {
			if err := e.cancel(ctx, chain.ID, event.EntityID, models.CancelReasonExcluded, result); err != nil {
				errs = append(errs, fmt.Errorf("chain %s: %w", chain.ID, err))
			}
		}
	}
	return result, errors.Join(errs...)
}

// HandleJob decodes a webhook job payload as a trigger event and evaluates it.
func (e *Evaluator) HandleJob(ctx context.Context, job *models.WebhookJob) error {
	var event models.TriggerEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	result, err := e.Evaluate(ctx, event)
	if err != nil {
		return err
	}
	e.logger.Debug("webhook event applied", "job_id", job.ID, "source_id", job.SourceID,
		"started", len(result.Started), "cancelled", result.Cancelled)
	return nil
}

// matches reports whether a stage change enters the chain. Chains with
// condition type any match every stage.
func matches(chain *models.Chain, stageID string) bool {
	if chain.ConditionType == models.ConditionAny {
		return true
	}
	return chain.HasStage(stageID)
}

func (e *Evaluator) start(ctx context.Context, chain *models.Chain, entityID string, result *Result) error {
	run, created, err := e.tracker.Start(ctx, chain, entityID)
	switch {
	case errors.Is(err, runs.ErrRunLimitReached), errors.Is(err, runs.ErrChainNotRunnable):
		e.logger.Debug("run not started", "chain_id", chain.ID, "entity_id", entityID, "reason", err)
		result.Refused++
		return nil
	case err != nil:
		return err
	}
	if !created {
		result.Existing = append(result.Existing, run.ID)
		return nil
	}
	metrics.RecordRunStarted()
	result.Started = append(result.Started, run.ID)
	return nil
}

func (e *Evaluator) cancel(ctx context.Context, chainID, entityID, reason string, result *Result) error {
	n, err := e.tracker.CancelForEntity(ctx, chainID, entityID, reason)
	if n > 0 {
		metrics.RecordRunCancelled(reason, n)
		result.Cancelled += n
	}
	return err
}

// removeEntity cancels the entity's runs in the agent's chains, or in every
// chain when the event names no agent.
func (e *Evaluator) removeEntity(ctx context.Context, event models.TriggerEvent, result *Result) error {
	if event.AgentID == "" {
		return e.cancel(ctx, "", event.EntityID, models.CancelReasonEntityRemoved, result)
	}
	chains, err := e.chains.ListChains(ctx, event.AgentID)
	if err != nil {
		return fmt.Errorf("failed to list chains: %w", err)
	}
	var errs []error
	for _, chain := range chains {
		if err := e.cancel(ctx, chain.ID, event.EntityID, models.CancelReasonEntityRemoved, result); err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", chain.ID, err))
		}
	}
	return errors.Join(errs...)
}
