// Package executor runs the actions of a due step and reports the result
// to the run tracker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chainflow/internal/logging"
	"chainflow/internal/runs"
	"chainflow/internal/services"
	"chainflow/pkg/models"
)

// Outcome is what happened to a run after one execution.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeStale means the run changed while the step ran and the result
	// was discarded.
	OutcomeStale Outcome = "stale"
)

// Config controls step retries.
type Config struct {
	MaxAttempts     int
	TickInterval    time.Duration
	MaxBackoffTicks int
}

// Executor executes steps.
type Executor struct {
	tracker  *runs.Tracker
	handlers map[models.ActionType]Handler
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer
}

// New creates an Executor with the built-in action handlers registered.
func New(tracker *runs.Tracker, crm services.CRM, dispatcher Dispatcher, cfg Config, logger *logging.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxBackoffTicks <= 0 {
		cfg.MaxBackoffTicks = 32
	}
	e := &Executor{
		tracker:  tracker,
		handlers: make(map[models.ActionType]Handler),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("chainflow/executor"),
	}
	e.Register(models.ActionSendMessage, sendMessage(crm, dispatcher))
	e.Register(models.ActionWaitForReply, waitForReply(crm))
	e.Register(models.ActionUpdateField, updateField(crm))
	e.Register(models.ActionTagEntity, tagEntity(crm))
	return e
}

// Register installs or replaces the handler for an action type.
func (e *Executor) Register(actionType models.ActionType, h Handler) {
	e.handlers[actionType] = h
}

// Backoff is the retry delay after the given number of failed attempts:
// min(2^(attempts-1), MaxBackoffTicks) ticks.
func (e *Executor) Backoff(attempts int) time.Duration {
	ticks := e.cfg.MaxBackoffTicks
	if attempts < 1 {
		attempts = 1
	}
	if attempts <= 31 {
		if t := 1 << (attempts - 1); t < ticks {
			ticks = t
		}
	}
	return time.Duration(ticks) * e.cfg.TickInterval
}

// Execute runs the current step of run and records the result.
func (e *Executor) Execute(ctx context.Context, chain *models.Chain, run *models.ChainRun) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.String("chain.id", chain.ID),
		attribute.String("run.id", run.ID),
		attribute.Int("run.step_index", run.CurrentStepIndex),
	))
	defer span.End()

	outcome, err := e.execute(ctx, chain, run)
	span.SetAttributes(attribute.String("step.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (e *Executor) execute(ctx context.Context, chain *models.Chain, run *models.ChainRun) (Outcome, error) {
	stepIndex := run.CurrentStepIndex
	step, ok := chain.StepAt(stepIndex)
	if !ok {
		_, err := e.tracker.Complete(ctx, run.ID, stepIndex)
		return e.settle(OutcomeCompleted, err)
	}

	for _, action := range step.Actions {
		err := e.runAction(ctx, ActionContext{
			Chain:          chain,
			Run:            run,
			StepIndex:      stepIndex,
			Action:         action,
			IdempotencyKey: fmt.Sprintf("%s:%d:%d", run.ID, stepIndex, action.Order),
		})
		if err == nil {
			continue
		}

		var stop *StopError
		if errors.As(err, &stop) {
			_, cancelErr := e.tracker.Cancel(ctx, run.ID, stop.Reason)
			if errors.Is(cancelErr, runs.ErrTerminalRun) {
				return OutcomeStale, nil
			}
			return e.settle(OutcomeCancelled, cancelErr)
		}
		return e.fail(ctx, run, stepIndex, action, err)
	}

	updated, err := e.tracker.Advance(ctx, chain, run.ID, stepIndex)
	if err != nil {
		return e.settle(OutcomeAdvanced, err)
	}
	if updated.Status == models.RunCompleted {
		return OutcomeCompleted, nil
	}
	return OutcomeAdvanced, nil
}

func (e *Executor) runAction(ctx context.Context, ac ActionContext) (err error) {
	ctx, span := e.tracer.Start(ctx, "executor.action", trace.WithAttributes(
		attribute.String("action.type", string(ac.Action.Type)),
		attribute.Int("action.order", ac.Action.Order),
	))
	defer span.End()

	handler, ok := e.handlers[ac.Action.Type]
	if !ok {
		err = fmt.Errorf("%w %q", ErrUnknownAction, ac.Action.Type)
	} else {
		err = safeExecute(ctx, handler, ac)
	}
	var stop *StopError
	if err != nil && !errors.As(err, &stop) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// safeExecute turns a handler panic into an ordinary failed attempt.
func safeExecute(ctx context.Context, handler Handler, ac ActionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrActionPanic, r)
		}
	}()
	return handler.Execute(ctx, ac)
}

func (e *Executor) fail(ctx context.Context, run *models.ChainRun, stepIndex int, action models.ChainStepAction, cause error) (Outcome, error) {
	attempt := run.Attempts + 1
	cause = fmt.Errorf("action %d (%s): %w", action.Order, action.Type, cause)
	updated, err := e.tracker.RecordFailure(ctx, run.ID, stepIndex, cause, e.cfg.MaxAttempts, e.Backoff(attempt))
	if err != nil {
		return e.settle(OutcomeRetry, err)
	}
	if updated.Status == models.RunFailed {
		e.logger.Error("run failed", "chain_id", run.ChainID, "run_id", run.ID, "step", stepIndex,
			"attempt", updated.Attempts, "error", cause)
		return OutcomeFailed, nil
	}
	e.logger.Warn("step failed, will retry", "chain_id", run.ChainID, "run_id", run.ID, "step", stepIndex,
		"attempt", updated.Attempts, "next_fire_at", updated.NextFireAt, "error", cause)
	return OutcomeRetry, nil
}

// settle maps a tracker error onto an outcome. A stale run is not an error:
// a cancellation or another writer won the race.
func (e *Executor) settle(outcome Outcome, err error) (Outcome, error) {
	if err == nil {
		return outcome, nil
	}
	if errors.Is(err, runs.ErrStaleRun) {
		return OutcomeStale, nil
	}
	return outcome, err
}
