// Package runs is the run state machine. Guards are pure functions that
// decide whether a transition is legal; the Tracker applies transitions with
// compare-and-swap writes.
package runs

import (
	"fmt"

	"chainflow/pkg/models"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%s", r.Reason)
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(format string, args ...interface{}) GuardResult {
	return GuardResult{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// StartContext provides context for run creation guards.
type StartContext struct {
	ChainID     string
	ChainActive bool
	StepCount   int
	RunLimit    int
	RunCount    int
}

// CanStart evaluates whether a new run may be created.
// Rules:
// - Chain must be active
// - Chain must have at least one step
// - Lifetime runs for the entity must be below a positive run limit
func CanStart(ctx StartContext) GuardResult {
	if !ctx.ChainActive {
		return deny("chain %s is inactive", ctx.ChainID)
	}
	if ctx.StepCount == 0 {
		return deny("chain %s has no steps", ctx.ChainID)
	}
	if ctx.RunLimit > 0 && ctx.RunCount >= ctx.RunLimit {
		return deny("chain %s run limit %d reached", ctx.ChainID, ctx.RunLimit)
	}
	return allow()
}

// CanActivate evaluates whether a run may move from pending to active.
func CanActivate(run *models.ChainRun) GuardResult {
	if run.Status != models.RunPending {
		return deny("run %s is %s, not pending", run.ID, run.Status)
	}
	return allow()
}

// CanFireStep evaluates whether a step result may be applied to a run.
// Rules:
// - Run must be active
// - Run must still be at the step that was executed
func CanFireStep(run *models.ChainRun, expectedStep int) GuardResult {
	if run.Status != models.RunActive {
		return deny("run %s is %s", run.ID, run.Status)
	}
	if run.CurrentStepIndex != expectedStep {
		return deny("run %s is at step %d, not %d", run.ID, run.CurrentStepIndex, expectedStep)
	}
	return allow()
}

// CanCancel evaluates whether a run may be cancelled. Terminal states are
// absorbing.
func CanCancel(run *models.ChainRun) GuardResult {
	if run.Status.Terminal() {
		return deny("run %s already %s", run.ID, run.Status)
	}
	return allow()
}

// CanMoveTo evaluates whether a run may go to step index next. The index
// never decreases.
func CanMoveTo(run *models.ChainRun, next int) GuardResult {
	if next < run.CurrentStepIndex {
		return deny("run %s cannot move back from step %d to %d", run.ID, run.CurrentStepIndex, next)
	}
	return allow()
}
