package repository

import (
	"context"
	"errors"
	"time"

	"chainflow/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist (or is soft-deleted).
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicateRun is returned when a non-terminal run already exists for
	// the same chain and entity.
	ErrDuplicateRun = errors.New("open run already exists for entity")
)

// ChainStore persists chain definitions. Every write covers the full graph
// (conditions, steps, actions, schedule) as a unit.
type ChainStore interface {
	// CreateChain inserts a chain and its graph.
	CreateChain(ctx context.Context, chain *models.Chain) error
	// ReplaceChain swaps the stored graph for chain's graph atomically.
	ReplaceChain(ctx context.Context, chain *models.Chain) error
	// GetChain loads a chain with its full graph.
	GetChain(ctx context.Context, id string) (*models.Chain, error)
	// ListChains lists an agent's chains.
	ListChains(ctx context.Context, agentID string) ([]*models.Chain, error)
	// DeleteChain soft-deletes a chain and cancels its open runs in the same
	// transaction. It returns the number of runs cancelled.
	DeleteChain(ctx context.Context, id string, at time.Time) (int, error)
}

// RunStore persists chain runs. UpdateRun is a compare-and-swap on Version.
type RunStore interface {
	// CreateRun inserts a run. It fails with ErrNotFound when the chain is
	// missing or deleted and with ErrDuplicateRun when the entity already
	// has an open run of the chain.
	CreateRun(ctx context.Context, run *models.ChainRun) error
	// GetRun loads a run by id.
	GetRun(ctx context.Context, id string) (*models.ChainRun, error)
	// FindOpenRun returns the pending or active run of an entity, if any.
	FindOpenRun(ctx context.Context, chainID, entityID string) (*models.ChainRun, error)
	// CountRuns counts every run ever created for a chain and entity.
	CountRuns(ctx context.Context, chainID, entityID string) (int, error)
	// UpdateRun writes the run if its Version still matches the stored one
	// and bumps Version on success.
	UpdateRun(ctx context.Context, run *models.ChainRun) error
	// ListDueRuns returns active runs with NextFireAt <= now, oldest first.
	// Runs of paused or deleted chains are left out.
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*models.ChainRun, error)
	// ListRuns lists runs matching a filter, newest first.
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.ChainRun, error)
	// CountRunsByStatus groups all runs by status.
	CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int, error)
	// CountDueRuns counts the runs ListDueRuns would return without a limit.
	CountDueRuns(ctx context.Context, now time.Time) (int, error)
}

// WebhookStore is the durable inbound queue.
type WebhookStore interface {
	// EnqueueJob persists a queued job and assigns its arrival sequence.
	EnqueueJob(ctx context.Context, job *models.WebhookJob) error
	// ClaimNextJob marks the next runnable job as processing. Only the head
	// of each source's queue is runnable. It returns nil when nothing is due.
	ClaimNextJob(ctx context.Context, now time.Time) (*models.WebhookJob, error)
	// CompleteJob marks a job done.
	CompleteJob(ctx context.Context, id string, at time.Time) error
	// RetryJob puts a job back in the queue until availableAt.
	RetryJob(ctx context.Context, id string, attempts int, lastErr string, availableAt time.Time) error
	// BuryJob dead-letters a job.
	BuryJob(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
	// RequeueStaleJobs returns processing jobs locked before the cutoff to
	// the queue.
	RequeueStaleJobs(ctx context.Context, lockedBefore time.Time) (int, error)
	// RequeueDeadJob moves a dead job back to the queue with attempts reset.
	RequeueDeadJob(ctx context.Context, id string, at time.Time) error
	// GetJob loads a job by id.
	GetJob(ctx context.Context, id string) (*models.WebhookJob, error)
	// ListJobs lists jobs in a status, oldest first.
	ListJobs(ctx context.Context, status models.WebhookJobStatus, limit int) ([]*models.WebhookJob, error)
	// CountJobsByStatus groups all jobs by status.
	CountJobsByStatus(ctx context.Context) (map[models.WebhookJobStatus]int, error)
}

// Repository is everything the service persists.
type Repository interface {
	ChainStore
	RunStore
	WebhookStore
	Ping(ctx context.Context) error
	Close()
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
