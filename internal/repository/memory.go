package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chainflow/pkg/models"
)

// MemoryStore is an in-process Repository. It is used by tests and by the
// "memory" db driver for local development; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	chains  map[string]*models.Chain
	runs    map[string]*models.ChainRun
	jobs    map[string]*models.WebhookJob
	nextSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string]*models.Chain),
		runs:   make(map[string]*models.ChainRun),
		jobs:   make(map[string]*models.WebhookJob),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// CreateChain inserts a chain and its graph.
func (s *MemoryStore) CreateChain(ctx context.Context, chain *models.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[chain.ID]; ok {
		return fmt.Errorf("chain %s already exists", chain.ID)
	}
	s.chains[chain.ID] = chain.Clone()
	return nil
}

// ReplaceChain swaps the whole graph under the write lock.
func (s *MemoryStore) ReplaceChain(ctx context.Context, chain *models.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.chains[chain.ID]
	if !ok || existing.DeletedAt != nil {
		return ErrNotFound
	}
	replacement := chain.Clone()
	replacement.CreatedAt = existing.CreatedAt
	s.chains[chain.ID] = replacement
	return nil
}

// GetChain loads a chain with its full graph.
func (s *MemoryStore) GetChain(ctx context.Context, id string) (*models.Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[id]
	if !ok || chain.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return chain.Clone(), nil
}

// ListChains lists an agent's chains ordered by creation time.
func (s *MemoryStore) ListChains(ctx context.Context, agentID string) ([]*models.Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chains []*models.Chain
	for _, chain := range s.chains {
		if chain.AgentID == agentID && chain.DeletedAt == nil {
			chains = append(chains, chain.Clone())
		}
	}
	sort.Slice(chains, func(i, j int) bool {
		if chains[i].CreatedAt.Equal(chains[j].CreatedAt) {
			return chains[i].ID < chains[j].ID
		}
		return chains[i].CreatedAt.Before(chains[j].CreatedAt)
	})
	return chains, nil
}

// DeleteChain soft-deletes a chain and cancels its open runs.
func (s *MemoryStore) DeleteChain(ctx context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, ok := s.chains[id]
	if !ok || chain.DeletedAt != nil {
		return 0, ErrNotFound
	}
	deletedAt := at
	chain.DeletedAt = &deletedAt
	chain.Active = false

	cancelled := 0
	for _, run := range s.runs {
		if run.ChainID != id || run.Status.Terminal() {
			continue
		}
		finished := at
		run.Status = models.RunCancelled
		run.CancelReason = models.CancelReasonChainDeleted
		run.NextFireAt = nil
		run.FinishedAt = &finished
		run.UpdatedAt = at
		run.Version++
		cancelled++
	}
	return cancelled, nil
}

// CreateRun inserts a run of a live chain unless the entity already has an
// open one.
func (s *MemoryStore) CreateRun(ctx context.Context, run *models.ChainRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chain, ok := s.chains[run.ChainID]; !ok || chain.DeletedAt != nil {
		return fmt.Errorf("chain %s: %w", run.ChainID, ErrNotFound)
	}
	if !run.Status.Terminal() {
		for _, existing := range s.runs {
			if existing.ChainID == run.ChainID && existing.EntityID == run.EntityID && !existing.Status.Terminal() {
				return ErrDuplicateRun
			}
		}
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun loads a run by id.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.ChainRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// FindOpenRun returns the entity's pending or active run of a chain.
func (s *MemoryStore) FindOpenRun(ctx context.Context, chainID, entityID string) (*models.ChainRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.ChainID == chainID && run.EntityID == entityID && !run.Status.Terminal() {
			return run.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// CountRuns counts every run ever created for a chain and entity.
func (s *MemoryStore) CountRuns(ctx context.Context, chainID, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, run := range s.runs {
		if run.ChainID == chainID && run.EntityID == entityID {
			n++
		}
	}
	return n, nil
}

// UpdateRun writes the run if its version matches.
func (s *MemoryStore) UpdateRun(ctx context.Context, run *models.ChainRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != run.Version {
		return ErrConflict
	}
	run.Version++
	s.runs[run.ID] = run.Clone()
	return nil
}

// ListDueRuns returns active runs of live, active chains due at or before
// now.
func (s *MemoryStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*models.ChainRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.ChainRun
	for _, run := range s.runs {
		if s.isDue(run, now) {
			due = append(due, run.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextFireAt.Equal(*due[j].NextFireAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextFireAt.Before(*due[j].NextFireAt)
	})
	if limit = listLimit(limit); len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) isDue(run *models.ChainRun, now time.Time) bool {
	if run.Status != models.RunActive || run.NextFireAt == nil || run.NextFireAt.After(now) {
		return false
	}
	chain, ok := s.chains[run.ChainID]
	return ok && chain.Active && chain.DeletedAt == nil
}

// ListRuns lists runs matching a filter, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.ChainRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.ChainRun
	for _, run := range s.runs {
		if filter.ChainID != "" && run.ChainID != filter.ChainID {
			continue
		}
		if filter.EntityID != "" && run.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit := listLimit(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// CountRunsByStatus groups all runs by status.
func (s *MemoryStore) CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.RunStatus]int)
	for _, run := range s.runs {
		counts[run.Status]++
	}
	return counts, nil
}

// CountDueRuns counts the runs ListDueRuns would return without a limit.
func (s *MemoryStore) CountDueRuns(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, run := range s.runs {
		if s.isDue(run, now) {
			n++
		}
	}
	return n, nil
}

// EnqueueJob persists a queued job.
func (s *MemoryStore) EnqueueJob(ctx context.Context, job *models.WebhookJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	job.Seq = s.nextSeq
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ClaimNextJob claims the oldest runnable source head.
func (s *MemoryStore) ClaimNextJob(ctx context.Context, now time.Time) (*models.WebhookJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := make([]*models.WebhookJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status == models.WebhookQueued || job.Status == models.WebhookProcessing {
			open = append(open, job)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Seq < open[j].Seq })

	blocked := make(map[string]bool)
	for _, job := range open {
		if blocked[job.SourceID] {
			continue
		}
		blocked[job.SourceID] = true
		if job.Status != models.WebhookQueued || job.AvailableAt.After(now) {
			continue
		}
		locked := now
		job.Status = models.WebhookProcessing
		job.LockedAt = &locked
		return job.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) job(id string) (*models.WebhookJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// CompleteJob marks a job done.
func (s *MemoryStore) CompleteJob(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(id)
	if err != nil {
		return err
	}
	finished := at
	job.Status = models.WebhookDone
	job.LockedAt = nil
	job.FinishedAt = &finished
	return nil
}

// RetryJob returns a job to the queue until availableAt.
func (s *MemoryStore) RetryJob(ctx context.Context, id string, attempts int, lastErr string, availableAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(id)
	if err != nil {
		return err
	}
	job.Status = models.WebhookQueued
	job.Attempts = attempts
	job.LastError = lastErr
	job.AvailableAt = availableAt
	job.LockedAt = nil
	return nil
}

// BuryJob dead-letters a job.
func (s *MemoryStore) BuryJob(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(id)
	if err != nil {
		return err
	}
	finished := at
	job.Status = models.WebhookDead
	job.Attempts = attempts
	job.LastError = lastErr
	job.LockedAt = nil
	job.FinishedAt = &finished
	return nil
}

// RequeueStaleJobs unlocks processing jobs locked before the cutoff.
func (s *MemoryStore) RequeueStaleJobs(ctx context.Context, lockedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == models.WebhookProcessing && job.LockedAt != nil && job.LockedAt.Before(lockedBefore) {
			job.Status = models.WebhookQueued
			job.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// RequeueDeadJob moves a dead job back to the queue.
func (s *MemoryStore) RequeueDeadJob(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(id)
	if err != nil {
		return err
	}
	if job.Status != models.WebhookDead {
		return fmt.Errorf("job %s is %s, not dead: %w", id, job.Status, ErrConflict)
	}
	job.Status = models.WebhookQueued
	job.Attempts = 0
	job.AvailableAt = at
	job.FinishedAt = nil
	return nil
}

// GetJob loads a job by id.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.WebhookJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, err := s.job(id)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// ListJobs lists jobs in a status, oldest first.
func (s *MemoryStore) ListJobs(ctx context.Context, status models.WebhookJobStatus, limit int) ([]*models.WebhookJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.WebhookJob
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	if limit = listLimit(limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountJobsByStatus groups all jobs by status.
func (s *MemoryStore) CountJobsByStatus(ctx context.Context) (map[models.WebhookJobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.WebhookJobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
