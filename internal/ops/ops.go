// Package ops gathers the read-only operational views shared by the REST
// API and the MCP tools.
package ops

import (
	"context"

	"chainflow/internal/repository"
	"chainflow/pkg/models"
)

// DispatchStatser reports dispatch pool counters.
type DispatchStatser interface {
	Stats() models.DispatchStats
}

// SchedulerStatser reports scheduler counters.
type SchedulerStatser interface {
	Stats(ctx context.Context) (models.SchedulerStats, error)
}

// WebhookStatser reports queue depth and lists dead letters.
type WebhookStatser interface {
	Stats(ctx context.Context) (models.WebhookStats, error)
	ListDead(ctx context.Context, limit int) ([]*models.WebhookJob, error)
}

// Service answers operational queries.
type Service struct {
	dispatch  DispatchStatser
	scheduler SchedulerStatser
	webhooks  WebhookStatser
	runs      repository.RunStore
}

// NewService creates a new Service.
func NewService(dispatch DispatchStatser, scheduler SchedulerStatser, webhooks WebhookStatser, runs repository.RunStore) *Service {
	return &Service{dispatch: dispatch, scheduler: scheduler, webhooks: webhooks, runs: runs}
}

// Stats returns dispatch, scheduler and webhook counters in one payload.
func (s *Service) Stats(ctx context.Context) (*models.OperationalStats, error) {
	schedulerStats, err := s.scheduler.Stats(ctx)
	if err != nil {
		return nil, err
	}
	webhookStats, err := s.webhooks.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &models.OperationalStats{
		Dispatch:  s.dispatch.Stats(),
		Scheduler: schedulerStats,
		Webhooks:  webhookStats,
	}, nil
}

// FailedRuns lists failed runs, newest first.
func (s *Service) FailedRuns(ctx context.Context, limit int) ([]*models.ChainRun, error) {
	return s.runs.ListRuns(ctx, models.RunFilter{Status: models.RunFailed, Limit: limit})
}

// DeadLetters lists dead webhook jobs, oldest first.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*models.WebhookJob, error) {
	return s.webhooks.ListDead(ctx, limit)
}
