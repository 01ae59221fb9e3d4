// Package api contains the HTTP handlers for the chain automation service
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chainflow/internal/chains"
	"chainflow/internal/logging"
	"chainflow/internal/ops"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/internal/trigger"
	"chainflow/internal/webhooks"
	"chainflow/pkg/models"
)

const (
	serviceName    = "chainflow"
	serviceVersion = "1.0.0"
	maxWebhookBody = 1 << 20
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Chains    *chains.Service
	Tracker   *runs.Tracker
	Runs      repository.RunStore
	Evaluator *trigger.Evaluator
	Webhooks  *webhooks.Queue
	Ops       *ops.Service
	DB        Pinger
	Logger    *logging.Logger
}

// Server holds the dependencies for the API server.
type Server struct {
	chains    *chains.Service
	tracker   *runs.Tracker
	runs      repository.RunStore
	evaluator *trigger.Evaluator
	webhooks  *webhooks.Queue
	ops       *ops.Service
	db        Pinger
	logger    *logging.Logger
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	return &Server{
		chains:    deps.Chains,
		tracker:   deps.Tracker,
		runs:      deps.Runs,
		evaluator: deps.Evaluator,
		webhooks:  deps.Webhooks,
		ops:       deps.Ops,
		db:        deps.DB,
		logger:    deps.Logger,
	}
}

// HandleHealth reports service health; a failing database ping turns it
// into a 503.
func (s *Server) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"database": "ok"},
	}
	code := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}

// GetStats returns dispatch, scheduler and webhook counters
// (GET /api/v1/stats)
func (s *Server) GetStats(c echo.Context) error {
	stats, err := s.ops.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// ListRuns lists runs, newest first
// (GET /api/v1/runs)
func (s *Server) ListRuns(c echo.Context, params ListRunsParams) error {
	filter := models.RunFilter{}
	if params.Status != nil {
		switch *params.Status {
		case models.RunPending, models.RunActive, models.RunCompleted, models.RunCancelled, models.RunFailed:
			filter.Status = *params.Status
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "unknown run status "+string(*params.Status))
		}
	}
	if params.ChainID != nil {
		filter.ChainID = *params.ChainID
	}
	if params.EntityID != nil {
		filter.EntityID = *params.EntityID
	}
	if params.Limit != nil {
		filter.Limit = *params.Limit
	}

	list, err := s.runs.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*models.ChainRun{}
	}
	return c.JSON(http.StatusOK, list)
}

// GetRun returns one run
// (GET /api/v1/runs/{id})
func (s *Server) GetRun(c echo.Context, id string) error {
	run, err := s.runs.GetRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels an open run
// (POST /api/v1/runs/{id}/cancel)
func (s *Server) CancelRun(c echo.Context, id string) error {
	run, err := s.tracker.Cancel(c.Request().Context(), id, models.CancelReasonManual)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListDeadLetters lists dead webhook jobs
// (GET /api/v1/webhooks/dead)
func (s *Server) ListDeadLetters(c echo.Context, params ListDeadLettersParams) error {
	limit := 0
	if params.Limit != nil {
		limit = *params.Limit
	}
	jobs, err := s.ops.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*models.WebhookJob{}
	}
	return c.JSON(http.StatusOK, jobs)
}

// RequeueDeadLetter puts a dead job back in its source queue
// (POST /api/v1/webhooks/dead/{id}/requeue)
func (s *Server) RequeueDeadLetter(c echo.Context, id string) error {
	if err := s.webhooks.Requeue(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// EvaluateTrigger applies a trigger event synchronously
// (POST /api/v1/triggers)
func (s *Server) EvaluateTrigger(c echo.Context) error {
	var event models.TriggerEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	result, err := s.evaluator.Evaluate(c.Request().Context(), event)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// WebhookAccepted is the ingestion response.
type WebhookAccepted struct {
	JobID string `json:"job_id"`
	Seq   int64  `json:"seq"`
}

// IngestWebhook queues an inbound event and returns before processing it
// (POST /webhooks/{sourceId})
func (s *Server) IngestWebhook(c echo.Context) error {
	sourceID, err := bindPath(c, "sourceId")
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "webhook body too large")
	}

	job, err := s.webhooks.Ingest(c.Request().Context(), sourceID, body, c.Request().Header.Get(webhooks.SignatureHeader))
	switch {
	case errors.Is(err, webhooks.ErrBadSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, webhooks.ErrInvalidPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusAccepted, WebhookAccepted{JobID: job.ID, Seq: job.Seq})
}
