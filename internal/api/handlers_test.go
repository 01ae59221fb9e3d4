package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainflow/internal/chains"
	"chainflow/internal/dispatch"
	"chainflow/internal/executor"
	"chainflow/internal/logging"
	"chainflow/internal/ops"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/internal/scheduler"
	"chainflow/internal/services"
	"chainflow/internal/trigger"
	"chainflow/internal/webhooks"
	"chainflow/pkg/models"
)

type testAPI struct {
	e     *echo.Echo
	repo  *repository.MemoryStore
	queue *webhooks.Queue
}

func newTestAPI(t *testing.T, webhookSecret string) *testAPI {
	t.Helper()
	logger := logging.Nop()
	repo := repository.NewMemoryStore()
	tracker := runs.NewTracker(repo, logger)
	evaluator := trigger.NewEvaluator(repo, tracker, logger)
	pool := dispatch.NewPool(services.EchoProvider{}, dispatch.Config{}, logger)
	exec := executor.New(tracker, services.NewMemoryCRM(), pool, executor.Config{}, logger)
	sched := scheduler.New(repo, tracker, exec, scheduler.Config{}, logger)
	queue := webhooks.NewQueue(repo, evaluator, webhooks.Config{MaxAttempts: 1, Secret: webhookSecret}, logger)

	srv := NewServer(Deps{
		Chains:    chains.NewService(repo, logger),
		Tracker:   tracker,
		Runs:      repo,
		Evaluator: evaluator,
		Webhooks:  queue,
		Ops:       ops.NewService(pool, sched, queue, repo),
		DB:        repo,
		Logger:    logger,
	})
	return &testAPI{e: NewRouter(srv, logger), repo: repo, queue: queue}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func chainBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":           name,
		"active":         true,
		"condition_type": "specific",
		"conditions":     []map[string]string{{"stage_id": "qualified"}},
		"steps": []map[string]interface{}{{
			"delay_value": 30,
			"delay_unit":  "minute",
			"actions":     []map[string]interface{}{{"type": "send_message", "instruction": "Hi {{.EntityID}}"}},
		}},
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, "")
	rec := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[models.HealthStatus](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "chainflow", health.Service)
}

func TestChainCRUD(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodPost, "/api/v1/agents/agent-1/chains", chainBody("Welcome"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.Chain](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "agent-1", created.AgentID)
	assert.Equal(t, "UTC", created.Timezone)
	assert.Len(t, created.Schedule, 7)
	require.Len(t, created.Steps, 1)
	assert.Equal(t, 1, created.Steps[0].Order)

	rec = api.do(t, http.MethodGet, "/api/v1/chains/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome", decode[models.Chain](t, rec).Name)

	rec = api.do(t, http.MethodGet, "/api/v1/agents/agent-1/chains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Chain](t, rec), 1)

	rec = api.do(t, http.MethodGet, "/api/v1/agents/nobody/chains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	update := chainBody("Welcome v2")
	update["steps"] = append(update["steps"].([]map[string]interface{}), map[string]interface{}{
		"delay_value": 1, "delay_unit": "day",
		"actions": []map[string]interface{}{{"type": "tag_entity", "params": map[string]string{"tag": "warm"}}},
	})
	rec = api.do(t, http.MethodPut, "/api/v1/chains/"+created.ID, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[models.Chain](t, rec)
	assert.Equal(t, "Welcome v2", updated.Name)
	assert.Len(t, updated.Steps, 2)
	assert.Equal(t, "agent-1", updated.AgentID)

	rec = api.do(t, http.MethodPost, "/api/v1/triggers", models.TriggerEvent{
		Type: models.TriggerStageChanged, AgentID: "agent-1", EntityID: "lead-1", StageID: "qualified",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodDelete, "/api/v1/chains/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DeleteChainResponse{ID: created.ID, CancelledRuns: 1}, decode[DeleteChainResponse](t, rec))

	rec = api.do(t, http.MethodGet, "/api/v1/chains/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidChainIsUnprocessable(t *testing.T) {
	api := newTestAPI(t, "")
	body := chainBody("")
	body["conditions"] = []map[string]string{}
	body["timezone"] = "Mars/Olympus"

	rec := api.do(t, http.MethodPost, "/api/v1/agents/agent-1/chains", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	problem := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, http.StatusUnprocessableEntity, problem.Status)
	assert.Contains(t, problem.Errors, "name")
	assert.Contains(t, problem.Errors, "conditions")
	assert.Contains(t, problem.Errors, "timezone")

	rec = api.do(t, http.MethodPost, "/api/v1/agents/agent-1/chains", []byte(`{"name":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsLifecycle(t *testing.T) {
	api := newTestAPI(t, "")
	rec := api.do(t, http.MethodPost, "/api/v1/agents/agent-1/chains", chainBody("Welcome"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/triggers", models.TriggerEvent{
		Type: models.TriggerStageChanged, AgentID: "agent-1", EntityID: "lead-1", StageID: "qualified",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[trigger.Result](t, rec)
	require.Len(t, result.Started, 1)
	runID := result.Started[0]

	rec = api.do(t, http.MethodGet, "/api/v1/runs?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[[]models.ChainRun](t, rec)
	require.Len(t, active, 1)
	assert.Equal(t, runID, active[0].ID)

	rec = api.do(t, http.MethodGet, "/api/v1/runs?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/v1/runs?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lead-1", decode[models.ChainRun](t, rec).EntityID)

	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[models.ChainRun](t, rec)
	assert.Equal(t, models.RunCancelled, cancelled.Status)
	assert.Equal(t, models.CancelReasonManual, cancelled.CancelReason)

	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/triggers", models.TriggerEvent{Type: "merged", EntityID: "lead-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookIngestion(t *testing.T) {
	api := newTestAPI(t, "topsecret")
	body := []byte(`{"type":"stage_changed","agent_id":"agent-1","entity_id":"lead-1","stage_id":"new"}`)

	rec := api.do(t, http.MethodPost, "/webhooks/crm", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/webhooks/crm", []byte(`not json`), webhooks.SignatureHeader, webhooks.Sign("topsecret", []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/webhooks/crm", body, webhooks.SignatureHeader, webhooks.Sign("topsecret", body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decode[WebhookAccepted](t, rec)
	assert.NotEmpty(t, accepted.JobID)

	rec = api.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.OperationalStats](t, rec)
	assert.Equal(t, 1, stats.Webhooks.Queued)
	assert.Equal(t, 5, stats.Dispatch.ConcurrencyLimit)
}

func TestDeadLetters(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()

	rec := api.do(t, http.MethodPost, "/webhooks/crm", []byte(`{"type":"unknown"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	processed, err := api.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	rec = api.do(t, http.MethodGet, "/api/v1/webhooks/dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dead := decode[[]models.WebhookJob](t, rec)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "invalid trigger event")

	rec = api.do(t, http.MethodPost, "/api/v1/webhooks/dead/"+dead[0].ID+"/requeue", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/v1/webhooks/dead/"+dead[0].ID+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/v1/webhooks/dead/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProblemFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&chains.ValidationError{Fields: map[string]string{"name": "required"}}, http.StatusUnprocessableEntity},
		{repository.ErrNotFound, http.StatusNotFound},
		{runs.ErrTerminalRun, http.StatusConflict},
		{echo.NewHTTPError(http.StatusTeapot, "short and stout"), http.StatusTeapot},
		{errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p := problemFor(tt.err)
		assert.Equal(t, tt.want, p.Status, tt.err.Error())
	}
	assert.Equal(t, "internal server error", problemFor(errors.New("secret dsn")).Detail)
}

func TestDocsAndSpec(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "operationId: CreateChain")

	rec = api.do(t, http.MethodGet, "/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `url: "/openapi.yaml"`)

	rec = api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
