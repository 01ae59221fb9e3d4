package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"chainflow/pkg/models"
)

// ListRunsParams defines parameters for ListRuns.
type ListRunsParams struct {
	Status   *models.RunStatus `form:"status,omitempty" json:"status,omitempty"`
	ChainID  *string           `form:"chain_id,omitempty" json:"chain_id,omitempty"`
	EntityID *string           `form:"entity_id,omitempty" json:"entity_id,omitempty"`
	Limit    *int              `form:"limit,omitempty" json:"limit,omitempty"`
}

// ListDeadLettersParams defines parameters for ListDeadLetters.
type ListDeadLettersParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /agents/{agentId}/chains)
	CreateChain(ctx echo.Context, agentID string) error
	// (GET /agents/{agentId}/chains)
	ListChains(ctx echo.Context, agentID string) error
	// (GET /chains/{id})
	GetChain(ctx echo.Context, id string) error
	// (PUT /chains/{id})
	UpdateChain(ctx echo.Context, id string) error
	// (DELETE /chains/{id})
	DeleteChain(ctx echo.Context, id string) error
	// (POST /triggers)
	EvaluateTrigger(ctx echo.Context) error
	// (GET /stats)
	GetStats(ctx echo.Context) error
	// (GET /runs)
	ListRuns(ctx echo.Context, params ListRunsParams) error
	// (GET /runs/{id})
	GetRun(ctx echo.Context, id string) error
	// (POST /runs/{id}/cancel)
	CancelRun(ctx echo.Context, id string) error
	// (GET /webhooks/dead)
	ListDeadLetters(ctx echo.Context, params ListDeadLettersParams) error
	// (POST /webhooks/dead/{id}/requeue)
	RequeueDeadLetter(ctx echo.Context, id string) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func bindPath(ctx echo.Context, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), &value,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return value, nil
}

// CreateChain converts echo context to params.
func (w *ServerInterfaceWrapper) CreateChain(ctx echo.Context) error {
	agentID, err := bindPath(ctx, "agentId")
	if err != nil {
		return err
	}
	return w.Handler.CreateChain(ctx, agentID)
}

// ListChains converts echo context to params.
func (w *ServerInterfaceWrapper) ListChains(ctx echo.Context) error {
	agentID, err := bindPath(ctx, "agentId")
	if err != nil {
		return err
	}
	return w.Handler.ListChains(ctx, agentID)
}

// GetChain converts echo context to params.
func (w *ServerInterfaceWrapper) GetChain(ctx echo.Context) error {
	id, err := bindPath(ctx, "id")
	if err != nil {
		return err
	}
	return w.Handler.GetChain(ctx, id)
}

// UpdateChain converts echo context to params.
func (w *ServerInterfaceWrapper) UpdateChain(ctx echo.Context) error {
	id, err := bindPath(ctx, "id")
	if err != nil {
		return err
	}
	return w.Handler.UpdateChain(ctx, id)
}

// DeleteChain converts echo context to params.
func (w *ServerInterfaceWrapper) DeleteChain(ctx echo.Context) error {
	id, err := bindPath(ctx, "id")
	if err != nil {
		return err
	}
	return w.Handler.DeleteChain(ctx, id)
}

// EvaluateTrigger converts echo context to params.
func (w *ServerInterfaceWrapper) EvaluateTrigger(ctx echo.Context) error {
	return w.Handler.EvaluateTrigger(ctx)
}

// GetStats converts echo context to params.
func (w *ServerInterfaceWrapper) GetStats(ctx echo.Context) error {
	return w.Handler.GetStats(ctx)
}

// ListRuns converts echo context to params.
func (w *ServerInterfaceWrapper) ListRuns(ctx echo.Context) error {
	var params ListRunsParams
	query := ctx.QueryParams()
	if err := runtime.BindQueryParameter("form", true, false, "status", query, &params.Status); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter status: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "chain_id", query, &params.ChainID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter chain_id: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "entity_id", query, &params.EntityID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter entity_id: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}
	return w.Handler.ListRuns(ctx, params)
}

// GetRun converts echo context to params.
func (w *ServerInterfaceWrapper) GetRun(ctx echo.Context) error {
	id, err := bindPath(ctx, "id")
	if err != nil {
		return err
	}
	return w.Handler.GetRun(ctx, id)
}

// CancelRun converts echo context to params.
func (w *ServerInterfaceWrapper) CancelRun(ctx echo.Context) error {
	id, err := bindPath(ctx, "id")
	if err != nil {
		return err
	}
	return w.Handler.CancelRun(ctx, id)
}

// ListDeadLetters converts echo context to params.
func (w *ServerInterfaceWrapper) ListDeadLetters(ctx echo.Context) error {
	var params ListDeadLettersParams
	if err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}
	return w.Handler.ListDeadLetters(ctx, params)
}

// RequeueDeadLetter converts echo context to params.
func (w *ServerInterfaceWrapper) RequeueDeadLetter(ctx echo.Context) error {
	id, err := bindPath(ctx, "id")
	if err != nil {
		return err
	}
	return w.Handler.RequeueDeadLetter(ctx, id)
}

// EchoRouter is the subset of echo routing used for registration; both
// *echo.Echo and *echo.Group satisfy it.
type EchoRouter interface {
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the router.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the handlers under baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.POST(baseURL+"/agents/:agentId/chains", wrapper.CreateChain)
	router.GET(baseURL+"/agents/:agentId/chains", wrapper.ListChains)
	router.GET(baseURL+"/chains/:id", wrapper.GetChain)
	router.PUT(baseURL+"/chains/:id", wrapper.UpdateChain)
	router.DELETE(baseURL+"/chains/:id", wrapper.DeleteChain)
	router.POST(baseURL+"/triggers", wrapper.EvaluateTrigger)
	router.GET(baseURL+"/stats", wrapper.GetStats)
	router.GET(baseURL+"/runs", wrapper.ListRuns)
	router.GET(baseURL+"/runs/:id", wrapper.GetRun)
	router.POST(baseURL+"/runs/:id/cancel", wrapper.CancelRun)
	router.GET(baseURL+"/webhooks/dead", wrapper.ListDeadLetters)
	router.POST(baseURL+"/webhooks/dead/:id/requeue", wrapper.RequeueDeadLetter)
}
