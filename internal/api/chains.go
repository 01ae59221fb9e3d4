package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"chainflow/pkg/models"
)

// DeleteChainResponse reports how many open runs a delete cancelled.
type DeleteChainResponse struct {
	ID            string `json:"id"`
	CancelledRuns int    `json:"cancelled_runs"`
}

// CreateChain validates and stores a chain for an agent
// (POST /api/v1/agents/{agentId}/chains)
func (s *Server) CreateChain(c echo.Context, agentID string) error {
	var chain models.Chain
	if err := c.Bind(&chain); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	chain.AgentID = agentID

	created, err := s.chains.Create(c.Request().Context(), &chain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// ListChains returns an agent's chains
// (GET /api/v1/agents/{agentId}/chains)
func (s *Server) ListChains(c echo.Context, agentID string) error {
	chains, err := s.chains.List(c.Request().Context(), agentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, chains)
}

// GetChain returns a chain with its full graph
// (GET /api/v1/chains/{id})
func (s *Server) GetChain(c echo.Context, id string) error {
	chain, err := s.chains.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, chain)
}

// UpdateChain replaces a chain and its graph
// (PUT /api/v1/chains/{id})
func (s *Server) UpdateChain(c echo.Context, id string) error {
	var chain models.Chain
	if err := c.Bind(&chain); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	updated, err := s.chains.Update(c.Request().Context(), id, &chain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteChain soft-deletes a chain and cancels its open runs
// (DELETE /api/v1/chains/{id})
func (s *Server) DeleteChain(c echo.Context, id string) error {
	cancelled, err := s.chains.Delete(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DeleteChainResponse{ID: id, CancelledRuns: cancelled})
}
