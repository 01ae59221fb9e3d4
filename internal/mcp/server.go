// Package mcp exposes read-only operational tools over the Model Context
// Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"chainflow/internal/ops"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

type Server struct {
	mcpServer *server.MCPServer
	ops       *ops.Service
}

func NewServer(ops *ops.Service) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"chainflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		ops: ops,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_stats",
			mcp.WithDescription("Dispatch pool, scheduler and webhook queue counters"),
		),
		s.handleGetStats,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_failed_runs",
			mcp.WithDescription("Most recently failed chain runs"),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		s.handleListFailedRuns,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_dead_letters",
			mcp.WithDescription("Webhook jobs that exhausted their retries"),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		s.handleListDeadLetters,
	)
}

func (s *Server) handleGetStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.ops.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to collect stats: %v", err)), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleListFailedRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit, err := limitArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	runs, err := s.ops.FailedRuns(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}
	return jsonResult(runs)
}

func (s *Server) handleListDeadLetters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit, err := limitArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	jobs, err := s.ops.DeadLetters(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list dead letters: %v", err)), nil
	}
	return jsonResult(jobs)
}

// limitArg reads the optional limit argument, clamped to maxLimit.
func limitArg(request mcp.CallToolRequest) (int, error) {
	if request.Params.Arguments == nil {
		return defaultLimit, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return 0, errors.New("invalid arguments type")
	}
	raw, present := args["limit"]
	if !present {
		return defaultLimit, nil
	}
	limit, ok := raw.(float64)
	if !ok || limit < 1 {
		return 0, errors.New("limit must be a positive number")
	}
	if limit > maxLimit {
		return maxLimit, nil
	}
	return int(limit), nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// Mount serves the MCP SSE transport (/mcp/sse, /mcp/message) on the echo
// instance.
func Mount(e *echo.Echo, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))
	handler := echo.WrapHandler(sseServer)

	e.GET("/mcp/sse", handler)
	e.POST("/mcp/message", handler)
}
