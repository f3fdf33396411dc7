// Package mcp implements the Model Context Protocol server for Kairos.
//
// The MCP server exposes the operator surface of the HTTP API as MCP tools so
// that MCP-compatible agents can enqueue work, inspect tasks and workers, and
// read scoring results.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kairos/internal/heartbeat"
	"github.com/ashita-ai/kairos/internal/scoring"
	"github.com/ashita-ai/kairos/internal/service/queuehealth"
	"github.com/ashita-ai/kairos/internal/service/tasks"
)

// Server wraps the MCP server with Kairos's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	tasks       *tasks.Service
	monitor     *heartbeat.Monitor
	queueHealth *queuehealth.Service
	engine      *scoring.Engine
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(taskSvc *tasks.Service, monitor *heartbeat.Monitor, qh *queuehealth.Service, engine *scoring.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		tasks:       taskSvc,
		monitor:     monitor,
		queueHealth: qh,
		engine:      engine,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kairos",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kairos coordinates background jobs across a worker pool and learns the best
time slots to run them.

Use kairos_enqueue to submit work and kairos_task to check on it;
kairos_task_events shows every transition it went through, and kairos_cancel
stops it. kairos_workers reports whether the pool is keeping up, and
kairos_winners shows which content crossed the reward threshold.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
