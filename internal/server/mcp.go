// Package server exposes the tool registry over MCP stdio, the transport
// agents speak natively. Tool schemas come straight from the registry so
// the MCP surface and the HTTP gateway can never drift apart.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/manojlds/heimdall/internal/audit"
	"github.com/manojlds/heimdall/internal/observability"
	"github.com/manojlds/heimdall/internal/tools"
)

// Server wraps the MCP stdio server.
type Server struct {
	mcp     *mcpserver.MCPServer
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	auditor *audit.Store
}

// Config wires optional collaborators. Version is the build version
// reported during the MCP handshake.
type Config struct {
	Version string
	Metrics *observability.MetricsCollector
	Audit   *audit.Store
}

// New builds an MCP server serving every tool in the registry.
func New(cfg Config, registry *tools.Registry, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp: mcpserver.NewMCPServer("heimdall", version,
			mcpserver.WithToolCapabilities(false),
		),
		logger:  logger,
		metrics: cfg.Metrics,
		auditor: cfg.Audit,
	}

	for _, tool := range registry.All() {
		schema, err := json.Marshal(tool.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("marshaling schema for %s: %w", tool.Name(), err)
		}
		mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
		s.mcp.AddTool(mcpTool, s.handler(tool))
	}

	return s, nil
}

// Serve runs the stdio loop until the client disconnects.
func (s *Server) Serve() error {
	s.logger.Info("serving MCP over stdio")
	return mcpserver.ServeStdio(s.mcp)
}

// handler adapts one registry tool into an MCP tool handler, recording
// metrics and audit rows around the call.
func (s *Server) handler(tool tools.Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}

		if err := tool.Validate(params); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		start := time.Now()
		result, err := tool.Execute(ctx, params)
		duration := time.Since(start)

		success := err == nil && result != nil && result.Success
		s.record(ctx, tool.Name(), success, err, duration, result)

		if err != nil {
			// Tool-level failures are results, not protocol errors.
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !result.Success {
			return mcp.NewToolResultError(result.Output), nil
		}
		return mcp.NewToolResultText(result.Output), nil
	}
}

func (s *Server) record(ctx context.Context, name string, success bool, err error, duration time.Duration, result *tools.Result) {
	if s.metrics != nil {
		s.metrics.RecordToolExecution(name, success, duration.Seconds())
		if err != nil {
			if tools.IsConfinementError(err) {
				s.metrics.PathViolationsTotal.WithLabelValues(tools.ErrorKind(err)).Inc()
			}
			if tools.IsQuotaError(err) {
				s.metrics.QuotaRejectionsTotal.WithLabelValues(tools.ErrorKind(err)).Inc()
			}
		}
	}
	if s.auditor != nil {
		outBytes := 0
		if result != nil {
			outBytes = len(result.Output)
		}
		s.auditor.RecordExecution(ctx, name, success, tools.ErrorKind(err), duration, 0, outBytes)
	}
}
