// Package httpapi exposes the tool registry over HTTP for callers that do
// not speak MCP: one POST endpoint per registered tool, the execution
// history, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manojlds/heimdall/internal/audit"
	"github.com/manojlds/heimdall/internal/observability"
	"github.com/manojlds/heimdall/internal/tools"
)

// Config configures the gateway.
type Config struct {
	ListenAddr string
	APIKey     string // Empty disables authentication.

	Metrics     *observability.MetricsCollector
	MetricsPath string
	Tracer      *observability.TracerSetup
	Health      *observability.HealthChecker
	Audit       *audit.Store
}

// ErrorBody is the JSON error payload.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ToolResponse is the JSON success payload.
type ToolResponse struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Gateway is the HTTP API server.
type Gateway struct {
	config   Config
	registry *tools.Registry
	logger   *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
}

// NewGateway creates an HTTP API gateway over the tool registry.
func NewGateway(cfg Config, registry *tools.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		registry: registry,
		logger:   logger,
		okapi:    okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer.Tracer()))
	}

	group := g.okapi.Group("/v1", g.authenticate)
	group.Post("/tools/{tool}", g.handleTool,
		okapi.DocSummary("Execute a sandbox tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("tool", "string", "Tool name (e.g. execute_python)"),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List available tools"),
		okapi.DocTags("Tools"),
	)
	if g.config.Audit != nil {
		group.Get("/executions", g.handleExecutions,
			okapi.DocSummary("List recent tool executions"),
			okapi.DocTags("History"),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)
	if g.config.Metrics != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path,
			promhttp.HandlerFor(g.config.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) handleTool(c *okapi.Context) error {
	name := c.Param("tool")
	tool := g.registry.Get(name)
	if tool == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown tool: " + name})
	}

	params := map[string]any{}
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid JSON body"})
	}

	if err := tool.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{
			Error: err.Error(),
			Kind:  tools.ErrorKind(err),
		})
	}

	start := time.Now()
	result, err := tool.Execute(c.Request().Context(), params)
	duration := time.Since(start)

	success := err == nil && result != nil && result.Success
	g.record(c.Request().Context(), name, success, err, duration, result)

	if err != nil {
		return c.JSON(http.StatusOK, okapi.M{
			"success": false,
			"error":   err.Error(),
			"kind":    tools.ErrorKind(err),
		})
	}
	return c.JSON(http.StatusOK, ToolResponse{
		Success:  result.Success,
		Output:   result.Output,
		Metadata: result.Metadata,
	})
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	type toolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	}
	all := g.registry.All()
	infos := make([]toolInfo, 0, len(all))
	for _, t := range all {
		infos = append(infos, toolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return c.JSON(http.StatusOK, okapi.M{"tools": infos})
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	records, err := g.config.Audit.ListRecent(c.Request().Context(), 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "listing executions failed"})
	}
	return c.JSON(http.StatusOK, okapi.M{"executions": records})
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	if g.config.Health == nil {
		return c.JSON(http.StatusOK, okapi.M{"status": "ok"})
	}
	status := g.config.Health.CheckReady(c.Request().Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.APIKey == "" {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		key := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(key), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

func (g *Gateway) record(ctx context.Context, name string, success bool, err error, duration time.Duration, result *tools.Result) {
	if g.config.Metrics != nil {
		g.config.Metrics.RecordToolExecution(name, success, duration.Seconds())
		if err != nil {
			if tools.IsConfinementError(err) {
				g.config.Metrics.PathViolationsTotal.WithLabelValues(tools.ErrorKind(err)).Inc()
			}
			if tools.IsQuotaError(err) {
				g.config.Metrics.QuotaRejectionsTotal.WithLabelValues(tools.ErrorKind(err)).Inc()
			}
		}
	}
	if g.config.Audit != nil {
		outBytes := 0
		if result != nil {
			outBytes = len(result.Output)
		}
		g.config.Audit.RecordExecution(ctx, name, success, tools.ErrorKind(err), duration, 0, outBytes)
	}
}
