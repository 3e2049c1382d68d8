package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/manojlds/heimdall/internal/audit"
	"github.com/manojlds/heimdall/internal/config"
	"github.com/manojlds/heimdall/internal/coordinator"
	"github.com/manojlds/heimdall/internal/janitor"
	"github.com/manojlds/heimdall/internal/observability"
	"github.com/manojlds/heimdall/internal/pyengine"
	"github.com/manojlds/heimdall/internal/pyworker"
	"github.com/manojlds/heimdall/internal/tools"
	bashtool "github.com/manojlds/heimdall/internal/tools/bash"
	filetool "github.com/manojlds/heimdall/internal/tools/file"
	pytool "github.com/manojlds/heimdall/internal/tools/python"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (or HEIMDALL_CONFIG)")
}

// runtime bundles everything a serving command needs.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	coord    *coordinator.Coordinator
	registry *tools.Registry
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerSetup
	health   *observability.HealthChecker
	auditor  *audit.Store
	sweeper  *janitor.Janitor
}

// newLogger builds the JSON logger all components share. Logs go to stderr:
// in MCP stdio mode, stdout belongs to the protocol.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("HEIMDALL_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildRuntime loads configuration and assembles the component graph.
func buildRuntime() (*runtime, error) {
	logger := newLogger()

	cfg, err := config.Load(goutils.Env("HEIMDALL_CONFIG", configPath), logger)
	if err != nil {
		return nil, err
	}

	var metrics *observability.MetricsCollector
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetricsCollector()
	}

	var tracer *observability.TracerSetup
	if cfg.Observability != nil {
		tracer, err = observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
	}

	var auditor *audit.Store
	if cfg.Audit != nil && cfg.Audit.Enabled {
		auditor, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
	}

	// The virtual filesystem is shared across worker restarts so files
	// survive a timeout kill.
	sharedFS := pyengine.NewMemFS()
	factory := engineFactory(cfg, sharedFS, logger)

	coord, err := coordinator.New(cfg, factory, sharedFS, logger)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		coord.Supervisor().OnRestart(func() { metrics.WorkerRestartsTotal.Inc() })
	}

	registry := tools.NewRegistry()
	registry.Register(pytool.New(coord, logger))
	registry.Register(bashtool.New(coord, logger))
	registry.Register(filetool.NewWriteTool(coord, logger))
	registry.Register(filetool.NewReadTool(coord, logger))
	registry.Register(filetool.NewListTool(coord, logger))
	registry.Register(filetool.NewDeleteTool(coord, logger))

	health := observability.NewHealthChecker(logger)
	health.AddWorkspaceCheck(coord.Guard().Root())
	if auditor != nil {
		health.AddCheck("audit", auditor.Ping)
	}

	var sweeper *janitor.Janitor
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		sweeper = janitor.New(coord.Guard().Root(), coord.Keeper(), metrics, logger)
		if err := sweeper.Start(cfg.Janitor.Schedule); err != nil {
			return nil, fmt.Errorf("starting janitor: %w", err)
		}
	}

	logger.Info("heimdall runtime ready",
		slog.String("workspace", coord.Guard().Root()),
		slog.Int64("max_file_size", cfg.MaxFileSize),
		slog.Int64("max_workspace_size", cfg.MaxWorkspaceSize),
		slog.Duration("python_timeout", cfg.PythonTimeout),
	)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
		health:   health,
		auditor:  auditor,
		sweeper:  sweeper,
	}, nil
}

// engineFactory returns the supervisor's engine constructor. Without a
// configured WASM binary the factory fails, which surfaces to callers as a
// worker-unavailable result rather than a crash.
func engineFactory(cfg *config.Config, sharedFS *pyengine.MemFS, logger *slog.Logger) pyworker.EngineFactory {
	return func(ctx context.Context) (pyengine.Engine, error) {
		if cfg.PythonWasm == "" {
			return nil, fmt.Errorf("no python runtime configured (set HEIMDALL_PYTHON_WASM)")
		}
		return pyengine.NewWasmEngine(ctx, cfg.PythonWasm, logger,
			pyengine.WithFilesystem(sharedFS),
		)
	}
}

// close tears down in reverse construction order.
func (r *runtime) close() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	r.coord.Close()
	if r.auditor != nil {
		_ = r.auditor.Close()
	}
	_ = r.tracer.Shutdown(context.Background())
}
