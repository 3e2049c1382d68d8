// Package config handles loading and validating Heimdall configuration.
//
// Configuration comes from an optional YAML file plus environment variable
// overrides. Environment variables always win. Non-positive numeric values
// from the file are replaced by their defaults; invalid numeric environment
// values are ignored with a warning, keeping the file or default value. A
// misconfigured limit never disables enforcement or crashes startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults for the sandbox limits.
const (
	DefaultMaxFileSize      = 10 << 20  // 10 MiB
	DefaultMaxWorkspaceSize = 100 << 20 // 100 MiB
	DefaultPythonTimeout    = 5 * time.Second

	// DefaultWorkerInitTimeout bounds first-time worker startup, which
	// includes compiling the WASM module. Deliberately generous.
	DefaultWorkerInitTimeout = 60 * time.Second
)

// Config is the root configuration for Heimdall.
// Immutable after Load; components receive it at construction.
type Config struct {
	// Workspace is the host directory all user-visible file state lives under.
	// Default: <cwd>/workspace. Override: HEIMDALL_WORKSPACE.
	Workspace string `yaml:"workspace,omitempty"`

	// MaxFileSize caps a single write, in bytes.
	MaxFileSize int64 `yaml:"max_file_size,omitempty"`

	// MaxWorkspaceSize caps the total workspace, in bytes.
	MaxWorkspaceSize int64 `yaml:"max_workspace_size,omitempty"`

	// PythonTimeout is the wall-clock limit for a single execute_python call.
	PythonTimeout time.Duration `yaml:"python_timeout,omitempty"`

	// WorkerInitTimeout bounds worker startup.
	WorkerInitTimeout time.Duration `yaml:"worker_init_timeout,omitempty"`

	// PythonWasm is the path to the CPython WASI binary loaded by the
	// embedded engine. Empty means Python execution reports the worker
	// as unavailable. Override: HEIMDALL_PYTHON_WASM.
	PythonWasm string `yaml:"python_wasm,omitempty"`

	Bash          BashConfig           `yaml:"bash"`
	Gateway       GatewayConfig        `yaml:"gateway"`
	Observability *ObservabilityConfig `yaml:"observability,omitempty"` // nil = observability disabled
	Audit         *AuditConfig         `yaml:"audit,omitempty"`         // nil = audit log disabled
	Janitor       *JanitorConfig       `yaml:"janitor,omitempty"`       // nil = janitor disabled
}

// BashConfig bounds the embedded bash interpreter.
type BashConfig struct {
	MaxLoopIterations int `yaml:"max_loop_iterations"` // Default: 10000
	MaxCommandCount   int `yaml:"max_command_count"`   // Default: 1000
	MaxCallDepth      int `yaml:"max_call_depth"`      // Default: 100
	MaxOutputBytes    int `yaml:"max_output_bytes"`    // Default: 1 MiB
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	Addr   string `yaml:"addr"`              // Default: ":8088"
	APIKey string `yaml:"api_key,omitempty"` // Empty = no authentication.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"` // Default: "heimdall"
	Endpoint    string  `yaml:"endpoint"`     // OTLP collector endpoint.
	Protocol    string  `yaml:"protocol"`     // "grpc" (default) or "http".
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"` // Default: 1.0
}

// AuditConfig configures the sqlite execution history.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // Default: <workspace>/../heimdall-audit.db
}

// JanitorConfig configures the periodic workspace sweep.
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule,omitempty"` // Cron expression. Default: "*/5 * * * *"
}

// Load reads the optional YAML config file at path, applies defaults, then
// applies environment variable overrides. An empty path means env-only.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides(logger)

	abs, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path %q: %w", cfg.Workspace, err)
	}
	cfg.Workspace = abs

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		c.Workspace = filepath.Join(cwd, "workspace")
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxWorkspaceSize <= 0 {
		c.MaxWorkspaceSize = DefaultMaxWorkspaceSize
	}
	if c.PythonTimeout <= 0 {
		c.PythonTimeout = DefaultPythonTimeout
	}
	if c.WorkerInitTimeout <= 0 {
		c.WorkerInitTimeout = DefaultWorkerInitTimeout
	}
	if c.Bash.MaxLoopIterations <= 0 {
		c.Bash.MaxLoopIterations = 10000
	}
	if c.Bash.MaxCommandCount <= 0 {
		c.Bash.MaxCommandCount = 1000
	}
	if c.Bash.MaxCallDepth <= 0 {
		c.Bash.MaxCallDepth = 100
	}
	if c.Bash.MaxOutputBytes <= 0 {
		c.Bash.MaxOutputBytes = 1 << 20
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8088"
	}
	if c.Audit != nil && c.Audit.Enabled && c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(filepath.Dir(c.Workspace), "heimdall-audit.db")
	}
	if c.Janitor != nil && c.Janitor.Enabled && c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "*/5 * * * *"
	}
}

func (c *Config) applyEnvOverrides(logger *slog.Logger) {
	if v := os.Getenv("HEIMDALL_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("HEIMDALL_PYTHON_WASM"); v != "" {
		c.PythonWasm = v
	}
	if v := os.Getenv("HEIMDALL_GATEWAY_ADDR"); v != "" {
		c.Gateway.Addr = v
	}
	if v := os.Getenv("HEIMDALL_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}

	c.MaxFileSize = envBytes(logger, "HEIMDALL_MAX_FILE_SIZE", c.MaxFileSize)
	c.MaxWorkspaceSize = envBytes(logger, "HEIMDALL_MAX_WORKSPACE_SIZE", c.MaxWorkspaceSize)

	if v := os.Getenv("HEIMDALL_PYTHON_EXECUTION_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			logger.Warn("invalid HEIMDALL_PYTHON_EXECUTION_TIMEOUT_MS, using default",
				slog.String("value", v),
				slog.Duration("default", c.PythonTimeout),
			)
		} else {
			c.PythonTimeout = time.Duration(ms) * time.Millisecond
		}
	}
}

// envBytes parses a positive byte count from the environment, falling back
// to the current value with a warning on anything unparseable or non-positive.
func envBytes(logger *slog.Logger, key string, current int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		logger.Warn("invalid byte size in environment, using default",
			slog.String("var", key),
			slog.String("value", v),
			slog.Int64("default", current),
		)
		return current
	}
	return n
}
