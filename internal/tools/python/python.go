// Package python implements the execute_python tool.
package python

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/manojlds/heimdall/internal/coordinator"
	"github.com/manojlds/heimdall/internal/tools"
)

// Tool runs Python source in the sandboxed worker.
type Tool struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// New creates the execute_python tool.
func New(coord *coordinator.Coordinator, logger *slog.Logger) *Tool {
	return &Tool{coord: coord, logger: logger}
}

func (t *Tool) Name() string { return "execute_python" }
func (t *Tool) Description() string {
	return "Execute Python code in a sandboxed interpreter with access to the workspace at /workspace. Returns stdout, stderr, and the value of a trailing expression."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":     map[string]any{"type": "string", "description": "Python source code to execute"},
			"packages": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Packages to install before execution (best effort)"},
		},
		"required": []string{"code"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "code"); err != nil {
		return err
	}
	_, err := tools.StringSlice(params, "packages")
	return err
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	code, err := tools.RequireString(params, "code")
	if err != nil {
		return nil, err
	}
	packages, err := tools.StringSlice(params, "packages")
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "execute_python",
		slog.Int("code_size", len(code)),
		slog.Int("packages", len(packages)),
	)

	res := t.coord.ExecutePython(ctx, code, packages)

	payload := map[string]any{
		"success": res.Success,
		"stdout":  tools.TruncateOutput(res.Stdout, tools.MaxOutputBytes),
		"stderr":  tools.TruncateOutput(res.Stderr, tools.MaxOutputBytes),
	}
	if res.Value != nil {
		payload["result"] = *res.Value
	} else {
		payload["result"] = nil
	}
	if res.Err != "" {
		payload["error"] = res.Err
	} else {
		payload["error"] = nil
	}
	rendered, _ := json.MarshalIndent(payload, "", "  ")

	return &tools.Result{
		Output:  string(rendered),
		Success: res.Success,
		Metadata: map[string]any{
			"stdout_bytes": len(res.Stdout),
			"stderr_bytes": len(res.Stderr),
		},
	}, nil
}
