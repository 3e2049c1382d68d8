// Package bash implements the execute_bash tool.
package bash

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manojlds/heimdall/internal/coordinator"
	"github.com/manojlds/heimdall/internal/tools"
)

// Tool runs bash command strings through the confined shell engine.
type Tool struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// New creates the execute_bash tool.
func New(coord *coordinator.Coordinator, logger *slog.Logger) *Tool {
	return &Tool{coord: coord, logger: logger}
}

func (t *Tool) Name() string { return "execute_bash" }
func (t *Tool) Description() string {
	return "Execute a bash command against the workspace. Only the confined builtin command set is available; there is no network and no host binary access."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The bash command to execute"},
			"cwd":     map[string]any{"type": "string", "description": "Working directory relative to the workspace root"},
		},
		"required": []string{"command"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "command"); err != nil {
		return err
	}
	_, err := tools.OptionalString(params, "cwd")
	return err
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}
	cwd, err := tools.OptionalString(params, "cwd")
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "execute_bash", slog.String("command", command))

	res, err := t.coord.ExecuteBash(ctx, command, cwd)
	if err != nil {
		return nil, err
	}

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}
	if res.ExitCode != 0 {
		output += fmt.Sprintf("\n[exit code %d]", res.ExitCode)
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: res.ExitCode == 0,
		Metadata: map[string]any{
			"exit_code": res.ExitCode,
		},
	}, nil
}
