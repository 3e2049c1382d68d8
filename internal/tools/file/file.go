// Package file implements the workspace file tools: write_file, read_file,
// list_files, delete_file. All paths are virtual workspace paths; the
// coordinator applies confinement, quota, and virtual-filesystem sync.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/manojlds/heimdall/internal/coordinator"
	"github.com/manojlds/heimdall/internal/tools"
)

// WriteTool stores UTF-8 text in the workspace.
type WriteTool struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewWriteTool creates the write_file tool.
func NewWriteTool(coord *coordinator.Coordinator, logger *slog.Logger) *WriteTool {
	return &WriteTool{coord: coord, logger: logger}
}

func (t *WriteTool) Name() string { return "write_file" }
func (t *WriteTool) Description() string {
	return "Write UTF-8 text to a file in the workspace, creating parent directories. Subject to per-file and workspace size limits."
}

func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root"},
			"content": map[string]any{"type": "string", "description": "File content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	if _, ok := params["content"]; !ok {
		return &tools.ParamError{Key: "content", Reason: "missing"}
	}
	if _, ok := params["content"].(string); !ok {
		return &tools.ParamError{Key: "content", Reason: "must be a string"}
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	content, _ := params["content"].(string)

	t.logger.InfoContext(ctx, "write_file",
		slog.String("path", path),
		slog.Int("bytes", len(content)),
	)

	if err := t.coord.WriteFile(ctx, path, content); err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Success: true,
		Metadata: map[string]any{
			"bytes": len(content),
		},
	}, nil
}

// ReadTool returns file contents.
type ReadTool struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewReadTool creates the read_file tool.
func NewReadTool(coord *coordinator.Coordinator, logger *slog.Logger) *ReadTool {
	return &ReadTool{coord: coord, logger: logger}
}

func (t *ReadTool) Name() string { return "read_file" }
func (t *ReadTool) Description() string {
	return "Read a UTF-8 text file from the workspace."
}

func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "path")
	return err
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "read_file", slog.String("path", path))

	content, err := t.coord.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(content, tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"bytes": len(content),
		},
	}, nil
}

// ListTool lists a workspace directory.
type ListTool struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewListTool creates the list_files tool.
func NewListTool(coord *coordinator.Coordinator, logger *slog.Logger) *ListTool {
	return &ListTool{coord: coord, logger: logger}
}

func (t *ListTool) Name() string { return "list_files" }
func (t *ListTool) Description() string {
	return "List files in a workspace directory. Defaults to the workspace root."
}

func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"directory": map[string]any{"type": "string", "description": "Directory relative to the workspace root (optional)"},
		},
	}
}

func (t *ListTool) Validate(params map[string]any) error {
	_, err := tools.OptionalString(params, "directory")
	return err
}

func (t *ListTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	dir, err := tools.OptionalString(params, "directory")
	if err != nil {
		return nil, err
	}

	entries, err := t.coord.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	rendered, _ := json.MarshalIndent(entries, "", "  ")
	return &tools.Result{
		Output:  string(rendered),
		Success: true,
		Metadata: map[string]any{
			"count": len(entries),
		},
	}, nil
}

// DeleteTool removes a file or directory.
type DeleteTool struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewDeleteTool creates the delete_file tool.
func NewDeleteTool(coord *coordinator.Coordinator, logger *slog.Logger) *DeleteTool {
	return &DeleteTool{coord: coord, logger: logger}
}

func (t *DeleteTool) Name() string { return "delete_file" }
func (t *DeleteTool) Description() string {
	return "Delete a file or directory (recursively) from the workspace. Symlinks are unlinked without following them."
}

func (t *DeleteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "path")
	return err
}

func (t *DeleteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "delete_file", slog.String("path", path))

	if err := t.coord.DeleteFile(ctx, path); err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  "deleted " + path,
		Success: true,
	}, nil
}
