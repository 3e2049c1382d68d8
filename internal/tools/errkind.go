package tools

import (
	"errors"

	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyworker"
	"github.com/manojlds/heimdall/internal/quota"
)

// ErrorKind maps an error to its stable kind name, used in result payloads,
// metrics labels, and the audit log.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pathguard.ErrSymlinkEscape):
		return "symlink_escape"
	case errors.Is(err, pathguard.ErrPathEscape):
		return "path_escape"
	case errors.Is(err, pathguard.ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, quota.ErrFileTooLarge):
		return "file_too_large"
	case errors.Is(err, quota.ErrWorkspaceFull):
		return "workspace_full"
	case errors.Is(err, pyworker.ErrTimeout):
		return "timeout"
	case errors.Is(err, pyworker.ErrWorkerUnavailable):
		return "worker_unavailable"
	default:
		var paramErr *ParamError
		if errors.As(err, &paramErr) {
			return "invalid_params"
		}
		return "execution_error"
	}
}

// IsConfinementError reports whether the error came from path validation,
// for the path-violation metric.
func IsConfinementError(err error) bool {
	return errors.Is(err, pathguard.ErrPathEscape) ||
		errors.Is(err, pathguard.ErrSymlinkEscape) ||
		errors.Is(err, pathguard.ErrInvalidPath)
}

// IsQuotaError reports whether the error came from size enforcement.
func IsQuotaError(err error) bool {
	return errors.Is(err, quota.ErrFileTooLarge) ||
		errors.Is(err, quota.ErrWorkspaceFull)
}
