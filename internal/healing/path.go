package healing

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultWorkflowDir is where queued heals may edit files unless configured otherwise.
const DefaultWorkflowDir = ".github/workflows"

var ErrWorkflowPath = errors.New("invalid workflow path")

// CheckWorkflowPath accepts a relative path with no ".." segments that lies
// under dir. An empty or "." dir allows any such relative path.
func CheckWorkflowPath(dir, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty", ErrWorkflowPath)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %s is absolute", ErrWorkflowPath, path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %s contains '..'", ErrWorkflowPath, path)
		}
	}

	root := filepath.Clean(dir)
	if dir == "" || root == "." {
		return nil
	}
	if !strings.HasPrefix(filepath.Clean(path), root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside %s", ErrWorkflowPath, path, root)
	}
	return nil
}
