package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// Every tenant workdir carries the same layout. The agent inside the
// container sees it mounted at /workspace.
var workdirSubdirs = []string{"logs", "media", "knowledge", "ipc"}

// EnsureWorkdir creates the tenant workdir and its fixed sub-layout,
// returning the host-side absolute path.
func EnsureWorkdir(base, folder string) (string, error) {
	dir := filepath.Join(base, folder)
	for _, sub := range workdirSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create workdir %s/%s: %w", folder, sub, err)
		}
	}
	return dir, nil
}
