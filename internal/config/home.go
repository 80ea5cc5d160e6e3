package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the agentloop home directory.
const HomeEnv = "AGENTLOOP_HOME"

// GetHome returns the agentloop home directory
// Priority order:
//  1. AGENTLOOP_HOME environment variable (if set)
//  2. Nearest ancestor directory containing a .agentloop-root marker
//  3. .agentloop under the current working directory (fallback)
//
// The directory is created if it doesn't exist
func GetHome() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		if err := os.MkdirAll(home, 0755); err != nil {
			return "", fmt.Errorf("create agentloop home directory: %w", err)
		}
		return home, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	base := cwd
	if root, ok := findRoot(cwd); ok {
		base = root
	}
	home := filepath.Join(base, ".agentloop")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create agentloop home directory: %w", err)
	}
	return home, nil
}

// findRoot walks up from dir looking for a .agentloop-root marker.
func findRoot(dir string) (string, bool) {
	current := dir
	for {
		if _, err := os.Stat(filepath.Join(current, ".agentloop-root")); err == nil {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// ResolvePath makes a relative .agentloop/... path absolute against the
// agentloop home, leaving every other path alone. Config defaults such as
// ".agentloop/records.db" then follow AGENTLOOP_HOME.
func ResolvePath(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return path, nil
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	rel, ok := strings.CutPrefix(clean, ".agentloop/")
	if !ok {
		return path, nil
	}
	home, err := GetHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, filepath.FromSlash(rel)), nil
}
