package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// ValidateTarget resolves path to an absolute path and confirms it names a
// regular executable file.
func ValidateTarget(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty target path")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("invalid target path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("target path %q not accessible: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("target path %q is not a regular file", abs)
	}
	if info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("target path %q is not executable", abs)
	}

	return abs, nil
}

// SplitLocation splits a source path into the directory and file name
// reported in a LineEntry.
func SplitLocation(file string, line int) LineEntry {
	dir, name := filepath.Split(file)
	if dir != "" {
		dir = filepath.Clean(dir)
	}
	return LineEntry{Directory: dir, Filename: name, Line: line}
}
