package utils

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultOutputDirectory is where reports land when no destination is configured
const DefaultOutputDirectory = "m365-audit-output"

// EnsureDirectoryExists creates a directory and all necessary parent directories.
// It's safe to call multiple times.
func EnsureDirectoryExists(dirPath string) error {
	if dirPath == "" || dirPath == "." {
		return nil
	}

	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		absPath = dirPath
	}

	if info, err := os.Stat(absPath); err == nil {
		if info.IsDir() {
			slog.Debug("directory already exists", "path", absPath)
			return nil
		}
		return fmt.Errorf("path %s exists but is not a directory", absPath)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", absPath, err)
	}

	slog.Debug("created directory", "path", absPath, "permissions", "0755")
	return nil
}

// EnsureFileDirectory creates the directory needed for a given file path
func EnsureFileDirectory(filePath string) error {
	return EnsureDirectoryExists(filepath.Dir(filePath))
}

// WriteFileAtomic writes data next to path and renames it into place, so a
// re-export replaces the previous file instead of leaving a torn one behind.
func WriteFileAtomic(path string, data []byte) error {
	if err := EnsureFileDirectory(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
