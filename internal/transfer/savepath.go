package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultDirPermissions = 0o755

var invalidLabelChars = regexp.MustCompile(`[/\\:*?"<>|]+`)

// SanitizeLabel strips characters that are not allowed in folder names.
func SanitizeLabel(label string) string {
	clean := strings.TrimSpace(invalidLabelChars.ReplaceAllString(label, ""))
	if clean == "" || clean == "." || clean == ".." {
		return "unknown"
	}
	return clean
}

// ResolveSavePath returns baseDir/<label>/fileName, or the first free
// "name (renamed N).ext" variant when that path is taken. The buddy folder
// is created on the way; failing to create it is a *ResolutionError.
func ResolveSavePath(baseDir, buddyLabel, fileName string) (string, error) {
	if strings.TrimSpace(baseDir) == "" {
		return "", &ResolutionError{Err: ErrNoSaveDir}
	}
	dir := filepath.Join(baseDir, SanitizeLabel(buddyLabel))
	if err := os.MkdirAll(dir, defaultDirPermissions); err != nil {
		return "", &ResolutionError{Path: dir, Err: err}
	}
	name := filepath.Base(filepath.Clean("/" + fileName))
	if name == "/" || name == "." {
		name = "unnamed"
	}
	return firstFreePath(dir, name)
}

func firstFreePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	free, err := pathFree(candidate)
	if err != nil {
		return "", &ResolutionError{Path: candidate, Err: err}
	}
	if free {
		return candidate, nil
	}
	base, ext := splitExt(name)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (renamed %d)%s", base, i, ext))
		free, err := pathFree(candidate)
		if err != nil {
			return "", &ResolutionError{Path: candidate, Err: err}
		}
		if free {
			return candidate, nil
		}
	}
}

func pathFree(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	return false, err
}

// splitExt keeps leading dots with the base name, so ".profile" has no extension.
func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if strings.Trim(base, ".") == "" {
		return name, ""
	}
	return base, ext
}
