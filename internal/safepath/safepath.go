package safepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecurityError reports a path that resolves outside its configured root.
type SecurityError struct {
	Path string
	Root string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("path %s is outside safety root %s", e.Path, e.Root)
}

// Validate reports whether candidate resolves to root itself or to a path
// nested under it.
func Validate(candidate, root string) bool {
	_, err := Resolve(root, candidate)
	return err == nil
}

// Resolve returns the resolved absolute form of candidate. Symlinks are
// evaluated on the longest existing prefix of both paths, so a link inside
// root that points elsewhere is rejected. Paths escaping root yield a
// *SecurityError.
func Resolve(root, candidate string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("safety root is required")
	}
	if strings.TrimSpace(candidate) == "" {
		return "", fmt.Errorf("target path is required")
	}

	rootReal, err := resolveExisting(root)
	if err != nil {
		return "", fmt.Errorf("resolve root path %s: %w", root, err)
	}
	targetReal, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve target path %s: %w", candidate, err)
	}

	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil {
		return "", &SecurityError{Path: candidate, Root: root}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &SecurityError{Path: candidate, Root: root}
	}
	return targetReal, nil
}

// resolveExisting makes p absolute and evaluates symlinks on the deepest
// ancestor that exists, re-appending the missing tail unchanged.
func resolveExisting(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var missing []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, missing...)...), nil
}
