// Package pathutil resolves configuration-supplied directory patterns against
// the filesystem and provides the canonical relative path form shared by the
// source scanner and the archive reader.
package pathutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// NormPath converts a relative path into its canonical form: forward slashes,
// no leading "./" or "/", no trailing separator. The root maps to "".
// Both scanned paths and archive entry names must go through this function,
// otherwise diffing silently breaks.
func NormPath(p string) string {
	p = filepath.ToSlash(p)
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// ParentPath returns the normalized parent of a normalized path, or "" for
// top-level entries.
func ParentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// ExpandHome replaces a leading `~` with the current user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("failed to retrieve home directory")
	}
	return filepath.Join(homeDir, p[1:]), nil
}

// Abs expands `~` and makes p absolute. Relative paths are resolved against
// base, or against the working directory when base is empty.
func Abs(p, base string) (string, error) {
	if p == "" {
		return "", errors.New("path cannot be empty")
	}

	p, err := ExpandHome(p)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(p) {
		if base == "" {
			return filepath.Abs(p)
		}
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p), nil
}

// IsWithin reports whether child is dir itself or lies beneath it. Both
// paths must be absolute and clean.
func IsWithin(child, dir string) bool {
	rel, err := filepath.Rel(dir, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// IsWithinFold is IsWithin ignoring case.
func IsWithinFold(child, dir string) bool {
	return IsWithin(strings.ToLower(child), strings.ToLower(dir))
}
