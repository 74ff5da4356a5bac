package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

var ErrNoMatch = errors.New("no matching directory")

// globEscaper quotes every doublestar meta character except * and ?, which
// are the only wildcards a path pattern supports.
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	"[", `\[`,
	"]", `\]`,
	"{", `\{`,
	"}", `\}`,
)

// caseInsensitive mirrors the default behaviour of the platform's filesystem.
// Matching is done against the real directory listing, so results always
// carry the on-disk casing.
var caseInsensitive = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// CaseInsensitive reports whether paths are compared ignoring case.
func CaseInsensitive() bool { return caseInsensitive }

// ResolveDirs returns every existing directory matching pattern. Each path
// segment may contain the wildcards * and ?; any other character, brackets
// and braces included, matches itself. Relative patterns are resolved
// against base.
func ResolveDirs(fsys afero.Fs, pattern, base string) ([]string, error) {
	abs, err := Abs(pattern, base)
	if err != nil {
		return nil, fmt.Errorf("resolve dir %q: %w", pattern, err)
	}

	dirs, err := resolveDirs(fsys, abs)
	if err != nil {
		return nil, fmt.Errorf("resolve dir %q: %w", pattern, err)
	}
	return dirs, nil
}

// ResolveDir resolves p to exactly one existing directory, the first match.
func ResolveDir(fsys afero.Fs, p, base string) (string, error) {
	dirs, err := ResolveDirs(fsys, p, base)
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("resolve dir %q: %w", p, ErrNoMatch)
	}
	return dirs[0], nil
}

// ResolveOrCreateDir resolves p like ResolveDir, optionally creating it first.
func ResolveOrCreateDir(fsys afero.Fs, p, base string, create bool) (string, error) {
	abs, err := Abs(p, base)
	if err != nil {
		return "", fmt.Errorf("resolve dir %q: %w", p, err)
	}

	if create {
		exists, err := afero.DirExists(fsys, abs)
		if err != nil {
			return "", fmt.Errorf("stat dir %q: %w", abs, err)
		}
		if !exists {
			if err := fsys.MkdirAll(abs, 0o755); err != nil {
				return "", fmt.Errorf("create dir %q: %w", abs, err)
			}
		}
	}

	return ResolveDir(fsys, abs, "")
}

func resolveDirs(fsys afero.Fs, pattern string) ([]string, error) {
	parent := filepath.Dir(pattern)
	if parent == pattern {
		// volume root
		return []string{strings.ToUpper(pattern)}, nil
	}

	parents, err := resolveDirs(fsys, parent)
	if err != nil {
		return nil, err
	}

	name := globEscaper.Replace(filepath.Base(pattern))
	var dirs []string
	for _, p := range parents {
		infos, err := afero.ReadDir(fsys, p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}

		for _, info := range infos {
			ok, err := matchSegment(name, info.Name())
			if err != nil {
				return nil, err
			}
			if ok && isDir(fsys, filepath.Join(p, info.Name()), info) {
				dirs = append(dirs, filepath.Join(p, info.Name()))
			}
		}
	}
	return dirs, nil
}

func matchSegment(pattern, name string) (bool, error) {
	if caseInsensitive {
		pattern, name = strings.ToLower(pattern), strings.ToLower(name)
	}
	return doublestar.Match(pattern, name)
}

func isDir(fsys afero.Fs, p string, info os.FileInfo) bool {
	if info.IsDir() {
		return true
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false
	}
	target, err := fsys.Stat(p)
	return err == nil && target.IsDir()
}
