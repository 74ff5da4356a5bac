package backup

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// ExcludeList matches gitignore-style patterns against paths relative to a
// source root. Matching files and directories are treated as absent.
type ExcludeList struct {
	patterns []string
	ignore   *gitignore.GitIgnore
}

// NewExcludeList compiles patterns. It returns nil when there are none, and
// a nil list excludes nothing.
func NewExcludeList(patterns ...string) *ExcludeList {
	var lines []string
	for _, p := range patterns {
		if p != "" {
			lines = append(lines, p)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return &ExcludeList{patterns: lines, ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldExclude reports whether the normalized relative path is excluded.
func (l *ExcludeList) ShouldExclude(name string, isDir bool) bool {
	if l == nil || name == "" {
		return false
	}
	if isDir {
		name += "/"
	}
	return l.ignore.MatchesPath(name)
}

func (l *ExcludeList) Patterns() []string {
	if l == nil {
		return nil
	}
	return l.patterns
}
