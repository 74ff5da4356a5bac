package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"

	"github.com/openmined/zipbackup/internal/archive"
	"github.com/openmined/zipbackup/internal/pathutil"
)

var ErrOutsideRoot = errors.New("directory is outside RootFrom")

// Resolved is an item whose patterns were expanded against the filesystem.
// All paths are absolute and carry their on-disk casing.
type Resolved struct {
	Index    int
	RootFrom string
	RootTo   string
	// Adds are the source roots to synchronize, in pattern order.
	Adds    []string
	Ignores []string
	Exclude []string
	Archive archive.Options
}

// Resolve expands item i. RootFrom and RootTo are relative to the config
// file's directory, Add and Ignore patterns relative to RootFrom. RootTo is
// created when create is set. An Add pattern without a match is an error: a
// missing source would otherwise get its archives removed as orphans.
func (c *Config) Resolve(fsys afero.Fs, i int, create bool) (*Resolved, error) {
	if i < 0 || i >= len(c.Items) {
		return nil, fmt.Errorf("item %d: out of range", i)
	}
	it := c.Items[i]
	if err := it.checkRequired(i); err != nil {
		return nil, err
	}

	r := &Resolved{Index: i, Exclude: it.Exclude, Archive: it.ArchiveOptions()}

	var err error
	r.RootFrom, err = pathutil.ResolveDir(fsys, it.RootFrom, c.Dir())
	if err != nil {
		return nil, fmt.Errorf("item %d: RootFrom: %w", i, err)
	}
	r.RootTo, err = pathutil.ResolveOrCreateDir(fsys, it.RootTo, c.Dir(), create)
	if err != nil {
		return nil, fmt.Errorf("item %d: RootTo: %w", i, err)
	}

	adds := mapset.NewThreadUnsafeSet[string]()
	for _, pattern := range it.Add {
		dirs, err := r.resolvePatterns(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("item %d: Add: %w", i, err)
		}
		if len(dirs) == 0 {
			return nil, fmt.Errorf("item %d: Add %q: %w", i, pattern, pathutil.ErrNoMatch)
		}
		for _, d := range dirs {
			if adds.Add(d) {
				r.Adds = append(r.Adds, d)
			}
		}
	}

	ignores := mapset.NewThreadUnsafeSet[string]()
	for _, pattern := range it.Ignore {
		dirs, err := r.resolvePatterns(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("item %d: Ignore: %w", i, err)
		}
		if len(dirs) == 0 {
			slog.Debug("ignore pattern matches nothing", "item", i, "pattern", pattern)
		}
		for _, d := range dirs {
			if ignores.Add(d) {
				r.Ignores = append(r.Ignores, d)
			}
		}
	}
	return r, nil
}

func (r *Resolved) resolvePatterns(fsys afero.Fs, pattern string) ([]string, error) {
	dirs, err := pathutil.ResolveDirs(fsys, pattern, r.RootFrom)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if !pathutil.IsWithin(d, r.RootFrom) {
			return nil, fmt.Errorf("%s: %w", d, ErrOutsideRoot)
		}
	}
	return dirs, nil
}

// Excluded returns the directories the scan of root must skip: every other
// Add or Ignore directory beneath it, and RootTo if it lies inside.
func (r *Resolved) Excluded(root string) mapset.Set[string] {
	excluded := mapset.NewSet[string]()
	for _, dirs := range [][]string{r.Adds, r.Ignores, {r.RootTo}} {
		for _, d := range dirs {
			if d != root && pathutil.IsWithin(d, root) {
				excluded.Add(d)
			}
		}
	}
	return excluded
}

// Destination maps a source directory below RootFrom to its archive
// directory below RootTo.
func (r *Resolved) Destination(root string) (string, error) {
	rel, err := filepath.Rel(r.RootFrom, root)
	if err != nil || !pathutil.IsWithin(root, r.RootFrom) {
		return "", fmt.Errorf("%s: %w", root, ErrOutsideRoot)
	}
	return filepath.Join(r.RootTo, rel), nil
}

// KeepDirs lists the destination directory of every Add and Ignore
// directory. Anything else below RootTo is an orphan.
func (r *Resolved) KeepDirs() []string {
	var keep []string
	for _, dirs := range [][]string{r.Adds, r.Ignores} {
		for _, d := range dirs {
			if dst, err := r.Destination(d); err == nil {
				keep = append(keep, dst)
			}
		}
	}
	return keep
}
