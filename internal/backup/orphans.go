package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/openmined/zipbackup/internal/pathutil"
)

// OrphanStats counts what CleanupOrphans removed.
type OrphanStats struct {
	Files int `json:"files"`
	Dirs  int `json:"dirs"`
}

// CleanupOrphans removes destination directories below destRoot that belong
// to no configured root. keep lists the absolute destination directories of
// every configured root; they and their ancestors survive. A condemned
// directory loses its files and its empty subdirectories, and is removed if
// that leaves it empty. Non-empty structure below it is left alone. Failures
// are logged per directory and do not stop the cleanup.
func CleanupOrphans(fsys afero.Fs, destRoot string, keep []string) (OrphanStats, error) {
	var stats OrphanStats
	c := &orphanCleaner{fs: fsys, keep: keep, stats: &stats}
	err := c.visit(filepath.Clean(destRoot))
	return stats, err
}

type orphanCleaner struct {
	fs    afero.Fs
	keep  []string
	stats *OrphanStats
}

func (c *orphanCleaner) visit(dir string) error {
	infos, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", dir, err)
	}

	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		child := filepath.Join(dir, info.Name())
		if c.kept(child) {
			if err := c.visit(child); err != nil {
				slog.Warn("orphan cleanup failed", "dir", child, "error", err)
			}
			continue
		}
		if err := c.condemn(child); err != nil {
			slog.Warn("orphan cleanup failed", "dir", child, "error", err)
		}
	}
	return nil
}

// kept reports whether dir is a configured destination or contains one.
func (c *orphanCleaner) kept(dir string) bool {
	for _, k := range c.keep {
		if pathutil.IsWithin(k, dir) || (pathutil.CaseInsensitive() && pathutil.IsWithinFold(k, dir)) {
			return true
		}
	}
	return false
}

func (c *orphanCleaner) condemn(dir string) error {
	slog.Info("removing orphan destination", "dir", dir)

	infos, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return err
	}

	var errs []error
	remaining := 0
	for _, info := range infos {
		p := filepath.Join(dir, info.Name())
		if !info.IsDir() {
			if err := c.fs.Remove(p); err != nil {
				errs = append(errs, err)
				remaining++
				continue
			}
			c.stats.Files++
			continue
		}

		empty, err := afero.IsEmpty(c.fs, p)
		if err != nil {
			errs = append(errs, err)
			remaining++
			continue
		}
		if !empty {
			slog.Debug("orphan cleanup keeps non-empty directory", "dir", p)
			remaining++
			continue
		}
		if err := c.fs.Remove(p); err != nil {
			errs = append(errs, err)
			remaining++
			continue
		}
		c.stats.Dirs++
	}

	if remaining == 0 {
		if err := c.fs.Remove(dir); err != nil {
			errs = append(errs, err)
		} else {
			c.stats.Dirs++
		}
	}
	return errors.Join(errs...)
}
