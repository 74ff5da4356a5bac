package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// MaxScanDepth bounds directory recursion. Symlink cycles are not detected,
// so a cycle surfaces as ErrMaxDepth instead of recursing forever.
const MaxScanDepth = 256

var ErrMaxDepth = errors.New("maximum directory depth exceeded")

// Scanner builds the SourceState of a directory tree.
type Scanner struct {
	fs      afero.Fs
	workers int
	exclude *ExcludeList
}

func NewScanner(fsys afero.Fs, workers int, exclude *ExcludeList) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{fs: fsys, workers: workers, exclude: exclude}
}

type scanJob struct {
	root     string
	excluded mapset.Set[string]
	state    *SourceState
	eg       *errgroup.Group
	ctx      context.Context
}

// Scan enumerates everything below root except the subtrees whose absolute
// paths are in excluded. Any error aborts the scan: a partial state would
// make the diff delete entries that still exist.
func (s *Scanner) Scan(ctx context.Context, root string, excluded mapset.Set[string]) (*SourceState, error) {
	root = filepath.Clean(root)
	if excluded == nil {
		excluded = mapset.NewThreadUnsafeSet[string]()
	}

	info, err := s.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: not a directory", root)
	}

	start := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)

	job := &scanJob{
		root:     root,
		excluded: excluded,
		state:    NewSourceState(),
		eg:       eg,
		ctx:      egCtx,
	}

	eg.Go(func() error {
		return s.scanDir(job, root, 0)
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	slog.Debug("scan complete", "root", root, "entries", job.state.Len(), "took", time.Since(start))
	return job.state, nil
}

func (s *Scanner) scanDir(job *scanJob, dir string, depth int) error {
	if err := job.ctx.Err(); err != nil {
		return err
	}
	if depth > MaxScanDepth {
		return fmt.Errorf("%s: %w", dir, ErrMaxDepth)
	}

	children, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	for _, child := range children {
		abs := filepath.Join(dir, child.Name())
		rel, err := filepath.Rel(job.root, abs)
		if err != nil {
			return fmt.Errorf("rel path %s: %w", abs, err)
		}
		name := NormPath(rel)

		info := child
		if child.Mode()&os.ModeSymlink != 0 {
			// follow links; a dangling link is an unreadable entry
			info, err = s.fs.Stat(abs)
			if err != nil {
				return fmt.Errorf("follow symlink %s: %w", abs, err)
			}
		}

		if info.IsDir() {
			if job.excluded.Contains(abs) || s.exclude.ShouldExclude(name, true) {
				slog.Debug("scan skip", "path", abs)
				continue
			}
			job.state.Add(&PathEntry{Name: name, Kind: KindDirectory, ModTime: info.ModTime().Truncate(time.Second)})
			if err := s.spawn(job, abs, depth+1); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			slog.Debug("scan skip irregular file", "path", abs, "mode", info.Mode())
			continue
		}
		if s.exclude.ShouldExclude(name, false) {
			continue
		}

		job.state.AddFile(&PathEntry{
			Name:    name,
			Kind:    KindFile,
			Size:    uint64(info.Size()),
			ModTime: info.ModTime().Truncate(time.Second),
		})
	}
	return nil
}

// spawn scans dir on a pool worker, or inline when the pool is saturated so
// a worker waiting on its own subtree never starves the pool.
func (s *Scanner) spawn(job *scanJob, dir string, depth int) error {
	scan := func() error { return s.scanDir(job, dir, depth) }
	if job.eg.TryGo(scan) {
		return nil
	}
	return scan()
}
