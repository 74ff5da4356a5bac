package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/openmined/zipbackup/internal/config"
)

// ItemResult is the outcome of one configuration item.
type ItemResult struct {
	Item    int         `json:"item"`
	Source  string      `json:"source,omitempty"`
	Dest    string      `json:"destination,omitempty"`
	Roots   []*Result   `json:"roots"`
	Orphans OrphanStats `json:"orphans"`
	Error   string      `json:"error,omitempty"`
}

// Report is the outcome of a whole run.
type Report struct {
	RunID    string        `json:"run_id"`
	Config   string        `json:"config"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	DryRun   bool          `json:"dry_run,omitempty"`
	Items    []*ItemResult `json:"items"`
}

// Failed reports whether any item or root failed.
func (r *Report) Failed() bool {
	for _, it := range r.Items {
		if it.Error != "" {
			return true
		}
		for _, root := range it.Roots {
			if root.Error != "" {
				return true
			}
		}
	}
	return false
}

// Runner processes every item of a config with an Engine.
type Runner struct {
	fs     afero.Fs
	engine *Engine
	lock   bool
}

type RunnerOption func(*Runner)

// WithLocking toggles the destination lock file. It needs the OS filesystem.
func WithLocking(lock bool) RunnerOption {
	return func(r *Runner) { r.lock = lock }
}

func NewRunner(fsys afero.Fs, engine *Engine, opts ...RunnerOption) *Runner {
	r := &Runner{fs: fsys, engine: engine, lock: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes all items. A failing item or root is logged and skipped;
// the returned error joins every failure.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Config:  cfg.Path,
		Started: r.engine.clock.Now(),
		DryRun:  r.engine.dryRun,
	}
	logger := slog.With("run", report.RunID)
	logger.Info("run started", "config", cfg.Path, "items", len(cfg.Items), "dryRun", r.engine.dryRun)

	var errs []error
	for i := range cfg.Items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := r.runItem(ctx, logger, cfg, i)
		report.Items = append(report.Items, res)
		if err != nil {
			errs = append(errs, err)
		}
	}

	report.Duration = r.engine.clock.Since(report.Started)
	err := errors.Join(errs...)
	logger.Info("run finished", "took", report.Duration, "failed", err != nil)
	return report, err
}

func (r *Runner) runItem(ctx context.Context, logger *slog.Logger, cfg *config.Config, i int) (*ItemResult, error) {
	res := &ItemResult{Item: i}
	logger = logger.With("item", i)

	item, err := cfg.Resolve(r.fs, i, !r.engine.dryRun)
	if err != nil {
		logger.Error("config item invalid", "error", err)
		res.Error = err.Error()
		return res, err
	}
	res.Source, res.Dest = item.RootFrom, item.RootTo

	if r.lock && !r.engine.dryRun {
		lock := NewDestinationLock(item.RootTo)
		if err := lock.Lock(); err != nil {
			logger.Error("destination unavailable", "error", err)
			res.Error = err.Error()
			return res, err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				logger.Warn("destination unlock", "error", err)
			}
		}()
	}

	var errs []error
	exclude := NewExcludeList(item.Exclude...)
	for _, root := range item.Adds {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		dest, err := item.Destination(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		job := &RootJob{
			Source:      root,
			Destination: dest,
			Excluded:    item.Excluded(root),
			Exclude:     exclude,
			Archive:     item.Archive,
		}

		rootRes, err := r.engine.SyncRoot(ctx, job)
		res.Roots = append(res.Roots, rootRes)
		if err != nil {
			logger.Error("root failed", "source", root, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", root, err))
			continue
		}
		logger.Info("root synced",
			"source", root,
			"added", rootRes.FilesAdded+rootRes.DirsAdded,
			"removed", rootRes.FilesRemoved+rootRes.DirsRemoved,
			"kept", rootRes.Kept,
		)
	}

	if !r.engine.dryRun && ctx.Err() == nil {
		stats, err := CleanupOrphans(r.fs, item.RootTo, item.KeepDirs())
		res.Orphans = stats
		if err != nil {
			logger.Warn("orphan cleanup", "error", err)
		} else if stats.Files+stats.Dirs > 0 {
			logger.Info("orphans removed", "files", stats.Files, "dirs", stats.Dirs)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}
