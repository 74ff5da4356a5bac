package backup

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/zipbackup/internal/archive"
)

// RootJob is one source root synchronized into one destination directory.
type RootJob struct {
	Source      string
	Destination string
	// Excluded holds absolute directories below Source that are skipped.
	Excluded mapset.Set[string]
	Exclude  *ExcludeList
	Archive  archive.Options
}

// Result summarizes a root pass.
type Result struct {
	Source        string        `json:"source"`
	Destination   string        `json:"destination"`
	Segment       string        `json:"segment"`
	FilesAdded    int           `json:"files_added"`
	DirsAdded     int           `json:"dirs_added"`
	BytesAdded    uint64        `json:"bytes_added"`
	FilesRemoved  int           `json:"files_removed"`
	DirsRemoved   int           `json:"dirs_removed"`
	Kept          int           `json:"kept"`
	SegmentsSaved []string      `json:"segments_saved,omitempty"`
	DryRun        bool          `json:"dry_run,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// FreeSpaceFunc returns the free bytes of the volume holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// DiskFreeSpace reads free space from the operating system.
func DiskFreeSpace(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Engine synchronizes source roots into archive segments.
type Engine struct {
	fs        afero.Fs
	clock     clockwork.Clock
	reporter  Reporter
	workers   int
	dryRun    bool
	freeSpace FreeSpaceFunc
}

type EngineOption func(*Engine)

func WithClock(c clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithReporter(r Reporter) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithDryRun(dryRun bool) EngineOption {
	return func(e *Engine) { e.dryRun = dryRun }
}

// WithFreeSpace sets the free-space probe run before saving; nil disables it.
func WithFreeSpace(fn FreeSpaceFunc) EngineOption {
	return func(e *Engine) { e.freeSpace = fn }
}

func NewEngine(fsys afero.Fs, opts ...EngineOption) *Engine {
	e := &Engine{
		fs:        fsys,
		clock:     clockwork.NewRealClock(),
		reporter:  NopReporter{},
		workers:   runtime.NumCPU(),
		freeSpace: DiskFreeSpace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncRoot runs one pass: scan the source and load the destination's
// segments concurrently, diff them, then apply and persist the changes.
// Nothing is written if scanning or loading fails.
func (e *Engine) SyncRoot(ctx context.Context, job *RootJob) (*Result, error) {
	start := e.clock.Now()
	current := archive.SegmentName(start)
	res := &Result{Source: job.Source, Destination: job.Destination, Segment: current, DryRun: e.dryRun}

	e.reporter.RootStarted(job)
	err := e.syncRoot(ctx, job, current, res)
	res.Duration = e.clock.Since(start)
	if err != nil {
		res.Error = err.Error()
	}
	e.reporter.RootFinished(job, res, err)
	return res, err
}

func (e *Engine) syncRoot(ctx context.Context, job *RootJob, current string, res *Result) error {
	if !e.dryRun {
		if err := e.fs.MkdirAll(job.Destination, 0o755); err != nil {
			return fmt.Errorf("create destination %s: %w", job.Destination, err)
		}
		if err := RemoveTempFiles(e.fs, job.Destination); err != nil {
			return err
		}
	}

	var (
		state *SourceState
		set   *ArchiveSet
	)
	scanner := NewScanner(e.fs, e.workers, job.Exclude)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		state, err = scanner.Scan(egCtx, job.Source, job.Excluded)
		return err
	})
	eg.Go(func() (err error) {
		set, err = LoadArchiveSet(e.fs, job.Destination, current, job.Archive)
		return err
	})
	if err := eg.Wait(); err != nil {
		if set != nil {
			set.Close()
		}
		return err
	}
	defer set.Close()

	ops, err := Diff(ctx, state, set.Entries, e.workers)
	if err != nil {
		return err
	}
	ops = Reconcile(ops, state)
	plan := NewPlan(ops, state, set.Current.Name())
	res.addPlan(plan)

	slog.Info("sync plan",
		"source", job.Source,
		"segment", plan.Current,
		"add", len(plan.Inserts),
		"remove", len(plan.Deletes),
		"keep", plan.Kept,
	)
	e.reporter.Planned(job, plan)

	if e.dryRun || plan.Empty() {
		return nil
	}

	if e.freeSpace != nil {
		free, err := e.freeSpace(ctx, job.Destination)
		if err != nil {
			slog.Debug("free space check failed", "dir", job.Destination, "error", err)
		} else {
			warnLowSpace(job.Destination, plan.InsertBytes(), free)
		}
	}

	segments, err := plan.Apply(set, job.Source, e.clock.Now())
	if err != nil {
		return err
	}
	res.SegmentsSaved, err = SaveSegments(segments, e.reporter)
	return err
}

func (r *Result) addPlan(p *Plan) {
	r.Kept = p.Kept
	for _, d := range p.Deletes {
		if d.Entry.IsDir() {
			r.DirsRemoved++
		} else {
			r.FilesRemoved++
		}
	}
	for _, e := range p.Inserts {
		if e.IsDir() {
			r.DirsAdded++
		} else {
			r.FilesAdded++
			r.BytesAdded += e.Size
		}
	}
}
