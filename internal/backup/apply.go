package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"

	"github.com/openmined/zipbackup/internal/archive"
)

// Plan is the reconciled set of changes for one destination directory.
type Plan struct {
	Deletes []Delete
	// Inserts go to the current segment, sorted by name.
	Inserts []*PathEntry
	Kept    int
	Current string
}

// NewPlan collects the reconciled ops and the insertion set left in state.
func NewPlan(ops []SyncOp, state *SourceState, current string) *Plan {
	p := &Plan{Inserts: state.Sorted(), Current: current}
	for _, op := range ops {
		switch op := op.(type) {
		case Delete:
			p.Deletes = append(p.Deletes, op)
		case Keep:
			p.Kept++
		default:
			panic(fmt.Sprintf("backup: unknown sync op %T", op))
		}
	}
	return p
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Inserts) == 0
}

// InsertBytes is the uncompressed size of all files to insert.
func (p *Plan) InsertBytes() uint64 {
	var n uint64
	for _, e := range p.Inserts {
		n += e.Size
	}
	return n
}

// Apply performs the plan on the in-memory segments of set and returns the
// segments that need saving, in save order: older segments by name, then the
// current one. Files are referenced below sourceRoot and read on save;
// directories without a known mtime are stamped with now.
func (p *Plan) Apply(set *ArchiveSet, sourceRoot string, now time.Time) ([]*archive.Segment, error) {
	touched := mapset.NewThreadUnsafeSet[*archive.Segment]()

	for _, d := range p.Deletes {
		if err := d.Entry.Segment.Remove(d.Entry.Entry); err != nil {
			return nil, err
		}
		touched.Add(d.Entry.Segment)
		slog.Debug("archive delete", "segment", d.Entry.Segment.Name(), "path", d.Entry.Name, "reason", d.Reason)
	}

	for _, e := range p.Inserts {
		var err error
		if e.IsDir() {
			mod := e.ModTime
			if mod.IsZero() {
				mod = now
			}
			err = set.Current.AddDirectory(e.Name, mod)
		} else {
			err = set.Current.AddFile(filepath.Join(sourceRoot, filepath.FromSlash(e.Name)), e.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(p.Inserts) > 0 {
		touched.Add(set.Current)
	}

	// set.Segments is in name order with the current segment last
	var order []*archive.Segment
	for _, seg := range set.Segments {
		if touched.Contains(seg) {
			order = append(order, seg)
		}
	}
	return order, nil
}

// SaveSegments saves each segment in order. A failed save does not stop the
// remaining ones; all failures are returned together.
func SaveSegments(segments []*archive.Segment, reporter Reporter) ([]string, error) {
	var saved []string
	var errs []error
	for _, seg := range segments {
		start := time.Now()
		err := seg.Save(reporter.SaveProgress)
		reporter.SegmentSaved(seg.Name(), err)
		if err != nil {
			slog.Error("segment save failed", "segment", seg.Path(), "error", err)
			errs = append(errs, err)
			continue
		}
		saved = append(saved, seg.Name())
		slog.Info("segment saved", "segment", seg.Path(), "entries", seg.Len(), "took", time.Since(start))
	}
	return saved, errors.Join(errs...)
}

// warnLowSpace logs when the destination volume looks too small for the
// insertion set. Compression usually shrinks the data, so this only warns.
func warnLowSpace(dir string, need, free uint64) {
	if free >= need {
		return
	}
	slog.Warn("destination may run out of space",
		"dir", dir,
		"need", humanize.IBytes(need),
		"free", humanize.IBytes(free),
	)
}
