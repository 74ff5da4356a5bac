package backup

import (
	"github.com/openmined/zipbackup/internal/archive"
)

// Reporter receives the progress of a run. Implementations must be safe to
// call from the coordinating goroutine only and must not block.
type Reporter interface {
	// RootStarted is called before a source root is scanned.
	RootStarted(job *RootJob)
	// Planned is called once the operations of a root pass are known.
	Planned(job *RootJob, plan *Plan)
	// SaveProgress is called while a segment is written.
	SaveProgress(p archive.SaveProgress)
	// SegmentSaved is called after each save attempt.
	SegmentSaved(segment string, err error)
	// RootFinished is called when a root pass ends, successfully or not.
	RootFinished(job *RootJob, res *Result, err error)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) RootStarted(*RootJob) {}
func (NopReporter) Planned(*RootJob, *Plan) {}
func (NopReporter) SaveProgress(archive.SaveProgress) {}
func (NopReporter) SegmentSaved(string, error) {}
func (NopReporter) RootFinished(*RootJob, *Result, error) {}

var _ Reporter = NopReporter{}
