package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/openmined/zipbackup/internal/archive"
	"github.com/openmined/zipbackup/internal/pathutil"
)

// ArchiveEntry is an entry of an existing segment.
type ArchiveEntry struct {
	Segment *archive.Segment
	Entry   *archive.Entry
	PathEntry
}

// ArchiveSet is every segment of one destination directory. Segments are
// ordered by name and the current segment is always last.
type ArchiveSet struct {
	Dir      string
	Segments []*archive.Segment
	Current  *archive.Segment
	Entries  []*ArchiveEntry
}

// LoadArchiveSet opens all segments in dir plus the segment named current,
// which is created in memory if it does not exist. Loading never writes.
func LoadArchiveSet(fsys afero.Fs, dir, current string, opts archive.Options) (*ArchiveSet, error) {
	paths, err := archive.ListSegments(fsys, dir)
	if err != nil {
		return nil, err
	}

	currentPath := filepath.Join(dir, current)
	set := &ArchiveSet{Dir: dir}
	for _, p := range paths {
		if sameSegment(p, currentPath) {
			currentPath = p
			continue
		}
		seg, err := archive.Open(fsys, p, opts)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.Segments = append(set.Segments, seg)
	}

	seg, err := archive.Open(fsys, currentPath, opts)
	if err != nil {
		set.Close()
		return nil, err
	}
	set.Segments = append(set.Segments, seg)
	set.Current = seg

	for _, seg := range set.Segments {
		for _, e := range seg.Entries() {
			kind := KindFile
			if e.IsDir {
				kind = KindDirectory
			}
			set.Entries = append(set.Entries, &ArchiveEntry{
				Segment: seg,
				Entry:   e,
				PathEntry: PathEntry{
					Name:    e.Name,
					Kind:    kind,
					Size:    e.Size,
					ModTime: e.Modified,
				},
			})
		}
	}

	slog.Debug("archive set loaded", "dir", dir, "segments", len(set.Segments), "entries", len(set.Entries), "current", set.Current.Name())
	return set, nil
}

// Close releases every segment without saving.
func (s *ArchiveSet) Close() error {
	var errs []error
	for _, seg := range s.Segments {
		errs = append(errs, seg.Close())
	}
	return errors.Join(errs...)
}

func sameSegment(a, b string) bool {
	if pathutil.CaseInsensitive() {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// RemoveTempFiles deletes the files an interrupted save left in dir.
func RemoveTempFiles(fsys afero.Fs, dir string) error {
	temps, err := archive.ListTempFiles(fsys, dir)
	if err != nil {
		return err
	}
	for _, p := range temps {
		slog.Warn("removing leftover temp archive", "path", p)
		if err := fsys.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove temp archive %s: %w", p, err)
		}
	}
	return nil
}
