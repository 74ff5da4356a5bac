package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

const (
	SegmentPrefix = "Contents"
	SegmentExt    = ".zip"

	// TempPrefix marks files written by an in-progress save.
	TempPrefix = "__temp."

	periodLayout = "0601"
)

// SegmentName returns the segment file name for the period containing t, e.g.
// Contents.2410.zip. Runs within the same month share one current segment.
func SegmentName(t time.Time) string {
	return SegmentPrefix + "." + t.Format(periodLayout) + SegmentExt
}

// ListSegments returns the paths of all segment archives in dir, sorted by
// name (which is chronological). A missing dir holds no segments.
func ListSegments(fsys afero.Fs, dir string) ([]string, error) {
	paths, err := listMatching(fsys, dir, SegmentPrefix+".*"+SegmentExt)
	if err != nil {
		return nil, fmt.Errorf("list segments in %s: %w", dir, err)
	}
	return paths, nil
}

// ListTempFiles returns files left behind by a save that never completed.
func ListTempFiles(fsys afero.Fs, dir string) ([]string, error) {
	paths, err := listMatching(fsys, dir, TempPrefix+SegmentPrefix+".*")
	if err != nil {
		return nil, fmt.Errorf("list temp files in %s: %w", dir, err)
	}
	return paths, nil
}

// listMatching returns the sorted paths of the regular files in dir whose
// base name matches pattern. Only the base name is matched, so dir may
// contain glob meta characters.
func listMatching(fsys afero.Fs, dir, pattern string) ([]string, error) {
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		ok, err := doublestar.Match(pattern, info.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			paths = append(paths, filepath.Join(dir, info.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// partName returns the path of the n-th (1-based) split part of the archive at
// path: Contents.2410.zip -> Contents.2410.z01.
func partName(path string, n int) string {
	return strings.TrimSuffix(path, SegmentExt) + fmt.Sprintf(".z%02d", n)
}

// splitParts returns the existing split parts of the archive at path in
// part order, not including the final .zip part itself.
func splitParts(fsys afero.Fs, path string) ([]string, error) {
	dir := filepath.Dir(path)
	prefix := strings.TrimSuffix(filepath.Base(path), SegmentExt) + ".z"
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list parts of %s: %w", path, err)
	}

	type part struct {
		path string
		n    int
	}
	var parts []part
	for _, info := range infos {
		suffix, ok := strings.CutPrefix(info.Name(), prefix)
		if !ok || info.IsDir() || suffix == "" || suffix[0] < '0' || suffix[0] > '9' {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 1 {
			continue
		}
		parts = append(parts, part{filepath.Join(dir, info.Name()), n})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })

	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.path
		if p.n != i+1 {
			return nil, fmt.Errorf("archive %s: missing part %s", path, partName(path, i+1))
		}
	}
	return paths, nil
}

// canonicalPath maps a temp file path back to the name it replaces.
func canonicalPath(tempPath string) string {
	return filepath.Join(filepath.Dir(tempPath), strings.TrimPrefix(filepath.Base(tempPath), TempPrefix))
}

func tempPath(path string) string {
	return filepath.Join(filepath.Dir(path), TempPrefix+filepath.Base(path))
}
