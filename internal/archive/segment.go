// Package archive implements the zip segment container used by the backup
// engine: reading an archive's directory, removing and adding entries in
// memory, and saving the result with an atomic replace.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/afero"

	"github.com/openmined/zipbackup/internal/pathutil"
)

const osCreateFlags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY

var (
	ErrSegmentClosed = errors.New("segment closed")
	ErrForeignEntry  = errors.New("entry does not belong to segment")
)

// Options configures how a segment is written.
type Options struct {
	Level CompressionLevel
	// MaxPartSize caps the size of each physical file of the archive.
	// 0 means a single unbounded file.
	MaxPartSize int64
}

// Entry is one file or directory of a segment.
type Entry struct {
	// Name is the normalized relative path, without a trailing slash.
	Name     string
	IsDir    bool
	Size     uint64
	Modified time.Time

	segment  *Segment
	file     *zip.File // set for entries read from disk
	diskPath string    // set for pending file entries
	removed  bool
}

// Open returns a reader for the entry's uncompressed content. Only entries
// read from disk can be opened, and only while their segment is open.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.file == nil {
		return nil, fmt.Errorf("open %s: entry not saved yet", e.Name)
	}
	if e.segment.closed {
		return nil, ErrSegmentClosed
	}
	return e.file.Open()
}

// SaveProgress describes the state of a running Save.
type SaveProgress struct {
	Segment string
	Saved   int
	Total   int
	Current string
	Done    bool
}

// ProgressFunc receives save progress. It must not block.
type ProgressFunc func(SaveProgress)

// Segment is one archive file of a destination, opened for modification.
type Segment struct {
	fs      afero.Fs
	path    string
	opts    Options
	exists  bool
	entries []*Entry
	added   []*Entry
	removed int
	files   []afero.File
	closed  bool
}

// Open reads the archive at path. A missing archive yields an empty segment
// that only exists in memory until saved. Open never writes.
func Open(fsys afero.Fs, path string, opts Options) (*Segment, error) {
	s := &Segment{fs: fsys, path: path, opts: opts}

	parts, err := splitParts(fsys, path)
	if err != nil {
		return nil, err
	}

	exists, err := afero.Exists(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		if len(parts) > 0 {
			return nil, fmt.Errorf("archive %s: split parts without final part", path)
		}
		return s, nil
	}
	s.exists = true

	ra := &multiReaderAt{}
	for _, p := range append(parts, path) {
		f, err := fsys.Open(p)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		s.files = append(s.files, f)

		info, err := f.Stat()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		ra.add(f, info.Size())
	}

	r, err := zip.NewReader(ra, ra.size)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}

	for _, f := range r.File {
		name := pathutil.NormPath(f.Name)
		if name == "" {
			continue
		}
		s.entries = append(s.entries, &Entry{
			Name:     name,
			IsDir:    strings.HasSuffix(f.Name, "/") || f.Mode().IsDir(),
			Size:     f.UncompressedSize64,
			Modified: f.Modified,
			segment:  s,
			file:     f,
		})
	}
	return s, nil
}

// Path returns the path of the segment's final archive file.
func (s *Segment) Path() string { return s.path }

// Name returns the segment's file name.
func (s *Segment) Name() string { return filepath.Base(s.path) }

// Exists reports whether the segment was present on disk when opened.
func (s *Segment) Exists() bool { return s.exists }

// Entries returns the entries read from disk that have not been removed.
func (s *Segment) Entries() []*Entry {
	entries := make([]*Entry, 0, len(s.entries)-s.removed)
	for _, e := range s.entries {
		if !e.removed {
			entries = append(entries, e)
		}
	}
	return entries
}

// Len returns the number of entries the segment will hold once saved.
func (s *Segment) Len() int {
	return len(s.entries) - s.removed + len(s.added)
}

// Changed reports whether saving the segment would alter it.
func (s *Segment) Changed() bool {
	return s.removed > 0 || len(s.added) > 0
}

// Remove drops an entry read from this segment.
func (s *Segment) Remove(e *Entry) error {
	if s.closed {
		return ErrSegmentClosed
	}
	if e.segment != s || e.file == nil {
		return fmt.Errorf("remove %s from %s: %w", e.Name, s.Name(), ErrForeignEntry)
	}
	if !e.removed {
		e.removed = true
		s.removed++
	}
	return nil
}

// AddFile queues the file at diskPath to be stored as name. The content is
// read when the segment is saved.
func (s *Segment) AddFile(diskPath, name string) error {
	if s.closed {
		return ErrSegmentClosed
	}
	s.added = append(s.added, &Entry{Name: pathutil.NormPath(name), diskPath: diskPath})
	return nil
}

// AddDirectory queues an empty directory marker.
func (s *Segment) AddDirectory(name string, modified time.Time) error {
	if s.closed {
		return ErrSegmentClosed
	}
	s.added = append(s.added, &Entry{Name: pathutil.NormPath(name), IsDir: true, Modified: modified})
	return nil
}

// Close releases the segment's file handles without writing anything.
func (s *Segment) Close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	s.files = nil
	s.closed = true
	return errors.Join(errs...)
}

// Save writes the segment to a temporary file and replaces the archive on
// disk once the write fully succeeded. A segment left without entries is
// deleted instead. The segment is closed afterwards.
func (s *Segment) Save(progress ProgressFunc) error {
	if s.closed {
		return ErrSegmentClosed
	}
	if progress == nil {
		progress = func(SaveProgress) {}
	}

	if s.Len() == 0 {
		if err := s.Close(); err != nil {
			return err
		}
		progress(SaveProgress{Segment: s.Name(), Done: true})
		return s.removeFromDisk()
	}

	pw := newPartWriter(s.fs, tempPath(s.path), s.opts.MaxPartSize)
	if err := s.write(pw, progress); err != nil {
		pw.abort()
		s.Close()
		return fmt.Errorf("save %s: %w", s.Name(), err)
	}

	written, err := pw.finish()
	if err != nil {
		pw.abort()
		s.Close()
		return fmt.Errorf("save %s: %w", s.Name(), err)
	}

	oldParts, err := splitParts(s.fs, s.path)
	if err != nil {
		oldParts = nil
		slog.Warn("archive list old parts", "segment", s.Name(), "error", err)
	}

	// Source handles must be released before replacing the files they read.
	if err := s.Close(); err != nil {
		slog.Warn("archive close", "segment", s.Name(), "error", err)
	}

	if err := s.replace(written, oldParts); err != nil {
		return fmt.Errorf("save %s: %w", s.Name(), err)
	}
	return nil
}

func (s *Segment) write(w io.Writer, progress ProgressFunc) error {
	zw := zip.NewWriter(w)
	method := zip.Deflate
	if s.opts.Level == LevelNone {
		method = zip.Store
	} else {
		level := int(s.opts.Level)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	total := s.Len()
	saved := 0
	report := func(name string) {
		progress(SaveProgress{Segment: s.Name(), Saved: saved, Total: total, Current: name})
	}

	for _, e := range s.entries {
		if e.removed {
			continue
		}
		report(e.Name)
		if err := zw.Copy(e.file); err != nil {
			return fmt.Errorf("copy entry %s: %w", e.Name, err)
		}
		saved++
	}

	for _, e := range s.added {
		report(e.Name)
		if e.IsDir {
			hdr := &zip.FileHeader{Name: e.Name + "/", Method: zip.Store, Modified: e.Modified}
			hdr.SetMode(os.ModeDir | 0o755)
			if _, err := zw.CreateHeader(hdr); err != nil {
				return fmt.Errorf("add directory %s: %w", e.Name, err)
			}
		} else if err := s.writeFile(zw, e, method); err != nil {
			return err
		}
		saved++
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	progress(SaveProgress{Segment: s.Name(), Saved: saved, Total: total, Done: true})
	return nil
}

func (s *Segment) writeFile(zw *zip.Writer, e *Entry, method uint16) error {
	f, err := s.fs.Open(e.diskPath)
	if err != nil {
		return fmt.Errorf("add file %s: %w", e.Name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("add file %s: %w", e.Name, err)
	}

	hdr := &zip.FileHeader{Name: e.Name, Method: method, Modified: info.ModTime()}
	hdr.SetMode(info.Mode())
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add file %s: %w", e.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("add file %s: %w", e.Name, err)
	}
	return nil
}

// replace moves the freshly written temp files over the canonical ones and
// deletes old split parts the new archive no longer has.
func (s *Segment) replace(written, oldParts []string) error {
	keep := make(map[string]bool, len(written))
	for _, tmp := range written {
		dst := canonicalPath(tmp)
		if err := s.fs.Rename(tmp, dst); err != nil {
			return fmt.Errorf("replace %s: %w", dst, err)
		}
		keep[dst] = true
	}

	for _, p := range oldParts {
		if keep[p] {
			continue
		}
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale part %s: %w", p, err)
		}
	}
	return nil
}

func (s *Segment) removeFromDisk() error {
	if !s.exists {
		return nil
	}
	parts, err := splitParts(s.fs, s.path)
	if err != nil {
		return err
	}
	for _, p := range append(parts, s.path) {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
