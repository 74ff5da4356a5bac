package archive

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/afero"
)

// multiReaderAt presents the ordered parts of a split archive as one
// contiguous stream.
type multiReaderAt struct {
	parts []readerPart
	size  int64
}

type readerPart struct {
	r    io.ReaderAt
	off  int64
	size int64
}

func (m *multiReaderAt) add(r io.ReaderAt, size int64) {
	m.parts = append(m.parts, readerPart{r: r, off: m.size, size: size})
	m.size += size
}

func (m *multiReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("archive: negative offset")
	}
	if off >= m.size {
		return 0, io.EOF
	}

	i := sort.Search(len(m.parts), func(i int) bool {
		return m.parts[i].off+m.parts[i].size > off
	})

	n := 0
	for n < len(p) && i < len(m.parts) {
		part := m.parts[i]
		rel := off + int64(n) - part.off
		want := p[n:]
		if remain := part.size - rel; int64(len(want)) > remain {
			want = want[:remain]
		}

		k, err := part.r.ReadAt(want, rel)
		n += k
		if k < len(want) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		i++
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// partWriter writes a byte stream into consecutive part files of at most
// max bytes each (unbounded when max is 0). Parts are named like the split
// parts of base; finish renames the last part to base itself.
type partWriter struct {
	fs    afero.Fs
	base  string
	max   int64
	cur   afero.File
	size  int64
	paths []string
}

func newPartWriter(fsys afero.Fs, base string, max int64) *partWriter {
	return &partWriter{fs: fsys, base: base, max: max}
}

func (w *partWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.cur == nil || (w.max > 0 && w.size >= w.max) {
			if err := w.next(); err != nil {
				return written, err
			}
		}

		chunk := p
		if w.max > 0 {
			if room := w.max - w.size; int64(len(chunk)) > room {
				chunk = chunk[:room]
			}
		}

		n, err := w.cur.Write(chunk)
		written += n
		w.size += int64(n)
		p = p[n:]
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (w *partWriter) next() error {
	if err := w.closeCurrent(); err != nil {
		return err
	}

	path := partName(w.base, len(w.paths)+1)
	f, err := w.fs.OpenFile(path, osCreateFlags, 0o644)
	if err != nil {
		return fmt.Errorf("create part %s: %w", path, err)
	}
	w.cur = f
	w.size = 0
	w.paths = append(w.paths, path)
	return nil
}

func (w *partWriter) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	f := w.cur
	w.cur = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	return f.Close()
}

// finish flushes the last part, renames it to base and returns every written
// file in part order.
func (w *partWriter) finish() ([]string, error) {
	if w.cur == nil && len(w.paths) == 0 {
		if err := w.next(); err != nil {
			return nil, err
		}
	}
	if err := w.closeCurrent(); err != nil {
		return nil, err
	}

	last := w.paths[len(w.paths)-1]
	if err := w.fs.Rename(last, w.base); err != nil {
		return nil, fmt.Errorf("rename %s: %w", last, err)
	}
	w.paths[len(w.paths)-1] = w.base
	return w.paths, nil
}

// abort discards everything written so far.
func (w *partWriter) abort() {
	if w.cur != nil {
		w.cur.Close()
		w.cur = nil
	}
	for _, p := range w.paths {
		w.fs.Remove(p)
	}
	w.fs.Remove(w.base)
	w.paths = nil
}
