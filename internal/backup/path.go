package backup

import (
	"strings"
	"time"

	"github.com/openmined/zipbackup/internal/pathutil"
)

type PathKind int

const (
	KindFile PathKind = iota
	KindDirectory
)

func (k PathKind) String() string {
	if k == KindDirectory {
		return "dir"
	}
	return "file"
}

// PathEntry is one file or directory below a source root, named by its
// normalized relative path.
type PathEntry struct {
	Name    string
	Kind    PathKind
	Size    uint64
	ModTime time.Time
}

func (e *PathEntry) IsDir() bool {
	return e.Kind == KindDirectory
}

// Same reports whether two entries describe the same content. Directories
// only compare by kind; files compare size and whole-second mtime.
func (e *PathEntry) Same(o *PathEntry) bool {
	if e.Kind != o.Kind {
		return false
	}
	if e.Kind == KindDirectory {
		return true
	}
	return e.Size == o.Size && e.ModTime.Unix() == o.ModTime.Unix()
}

// NormPath converts an OS or archive path to the form used as SourceState and
// archive entry key.
func NormPath(p string) string {
	return pathutil.NormPath(p)
}

// ancestors returns the parent directories of a normalized path, nearest
// first, excluding the root.
func ancestors(name string) []string {
	var dirs []string
	for {
		i := strings.LastIndexByte(name, '/')
		if i <= 0 {
			return dirs
		}
		name = name[:i]
		dirs = append(dirs, name)
	}
}
