package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const LockFileName = ".zipbackup.lock"

var ErrDestinationLocked = errors.New("destination locked by another process")

// DestinationLock is an advisory lock on a destination root, held while a
// configuration item is processed.
type DestinationLock struct {
	flock *flock.Flock
}

func NewDestinationLock(destRoot string) *DestinationLock {
	return &DestinationLock{flock: flock.New(filepath.Join(destRoot, LockFileName))}
}

func (l *DestinationLock) Lock() error {
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock destination: %w", err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", filepath.Dir(l.flock.Path()), ErrDestinationLocked)
	}
	return nil
}

func (l *DestinationLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock destination: %w", err)
	}
	if err := os.Remove(l.flock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
