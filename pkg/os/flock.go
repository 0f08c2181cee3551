package os

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

type Flock struct {
	f *flock.Flock
}

// NewFileLock makes a file-based lock for keeping a single broker
// instance per host. An empty path falls back to the temp directory.
func NewFileLock(path string) (*Flock, error) {
	if path == "" {
		path = os.TempDir() + string(os.PathSeparator) + "peerbroker.lock"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, err
	} else {
		f, err := os.Create(path)
		defer func() { _ = f.Close() }()
		if err != nil {
			return nil, err
		}
	}

	return &Flock{f: flock.New(path)}, nil
}

func (f *Flock) Lock() error   { return f.f.Lock() }
func (f *Flock) Unlock() error { return f.f.Unlock() }

// TryLock grabs the lock without waiting for its current holder.
func (f *Flock) TryLock() (bool, error) { return f.f.TryLock() }
