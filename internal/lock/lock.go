// Package lock implements the mutual-exclusion collaborator: a lock
// subdirectory whose existence denies a second instance from running
// against the same mailbox directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// dirName is the lock subdirectory's name within the run directory.
const dirName = "lock"

// sentinelName is the metadata file written inside the lock directory,
// useful for a human diagnosing a stuck lock after a crash.
const sentinelName = "owner.toml"

// ErrHeld is returned by Acquire when another instance already holds the
// lock for this directory.
var ErrHeld = errors.New("lock: already held")

// owner is the sentinel's on-disk shape.
type owner struct {
	PID      int       `toml:"pid"`
	Hostname string    `toml:"hostname"`
	Acquired time.Time `toml:"acquired"`
}

// Lock holds the acquired lock directory for the lifetime of one run.
type Lock struct {
	path string
}

// Acquire creates the lock directory under dir, failing with ErrHeld if
// it already exists. os.Mkdir is the atomic exclusion primitive: it
// fails with an "already exists" error if another process won the race,
// so no separate check-then-create step is needed.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, dirName)
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lock: mkdir %s: %w", path, err)
	}

	l := &Lock{path: path}
	if err := l.writeSentinel(); err != nil {
		// The lock directory itself is the exclusion token; a failure to
		// write the diagnostic sentinel is not fatal to holding it.
		os.Remove(filepath.Join(path, sentinelName))
	}
	return l, nil
}

func (l *Lock) writeSentinel() error {
	hostname, _ := os.Hostname()
	o := owner{
		PID:      os.Getpid(),
		Hostname: hostname,
		Acquired: time.Now(),
	}
	f, err := os.Create(filepath.Join(l.path, sentinelName))
	if err != nil {
		return fmt.Errorf("lock: create sentinel: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(o)
}

// Release removes the lock directory, making the run directory available
// to the next instance.
func (l *Lock) Release() error {
	if err := os.RemoveAll(l.path); err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}
