package statedir

import (
	"errors"
	"fmt"
	"os"

	"github.com/prismon/hazelnut/internal/models"
	"golang.org/x/sys/unix"
)

// Lock is an exclusive advisory lock on the state directory
type Lock struct {
	file *os.File
}

// AcquireLock takes the instance lock without blocking. A lock held by
// another instance yields ErrAlreadyRunning.
func (d *Dir) AcquireLock() (*Lock, error) {
	file, err := os.OpenFile(d.LockPath(), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: state directory %s is locked", models.ErrAlreadyRunning, d.path)
		}
		return nil, fmt.Errorf("failed to lock state directory: %w", err)
	}
	return &Lock{file: file}, nil
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
