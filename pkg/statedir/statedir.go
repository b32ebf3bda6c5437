// Package statedir manages the daemon's state directory: the instance lock,
// the pid file, the append-only activity log, and the control socket path.
package statedir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Files within the state directory
const (
	LockFile     = "hazelnutd.lock"
	PIDFile      = "hazelnutd.pid"
	ActivityFile = "activity.jsonl"
	SocketFile   = "hazelnutd.sock"
	HistoryFile  = "history.db"
	LogFile      = "hazelnutd.log"
)

// Dir is a state directory
type Dir struct {
	path string
}

// New returns the state directory at path, or the default location when path is empty
func New(path string) (*Dir, error) {
	if path == "" {
		path = DefaultPath()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid state directory: %w", err)
	}
	return &Dir{path: abs}, nil
}

// DefaultPath returns $HAZELNUT_STATE_DIR, $XDG_STATE_HOME/hazelnut or ~/.local/state/hazelnut
func DefaultPath() string {
	if path := os.Getenv("HAZELNUT_STATE_DIR"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "hazelnut")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hazelnut"
	}
	return filepath.Join(home, ".local", "state", "hazelnut")
}

// Path returns the directory path
func (d *Dir) Path() string {
	return d.path
}

// Ensure creates the directory if needed
func (d *Dir) Ensure() error {
	if err := os.MkdirAll(d.path, 0700); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", d.path, err)
	}
	return nil
}

// JoinPath joins path elements relative to the state directory
func (d *Dir) JoinPath(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

func (d *Dir) LockPath() string     { return d.JoinPath(LockFile) }
func (d *Dir) PIDPath() string      { return d.JoinPath(PIDFile) }
func (d *Dir) ActivityPath() string { return d.JoinPath(ActivityFile) }
func (d *Dir) HistoryPath() string  { return d.JoinPath(HistoryFile) }
func (d *Dir) LogPath() string      { return d.JoinPath(LogFile) }

// SocketPath returns the control socket path. Unix socket paths are limited
// to ~104 bytes, so overly long state directories fall back to the temp dir.
func (d *Dir) SocketPath() string {
	p := d.JoinPath(SocketFile)
	if len(p) < 100 {
		return p
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("hazelnutd-%d.sock", os.Getuid()))
}
