package statedir

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// WritePID records the current process id
func (d *Dir) WritePID() error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(d.PIDPath(), []byte(pid), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePID deletes the pid file if it still belongs to this process
func (d *Dir) RemovePID() {
	if pid, err := d.ReadPID(); err == nil && pid == os.Getpid() {
		os.Remove(d.PIDPath())
	}
}

// ReadPID returns the recorded pid
func (d *Dir) ReadPID() (int, error) {
	data, err := os.ReadFile(d.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// RunningPID returns the recorded pid if that process is alive, or 0
func (d *Dir) RunningPID() int {
	pid, err := d.ReadPID()
	if err != nil || pid <= 0 {
		return 0
	}
	if !ProcessRunning(pid) {
		return 0
	}
	return pid
}

// ProcessRunning reports whether a process with the given pid exists
func ProcessRunning(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// ProcessUptime returns how long the process has been running
func ProcessUptime(pid int) (time.Duration, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	created, err := p.CreateTime()
	if err != nil {
		return 0, err
	}
	return time.Since(time.UnixMilli(created)), nil
}

// FormatUptime renders a duration as "1h 2m 3s", dropping leading zero units
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
