package statedir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prismon/hazelnut/internal/models"
)

// ActivityLog appends outcomes as JSON lines. The file is only ever
// appended to, so readers may tail it while the daemon writes.
type ActivityLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenActivityLog opens (or creates) the activity log for appending
func (d *Dir) OpenActivityLog() (*ActivityLog, error) {
	file, err := os.OpenFile(d.ActivityPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	return &ActivityLog{file: file}, nil
}

// Record appends one outcome as a single write
func (a *ActivityLog) Record(o models.ExecutionOutcome) error {
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return errors.New("activity log is closed")
	}
	if _, err := a.file.Write(line); err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// Close closes the log file
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// ReadActivity returns at most the last n outcomes, oldest first. A trailing
// line without a newline is still being written and is ignored, as are lines
// that fail to decode.
func (d *Dir) ReadActivity(n int) ([]models.ExecutionOutcome, error) {
	if n <= 0 {
		return nil, nil
	}
	file, err := os.Open(d.ActivityPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	defer file.Close()

	ring := make([]models.ExecutionOutcome, 0, n)
	start := 0
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read activity log: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var o models.ExecutionOutcome
		if json.Unmarshal(line, &o) != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, o)
		} else {
			ring[start] = o
			start = (start + 1) % n
		}
	}

	return append(ring[start:], ring[:start]...), nil
}
