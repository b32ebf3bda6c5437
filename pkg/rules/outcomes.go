package rules

import (
	"sync"

	"github.com/prismon/hazelnut/internal/models"
)

// outcomeLog is a bounded ring; the oldest entry is evicted first
type outcomeLog struct {
	mu    sync.RWMutex
	buf   []models.ExecutionOutcome
	start int
	count int
}

func newOutcomeLog(size int) *outcomeLog {
	if size <= 0 {
		size = 1000
	}
	return &outcomeLog{buf: make([]models.ExecutionOutcome, size)}
}

func (l *outcomeLog) add(o models.ExecutionOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := (l.start + l.count) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	l.buf[idx] = o
}

// tail returns at most n of the newest entries, oldest first
func (l *outcomeLog) tail(n int) []models.ExecutionOutcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return []models.ExecutionOutcome{}
	}
	out := make([]models.ExecutionOutcome, n)
	first := l.start + l.count - n
	for i := 0; i < n; i++ {
		out[i] = l.buf[(first+i)%len(l.buf)]
	}
	return out
}
