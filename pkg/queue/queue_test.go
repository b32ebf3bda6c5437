package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHandler counts events and tracks concurrency
type mockHandler struct {
	delay     time.Duration
	active    atomic.Int32
	maxActive atomic.Int32
	mu        sync.Mutex
	seen      []string
}

func (m *mockHandler) HandleEvent(ctx context.Context, ev models.SettledEvent) []models.ExecutionOutcome {
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.active.Add(-1)

	m.mu.Lock()
	m.seen = append(m.seen, ev.Path)
	m.mu.Unlock()
	return []models.ExecutionOutcome{{Path: ev.Path, Result: models.ResultSuccess}}
}

func (m *mockHandler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func event(i int) models.SettledEvent {
	return models.SettledEvent{Path: fmt.Sprintf("/in/%d", i), Kind: models.EventCreated}
}

func TestNewWorkerPool(t *testing.T) {
	wp := NewWorkerPool(&mockHandler{}, 5, 100)
	assert.NotNil(t, wp)
	assert.Equal(t, 5, wp.workerCount)

	wp = NewWorkerPool(&mockHandler{}, 0, -1)
	assert.Equal(t, 1, wp.workerCount)
}

func TestWorkerPoolProcessesEverything(t *testing.T) {
	h := &mockHandler{}
	wp := NewWorkerPool(h, 3, 10)
	wp.Start()

	for i := 0; i < 20; i++ {
		require.NoError(t, wp.Submit(context.Background(), event(i)))
	}
	wp.Stop()

	assert.Equal(t, 20, h.count())
	stats := wp.Stats()
	assert.Equal(t, int64(20), stats.EventsQueued)
	assert.Equal(t, int64(20), stats.EventsProcessed)
	assert.Equal(t, int64(20), stats.Outcomes)
	assert.Equal(t, int64(0), stats.Busy)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	h := &mockHandler{delay: 20 * time.Millisecond}
	wp := NewWorkerPool(h, 2, 0)
	wp.Start()

	for i := 0; i < 8; i++ {
		require.NoError(t, wp.Submit(context.Background(), event(i)))
	}
	wp.Stop()

	assert.LessOrEqual(t, h.maxActive.Load(), int32(2))
	assert.Equal(t, 8, h.count())
}

func TestSubmitAfterStop(t *testing.T) {
	wp := NewWorkerPool(&mockHandler{}, 1, 1)
	wp.Start()
	wp.Stop()
	wp.Stop()

	assert.Error(t, wp.Submit(context.Background(), event(1)))
}

func TestSubmitHonorsContext(t *testing.T) {
	wp := NewWorkerPool(&mockHandler{}, 1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := wp.Submit(ctx, event(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	wp.Stop()
}

func TestRunDrainsSource(t *testing.T) {
	h := &mockHandler{}
	wp := NewWorkerPool(h, 2, 4)
	wp.Start()

	src := make(chan models.SettledEvent)
	done := make(chan struct{})
	go func() {
		wp.Run(context.Background(), src)
		close(done)
	}()
	for i := 0; i < 5; i++ {
		src <- event(i)
	}
	close(src)
	<-done
	wp.Stop()

	assert.Equal(t, 5, h.count())
}
