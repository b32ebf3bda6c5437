// Package queue runs evaluation passes for settled events on a bounded
// pool of workers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("queue")
}

// Handler runs one evaluation pass
type Handler interface {
	HandleEvent(ctx context.Context, ev models.SettledEvent) []models.ExecutionOutcome
}

// WorkerPool hands settled events to a fixed number of workers
type WorkerPool struct {
	workerCount int
	handler     Handler
	events      chan models.SettledEvent
	ctx         context.Context
	cancel      context.CancelFunc
	quit        chan struct{}
	quitOnce    sync.Once
	wg          sync.WaitGroup

	// Stats
	eventsQueued    atomic.Int64
	eventsProcessed atomic.Int64
	outcomes        atomic.Int64
	busy            atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewWorkerPool creates a pool with workerCount workers and room for
// queueSize waiting events
func NewWorkerPool(handler Handler, workerCount int, queueSize int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workerCount: workerCount,
		handler:     handler,
		events:      make(chan models.SettledEvent, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started || wp.closed {
		return
	}
	wp.started = true

	log.WithField("workerCount", wp.workerCount).Info("Starting worker pool")
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	workerLog := log.WithField("workerID", id)
	workerLog.Debug("Worker started")

	for ev := range wp.events {
		if logger.IsLevelEnabled(logrus.TraceLevel) {
			workerLog.WithFields(logrus.Fields{"path": ev.Path, "kind": ev.Kind}).Trace("Processing event")
		}
		wp.busy.Add(1)
		out := wp.handler.HandleEvent(wp.ctx, ev)
		wp.busy.Add(-1)
		wp.eventsProcessed.Add(1)
		wp.outcomes.Add(int64(len(out)))
	}
	workerLog.Debug("Worker stopped")
}

// Submit queues an event, blocking while the queue is full
func (wp *WorkerPool) Submit(ctx context.Context, ev models.SettledEvent) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return fmt.Errorf("worker pool is closed")
	}

	select {
	case wp.events <- ev:
		wp.eventsQueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.quit:
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Run feeds events from src into the pool until src is closed or ctx is done
func (wp *WorkerPool) Run(ctx context.Context, src <-chan models.SettledEvent) {
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return
			}
			if err := wp.Submit(ctx, ev); err != nil {
				log.WithError(err).WithField("path", ev.Path).Debug("Dropping settled event")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop refuses new events, lets the workers finish what is queued and
// waits for them
func (wp *WorkerPool) Stop() {
	wp.quitOnce.Do(func() { close(wp.quit) })

	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.events)
	started := wp.started
	wp.mu.Unlock()

	if started {
		log.Info("Stopping worker pool")
		wp.wg.Wait()
		log.Info("Worker pool stopped")
	}
	wp.cancel()
}

// Stats returns current statistics
func (wp *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		WorkerCount:     wp.workerCount,
		EventsQueued:    wp.eventsQueued.Load(),
		EventsProcessed: wp.eventsProcessed.Load(),
		Outcomes:        wp.outcomes.Load(),
		Busy:            wp.busy.Load(),
	}
}

// WorkerPoolStats contains statistics about the worker pool
type WorkerPoolStats struct {
	WorkerCount     int
	EventsQueued    int64
	EventsProcessed int64
	Outcomes        int64
	Busy            int64
}
