package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

var wqLog *logrus.Entry

func init() {
	wqLog = logger.WithName("write-queue")
}

// WriteQueue funnels every write through one goroutine. SQLite allows a
// single writer, and passes running on several workers record outcomes
// at the same time.
type WriteQueue struct {
	db      *sql.DB
	queue   chan writeRequest
	done    chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

type writeRequest struct {
	operation func(db *sql.DB) error
	result    chan error
	ctx       context.Context
}

// WriteQueueConfig configures the write queue
type WriteQueueConfig struct {
	// QueueSize is the buffer size for pending writes (default: 256)
	QueueSize int
	// WriteTimeout bounds how long Submit waits for a write (default: 10s)
	WriteTimeout time.Duration
}

// DefaultWriteQueueConfig returns the defaults
func DefaultWriteQueueConfig() *WriteQueueConfig {
	return &WriteQueueConfig{
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
	}
}

// NewWriteQueue creates a write queue for db. Call Start before Submit.
func NewWriteQueue(db *sql.DB, config *WriteQueueConfig) *WriteQueue {
	if config == nil {
		config = DefaultWriteQueueConfig()
	}
	return &WriteQueue{
		db:      db,
		queue:   make(chan writeRequest, config.QueueSize),
		done:    make(chan struct{}),
		timeout: config.WriteTimeout,
	}
}

// Start launches the writer goroutine
func (wq *WriteQueue) Start() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.started {
		return
	}
	wq.started = true
	wq.wg.Add(1)
	go wq.worker()
	wqLog.Debug("Write queue started")
}

// Stop finishes pending writes and shuts the queue down
func (wq *WriteQueue) Stop() {
	wq.mu.Lock()
	if !wq.started {
		wq.mu.Unlock()
		return
	}
	wq.started = false
	wq.mu.Unlock()

	close(wq.done)
	wq.wg.Wait()
	wqLog.Debug("Write queue stopped")
}

// Submit queues a write and waits for its result
func (wq *WriteQueue) Submit(ctx context.Context, operation func(db *sql.DB) error) error {
	wq.mu.Lock()
	if !wq.started {
		wq.mu.Unlock()
		return fmt.Errorf("write queue not started")
	}
	wq.mu.Unlock()

	if wq.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wq.timeout)
		defer cancel()
	}

	req := writeRequest{operation: operation, result: make(chan error, 1), ctx: ctx}
	select {
	case wq.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-wq.done:
		return fmt.Errorf("write queue is shutting down")
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitTx queues a write that runs inside a transaction, committed on
// success and rolled back on error
func (wq *WriteQueue) SubmitTx(ctx context.Context, operation func(tx *sql.Tx) error) error {
	return wq.Submit(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := operation(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				wqLog.WithError(rbErr).Error("Failed to rollback transaction")
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

func (wq *WriteQueue) worker() {
	defer wq.wg.Done()
	for {
		select {
		case req := <-wq.queue:
			wq.process(req)
		case <-wq.done:
			for {
				select {
				case req := <-wq.queue:
					wq.process(req)
				default:
					return
				}
			}
		}
	}
}

func (wq *WriteQueue) process(req writeRequest) {
	if err := req.ctx.Err(); err != nil {
		req.result <- err
		return
	}
	err := req.operation(wq.db)
	if err != nil {
		wqLog.WithError(err).Debug("Write failed")
	}
	req.result <- err
}

// QueueLength returns the number of pending writes
func (wq *WriteQueue) QueueLength() int {
	return len(wq.queue)
}

// IsStarted reports whether the queue is running
func (wq *WriteQueue) IsStarted() bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.started
}
