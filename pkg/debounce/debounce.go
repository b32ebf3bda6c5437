// Package debounce coalesces bursts of raw filesystem events into one
// settled event per path.
package debounce

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

const outputBuffer = 64

type pending struct {
	kind  models.EventKind
	seq   uint64
	timer *time.Timer
}

// Debouncer keeps one timer per path. Every observation for a path resets
// its timer; when the timer fires the last observed kind is emitted.
type Debouncer struct {
	quiet time.Duration
	limit int
	now   func() time.Time
	out   chan models.SettledEvent
	done  chan struct{}
	log   *logrus.Entry

	mu      sync.Mutex
	pending *simplelru.LRU[string, *pending]
	seq     uint64
	closed  bool
	senders sync.WaitGroup
}

// New creates a debouncer. maxPending bounds the number of distinct paths
// waiting to settle; beyond it the least recently observed path is
// settled immediately.
func New(quiet time.Duration, maxPending int) *Debouncer {
	if maxPending <= 0 {
		maxPending = 4096
	}
	// simplelru only errors on a non-positive size
	lru, _ := simplelru.NewLRU[string, *pending](maxPending, nil)
	return &Debouncer{
		quiet:   quiet,
		limit:   maxPending,
		now:     time.Now,
		out:     make(chan models.SettledEvent, outputBuffer),
		done:    make(chan struct{}),
		log:     logger.WithName("debounce"),
		pending: lru,
	}
}

// Events returns the settled event stream. It is closed by Close.
func (d *Debouncer) Events() <-chan models.SettledEvent {
	return d.out
}

// Observe records a raw event. A rename reports the old name, so it is
// treated as a removal of that path.
func (d *Debouncer) Observe(ev models.RawEvent) {
	kind := ev.Kind
	if kind == models.EventRenamed {
		kind = models.EventRemoved
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if p, ok := d.pending.Peek(ev.Path); ok {
		p.timer.Stop()
	} else if d.pending.Len() >= d.limit {
		d.evictOldestLocked()
	}

	d.seq++
	seq := d.seq
	path := ev.Path
	p := &pending{kind: kind, seq: seq}
	p.timer = time.AfterFunc(d.quiet, func() { d.fire(path, seq) })
	d.pending.Add(path, p)
}

func (d *Debouncer) evictOldestLocked() {
	path, p, ok := d.pending.RemoveOldest()
	if !ok {
		return
	}
	p.timer.Stop()
	d.log.WithFields(logrus.Fields{
		"path":    path,
		"pending": d.pending.Len(),
	}).Warn("Too many pending paths, settling oldest early")

	d.senders.Add(1)
	go func() {
		defer d.senders.Done()
		d.send(models.SettledEvent{Path: path, Kind: p.kind, SettledAt: d.now()})
	}()
}

func (d *Debouncer) fire(path string, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending.Peek(path)
	if d.closed || !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	d.pending.Remove(path)
	d.senders.Add(1)
	d.mu.Unlock()

	defer d.senders.Done()
	d.send(models.SettledEvent{Path: path, Kind: p.kind, SettledAt: d.now()})
}

func (d *Debouncer) send(ev models.SettledEvent) {
	if logger.IsLevelEnabled(logrus.TraceLevel) {
		d.log.WithFields(logrus.Fields{"path": ev.Path, "kind": ev.Kind}).Trace("Settled")
	}
	select {
	case d.out <- ev:
	case <-d.done:
	}
}

// Pending returns the number of paths waiting to settle
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Len()
}

// Close drops pending timers and closes the event stream
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, path := range d.pending.Keys() {
		if p, ok := d.pending.Peek(path); ok {
			p.timer.Stop()
		}
	}
	d.pending.Purge()
	d.mu.Unlock()

	close(d.done)
	d.senders.Wait()
	close(d.out)
}
