// Package queue provides a thread-safe ring buffer decoupling signal intake
// from the store writer.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"breachwatch/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Signal carries exactly one normalized signal record, either an event or
// a metric.
type Signal struct {
	Event  *schema.SecurityEvent
	Metric *schema.SecurityMetric
}

// EventSignal wraps an event for queueing.
func EventSignal(ev *schema.SecurityEvent) Signal {
	return Signal{Event: ev}
}

// MetricSignal wraps a metric for queueing.
func MetricSignal(m *schema.SecurityMetric) Signal {
	return Signal{Metric: m}
}

// RingBuffer is a thread-safe circular buffer for signals. Intake paths push
// without blocking; the writer drains with PopBlocking or Drain.
type RingBuffer struct {
	buffer []Signal
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}

	rb := &RingBuffer{
		buffer: make([]Signal, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds a signal to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer) Push(sig Signal) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = sig
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return nil
}

// Pop removes and returns a signal from the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer) Pop() (Signal, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return Signal{}, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking removes and returns a signal from the queue.
// Blocks until a signal is available or the queue is closed.
func (rb *RingBuffer) PopBlocking() (Signal, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.closed && rb.count == 0 {
		return Signal{}, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// Drain removes up to max signals without blocking. Useful for batch writes.
func (rb *RingBuffer) Drain(max int) []Signal {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.count
	if max > 0 && n > max {
		n = max
	}
	out := make([]Signal, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, rb.popLocked())
	}
	return out
}

// popLocked removes the head signal. Caller must hold the lock and have
// checked count > 0.
func (rb *RingBuffer) popLocked() Signal {
	sig := rb.buffer[rb.head]
	rb.buffer[rb.head] = Signal{} // allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return sig
}

// Len returns the current number of signals in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// IsEmpty returns true if the queue is empty.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// Close closes the queue and wakes up any waiting consumers.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
