package session

import (
	"sync"

	"github.com/roach88/captp/internal/wire"
)

// frameQueue is a thread-safe FIFO queue of frames.
//
// The queue is unbounded so the dispatch path never blocks on a slow
// transport: backpressure is confined to the sender goroutine draining
// the queue. A buffered signal channel (size 1) coalesces wakeups for
// the single consumer.
//
// Send order on the wire equals enqueue order; this is what keeps
// messages to the same capability ordered.
type frameQueue struct {
	mu     sync.Mutex
	frames []*wire.Frame
	closed bool
	signal chan struct{}
}

// newFrameQueue creates an empty queue.
func newFrameQueue() *frameQueue {
	return &frameQueue{
		frames: make([]*wire.Frame, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a frame to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *frameQueue) Enqueue(f *wire.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.frames = append(q.frames, f)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes and returns the front frame, blocking until one is
// available. Returns (nil, false) once the queue is closed and drained.
func (q *frameQueue) Dequeue() (*wire.Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

// TryDequeue removes and returns the front frame without blocking.
func (q *frameQueue) TryDequeue() (*wire.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Close marks the queue closed. Queued frames remain dequeueable;
// further enqueues are refused. Idempotent.
func (q *frameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued frames.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
