package firmware

import (
	"sync/atomic"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/pkg"
)

// DefaultQueueSize is the capacity of the firmware event queue.
const DefaultQueueSize = 64

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// Queue is a bounded multi-producer multi-consumer FIFO. Enqueue and
// Dequeue never block and take no locks; each cell carries a sequence
// number that tells producers and consumers whose turn it is.
type Queue[T any] struct {
	_     [64]byte
	enq   atomic.Uint64
	_     [56]byte
	deq   atomic.Uint64
	_     [56]byte
	mask  uint64
	cells []cell[T]
}

// NewQueue returns an empty queue holding up to capacity elements.
// Capacity must be a power of two and at least 2.
func NewQueue[T any](capacity int) (*Queue[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "queue capacity %d is not a power of two", capacity)
	}
	q := &Queue[T]{
		mask:  uint64(capacity - 1),
		cells: make([]cell[T], capacity),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q, nil
}

// Enqueue appends v. It returns pkg.ErrQueueFull if no slot is free.
func (q *Queue[T]) Enqueue(v T) error {
	pos := q.enq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq - pos); {
		case dif == 0:
			if q.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return nil
			}
			pos = q.enq.Load()
		case dif < 0:
			return pkg.ErrQueueFull
		default:
			pos = q.enq.Load()
		}
	}
}

// Dequeue removes and returns the oldest element. The boolean is false if
// the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	pos := q.deq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq - (pos + 1)); {
		case dif == 0:
			if q.deq.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.deq.Load()
		case dif < 0:
			return zero, false
		default:
			pos = q.deq.Load()
		}
	}
}

// Len returns the number of queued elements. The value is a snapshot and
// may be stale by the time it is used.
func (q *Queue[T]) Len() int {
	for {
		deq := q.deq.Load()
		enq := q.enq.Load()
		if deq != q.deq.Load() {
			continue
		}
		if enq < deq {
			return 0
		}
		return int(min(enq-deq, q.mask+1))
	}
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return int(q.mask + 1)
}
