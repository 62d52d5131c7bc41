package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of the queue's linked list
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// queue is an unbounded lock-free multi-producer single-consumer queue.
// Producers append with CAS on the tail, the single consumer advances the head
// without synchronisation. Under concurrent pushes the order between producers
// is decided by whoever wins the CAS, the order of one producer is preserved.
type queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	closed atomic.Bool
	length atomic.Int64

	// parks the consumer while the queue is empty
	mu   sync.Mutex
	cond *sync.Cond
}

func newQueue[T any]() *queue[T] {
	sentinel := &node[T]{}
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// push appends v. Returns false once the queue is closed.
// Safe for concurrent use.
func (q *queue[T]) push(v T) bool {
	if q.closed.Load() {
		return false
	}

	n := &node[T]{value: v}
	var spins uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have swung the tail, that's fine
				q.tail.CompareAndSwap(tail, n)
				q.length.Add(1)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that linked its node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little under contention before yielding
		if spins < 6 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// pop removes the oldest value. Must only be called by the consumer.
func (q *queue[T]) pop() (T, bool) {
	var zero T
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}
	v := next.value
	next.value = zero
	q.head.Store(next)
	q.length.Add(-1)
	return v, true
}

// wait parks the consumer until a value is available or the queue is closed.
// Returns false if the queue is closed and drained.
func (q *queue[T]) wait() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head.Load().next.Load() == nil {
		if q.closed.Load() {
			return false
		}
		q.cond.Wait()
	}
	return true
}

// close rejects further pushes, values already queued stay poppable
func (q *queue[T]) close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// len returns the approximate number of queued values
func (q *queue[T]) len() int {
	return int(q.length.Load())
}
