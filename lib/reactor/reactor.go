package reactor

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("reactor")

// ErrClosed is returned by Do when the reactor no longer runs tasks
var ErrClosed = errors.New("reactor is closed")

// Task is a unit of work executed on the reactor goroutine
type Task func()

// Reactor runs posted tasks one after another on a single goroutine.
// Everything that touches the state owned by a reactor (connection state,
// timers, a mirror) is posted as a task, so no two handlers for the same
// owner ever run concurrently and the state itself needs no locks.
type Reactor struct {
	name  string
	tasks *queue[Task]
	done  chan struct{}
}

// New creates and starts a reactor. The name is only used for logging.
func New(name string) *Reactor {
	r := &Reactor{
		name:  name,
		tasks: newQueue[Task](),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Post enqueues fn without waiting for it. Returns false if the reactor is
// closed. Safe to call from any goroutine including the reactor itself, in
// which case fn runs after the current task (the "next tick").
func (r *Reactor) Post(fn Task) bool {
	if fn == nil {
		return false
	}
	return r.tasks.push(fn)
}

// Do runs fn on the reactor and waits for it to return.
// Do must not be called from a task running on the same reactor, it would wait
// for itself.
func (r *Reactor) Do(fn Task) error {
	finished := make(chan struct{})
	if !r.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		// the loop may have drained the task right before exiting
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting tasks. Tasks already queued still run.
func (r *Reactor) Close() {
	r.tasks.close()
}

// Done is closed once the loop has exited
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Pending returns the approximate number of queued tasks
func (r *Reactor) Pending() int {
	return r.tasks.len()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (r *Reactor) loop() {
	defer close(r.done)
	for r.tasks.wait() {
		for {
			task, ok := r.tasks.pop()
			if !ok {
				break
			}
			r.run(task)
		}
	}
}

// run executes a single task, a panicking task is logged and does not kill the loop
func (r *Reactor) run(task Task) {
	defer func() {
		if p := recover(); p != nil {
			Logger.Errorf("%s: task panicked: %v\n%s", r.name, fmt.Sprint(p), debug.Stack())
		}
	}()
	task()
}
