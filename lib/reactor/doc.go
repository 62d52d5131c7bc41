// Package reactor provides the single logical thread of control that owns a
// document's synchronisation state.
//
// A Reactor drains an unbounded lock-free multi-producer single-consumer
// queue of tasks on one goroutine. Socket readers, timers, bus deliveries and
// document callbacks never touch shared state directly, they Post a task.
// Blocking public APIs use Do to run a task and wait for its completion.
//
// Example:
//
//	r := reactor.New("room-1")
//	defer r.Close()
//
//	r.Post(func() { state.connected = true })
//	_ = r.Do(func() { fmt.Println(state.connected) })
package reactor
