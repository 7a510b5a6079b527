// Package serial provides the single logical thread every recovering channel mutates its
// state on, plus a manually driven executor for deterministic tests.
package serial

// Executor runs tasks one at a time in submission order.
//
// Execute schedules a task on the executor. Spawn runs blocking work off the executor;
// the spawned function posts its result back with Execute.
type Executor interface {
	Execute(task func())
	Spawn(task func())
}
