package exchange

import "errors"

// Sentinel errors returned by the registry and waiter. The HTTP layer
// maps each to exactly one status code.
var (
	// ErrConflict: a task with the same id is already live.
	ErrConflict = errors.New("task id already exists")
	// ErrNotFound: no live task with that id.
	ErrNotFound = errors.New("task not found")
	// ErrUnauthorized: the result sender is not among the task's recipients.
	ErrUnauthorized = errors.New("sender is not a recipient of this task")
	// ErrMismatch: the result names a different task than the one addressed.
	ErrMismatch = errors.New("result does not belong to this task")
	// ErrBadBlock: neither wait_count nor wait_time was supplied.
	ErrBadBlock = errors.New("blocking requires wait_count or wait_time")
	// ErrChannel: a broadcast subscription was dropped for lagging
	// underneath a waiter. Fatal for that request only; result waiters
	// treat a clean close as deletion of the watched task.
	ErrChannel = errors.New("broadcast subscription failed")
	// ErrClosed: the registry has shut down.
	ErrClosed = errors.New("registry closed")
)
