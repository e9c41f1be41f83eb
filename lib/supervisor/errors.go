package supervisor

import "errors"

var (
	// ErrStillRunning is returned by Stop when the child survives both the
	// graceful signal and the forced escalation within the bounded window.
	ErrStillRunning = errors.New("supervisor: process still running after escalated stop")

	// ErrNotRunning names a child that has already exited. Supervisor's
	// own methods do not return it: with no tracked child, Stop returns
	// nil and IsRunning returns false.
	ErrNotRunning = errors.New("supervisor: process not running")
)
