package bridge

import "errors"

// Error taxonomy scoped to the parent-side proxy. Sentinel errors are
// created with errors.New, matching lib/backend/errors.go and
// lib/snapshot/errors.go's var (...) block style.
var (
	// ErrChildExited is returned by Send when the backend child's
	// response pipe has closed (the child exited, crashed, or was
	// killed) before a reply arrived.
	ErrChildExited = errors.New("bridge: backend child exited")

	// ErrTimeout is returned when a command's context is cancelled
	// before a matching response arrives.
	ErrTimeout = errors.New("bridge: command timed out")

	// ErrStillRunning is returned by Stop when the backend child could
	// not be reaped within the bounded graceful-then-force window.
	ErrStillRunning = errors.New("bridge: backend child still running after kill sequence")

	// ErrCommandFailed wraps a {error, message} response frame from the
	// backend child into a Go error at the call site.
	ErrCommandFailed = errors.New("bridge: command failed")
)
