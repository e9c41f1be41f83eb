package backend

import "errors"

// Error taxonomy. Sentinel errors are created with errors.New; call
// sites wrap them with fmt.Errorf("...: %w", err) to add detail.
var (
	// ErrConfig is an invalid VmConfig: unknown boot source, missing
	// firmware, reserved characters. Fatal before spawn.
	ErrConfig = errors.New("backend: invalid vm config")

	// ErrSpawn is returned when the QEMU binary cannot be found or exec
	// fails. Fatal.
	ErrSpawn = errors.New("backend: spawn failed")

	// ErrDisconnected wraps the error of a failed QMP call, e.g. once the
	// QMP socket has closed unexpectedly. The driver keeps no dead/alive
	// flag of its own; a closed qmp.Client fails every later call, so
	// QMP-backed commands keep failing with this error.
	ErrDisconnected = errors.New("backend: qemu disconnected")

	// ErrTimeout names a polling loop exceeding its budget. No Driver
	// method returns it: the polling loops live in lib/snapshot, whose
	// snapshot.ErrTimeout the snapshot commands pass on wrapped.
	ErrTimeout = errors.New("backend: operation timed out")

	// ErrUnsupported names a capability gate rejecting an operation, e.g.
	// NVMe + snapshots. No Driver method returns it: save/load pass on the
	// snapshot engine's snapshot.ErrUnsupported, wrapped.
	ErrUnsupported = errors.New("backend: unsupported")

	// ErrIO is returned for overlay creation, fifo creation, or file open
	// failures.
	ErrIO = errors.New("backend: io error")

	// ErrNotRunning is returned by operations that require a live QEMU
	// process when none is tracked.
	ErrNotRunning = errors.New("backend: vm not running")

	// ErrAssetNotFound names an extract_assets selector that does not match
	// exactly one drive. extract_assets passes on the snapshot engine's
	// snapshot.ErrAssetNotFound, wrapped, rather than this value.
	ErrAssetNotFound = errors.New("backend: asset selector did not match exactly one drive")
)
