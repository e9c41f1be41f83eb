package blockdev

import "errors"

var (
	// ErrNotFound is returned when an id reference (controller, drive,
	// drive path, or overlay) does not resolve to an arena entry.
	ErrNotFound = errors.New("blockdev: not found")

	// ErrDuplicateID is returned by an add_* operation reusing an id.
	ErrDuplicateID = errors.New("blockdev: duplicate id")

	// ErrSequenceNotMonotonic guards against a snapshot sequence number
	// that does not strictly exceed the last one.
	ErrSequenceNotMonotonic = errors.New("blockdev: snapshot sequence must be strictly increasing")

	// ErrUnsupported names the NVMe snapshot gate. No Model method returns
	// it: CanHandleSnapshots reports the gate as a bool, and the snapshot
	// engine returns its own snapshot.ErrUnsupported.
	ErrUnsupported = errors.New("blockdev: unsupported")

	// ErrSnapshotNotFound is returned by RevertTo for an unknown name.
	ErrSnapshotNotFound = errors.New("blockdev: snapshot not found")
)
