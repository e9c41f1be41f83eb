package snapshot

import "errors"

// Error taxonomy scoped to the save/load/extract flows. Sentinel errors
// are created with errors.New, mirroring
// lib/backend/errors.go's var (...) block style.
var (
	// ErrUnsupported is returned by Save/Load/ExtractAssets when the
	// block device model's NVMe compatibility gate rejects snapshotting,
	// before any QMP command is issued.
	ErrUnsupported = errors.New("snapshot: unsupported (nvme drive present)")

	// ErrTimeout is returned when outgoing migration exceeds
	// MaxMigrationTime, or incoming migration fails to leave the
	// migrate* status within IncomingMigrationTimeout.
	ErrTimeout = errors.New("snapshot: operation timed out")

	// ErrMigrationFailed is returned when query-migrate reports
	// status=="failed".
	ErrMigrationFailed = errors.New("snapshot: migration failed")

	// ErrSnapshotNotFound is returned by Load/ExtractAssets for an
	// unknown snapshot name.
	ErrSnapshotNotFound = errors.New("snapshot: not found")

	// ErrAssetNotFound is returned by ExtractAssets when the selector
	// does not match exactly one drive.
	ErrAssetNotFound = errors.New("snapshot: asset selector did not match exactly one drive")

	// ErrNoSnapshots is returned by ExtractAssets when no state is
	// loaded and none exists to load on demand.
	ErrNoSnapshots = errors.New("snapshot: no snapshot available to load")
)
