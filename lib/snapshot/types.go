package snapshot

import (
	"context"
	"time"

	"github.com/onkernel/qemubackend/lib/qmp"
)

// Config holds the tunables for the migration-based save/load sequences,
// read through lib/config by the caller and passed in at construction
// explicitly rather than through a process-wide map.
type Config struct {
	// MaxMigrationTime bounds Save's outgoing migration
	// (QEMU_MAX_MIGRATION_TIME, default 240s).
	MaxMigrationTime time.Duration

	// IncomingMigrationTimeout bounds Load's wait to leave the migrate*
	// status.
	IncomingMigrationTimeout time.Duration

	// PollInterval is the migration query-migrate poll tick, default
	// 500ms.
	PollInterval time.Duration

	// BalloonTargetBytes is the memory balloon's inflate target before a
	// save; zero disables ballooning entirely.
	BalloonTargetBytes uint64

	// BalloonSettleAttempts/Interval bound the balloon-settle poll loop.
	BalloonSettleAttempts int
	BalloonSettleInterval time.Duration

	// CompressLevel/CompressThreads/MaxBandwidth are migrate-set-parameters
	// values applied before every outgoing migration.
	CompressLevel   int
	CompressThreads int
	MaxBandwidth    uint64

	// StopGracefulTimeout/StopForceTimeout bound the supervisor.Stop call
	// Load issues before tearing down the running QEMU process.
	StopGracefulTimeout time.Duration
	StopForceTimeout    time.Duration
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		MaxMigrationTime:         240 * time.Second,
		IncomingMigrationTimeout: 300 * time.Second,
		PollInterval:             500 * time.Millisecond,
		BalloonSettleAttempts:    5,
		BalloonSettleInterval:    1 * time.Second,
		CompressLevel:            1,
		CompressThreads:          2,
		StopGracefulTimeout:      30 * time.Second,
		StopForceTimeout:         10 * time.Second,
	}
}

// Respawner re-execs QEMU with the block device model's current (possibly
// just-truncated) overlay chain and -S, completing the QMP handshake
// before returning. Implemented by lib/backend.Driver so the snapshot
// engine never needs to know how argv is built: the re-exec step is
// localized to one interface call, not scattered across the load
// sequence.
type Respawner interface {
	Respawn(ctx context.Context) (*qmp.Client, error)
}

// AssetSelector identifies a single block node to extract by drive id
// ("hd0", "hd1", ...). Only drives of the model can be selected; there is
// no selector for the UEFI vars image.
type AssetSelector struct {
	DriveID string
}
