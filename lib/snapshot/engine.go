// Package snapshot orchestrates save/load of a VM's state via QEMU live
// migration to a file: balloon inflate/deflate, blockdev-snapshot-sync
// overlay creation, and the status-wait loops that make the sequence
// safe to cancel.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/digitalocean/go-qemu/qmp/raw"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/onkernel/qemubackend/lib/blockdev"
	"github.com/onkernel/qemubackend/lib/paths"
	"github.com/onkernel/qemubackend/lib/qmp"
	"github.com/onkernel/qemubackend/lib/supervisor"
)

// Engine composes a QMP client, a block device model, and a process
// supervisor to implement save_snapshot/load_snapshot/extract_assets.
type Engine struct {
	log    *slog.Logger
	tracer trace.Tracer

	model *blockdev.Model
	sup   *supervisor.Supervisor
	paths *paths.Paths
	cfg   Config

	respawn Respawner

	qmp *qmp.Client
}

// New constructs an Engine. qmp may be nil until SetQMP is called (e.g.
// before a VM has started).
func New(log *slog.Logger, tracer trace.Tracer, model *blockdev.Model, sup *supervisor.Supervisor, p *paths.Paths, cfg Config, respawn Respawner) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log, tracer: tracer, model: model, sup: sup, paths: p, cfg: cfg, respawn: respawn}
}

// SetQMP rebinds the engine to the given client (mirrors RuntimeFlags's
// dedicated-setter idiom): the driver calls it after start_vm. Load
// replaces the reference itself when it respawns QEMU; the driver picks
// the new client up through QMP.
func (e *Engine) SetQMP(c *qmp.Client) { e.qmp = c }

// QMP returns the client currently in use, possibly replaced by a Load
// call's respawn.
func (e *Engine) QMP() *qmp.Client { return e.qmp }

// CanHandle reports whether the named capability is supported. Only
// "snapshots" is a recognized capability; it is gated on the absence of
// any NVMe controller.
func (e *Engine) CanHandle(capability string) bool {
	switch capability {
	case "snapshots":
		return e.model.CanHandleSnapshots()
	default:
		return false
	}
}

// Save performs the save_snapshot sequence.
func (e *Engine) Save(ctx context.Context, name string) error {
	if !e.model.CanHandleSnapshots() {
		return ErrUnsupported
	}
	if e.qmp == nil {
		return fmt.Errorf("snapshot: save %q: %w", name, qmp.ErrDisconnected)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "snapshot.Save")
		defer span.End()
	}

	status, err := e.qmp.QueryStatus()
	if err != nil {
		return fmt.Errorf("snapshot: query-status: %w", err)
	}
	wasRunning := status.Status == raw.RunStateRunning

	if wasRunning {
		if e.cfg.BalloonTargetBytes > 0 {
			if err := e.inflateBalloon(ctx); err != nil {
				// Balloon settle is surfaced, not fatal.
				e.log.Warn("balloon inflate did not settle before save", "error", err)
			}
		}
		if err := e.qmp.Stop(); err != nil {
			return fmt.Errorf("snapshot: stop before save: %w", err)
		}
	}

	// Console snapshots belong to the console layer; this process only
	// guarantees the VM is paused while they are taken.
	e.log.Debug("save_snapshot: console snapshots left to the console layer", "name", name)

	seq := e.model.NextSequence()
	driveIDs := e.model.DriveIDs()
	overlays := make(map[string]string, len(driveIDs))
	for _, driveID := range driveIDs {
		overlay, err := e.model.AddOverlay(driveID, seq)
		if err != nil {
			return fmt.Errorf("snapshot: add overlay for drive %q: %w", driveID, err)
		}
		if err := e.snapshotSyncWithFallback(overlay); err != nil {
			return fmt.Errorf("snapshot: blockdev-snapshot-sync drive %q: %w", driveID, err)
		}
		overlays[driveID] = overlay.NodeName
	}

	ramFile := e.paths.SnapshotStream(name)
	if err := e.model.RecordSnapshot(name, seq, ramFile, overlays); err != nil {
		return fmt.Errorf("snapshot: record snapshot %q: %w", name, err)
	}

	if err := e.qmp.MigrateSetCapabilities(map[string]bool{"compress": true, "events": true}); err != nil {
		return fmt.Errorf("snapshot: migrate-set-capabilities: %w", err)
	}
	params := map[string]any{
		"compress-level":   e.cfg.CompressLevel,
		"compress-threads": e.cfg.CompressThreads,
	}
	if e.cfg.MaxBandwidth > 0 {
		params["max-bandwidth"] = e.cfg.MaxBandwidth
	}
	if err := e.qmp.MigrateSetParameters(params); err != nil {
		return fmt.Errorf("snapshot: migrate-set-parameters: %w", err)
	}

	if err := os.MkdirAll(e.paths.SnapshotsDir(), 0755); err != nil {
		return fmt.Errorf("snapshot: create snapshots dir: %w", err)
	}
	f, err := os.OpenFile(ramFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("snapshot: open ram file %q: %w", ramFile, err)
	}
	defer f.Close()

	// Dup the fd so writeWithFd's unix.Close (called exactly once inside
	// CallWithFd) doesn't race the os.File's own ownership of f.Fd().
	dup, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return fmt.Errorf("snapshot: dup ram file fd: %w", err)
	}
	fdName := "snapshot-" + name
	if _, err := e.qmp.CallWithFd(qmp.GetFdCommand(fdName), dup); err != nil {
		return fmt.Errorf("snapshot: getfd: %w", err)
	}

	if err := e.qmp.Migrate("fd:" + fdName); err != nil {
		return fmt.Errorf("snapshot: migrate: %w", err)
	}

	if err := e.pollMigration(ctx, span, e.cfg.MaxMigrationTime); err != nil {
		return err
	}

	// Guards the race where QEMU briefly occupies paused|finish-migrate
	// before settling into postmigrate.
	if err := e.waitWhileStatus(ctx, []string{"paused", "finish-migrate"}, 10*time.Second); err != nil {
		e.log.Warn("status race wait after migrate did not settle", "error", err)
	}

	if wasRunning {
		if err := e.qmp.Cont(); err != nil {
			return fmt.Errorf("snapshot: cont after save: %w", err)
		}
		if e.cfg.BalloonTargetBytes > 0 {
			if err := e.qmp.Balloon(0); err != nil {
				e.log.Warn("balloon deflate after save failed", "error", err)
			}
		}
	}

	return nil
}

// Load performs the load_snapshot sequence.
func (e *Engine) Load(ctx context.Context, name string) error {
	if !e.model.CanHandleSnapshots() {
		return ErrUnsupported
	}
	if !e.hasSnapshot(name) {
		return ErrSnapshotNotFound
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "snapshot.Load")
		defer span.End()
	}

	if e.qmp != nil {
		if status, err := e.qmp.QueryStatus(); err == nil && status.Status == raw.RunStateRunning {
			if err := e.qmp.Stop(); err != nil {
				return fmt.Errorf("snapshot: stop before load: %w", err)
			}
		}
		e.qmp.Close()
		e.qmp = nil
	}

	e.log.Debug("load_snapshot: disabling console streams", "name", name)

	// Tear down the current QEMU process; network/tap allocations are
	// left untouched by the caller (backend.Driver), which must not
	// invoke netalloc.Release for a load triggered re-exec.
	if err := e.sup.Stop(e.cfg.StopGracefulTimeout, e.cfg.StopForceTimeout); err != nil {
		return fmt.Errorf("snapshot: stop qemu before load: %w", err)
	}

	if err := e.model.RevertTo(name); err != nil {
		return fmt.Errorf("snapshot: revert to %q: %w", name, err)
	}

	client, err := e.respawn.Respawn(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: respawn qemu for load: %w", err)
	}
	e.qmp = client

	if err := e.qmp.MigrateSetCapabilities(map[string]bool{"compress": true, "events": true}); err != nil {
		return fmt.Errorf("snapshot: migrate-set-capabilities: %w", err)
	}

	ramFile := e.paths.SnapshotStream(name)
	// fd: URIs are unreliable for incoming migration in QEMU; exec:cat
	// works on every version this driver targets.
	if err := e.qmp.MigrateIncoming("exec:cat " + ramFile); err != nil {
		return fmt.Errorf("snapshot: migrate-incoming: %w", err)
	}

	e.log.Debug("load_snapshot: re-enabling console streams", "name", name)

	if err := e.waitUntilLeavesMigrating(ctx, e.cfg.IncomingMigrationTimeout); err != nil {
		return fmt.Errorf("snapshot: wait for incoming migration: %w", err)
	}

	if err := e.qmp.Cont(); err != nil {
		return fmt.Errorf("snapshot: cont after load: %w", err)
	}
	if e.cfg.BalloonTargetBytes > 0 {
		if err := e.qmp.Balloon(0); err != nil {
			e.log.Warn("balloon deflate after load failed", "error", err)
		}
	}

	return nil
}

// ExtractAssets copies a named block node out as a standalone image file
// into destDir, loading the most recent snapshot first if no state is
// currently loaded.
func (e *Engine) ExtractAssets(ctx context.Context, selector AssetSelector, destDir, format string) (string, error) {
	if e.qmp == nil {
		snaps := e.model.Snapshots()
		if len(snaps) == 0 {
			return "", ErrNoSnapshots
		}
		latest := snaps[len(snaps)-1]
		if err := e.Load(ctx, latest.Name); err != nil {
			return "", fmt.Errorf("snapshot: load before extract: %w", err)
		}
	}

	drives := e.model.Drives()
	match, ok := drives[selector.DriveID]
	if !ok {
		return "", ErrAssetNotFound
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("snapshot: create dest dir %q: %w", destDir, err)
	}

	srcFile := match.SourceFile
	if chain := e.model.OverlayChain(selector.DriveID); len(chain) > 0 {
		srcFile = chain[0].File // outermost (live) node first
	}

	dest := filepath.Join(destDir, fmt.Sprintf("%s.%s", match.ID, format))
	if err := convertImage(srcFile, dest, format); err != nil {
		return "", fmt.Errorf("snapshot: extract asset %q: %w", selector.DriveID, err)
	}
	return dest, nil
}

func (e *Engine) hasSnapshot(name string) bool {
	for _, s := range e.model.Snapshots() {
		if s.Name == name {
			return true
		}
	}
	return false
}

// snapshotSyncWithFallback issues blockdev-snapshot-sync keyed by
// node-name; some built-in devices autogenerate node names, so on error
// it retries keyed by the overlay's prior live (backing) node.
func (e *Engine) snapshotSyncWithFallback(overlay *blockdev.Overlay) error {
	resp, err := e.qmp.BlockdevSnapshotSync(overlay.NodeName, overlay.File, overlay.Driver)
	if err != nil {
		return err
	}
	if resp.Err == nil {
		return nil
	}
	resp, err = e.qmp.BlockdevSnapshotSyncByDevice(overlay.BackingNode, overlay.File, overlay.Driver)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

// inflateBalloon requests the configured target and polls query-balloon
// for up to BalloonSettleAttempts iterations, returning once actual stops
// decreasing.
func (e *Engine) inflateBalloon(ctx context.Context) error {
	if err := e.qmp.Balloon(e.cfg.BalloonTargetBytes); err != nil {
		return fmt.Errorf("balloon request: %w", err)
	}
	var lastActual int64 = -1
	for i := 0; i < e.cfg.BalloonSettleAttempts; i++ {
		info, err := e.qmp.QueryBalloon()
		if err != nil {
			return err
		}
		if lastActual >= 0 && info.Actual >= lastActual {
			return nil
		}
		lastActual = info.Actual
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.BalloonSettleInterval):
		}
	}
	return ErrTimeout
}

// pollMigration polls query-migrate at the configured tick, logging
// ram.total/ram.remaining on every iteration and recording them as span
// events when tracing.
func (e *Engine) pollMigration(ctx context.Context, span trace.Span, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := e.qmp.QueryMigrate()
		if err != nil {
			return fmt.Errorf("snapshot: query-migrate: %w", err)
		}
		if info.RAM != nil {
			e.log.Debug("migration progress", "ram_total", info.RAM.Total, "ram_remaining", info.RAM.Remaining)
			if span != nil {
				span.AddEvent("migrate-progress", trace.WithAttributes(
					attribute.Int64("ram.total", int64(info.RAM.Total)),
					attribute.Int64("ram.remaining", int64(info.RAM.Remaining)),
				))
			}
		}
		if info.Status != nil {
			switch *info.Status {
			case raw.MigrationStatusCompleted:
				return nil
			case raw.MigrationStatusFailed:
				return ErrMigrationFailed
			}
		}

		if time.Now().After(deadline) {
			_ = e.qmp.MigrateCancel()
			return ErrTimeout
		}
	}
}

// waitWhileStatus polls query-status until it no longer matches any of
// statuses, or budget elapses.
func (e *Engine) waitWhileStatus(ctx context.Context, statuses []string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		info, err := e.qmp.QueryStatus()
		if err != nil {
			return err
		}
		if !containsString(statuses, info.Status.String()) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// waitUntilLeavesMigrating polls query-status until its value no longer
// contains "migrate", or budget elapses.
func (e *Engine) waitUntilLeavesMigrating(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		info, err := e.qmp.QueryStatus()
		if err == nil && !strings.Contains(info.Status.String(), "migrate") {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// convertImage shells out to qemu-img convert, the same external-binary
// idiom blockdev.Model uses for overlay creation.
func convertImage(src, dest, format string) error {
	cmd := exec.Command("qemu-img", "convert", "-O", format, src, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img convert: %w: %s", err, string(out))
	}
	return nil
}
