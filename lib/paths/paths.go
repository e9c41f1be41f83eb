// Package paths provides centralized path construction for a VM's working
// directory.
package paths

import "path/filepath"

// Paths provides typed path construction rooted at a single VM's working
// directory (one instance per running backend driver).
type Paths struct {
	baseDir string
}

// New creates a new Paths instance for the given VM working directory.
func New(baseDir string) *Paths {
	return &Paths{baseDir: baseDir}
}

// BaseDir returns the root working directory for the VM.
func (p *Paths) BaseDir() string {
	return p.baseDir
}

// QMPSocket returns the path to the QMP Unix stream socket.
func (p *Paths) QMPSocket() string {
	return filepath.Join(p.baseDir, "qmp_socket")
}

// PIDFile returns the path to the QEMU PID file.
func (p *Paths) PIDFile() string {
	return filepath.Join(p.baseDir, "qemu.pid")
}

// RunMarker returns the path to the one-line backend.run marker written at
// start_vm and removed at stop_vm.
func (p *Paths) RunMarker() string {
	return filepath.Join(p.baseDir, "backend.run")
}

// BlockDeviceModel returns the path to the serialized block-device model
// persisted alongside the PID file.
func (p *Paths) BlockDeviceModel() string {
	return filepath.Join(p.baseDir, "blockdev.json")
}

// VMMLog returns the path to the captured QEMU stdout/stderr log.
func (p *Paths) VMMLog() string {
	return filepath.Join(p.baseDir, "qemu.log")
}

// SnapshotsDir returns the root vm-snapshots directory.
func (p *Paths) SnapshotsDir() string {
	return filepath.Join(p.baseDir, "vm-snapshots")
}

// SnapshotStream returns the path to the migration stream file for a
// named snapshot.
func (p *Paths) SnapshotStream(name string) string {
	return filepath.Join(p.SnapshotsDir(), name)
}

// OverlaysDir returns <baseDir>/overlays. blockdev.Model does not use it:
// overlay qcow2 files are created directly in the Model's base directory.
func (p *Paths) OverlaysDir() string {
	return filepath.Join(p.baseDir, "overlays")
}

// ConsoleFifoIn returns the path to a virtconsole's host-to-guest fifo.
func (p *Paths) ConsoleFifoIn(name string) string {
	return filepath.Join(p.baseDir, "console", name+".in")
}

// ConsoleFifoOut returns the path to a virtconsole's guest-to-host fifo.
func (p *Paths) ConsoleFifoOut(name string) string {
	return filepath.Join(p.baseDir, "console", name+".out")
}

// SerialLog returns the path to the serial0 ringbuf logfile.
func (p *Paths) SerialLog() string {
	return filepath.Join(p.baseDir, "serial0")
}

// AssetDest returns the destination path for an extracted asset within dir.
func (p *Paths) AssetDest(dir, filename string) string {
	return filepath.Join(dir, filename)
}
