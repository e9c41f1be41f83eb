package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/digitalocean/go-qemu/qmp/raw"
	"golang.org/x/sys/unix"

	"github.com/onkernel/qemubackend/lib/blockdev"
	"github.com/onkernel/qemubackend/lib/netalloc"
	"github.com/onkernel/qemubackend/lib/qmp"
	"github.com/onkernel/qemubackend/lib/snapshot"
	"github.com/onkernel/qemubackend/lib/supervisor"
)

// Driver is the command dispatcher exposed to the Driver Bridge: one
// method per row of the command table. Every operation returns
// (Result, error); cmd/backend wraps the pair into {ok}/{error,message}
// frames.
type Driver struct {
	log *slog.Logger

	cfg   VmConfig
	flags *RuntimeFlags
	model *blockdev.Model

	sup *supervisor.Supervisor
	qmp *qmp.Client

	socketPath    string
	pidPath       string
	runMarkerPath string

	serialLogPath string
	env           []string

	binaryOverride string

	net    *netalloc.Client
	allocs []netalloc.Allocation

	engine *snapshot.Engine
}

// New constructs a Driver bound to the given VM config, block-device
// model, and filesystem layout. QEMU has not been spawned yet.
func New(log *slog.Logger, cfg VmConfig, model *blockdev.Model, sup *supervisor.Supervisor, socketPath, pidPath, runMarkerPath string) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		log:           log,
		cfg:           cfg,
		flags:         &RuntimeFlags{RequestIntervalMs: 500},
		model:         model,
		sup:           sup,
		socketPath:    socketPath,
		pidPath:       pidPath,
		runMarkerPath: runMarkerPath,
	}
}

// SetEngine binds the snapshot engine used by SaveSnapshot/LoadSnapshot/
// ExtractAssets. Constructed separately from Driver (the engine takes
// Driver as its Respawner) and wired in once both exist.
func (d *Driver) SetEngine(e *snapshot.Engine) { d.engine = e }

// SetNetAllocator binds the switch-daemon client used to lease tap
// devices for NICs that don't name one explicitly. Optional; without it
// tap NICs must carry a pre-provisioned device name.
func (d *Driver) SetNetAllocator(c *netalloc.Client) { d.net = c }

// SetBinaryOverride replaces the qemu-system-<arch> binary lookup with an
// explicit path (QEMU_BINARY).
func (d *Driver) SetBinaryOverride(path string) { d.binaryOverride = path }

func (d *Driver) qemuBinary() string {
	if d.binaryOverride != "" {
		return d.binaryOverride
	}
	arch := d.cfg.Arch
	if arch == "" {
		arch = ArchX86_64
	}
	return "qemu-system-" + string(arch)
}

// SetConfig installs the VmConfig this driver will boot. cmd/backend
// calls it once, with the config carried in the start_vm command's
// arguments, before calling StartVM; the config is frozen from that
// point on.
func (d *Driver) SetConfig(cfg VmConfig) { d.cfg = cfg }

// StartVM builds argv from VmConfig + Block Device Model (+ snapshot
// resume, handled by the snapshot engine separately), spawns QEMU,
// connects QMP, and issues cont unless DelayedStart is set.
func (d *Driver) StartVM(ctx context.Context, serialLogPath string, env []string) (Result, error) {
	d.serialLogPath = serialLogPath
	d.env = env

	if err := d.model.Invariants(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if err := d.acquireTaps(ctx); err != nil {
		return Result{}, err
	}

	client, err := d.spawnAndConnect(ctx)
	if err != nil {
		return Result{}, err
	}
	d.qmp = client
	if d.engine != nil {
		d.engine.SetQMP(client)
	}

	if err := os.WriteFile(d.runMarkerPath, []byte(`{"backend":"qemu"}`), 0644); err != nil {
		return Result{}, fmt.Errorf("%w: write run marker: %v", ErrIO, err)
	}

	if !d.cfg.DelayedStart {
		if err := d.qmp.Cont(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}

	return Result{OK: true}, nil
}

// Respawn implements snapshot.Respawner: it re-execs QEMU with the block
// device model's current overlay chain (post RevertTo) and -S, and
// completes the QMP handshake. Migration (incoming or outgoing) is
// orchestrated by the caller, not here.
func (d *Driver) Respawn(ctx context.Context) (*qmp.Client, error) {
	client, err := d.spawnAndConnect(ctx)
	if err != nil {
		return nil, err
	}
	d.qmp = client
	return client, nil
}

// spawnAndConnect builds argv, launches QEMU, starts the log-pipe and
// exit watchers, and completes the QMP handshake.
func (d *Driver) spawnAndConnect(ctx context.Context) (*qmp.Client, error) {
	if err := d.createConsoleFifos(); err != nil {
		return nil, err
	}

	argv, err := BuildArgs(d.cfg, d.flags, d.model, d.socketPath, d.serialLogPath)
	if err != nil {
		return nil, err
	}
	fullArgv := append([]string{d.qemuBinary()}, argv...)

	_, logReader, err := d.sup.Spawn(ctx, fullArgv, d.env, d.pidPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	go d.watchQemuLog(logReader)
	go d.watchExit(d.sup.Done())

	return d.connectQMPWithRetry(ctx)
}

// watchQemuLog reads QEMU's merged stdout/stderr line-wise. The line
// "key event queue full" is fatal: the VM has stopped consuming input
// and every subsequent test step would time out, so QEMU is torn down
// immediately rather than left wedged.
func (d *Driver) watchQemuLog(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		d.log.Info("qemu", "line", line)
		if strings.Contains(line, "key event queue full") {
			d.log.Error("qemu reported a full key event queue, tearing it down")
			if err := d.sup.Stop(5*time.Second, 5*time.Second); err != nil {
				d.log.Error("failed to stop wedged qemu", "error", err)
			}
			return
		}
	}
}

// watchExit logs the one-shot "qemu died" event. Outstanding QMP calls
// fail with Disconnected on their own once the monitor socket closes.
func (d *Driver) watchExit(done <-chan supervisor.ExitStatus) {
	if done == nil {
		return
	}
	status := <-done
	d.log.Warn("qemu exited", "code", status.Code, "signal", status.Signal, "error", status.Err)
}

// createConsoleFifos pre-creates the .in/.out named pipes QEMU's pipe
// chardev expects for each virtconsole; QEMU does not create them
// itself.
func (d *Driver) createConsoleFifos() error {
	if d.cfg.ConsoleCount == 0 {
		return nil
	}
	dir := filepath.Join(filepath.Dir(d.socketPath), "console")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create console dir: %v", ErrIO, err)
	}
	for i := 0; i < d.cfg.ConsoleCount; i++ {
		for _, suffix := range []string{".in", ".out"} {
			fifo := filepath.Join(dir, fmt.Sprintf("console%d%s", i, suffix))
			if err := unix.Mkfifo(fifo, 0600); err != nil && err != unix.EEXIST {
				return fmt.Errorf("%w: create console fifo %s: %v", ErrIO, fifo, err)
			}
		}
	}
	return nil
}

// acquireTaps leases a tap device for every tap NIC that doesn't name
// one, recording the allocations for release at stop_vm.
func (d *Driver) acquireTaps(ctx context.Context) error {
	if d.net == nil {
		return nil
	}
	for i := range d.cfg.Nics {
		nic := &d.cfg.Nics[i]
		if nic.Type != NicTap || nic.Tap != "" {
			continue
		}
		alloc, err := d.net.Acquire(ctx, d.cfg.WorkerID, i)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if alloc.TapName == "" {
			continue // non-fatal dbus mode returned nothing usable
		}
		nic.Tap = alloc.TapName
		d.allocs = append(d.allocs, alloc)
	}
	return nil
}

// SaveSnapshot delegates to the snapshot engine.
func (d *Driver) SaveSnapshot(ctx context.Context, name string) (Result, error) {
	if d.engine == nil {
		return Result{}, ErrNotRunning
	}
	if err := d.engine.Save(ctx, name); err != nil {
		return Result{}, fmt.Errorf("backend: save_snapshot: %w", err)
	}
	return Result{OK: true}, nil
}

// LoadSnapshot delegates to the snapshot engine, then resyncs the
// driver's own QMP reference since Load tears down and re-execs QEMU.
func (d *Driver) LoadSnapshot(ctx context.Context, name string) (Result, error) {
	if d.engine == nil {
		return Result{}, ErrNotRunning
	}
	if err := d.engine.Load(ctx, name); err != nil {
		return Result{}, fmt.Errorf("backend: load_snapshot: %w", err)
	}
	d.qmp = d.engine.QMP()
	return Result{OK: true}, nil
}

// ExtractAssets delegates to the snapshot engine, returning the written
// file path in the result payload.
func (d *Driver) ExtractAssets(ctx context.Context, driveID, destDir, format string) (Result, error) {
	if d.engine == nil {
		return Result{}, ErrNotRunning
	}
	dest, err := d.engine.ExtractAssets(ctx, snapshot.AssetSelector{DriveID: driveID}, destDir, format)
	if err != nil {
		return Result{}, fmt.Errorf("backend: extract_assets: %w", err)
	}
	d.qmp = d.engine.QMP()
	return Result{OK: true, Data: map[string]any{"path": dest}}, nil
}

func (d *Driver) connectQMPWithRetry(ctx context.Context) (*qmp.Client, error) {
	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := qmp.Dial(d.socketPath, d.handleEvent)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: qmp socket never became ready: %v", ErrSpawn, lastErr)
}

func (d *Driver) handleEvent(e qmp.Event) {
	d.log.Debug("qmp event", "name", e.Name)
}

// StopVM gracefully quits the VM (QMP quit if the socket is alive, else
// terminate), persists the Block Device Model state, and removes the run
// marker.
func (d *Driver) StopVM(ctx context.Context, modelStatePath string) (Result, error) {
	if d.qmp != nil {
		if err := d.qmp.Quit(); err != nil {
			d.log.Warn("qmp quit failed, falling back to signal", "error", err)
		}
	}

	if err := d.sup.Stop(30*time.Second, 10*time.Second); err != nil {
		return Result{}, fmt.Errorf("backend: stop_vm: %w", err)
	}

	if err := persistModel(d.model, modelStatePath); err != nil {
		d.log.Warn("failed to persist block device model", "error", err)
	}

	os.Remove(d.runMarkerPath)

	if d.qmp != nil {
		d.qmp.Close()
		d.qmp = nil
	}

	// Tap/VLAN leases survive a load_snapshot re-exec (stop_only_qemu)
	// but are returned on a real stop.
	if d.net != nil && !d.flags.StopOnlyQemu {
		for _, alloc := range d.allocs {
			if err := d.net.Release(ctx, alloc); err != nil {
				d.log.Warn("failed to release tap allocation", "tap", alloc.TapName, "error", err)
			}
		}
		d.allocs = nil
	}

	return Result{OK: true}, nil
}

// CanHandle reports whether the named capability (today only "snapshots")
// is supported by the current block topology, surfaced to the test runner
// before it schedules snapshot-dependent test steps.
func (d *Driver) CanHandle(capability string) (Result, error) {
	supported := d.engine != nil && d.engine.CanHandle(capability)
	return Result{OK: true, Data: map[string]any{"supported": supported}}, nil
}

// Power issues the QMP action matching a power{action} command: acpi ->
// system_powerdown, reset -> system_reset, off -> quit.
func (d *Driver) Power(action string) (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	var err error
	switch action {
	case "acpi":
		err = d.qmp.SystemPowerdown()
	case "reset":
		err = d.qmp.SystemReset()
	case "off":
		err = d.qmp.Quit()
	default:
		return Result{}, fmt.Errorf("%w: unknown power action %q", ErrConfig, action)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return Result{OK: true}, nil
}

// EjectCD ejects the medium from the cd0 device.
func (d *Driver) EjectCD() (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	if err := d.qmp.Eject("cd0"); err != nil {
		return Result{}, fmt.Errorf("backend: eject_cd: %w", err)
	}
	return Result{OK: true}, nil
}

// CPUStat reads utime+stime from /proc for the tracked QEMU PID, the same
// /proc access idiom as the supervisor's zombie/stopped detection.
func (d *Driver) CPUStat(pid int) (Result, error) {
	utime, stime, err := readProcStat(pid)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return Result{OK: true, Data: map[string]any{"utime": utime, "stime": stime}}, nil
}

// IsShutdown reports whether query-status returns "shutdown".
func (d *Driver) IsShutdown() (Result, error) {
	if d.qmp == nil {
		return Result{OK: true, Data: map[string]any{"shutdown": true}}, nil
	}
	info, err := d.qmp.QueryStatus()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return Result{OK: true, Data: map[string]any{"shutdown": info.Status == raw.RunStateShutdown}}, nil
}

// FreezeVM stops the VM and raises the VNC polling interval to 1000ms
// while frozen.
func (d *Driver) FreezeVM() (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	if err := d.qmp.Stop(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	d.flags.UpdateRequestInterval(1000)
	return Result{OK: true}, nil
}

// ContVM resumes the VM and restores the normal VNC polling interval.
func (d *Driver) ContVM() (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	if err := d.qmp.Cont(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	d.flags.UpdateRequestInterval(500)
	return Result{OK: true}, nil
}

// MouseHide repositions the emulated absolute pointer so it leaves the
// framebuffer, by the given border offset.
func (d *Driver) MouseHide(borderOffset int) (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	// The mouse is parked just outside the visible framebuffer using the
	// human monitor's absolute-pointer command.
	cmdline := fmt.Sprintf("mouse_move %d %d", 0x7fff+borderOffset, 0x7fff+borderOffset)
	if _, err := d.qmp.HumanMonitorCommand(cmdline); err != nil {
		return Result{}, fmt.Errorf("backend: mouse_hide: %w", err)
	}
	return Result{OK: true}, nil
}

// StartAudioCapture wraps the wavcapture HMC command, appending the
// audiodev id whenever cfg.Audio.AudiodevID is set. The QEMU version is
// not checked.
func (d *Driver) StartAudioCapture(filename string) (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	cmdline := fmt.Sprintf("wavcapture %s", filename)
	if d.cfg.Audio.AudiodevID != "" {
		cmdline = fmt.Sprintf("wavcapture %s %s", filename, d.cfg.Audio.AudiodevID)
	}
	if _, err := d.qmp.HumanMonitorCommand(cmdline); err != nil {
		return Result{}, fmt.Errorf("backend: start_audiocapture: %w", err)
	}
	return Result{OK: true}, nil
}

// StopAudioCapture wraps the stopcapture HMC command.
func (d *Driver) StopAudioCapture() (Result, error) {
	if d.qmp == nil {
		return Result{}, ErrNotRunning
	}
	if _, err := d.qmp.HumanMonitorCommand("stopcapture"); err != nil {
		return Result{}, fmt.Errorf("backend: stop_audiocapture: %w", err)
	}
	return Result{OK: true}, nil
}

// QMP exposes the underlying client for the snapshot engine.
func (d *Driver) QMP() *qmp.Client { return d.qmp }

// Model exposes the block device model for the snapshot engine.
func (d *Driver) Model() *blockdev.Model { return d.model }

// Flags exposes the runtime flags for the snapshot engine.
func (d *Driver) Flags() *RuntimeFlags { return d.flags }

func readProcStat(pid int) (utime, stime int64, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	var fields []string
	// Fields after the last ')' are space-separated; utime/stime are the
	// 14th/15th fields counting from the pid, i.e. indices 11/12 here.
	rest := data
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == ')' {
			rest = data[i+2:]
			break
		}
	}
	fields = splitFields(string(rest))
	if len(fields) < 15 {
		return 0, 0, fmt.Errorf("backend: unexpected /proc/%d/stat format", pid)
	}
	utime, err = parseInt64(fields[11])
	if err != nil {
		return 0, 0, err
	}
	stime, err = parseInt64(fields[12])
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

func splitFields(s string) []string {
	var fields []string
	field := make([]byte, 0, 8)
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\n' {
			if len(field) > 0 {
				fields = append(fields, string(field))
				field = field[:0]
			}
			continue
		}
		field = append(field, s[i])
	}
	if len(field) > 0 {
		fields = append(fields, string(field))
	}
	return fields
}

func parseInt64(s string) (int64, error) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("backend: not a number: %q", s)
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}
