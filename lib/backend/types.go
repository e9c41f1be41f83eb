// Package backend is the command dispatcher exposed to the Driver
// Bridge: it translates high-level commands (start_vm, stop_vm,
// save_snapshot, load_snapshot, power, eject_cd, extract_assets,
// mouse_hide, audio capture) into QMP flows and Block Device Model
// mutations.
package backend

// FirmwareMode is the closed set of VM firmware configurations.
type FirmwareMode string

const (
	FirmwareBIOS       FirmwareMode = "bios"
	FirmwareUEFISplit  FirmwareMode = "uefi-split"
	FirmwareUEFISingle FirmwareMode = "uefi-single"
)

// NicType is the closed set of networking backends.
type NicType string

const (
	NicUser NicType = "user"
	NicTap  NicType = "tap"
	NicVDE  NicType = "vde"
)

// Arch is the target CPU architecture tag.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
	ArchPPC64   Arch = "ppc64"
)

// NIC describes one network interface to attach.
type NIC struct {
	Type NicType `json:"type"`
	MAC  string  `json:"mac,omitempty"`
	// Tap is the host tap device name; required when Type == NicTap.
	Tap string `json:"tap,omitempty"`
	// VDESocket is the VDE switch management socket path; required when
	// Type == NicVDE.
	VDESocket string `json:"vde_socket,omitempty"`
}

// TPM describes an optional TPM device passthrough.
type TPM struct {
	Enabled bool   `json:"enabled"`
	Socket  string `json:"socket,omitempty"`
}

// Audio describes the VM's audio backend.
type Audio struct {
	Enabled    bool   `json:"enabled"`
	AudiodevID string `json:"audiodev_id,omitempty"`
}

// VmConfig is frozen at start_vm: the Driver Bridge marshals one of these
// into the start_vm command's arguments, and it is never mutated again
// for the lifetime of the QEMU process it describes.
type VmConfig struct {
	Arch         Arch         `json:"arch"`
	CPUCount     int          `json:"cpu_count"`
	RAMMiB       int          `json:"ram_mib"`
	MachineType  string       `json:"machine_type,omitempty"`
	Firmware     FirmwareMode `json:"firmware"`
	BootOrder    string       `json:"boot_order,omitempty"`
	Nics         []NIC        `json:"nics,omitempty"`
	ConsoleCount int          `json:"console_count"`
	TPM          TPM          `json:"tpm"`
	Audio        Audio        `json:"audio"`
	DelayedStart bool         `json:"delayed_start"`
	WorkerID     string       `json:"worker_id"`
}

// RuntimeFlags holds the mutable, explicit-setter configuration threaded
// through operations at runtime rather than a process-wide variables map.
// Derived once at start_vm; subsequent mutations are explicit.
type RuntimeFlags struct {
	RequestIntervalMs int // VNC polling interval; raised to 1000ms while frozen
	StopOnlyQemu      bool
	OVMFCodePath      string
	OVMFVarsPath      string
}

// UpdateRequestInterval is the one sanctioned runtime mutation point for
// RuntimeFlags; subsequent mutations are explicit via dedicated setters.
func (r *RuntimeFlags) UpdateRequestInterval(ms int) {
	r.RequestIntervalMs = ms
}

// Result is the payload half of a command's {ok}/{error,message} frame.
type Result struct {
	OK   bool
	Data map[string]any
}
