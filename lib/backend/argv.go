package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/onkernel/qemubackend/lib/blockdev"
)

// ovmfCandidates are scanned in order to locate the OVMF firmware code
// image; distributions disagree on where it lives.
var ovmfCandidates = []string{
	"/usr/share/OVMF/OVMF_CODE.fd",
	"/usr/share/ovmf/OVMF.fd",
	"/usr/share/edk2/ovmf/OVMF_CODE.fd",
	"/usr/share/qemu/OVMF.fd",
}

// locateOVMF scans ovmfCandidates for the firmware code image and derives
// the vars-file path by substituting "code" with "vars" in the filename
// (case-insensitively).
func locateOVMF() (codePath, varsPath string, err error) {
	for _, candidate := range ovmfCandidates {
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, deriveVarsPath(candidate), nil
		}
	}
	return "", "", fmt.Errorf("%w: no OVMF firmware found in candidate paths", ErrConfig)
}

func deriveVarsPath(codePath string) string {
	replacer := strings.NewReplacer("CODE", "VARS", "code", "vars", "Code", "Vars")
	return replacer.Replace(codePath)
}

// BuildArgs converts a VmConfig, a RuntimeFlags, and a blockdev.Model
// into QEMU command-line arguments. Deterministic given fixed inputs.
func BuildArgs(cfg VmConfig, flags *RuntimeFlags, model *blockdev.Model, socketPath, serialLogPath string) ([]string, error) {
	args := make([]string, 0, 64)

	machine, err := machineArgs(cfg)
	if err != nil {
		return nil, err
	}
	args = append(args, machine...)

	args = append(args, "-smp", strconv.Itoa(cfg.CPUCount))
	args = append(args, "-m", fmt.Sprintf("%dM", cfg.RAMMiB))

	if cfg.BootOrder != "" {
		args = append(args, "-boot", "order="+cfg.BootOrder)
	}

	firmwareArgs, err := firmwareArgs(cfg, flags)
	if err != nil {
		return nil, err
	}
	args = append(args, firmwareArgs...)

	// QMP chardev + control socket, bit-exact.
	args = append(args, "-chardev", fmt.Sprintf("socket,id=qmp_socket,path=%s,server,nowait", socketPath))
	args = append(args, "-qmp", "chardev:qmp_socket")

	args = append(args, networkArgs(cfg.Nics, cfg.WorkerID)...)
	args = append(args, consoleArgs(cfg, serialLogPath, filepath.Dir(socketPath))...)

	if cfg.TPM.Enabled {
		args = append(args, "-chardev", fmt.Sprintf("socket,id=tpm0,path=%s", cfg.TPM.Socket))
		args = append(args, "-tpmdev", "emulator,id=tpm0,chardev=tpm0")
		args = append(args, "-device", "tpm-tis,tpmdev=tpm0")
	}

	if cfg.Audio.Enabled {
		args = append(args, "-audiodev", fmt.Sprintf("none,id=%s", cfg.Audio.AudiodevID))
	}

	args = append(args, model.Args()...)

	// Snapshot prerequisite: -only-migratable iff snapshots are supported.
	if model.CanHandleSnapshots() {
		args = append(args, "-only-migratable")
	}

	// Startup gating: always -S, no-shutdown; cont issued after QMP
	// handshake unless delayed start.
	args = append(args, "-S", "-no-shutdown")

	args = append(args, "-nographic", "-nodefaults")

	return args, nil
}

func machineArgs(cfg VmConfig) ([]string, error) {
	machineType := cfg.MachineType

	switch cfg.Arch {
	case ArchAarch64:
		// aarch64/arm: always virtio-gpu-pci (there is no VGA override),
		// force USB keyboard, no ISA FDC.
		if machineType == "" {
			machineType = "virt"
		}
		return []string{
			"-machine", machineType + ",accel=kvm",
			"-device", "virtio-gpu-pci",
			"-device", "usb-kbd",
		}, nil
	case ArchPPC64:
		// PPC64 (OFW): always -vga std and the cap-cfpc/sbbc/ibs=broken
		// workaround flags; the QEMU version is not checked.
		if machineType == "" {
			machineType = "pseries"
		}
		return []string{
			"-machine", machineType + ",accel=kvm,cap-cfpc=broken,cap-sbbc=broken,cap-ibs=broken",
			"-vga", "std",
		}, nil
	case ArchX86_64, "":
		if machineType == "" {
			machineType = "q35"
		}
		return []string{"-machine", machineType + ",accel=kvm", "-cpu", "host"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown architecture %q", ErrConfig, cfg.Arch)
	}
}

func firmwareArgs(cfg VmConfig, flags *RuntimeFlags) ([]string, error) {
	switch cfg.Firmware {
	case FirmwareBIOS, "":
		return nil, nil
	case FirmwareUEFISplit, FirmwareUEFISingle:
		if cfg.Arch != ArchX86_64 && cfg.Arch != "" {
			return nil, nil // only x86_64 locates OVMF by scan
		}
		codePath, varsPath, err := locateOVMF()
		if err != nil {
			return nil, err
		}
		flags.OVMFCodePath = codePath
		flags.OVMFVarsPath = varsPath
		if cfg.Firmware == FirmwareUEFISingle {
			return []string{"-bios", codePath}, nil
		}
		return []string{
			"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", codePath),
			"-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", varsPath),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown firmware mode %q", ErrConfig, cfg.Firmware)
	}
}

// networkArgs emits one -netdev/-device pair per NIC. Modes: user
// (SLIRP), tap (external script), vde (management socket to a user-space
// switch). MAC addresses are synthesized from the worker id if not given.
func networkArgs(nics []NIC, workerID string) []string {
	var args []string
	for i, nic := range nics {
		id := fmt.Sprintf("net%d", i)
		mac := nic.MAC
		if mac == "" {
			mac = synthesizeMAC(workerID, i)
		}

		switch nic.Type {
		case NicTap:
			args = append(args, "-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", id, nic.Tap))
		case NicVDE:
			args = append(args, "-netdev", fmt.Sprintf("vde,id=%s,sock=%s", id, nic.VDESocket))
		case NicUser, "":
			args = append(args, "-netdev", fmt.Sprintf("user,id=%s", id))
		}
		args = append(args, "-device", fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", id, mac))
	}
	return args
}

func synthesizeMAC(workerID string, index int) string {
	var sum uint32
	for _, r := range workerID {
		sum = sum*31 + uint32(r)
	}
	sum += uint32(index)
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", (sum>>16)&0xff, (sum>>8)&0xff, sum&0xff)
}

// consoleArgs always emits a ringbuf chardev for serial0 (bit-exact).
// If cfg.ConsoleCount > 0, adds a virtio-serial bus and N virtconsole
// devices bound to named pipes under <baseDir>/console; QEMU's pipe
// chardev appends .in/.out to the given path itself.
func consoleArgs(cfg VmConfig, serialLogPath, baseDir string) []string {
	args := []string{
		"-chardev", fmt.Sprintf("ringbuf,id=serial0,logfile=%s,logappend=on", serialLogPath),
		"-serial", "chardev:serial0",
	}

	if cfg.ConsoleCount > 0 {
		args = append(args, "-device", "virtio-serial")
		for i := 0; i < cfg.ConsoleCount; i++ {
			chardevID := fmt.Sprintf("console%d", i)
			fifoBase := filepath.Join(baseDir, "console", chardevID)
			args = append(args, "-chardev", fmt.Sprintf("pipe,id=%s,path=%s", chardevID, fifoBase))
			args = append(args, "-device", fmt.Sprintf("virtconsole,chardev=%s", chardevID))
		}
	}

	return args
}
