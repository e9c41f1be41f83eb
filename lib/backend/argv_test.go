package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/qemubackend/lib/blockdev"
)

func testVmConfig() VmConfig {
	return VmConfig{
		Arch:     ArchX86_64,
		CPUCount: 2,
		RAMMiB:   2048,
		Nics:     []NIC{{Type: NicUser}},
	}
}

func testModel(t *testing.T) *blockdev.Model {
	t.Helper()
	dir := t.TempDir()
	m := blockdev.NewModel(dir)
	_, err := m.AddController("virtio-scsi-pci", "scsi0")
	require.NoError(t, err)
	drive, err := m.AddDrive("hd0", blockdev.MediaDisk, dir+"/base.qcow2", "qcow2", 10<<30)
	require.NoError(t, err)
	_, err = m.Attach(drive.ID, "scsi0")
	require.NoError(t, err)
	return m
}

func TestBuildArgs_ContainsControlSurface(t *testing.T) {
	flags := &RuntimeFlags{}
	args, err := BuildArgs(testVmConfig(), flags, testModel(t), "/run/vm/qmp_socket", "/run/vm/serial0")
	require.NoError(t, err)

	require.Contains(t, args, "-S")
	require.Contains(t, args, "-no-shutdown")
	require.Contains(t, args, "chardev:qmp_socket")
	require.Contains(t, args, "chardev:serial0")
	// No NVMe in the model, so snapshots are supported.
	require.Contains(t, args, "-only-migratable")
}

func TestBuildArgs_DeterministicForFixedInputs(t *testing.T) {
	cfg := testVmConfig()
	model := testModel(t)
	first, err := BuildArgs(cfg, &RuntimeFlags{}, model, "/run/vm/qmp_socket", "/run/vm/serial0")
	require.NoError(t, err)
	second, err := BuildArgs(cfg, &RuntimeFlags{}, model, "/run/vm/qmp_socket", "/run/vm/serial0")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBuildArgs_OmitsOnlyMigratableForNVMe(t *testing.T) {
	dir := t.TempDir()
	m := blockdev.NewModel(dir)
	_, err := m.AddController("nvme", "nvme0")
	require.NoError(t, err)
	drive, err := m.AddDrive("hd0", blockdev.MediaDisk, dir+"/base.qcow2", "qcow2", 10<<30)
	require.NoError(t, err)
	_, err = m.Attach(drive.ID, "nvme0")
	require.NoError(t, err)

	args, err := BuildArgs(testVmConfig(), &RuntimeFlags{}, m, "/run/vm/qmp_socket", "/run/vm/serial0")
	require.NoError(t, err)
	require.NotContains(t, args, "-only-migratable")
}

func TestBuildArgs_BootOrderEmittedWhenSet(t *testing.T) {
	cfg := testVmConfig()
	cfg.BootOrder = "cd"
	args, err := BuildArgs(cfg, &RuntimeFlags{}, testModel(t), "/run/vm/qmp_socket", "/run/vm/serial0")
	require.NoError(t, err)
	require.Contains(t, args, "order=cd")
}

func TestBuildArgs_UnknownArchRejected(t *testing.T) {
	cfg := testVmConfig()
	cfg.Arch = "mips"
	_, err := BuildArgs(cfg, &RuntimeFlags{}, testModel(t), "/run/vm/qmp_socket", "/run/vm/serial0")
	require.ErrorIs(t, err, ErrConfig)
}

func TestSynthesizeMAC_StableAndLocallyAdministered(t *testing.T) {
	first := synthesizeMAC("worker7", 0)
	second := synthesizeMAC("worker7", 0)
	require.Equal(t, first, second)
	require.NotEqual(t, first, synthesizeMAC("worker7", 1))
	require.Regexp(t, `^52:54:00(:[0-9a-f]{2}){3}$`, first)
}

func TestDeriveVarsPath_SubstitutesCodeForVars(t *testing.T) {
	require.Equal(t, "/usr/share/OVMF/OVMF_VARS.fd", deriveVarsPath("/usr/share/OVMF/OVMF_CODE.fd"))
}
