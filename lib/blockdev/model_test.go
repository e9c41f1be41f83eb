package blockdev

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestModel(t *testing.T, dir string) *Model {
	t.Helper()
	m := NewModel(dir)

	_, err := m.AddController("virtio-scsi-pci", "scsi0")
	require.NoError(t, err)

	drive, err := m.AddDrive("hd0", MediaDisk, dir+"/base.qcow2", "qcow2", 10<<30)
	require.NoError(t, err)

	_, err = m.Attach(drive.ID, "scsi0")
	require.NoError(t, err)

	return m
}

func TestAddDrive_DuplicateIDRejected(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	_, err := m.AddDrive("hd0", MediaDisk, "/x", "qcow2", 0)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestAttach_UnknownControllerRejected(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	_, err := m.Attach("hd0", "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInvariants_PassesForWellFormedModel(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	require.NoError(t, m.Invariants())
}

func TestInvariants_FailsForDriveWithoutPath(t *testing.T) {
	m := NewModel(t.TempDir())
	_, err := m.AddDrive("hd0", MediaDisk, "/x", "qcow2", 0)
	require.NoError(t, err)
	require.Error(t, m.Invariants())
}

func TestCanHandleSnapshots_FalseForNVMe(t *testing.T) {
	m := NewModel(t.TempDir())
	_, err := m.AddController("nvme", "nvme0")
	require.NoError(t, err)
	require.False(t, m.CanHandleSnapshots())
}

func TestCanHandleSnapshots_TrueWithoutNVMe(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	require.True(t, m.CanHandleSnapshots())
}

func TestRecordSnapshot_RejectsNonMonotonicSequence(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	require.NoError(t, m.RecordSnapshot("s1", 1, "vm-snapshots/s1", map[string]string{}))
	err := m.RecordSnapshot("s2", 1, "vm-snapshots/s2", map[string]string{})
	require.ErrorIs(t, err, ErrSequenceNotMonotonic)
}

func TestModel_JSONRoundTrip(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	require.NoError(t, m.RecordSnapshot("s1", 1, "vm-snapshots/s1", map[string]string{"hd0": "hd0-1"}))

	data, err := json.Marshal(m)
	require.NoError(t, err)

	restored := &Model{}
	require.NoError(t, json.Unmarshal(data, restored))

	require.Equal(t, m.Controllers(), restored.Controllers())
	require.Equal(t, m.Drives(), restored.Drives())
	require.Equal(t, m.Snapshots(), restored.Snapshots())

	data2, err := json.Marshal(restored)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(data2))
}

func TestArgs_MultipathDeviceIDsAreUnique(t *testing.T) {
	dir := t.TempDir()
	m := NewModel(dir)

	for _, id := range []string{"scsi0", "scsi1", "scsi2"} {
		_, err := m.AddController("virtio-scsi-pci", id)
		require.NoError(t, err)
	}
	drive, err := m.AddDrive("hd0", MediaDisk, dir+"/base.qcow2", "qcow2", 10<<30)
	require.NoError(t, err)
	for _, ctrl := range []string{"scsi0", "scsi1", "scsi2"} {
		_, err := m.Attach(drive.ID, ctrl)
		require.NoError(t, err)
	}

	args := m.Args()
	seen := map[string]bool{}
	for _, arg := range args {
		for _, field := range strings.Split(arg, ",") {
			if strings.HasPrefix(field, "id=hd0-dev-") {
				require.False(t, seen[field], "duplicate device id %s", field)
				seen[field] = true
			}
		}
	}
	require.Len(t, seen, 3)
}

func TestArgs_DeterministicForFixedModel(t *testing.T) {
	m := buildTestModel(t, t.TempDir())
	first := m.Args()
	second := m.Args()
	require.Equal(t, first, second)
	require.Contains(t, first, "-device")
}

func TestDriveMedia_RejectsUnknownValue(t *testing.T) {
	var media DriveMedia
	err := json.Unmarshal([]byte(`"floppy"`), &media)
	require.Error(t, err)
}
