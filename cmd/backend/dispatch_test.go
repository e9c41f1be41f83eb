package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/qemubackend/lib/backend"
	"github.com/onkernel/qemubackend/lib/blockdev"
	"github.com/onkernel/qemubackend/lib/bridge"
	"github.com/onkernel/qemubackend/lib/supervisor"
)

func newTestDispatcher(t *testing.T) *dispatcher {
	t.Helper()
	dir := t.TempDir()
	model := blockdev.NewModel(dir)
	sup := supervisor.New(nil)
	driver := backend.New(nil, backend.VmConfig{}, model, sup, dir+"/qmp.sock", dir+"/qemu.pid", dir+"/backend.run")
	return &dispatcher{driver: driver, model: model}
}

func TestDispatch_UnknownCommandReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	payload := d.dispatch(context.Background(), bridge.Request{Cmd: "not_a_real_command", Token: 1})
	require.False(t, payload.OK)
	require.NotEmpty(t, payload.Message)
}

func TestDispatch_IsShutdownWithNoQMPReportsShutdown(t *testing.T) {
	d := newTestDispatcher(t)
	payload := d.dispatch(context.Background(), bridge.Request{Cmd: "is_shutdown", Token: 1})
	require.True(t, payload.OK)
	require.Equal(t, true, payload.Data["shutdown"])
}

func TestDispatch_EjectCDWithoutRunningVMFails(t *testing.T) {
	d := newTestDispatcher(t)
	payload := d.dispatch(context.Background(), bridge.Request{Cmd: "eject_cd", Token: 1})
	require.False(t, payload.OK)
}

func TestDispatch_MalformedArgumentsReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	payload := d.dispatch(context.Background(), bridge.Request{
		Cmd:       "power",
		Arguments: json.RawMessage(`{"action": 5}`), // action must be a string
		Token:     1,
	})
	require.False(t, payload.OK)
}

func TestDispatch_CanHandleWithoutEngineReportsUnsupported(t *testing.T) {
	d := newTestDispatcher(t)
	payload := d.dispatch(context.Background(), bridge.Request{
		Cmd:       "can_handle",
		Arguments: json.RawMessage(`{"function":"snapshots"}`),
		Token:     1,
	})
	require.True(t, payload.OK)
	require.Equal(t, false, payload.Data["supported"])
}

func TestDispatch_ConfigureModelAppliesTopology(t *testing.T) {
	d := newTestDispatcher(t)

	dir := t.TempDir()
	source := blockdev.NewModel(dir)
	_, err := source.AddController("virtio-scsi-pci", "scsi0")
	require.NoError(t, err)
	_, err = source.AddDrive("hd0", blockdev.MediaDisk, dir+"/base.qcow2", "qcow2", 10<<30)
	require.NoError(t, err)
	raw, err := json.Marshal(source)
	require.NoError(t, err)

	payload := d.dispatch(context.Background(), bridge.Request{
		Cmd:       "configure_model",
		Arguments: raw,
		Token:     1,
	})
	require.True(t, payload.OK)
	require.Contains(t, d.model.(*blockdev.Model).DriveIDs(), "hd0")
}
