package backend

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/qemubackend/lib/blockdev"
	"github.com/onkernel/qemubackend/lib/paths"
	"github.com/onkernel/qemubackend/lib/qmp"
	"github.com/onkernel/qemubackend/lib/snapshot"
	"github.com/onkernel/qemubackend/lib/supervisor"
)

// fakeQMPServer is a minimal scripted QMP server, mirroring lib/qmp's own
// test fixture.
type fakeQMPServer struct {
	t        *testing.T
	listener *net.UnixListener
	scripts  map[string][]string
}

func newFakeQMPServer(t *testing.T, socketPath string) *fakeQMPServer {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	require.NoError(t, err)
	l, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	srv := &fakeQMPServer{t: t, listener: l, scripts: make(map[string][]string)}
	go srv.serve()
	return srv
}

func (f *fakeQMPServer) script(execute string, responseLines ...string) {
	f.scripts[execute] = responseLines
}

func (f *fakeQMPServer) serve() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(`{"QMP":{"version":{},"capabilities":[]}}` + "\n"))

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var cmd qmp.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			continue
		}
		if cmd.Execute == "qmp_capabilities" {
			conn.Write([]byte(`{"return":{}}` + "\n"))
			continue
		}
		queue := f.scripts[cmd.Execute]
		if len(queue) == 0 {
			conn.Write([]byte(`{"return":{}}` + "\n"))
			continue
		}
		resp := queue[0]
		f.scripts[cmd.Execute] = queue[1:]
		conn.Write([]byte(resp + "\n"))
	}
}

func (f *fakeQMPServer) close() { f.listener.Close() }

func newTestDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	dir := t.TempDir()
	model := blockdev.NewModel(dir)
	sup := supervisor.New(nil)
	sock := filepath.Join(dir, "qmp.sock")
	d := New(nil, VmConfig{}, model, sup, sock, filepath.Join(dir, "qemu.pid"), filepath.Join(dir, "backend.run"))
	return d, sock
}

func TestIsShutdown_NoQMPReportsShutdownTrue(t *testing.T) {
	d, _ := newTestDriver(t)
	result, err := d.IsShutdown()
	require.NoError(t, err)
	require.Equal(t, true, result.Data["shutdown"])
}

func TestIsShutdown_UsesLiveQueryStatus(t *testing.T) {
	d, sock := newTestDriver(t)
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-status", `{"return":{"running":true,"singlestep":false,"status":"running"}}`)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()
	d.qmp = client

	result, err := d.IsShutdown()
	require.NoError(t, err)
	require.Equal(t, false, result.Data["shutdown"])
}

func TestPower_WithoutRunningVMFails(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.Power("shutdown")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestPower_UnknownActionFails(t *testing.T) {
	d, sock := newTestDriver(t)
	srv := newFakeQMPServer(t, sock)
	defer srv.close()

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()
	d.qmp = client

	_, err = d.Power("reboot-and-dance")
	require.Error(t, err)
}

func TestEjectCD_IssuesEjectOnCD0(t *testing.T) {
	d, sock := newTestDriver(t)
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("eject", `{"return":{}}`)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()
	d.qmp = client

	result, err := d.EjectCD()
	require.NoError(t, err)
	require.True(t, result.OK)
}

func TestFreezeVM_StopsQMPAndRaisesPollInterval(t *testing.T) {
	d, sock := newTestDriver(t)
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("stop", `{"return":{}}`)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()
	d.qmp = client

	_, err = d.FreezeVM()
	require.NoError(t, err)
	require.Equal(t, 1000, d.flags.RequestIntervalMs)
}

func TestContVM_WithoutRunningVMFails(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.ContVM()
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestCanHandle_UnsupportedWithoutEngine(t *testing.T) {
	d, _ := newTestDriver(t)
	result, err := d.CanHandle("snapshots")
	require.NoError(t, err)
	require.Equal(t, false, result.Data["supported"])
}

func TestCanHandle_SnapshotsSupportedWithEngine(t *testing.T) {
	d, _ := newTestDriver(t)
	engine := snapshot.New(nil, nil, d.model, d.sup, paths.New(t.TempDir()), snapshot.DefaultConfig(), d)
	d.SetEngine(engine)

	result, err := d.CanHandle("snapshots")
	require.NoError(t, err)
	require.Equal(t, true, result.Data["supported"])
}
