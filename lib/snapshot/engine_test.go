package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/onkernel/qemubackend/lib/blockdev"
	"github.com/onkernel/qemubackend/lib/paths"
	"github.com/onkernel/qemubackend/lib/qmp"
	"github.com/onkernel/qemubackend/lib/supervisor"
)

// fakeQMPServer is a minimal scripted QMP server, mirroring lib/qmp's own
// test fixture: a greeting, then one queued response line per "execute"
// name, consumed in order.
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

func newTestEngine(t *testing.T, client *qmp.Client) *Engine {
	t.Helper()
	dir := t.TempDir()
	model := blockdev.NewModel(dir)
	sup := supervisor.New(nil)
	p := paths.New(dir)
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BalloonSettleInterval = 10 * time.Millisecond
	e := New(nil, noop.NewTracerProvider().Tracer(""), model, sup, p, cfg, nil)
	e.SetQMP(client)
	return e
}

func TestInflateBalloon_StopsOnceActualSettles(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-balloon",
		`{"return":{"actual":100}}`,
		`{"return":{"actual":50}}`,
		`{"return":{"actual":50}}`,
	)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	e.cfg.BalloonTargetBytes = 1 << 20

	err = e.inflateBalloon(context.Background())
	require.NoError(t, err)
}

func TestInflateBalloon_TimesOutIfActualNeverSettles(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-balloon",
		`{"return":{"actual":100}}`,
		`{"return":{"actual":90}}`,
		`{"return":{"actual":80}}`,
	)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	e.cfg.BalloonTargetBytes = 1 << 20
	e.cfg.BalloonSettleAttempts = 3

	err = e.inflateBalloon(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPollMigration_CompletesOnStatusCompleted(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-migrate",
		`{"return":{"status":"active","ram":{"total":100,"remaining":50,"transferred":50}}}`,
		`{"return":{"status":"completed","ram":{"total":100,"remaining":0,"transferred":100}}}`,
	)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	err = e.pollMigration(context.Background(), nil, time.Second)
	require.NoError(t, err)
}

func TestPollMigration_FailsOnStatusFailed(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-migrate", `{"return":{"status":"failed"}}`)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	err = e.pollMigration(context.Background(), nil, time.Second)
	require.ErrorIs(t, err, ErrMigrationFailed)
}

func TestPollMigration_CancelsOnDeadlineExceeded(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-migrate", `{"return":{"status":"active","ram":{"total":100,"remaining":99,"transferred":1}}}`)
	srv.script("migrate_cancel", `{"return":{}}`)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	e.cfg.PollInterval = 5 * time.Millisecond

	err = e.pollMigration(context.Background(), nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitWhileStatus_ReturnsOnceStatusLeavesSet(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-status",
		`{"return":{"running":false,"singlestep":false,"status":"inmigrate"}}`,
		`{"return":{"running":true,"singlestep":false,"status":"running"}}`,
	)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	err = e.waitWhileStatus(context.Background(), []string{"inmigrate"}, time.Second)
	require.NoError(t, err)
}

func TestWaitUntilLeavesMigrating_MatchesSubstring(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("query-status",
		`{"return":{"running":false,"singlestep":false,"status":"finish-migrate"}}`,
		`{"return":{"running":true,"singlestep":false,"status":"running"}}`,
	)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	err = e.waitUntilLeavesMigrating(context.Background(), time.Second)
	require.NoError(t, err)
}

func TestSnapshotSyncWithFallback_RetriesByDeviceOnNodeError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "qmp.sock")
	srv := newFakeQMPServer(t, sock)
	defer srv.close()
	srv.script("blockdev-snapshot-sync",
		`{"error":{"class":"GenericError","desc":"no such node"}}`,
		`{"return":{}}`,
	)

	client, err := qmp.Dial(sock, nil)
	require.NoError(t, err)
	defer client.Close()

	e := newTestEngine(t, client)
	overlay := &blockdev.Overlay{NodeName: "node0", BackingNode: "dev0", File: "/tmp/snap.qcow2", Driver: "qcow2"}
	err = e.snapshotSyncWithFallback(overlay)
	require.NoError(t, err)
}

func TestSave_UnsupportedWhenModelCannotHandleSnapshots(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.model.AddController("nvme", "nvme0")
	require.NoError(t, err)
	err = e.Save(context.Background(), "snap1")
	require.ErrorIs(t, err, ErrUnsupported)
}
