// Command backend hosts the Process Supervisor, QMP Transport, Block
// Device Model, Snapshot Engine, and Backend Driver (components 1-5):
// it reads command frames on stdin, writes response frames on stdout,
// and logs diagnostics to stderr. It is never invoked directly; the
// Driver Bridge (lib/bridge, component 6) forks it with stdin/stdout
// wired to anonymous pipes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onkernel/qemubackend/lib/backend"
	"github.com/onkernel/qemubackend/lib/blockdev"
	"github.com/onkernel/qemubackend/lib/bridge"
	"github.com/onkernel/qemubackend/lib/config"
	"github.com/onkernel/qemubackend/lib/logger"
	"github.com/onkernel/qemubackend/lib/netalloc"
	"github.com/onkernel/qemubackend/lib/otel"
	"github.com/onkernel/qemubackend/lib/paths"
	"github.com/onkernel/qemubackend/lib/snapshot"
	"github.com/onkernel/qemubackend/lib/supervisor"
)

func main() {
	// Signals are the parent's business. This process ignores INT/TERM
	// and exits when the parent closes the command pipe (stdin EOF),
	// which keeps teardown out of signal context entirely.
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)

	cfg := config.Load()
	p := paths.New(cfg.BaseDir)

	handler := logger.NewVMLogHandler(slog.NewJSONHandler(os.Stderr, nil), p.VMMLog())
	log := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProvider, otelShutdown, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "qemubackend",
		VMID:        cfg.BaseDir,
		Insecure:    true,
		Version:     otel.GoVersion(),
	})
	if err != nil {
		log.Warn("otel init failed, continuing without tracing", "error", err)
		otelProvider, otelShutdown, _ = otel.Init(ctx, otel.Config{})
	}
	defer otelShutdown(context.Background())

	model := blockdev.NewModel(cfg.BaseDir)
	if data, readErr := os.ReadFile(p.BlockDeviceModel()); readErr == nil {
		if err := model.ConfigureFromJSON(data); err != nil {
			log.Warn("failed to load persisted block device model, starting empty", "error", err)
		}
	} else if !os.IsNotExist(readErr) {
		log.Warn("failed to read persisted block device model", "error", readErr)
	}

	sup := supervisor.New(log)

	driver := backend.New(log, backend.VmConfig{}, model, sup, p.QMPSocket(), p.PIDFile(), p.RunMarker())
	driver.SetNetAllocator(netalloc.New(cfg.NonFatalDBusCall))
	if cfg.QemuBinary != "" {
		driver.SetBinaryOverride(cfg.QemuBinary)
	}

	engineCfg := snapshot.DefaultConfig()
	engineCfg.MaxMigrationTime = cfg.MaxMigrationTime
	engineCfg.IncomingMigrationTimeout = cfg.IncomingMigrationTimeout
	engineCfg.StopGracefulTimeout = cfg.GracefulStopTimeout
	engineCfg.StopForceTimeout = cfg.ForceStopTimeout
	engineCfg.BalloonTargetBytes = cfg.BalloonTarget.Bytes()

	engine := snapshot.New(log, otelProvider.TracerFor("snapshot"), model, sup, p, engineCfg, driver)
	driver.SetEngine(engine)

	d := &dispatcher{driver: driver, model: model}

	// The serve loop and the orphan reaper run under one errgroup: when
	// serve returns (parent closed the request pipe, or a write failed),
	// the shared context cancels and the reaper winds down with it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sup.ReapOrphans(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return serve(gctx, log, d, os.Stdin, os.Stdout)
	})

	if err := g.Wait(); err != nil && err != io.EOF {
		log.Error("backend: serve loop exited with error", "error", err)
		os.Exit(1)
	}
}

// serve reads one request frame at a time from r, dispatches it to
// completion, and writes the matching response frame to w before reading
// the next one. Every QMP round trip and migration wait happens inside
// dispatch, so there is never more than one command in flight.
func serve(ctx context.Context, log *slog.Logger, d *dispatcher, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req bridge.Request
			if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
				log.Warn("backend: malformed request frame", "error", jsonErr)
			} else {
				handleOne(ctx, log, d, req, w)
			}
		}
		if err != nil {
			return err
		}
	}
}

func handleOne(ctx context.Context, log *slog.Logger, d *dispatcher, req bridge.Request, w io.Writer) {
	payload := d.dispatch(ctx, req)
	if !payload.OK {
		log.Warn("backend: command failed", "cmd", req.Cmd, "message", payload.Message)
	}

	rspJSON, err := json.Marshal(payload)
	if err != nil {
		log.Error("backend: marshal response payload", "error", err)
		return
	}
	resp := bridge.Response{Token: req.Token, RSP: rspJSON}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("backend: marshal response frame", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.Error("backend: write response frame", "error", err)
	}
}

