package bridge

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SignalShutdown installs the parent-side signal handler. Signals are
// only ever caught here, never in the backend child: Go's os/signal
// delivery is async-signal-safe (the runtime handles the raw signal and
// posts to a channel), so the actual teardown runs in an ordinary
// goroutine, not in signal context.
//
// On SIGINT, SIGTERM, SIGHUP, or SIGALRM, it calls b.StopVM then b.Stop
// with a bounded escalation window, invokes onFailure to let the caller
// mark the current test result as failed, and exits the process with
// status 1.
func SignalShutdown(ctx context.Context, log *slog.Logger, b *Bridge, onFailure func()) {
	if log == nil {
		log = slog.Default()
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGALRM)

	go func() {
		sig := <-ch
		log.Warn("received signal, stopping vm", "signal", sig)

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.StopVM(stopCtx); err != nil {
			log.Warn("stop_vm during signal shutdown failed", "error", err)
		}
		if err := b.Stop(20*time.Second, 10*time.Second); err != nil {
			log.Warn("backend child did not exit cleanly during signal shutdown", "error", err)
		}

		if onFailure != nil {
			onFailure()
		}
		os.Exit(1)
	}()
}
