// Package logger provides structured logging on log/slog: a handler that
// tees every record to the VM's log file, and helpers that carry a logger
// in a context.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// VMLogHandler wraps an slog.Handler and additionally tees every record to
// a single VM's app log file. A backend driver process handles exactly one
// VM, so unlike a multi-tenant service there is no id-keyed fan-out: every
// record handled by this process belongs to the same VM.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type VMLogHandler struct {
	slog.Handler
	logPath  string
	preAttrs []slog.Attr
}

// NewVMLogHandler creates a new handler that wraps the given handler and
// tees records to logPath in addition to the wrapped handler's output.
func NewVMLogHandler(wrapped slog.Handler, logPath string) *VMLogHandler {
	return &VMLogHandler{
		Handler: wrapped,
		logPath: logPath,
	}
}

// Handle processes a log record, passing it to the wrapped handler and
// appending a line to the VM's app log file.
func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	h.writeToVMLog(r)
	return nil
}

// writeToVMLog appends a formatted line to the VM's app log file. Opens and
// closes the file for each write to avoid holding a handle across restarts.
func (h *VMLogHandler) writeToVMLog(r slog.Record) {
	if h.logPath == "" {
		return
	}

	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	var attrs []string
	for _, a := range h.preAttrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	dir := filepath.Dir(h.logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("failed to create vm log directory", "path", dir, "error", err)
		return
	}

	f, err := os.OpenFile(h.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open vm log file", "path", h.logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed to write to vm log file", "path", h.logPath, "error", err)
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *VMLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes.
func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &VMLogHandler{
		Handler:  h.Handler.WithAttrs(attrs),
		logPath:  h.logPath,
		preAttrs: newPreAttrs,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	return &VMLogHandler{
		Handler:  h.Handler.WithGroup(name),
		logPath:  h.logPath,
		preAttrs: h.preAttrs,
	}
}
